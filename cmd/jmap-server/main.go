// Command jmap-server runs one node of the replicated document store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	jmapserver "github.com/xet7/jmap-server"
	blobminio "github.com/xet7/jmap-server/blob/minio"
	"github.com/xet7/jmap-server/config"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "jmap-server",
		Short:         "Replicated document indexing and storage node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(compactCmd(&cfgPath))
	root.AddCommand(versionCmd())
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	var (
		listenAddr   string
		dataDir      string
		clusterAddr  string
		peers        []string
		rebuildIndex bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if dataDir != "" {
				cfg.Storage.DataDir = dataDir
			}
			if clusterAddr != "" {
				cfg.Cluster.ListenAddr = clusterAddr
			}
			if len(peers) > 0 {
				cfg.Cluster.Peers = peers
			}

			var extra []jmapserver.Option
			if rebuildIndex {
				extra = append(extra, jmapserver.WithRebuildIndex())
			}
			store, logger, err := openFromConfig(cmd.Context(), cfg, extra...)
			if err != nil {
				return err
			}
			logger.Info("node up", "listenAddr", cfg.Server.ListenAddr, "node", store.NodeID())

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info("shutting down")

			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return store.Close()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "override server.listenAddr")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override storage.dataDir")
	cmd.Flags().StringVar(&clusterAddr, "cluster-addr", "", "override cluster.listenAddr")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "override cluster.peers (repeatable)")
	cmd.Flags().BoolVar(&rebuildIndex, "rebuild-index", false, "discard the persisted index segment and rebuild from documents")
	return cmd
}

func compactCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim acknowledged log entries and unreferenced blobs, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			// Compaction runs against a quiesced store; clustering stays
			// off so the floor is the local log head.
			cfg.Cluster.ListenAddr = ""

			store, _, err := openFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Compact(cmd.Context()); err != nil {
				store.Close()
				return err
			}
			return store.Close()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// openFromConfig translates file configuration into facade options.
func openFromConfig(ctx context.Context, cfg *config.Config, extra ...jmapserver.Option) (*jmapserver.Store, *jmapserver.Logger, error) {
	logger := buildLogger(cfg.Logging)

	opts := []jmapserver.Option{
		jmapserver.WithLogger(logger),
		jmapserver.WithCache(int64(cfg.Cache.CapacityMB)<<20, cfg.Cache.TimeToIdle),
		jmapserver.WithMaxBlobSize(cfg.Blob.MaxBlobSize),
	}
	if cfg.Storage.SyncWrites {
		opts = append(opts, jmapserver.WithSyncWrites())
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, jmapserver.WithMetrics(prometheus.DefaultRegisterer))
	}

	if cfg.Blob.Backend == "s3" {
		client, err := minio.New(cfg.Blob.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Blob.AccessKey, cfg.Blob.SecretKey, ""),
			Secure: cfg.Blob.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to object storage: %w", err)
		}
		opts = append(opts, jmapserver.WithBlobStore(blobminio.NewStore(client, cfg.Blob.Bucket, "blobs/")))
	}

	if cfg.Cluster.ListenAddr != "" {
		secret, err := cfg.ClusterSecret()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, jmapserver.WithCluster(cfg.Cluster.ListenAddr, secret, cfg.Cluster.Peers...))
	}
	opts = append(opts, extra...)

	store, err := jmapserver.Open(ctx, cfg.Storage.DataDir, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, logger, nil
}

func buildLogger(cfg config.LoggingConfig) *jmapserver.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.Format == "json" {
		return jmapserver.NewJSONLogger(level)
	}
	return jmapserver.NewTextLogger(level)
}
