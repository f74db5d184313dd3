package jmapserver

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xet7/jmap-server/blob"
)

type options struct {
	inMemory     bool
	syncWrites   bool
	rebuildIndex bool

	blobStore   blob.Store
	maxBlobSize int64

	cacheCapacity int64
	cacheTTI      time.Duration

	clusterAddr   string
	clusterSecret []byte
	clusterPeers  []string

	metricsReg prometheus.Registerer
	logger     *Logger
}

// Option configures Open behavior.
type Option func(*options)

// WithInMemory keeps all state in memory. For tests; nothing survives
// Close.
func WithInMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithSyncWrites makes every commit durable on disk before returning.
// Slower, but a crash loses nothing.
func WithSyncWrites() Option {
	return func(o *options) {
		o.syncWrites = true
	}
}

// WithRebuildIndex discards any persisted index segment and rebuilds the
// index from the document store on open. The explicit repair path after
// Open fails with an IntegrityError on a damaged segment.
func WithRebuildIndex() Option {
	return func(o *options) {
		o.rebuildIndex = true
	}
}

// WithBlobStore substitutes the blob backend, e.g. an S3-compatible store
// from the blob/minio package. The default is a local sharded directory
// under the data path.
func WithBlobStore(s blob.Store) Option {
	return func(o *options) {
		o.blobStore = s
	}
}

// WithMaxBlobSize rejects blobs above limit bytes with a CapacityError.
// Zero means unlimited.
func WithMaxBlobSize(limit int64) Option {
	return func(o *options) {
		o.maxBlobSize = limit
	}
}

// WithCache tunes the query result cache: total byte capacity and
// per-entry time-to-idle. Zero values keep the defaults.
func WithCache(capacity int64, timeToIdle time.Duration) Option {
	return func(o *options) {
		o.cacheCapacity = capacity
		o.cacheTTI = timeToIdle
	}
}

// WithCluster enables replication: listen on addr, authenticate with the
// shared secret, and join the cluster through the given peer addresses.
// An empty peer list bootstraps a new cluster.
func WithCluster(addr string, secret []byte, peers ...string) Option {
	return func(o *options) {
		o.clusterAddr = addr
		o.clusterSecret = secret
		o.clusterPeers = peers
	}
}

// WithMetrics registers Prometheus collectors on reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.metricsReg = reg
	}
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel is shorthand for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
