package jmapserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xet7/jmap-server/cluster"
)

// metrics holds the Prometheus instruments for one Store. All of them are
// optional: with no registerer configured, a nil metrics is a no-op.
type metrics struct {
	commits      *prometheus.CounterVec
	commitErrors prometheus.Counter
	queries      prometheus.Counter
	queryErrors  prometheus.Counter
	queryLatency prometheus.Histogram

	cacheHits   prometheus.CounterFunc
	cacheMisses prometheus.CounterFunc

	blobPuts     prometheus.Counter
	blobBytesIn  prometheus.Counter
	appliedTotal *prometheus.CounterVec
	peersActive  prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, s *Store) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Committed document mutations by operation.",
		}, []string{"op"}),
		commitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "store",
			Name:      "commit_errors_total",
			Help:      "Commits that failed.",
		}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "store",
			Name:      "queries_total",
			Help:      "Evaluated queries.",
		}),
		queryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "store",
			Name:      "query_errors_total",
			Help:      "Queries that failed.",
		}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jmap",
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Query evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		cacheHits: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Query cache hits.",
		}, func() float64 {
			hits, _ := s.cache.Stats()
			return float64(hits)
		}),
		cacheMisses: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Query cache misses.",
		}, func() float64 {
			_, misses := s.cache.Stats()
			return float64(misses)
		}),
		blobPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "blob",
			Name:      "puts_total",
			Help:      "Blob store writes, including deduplicated ones.",
		}),
		blobBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "blob",
			Name:      "put_bytes_total",
			Help:      "Uncompressed bytes offered to the blob store.",
		}),
		appliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jmap",
			Subsystem: "cluster",
			Name:      "applied_entries_total",
			Help:      "Mutation log entries applied, by source.",
		}, []string{"source"}),
		peersActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "jmap",
			Subsystem: "cluster",
			Name:      "peers_active",
			Help:      "Known peers in the active state.",
		}, func() float64 {
			if s.node == nil {
				return 0
			}
			n := 0
			for _, m := range s.node.Members() {
				if m.State == cluster.StateActive {
					n++
				}
			}
			return float64(n)
		}),
	}

	reg.MustRegister(
		m.commits, m.commitErrors,
		m.queries, m.queryErrors, m.queryLatency,
		m.cacheHits, m.cacheMisses,
		m.blobPuts, m.blobBytesIn,
		m.appliedTotal, m.peersActive,
	)
	return m
}
