package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kvbridge"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_records_total",
			Help:      "Records received by sink engines, by result.",
		},
		[]string{"result"},
	)
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_flushes_total",
			Help:      "Non-empty batch flushes by trigger and result.",
		},
		[]string{"trigger", "result"},
	)
	FlushedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_flushed_writes_total",
			Help:      "Pending writes handed to the store.",
		},
	)
	FlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_flush_latency_seconds",
			Help:      "Time to send a batch and await every acknowledgment.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	BufferedWrites = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_buffered_writes",
			Help:      "Pending writes currently buffered per sink task.",
		},
		[]string{"task"},
	)
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Point lookups by result (hit, miss, empty, error).",
		},
		[]string{"result"},
	)
	LookupRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_retries_total",
			Help:      "Store reads retried after a failure.",
		},
	)
	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint signals handled by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		FlushesTotal,
		FlushedWritesTotal,
		FlushLatency,
		BufferedWrites,
		LookupsTotal,
		LookupRetriesTotal,
		CheckpointsTotal,
	)
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
