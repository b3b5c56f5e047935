package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DownloadEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fable",
			Name:      "download_events_total",
			Help:      "Count of download events processed by the orchestrator.",
		},
		[]string{"type"},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fable",
			Name:      "active_downloads",
			Help:      "Number of in-flight track transfers.",
		},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fable",
			Name:      "bytes_downloaded_total",
			Help:      "Total payload bytes written to disk.",
		},
	)

	WatchdogStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fable",
			Name:      "watchdog_stalls_total",
			Help:      "Stalled transfers detected by the watchdog.",
		},
	)

	WatchdogRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fable",
			Name:      "watchdog_retries_total",
			Help:      "Automatic retries scheduled by the watchdog.",
		},
	)

	StoreFlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fable",
			Name:      "store_flush_latency_seconds",
			Help:      "Latency of forced persistence-store flushes.",
		},
	)
)

// Register registers the fable metrics into the default registry.
func Register() {
	prometheus.MustRegister(DownloadEvents, ActiveDownloads, BytesDownloaded,
		WatchdogStalls, WatchdogRetries, StoreFlushLatency)
}
