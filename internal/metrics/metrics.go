package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ImagesScreenedTotal counts producer screening attempts by outcome.
	ImagesScreenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "producer",
		Name:      "images_screened_total",
		Help:      "Total number of images screened by the producer, labeled by result.",
	}, []string{"result"})

	// MessagesEnqueuedTotal counts accepted enqueues by message kind (image or sentinel).
	MessagesEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "producer",
		Name:      "messages_enqueued_total",
		Help:      "Total number of messages enqueued by the producer, labeled by kind.",
	}, []string{"kind"})

	EnqueueErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "producer",
		Name:      "enqueue_error_total",
		Help:      "Total number of failed enqueue calls.",
	})

	// DedupDroppedTotal counts enqueues collapsed by the dedup window.
	DedupDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "queue",
		Name:      "dedup_dropped_total",
		Help:      "Total number of enqueues dropped as duplicates inside the dedup window, labeled by driver.",
	}, []string{"driver"})

	ReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "messages_received_total",
		Help:      "Total number of messages received by the consumer.",
	})

	ReceiveErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "receive_error_total",
		Help:      "Total number of failed receive calls.",
	})

	// ProcessedTotal counts consumer processing attempts by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "processed_total",
		Help:      "Total number of messages processed by the consumer, labeled by result.",
	}, []string{"result"})

	// ProcessingDurationSeconds is fetch+extract time per message.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "processing_duration_seconds",
		Help:      "Time to fetch and extract text from one image.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
	}, []string{"result"})

	AckTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "ack_total",
		Help:      "Total number of successful acknowledgments.",
	})

	AckErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "ack_error_total",
		Help:      "Total number of failed acknowledgments.",
	})

	// AccumulatedLines is the number of result lines held by the running consumer.
	AccumulatedLines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "accumulated_lines",
		Help:      "Number of result lines accumulated since the consumer started.",
	})

	StagingCleanupErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "detection",
		Subsystem: "consumer",
		Name:      "staging_cleanup_error_total",
		Help:      "Total number of staged files that could not be removed.",
	})
)

// Register registers pipeline metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ImagesScreenedTotal,
			MessagesEnqueuedTotal,
			EnqueueErrorTotal,
			DedupDroppedTotal,
			ReceivedTotal,
			ReceiveErrorTotal,
			ProcessedTotal,
			ProcessingDurationSeconds,
			AckTotal,
			AckErrorTotal,
			AccumulatedLines,
			StagingCleanupErrorTotal,
		)
	})
}
