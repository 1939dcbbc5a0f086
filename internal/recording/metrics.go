package recording

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the recorder.
type Metrics struct {
	RecordingsTotal   *prometheus.CounterVec
	ChunksEnqueued    prometheus.Counter
	ChunkUploadsTotal *prometheus.CounterVec
	UploadSeconds     prometheus.Histogram
	QueueDepth        prometheus.Gauge
	StagesTotal       *prometheus.CounterVec
}

// Upload and stage result labels.
const (
	resultSuccess   = "success"
	resultRetry     = "retry"
	resultAbandoned = "abandoned"
	resultDropped   = "dropped"
	resultFailure   = "failure"
)

// NewMetrics registers the recorder metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minutememo_recordings_total",
				Help: "Recording start attempts by result",
			},
			[]string{"result"},
		),
		ChunksEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "minutememo_chunks_enqueued_total",
				Help: "Audio chunks handed to the upload queue",
			},
		),
		ChunkUploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minutememo_chunk_uploads_total",
				Help: "Chunk upload attempts by result",
			},
			[]string{"result"},
		),
		UploadSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "minutememo_chunk_upload_seconds",
				Help:    "Time to encode and upload one chunk",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minutememo_upload_queue_depth",
				Help: "Chunks waiting for an upload worker",
			},
		),
		StagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minutememo_finalize_stages_total",
				Help: "Finalization stage runs by stage and result",
			},
			[]string{"stage", "result"},
		),
	}
}
