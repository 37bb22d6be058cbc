package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_stage_messages_total",
			Help: "Messages handled per pipeline stage",
		},
		[]string{"stage", "outcome"}, // outcome: ack, dead_letter
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_stage_duration_seconds",
			Help:    "Time spent in a stage handler",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	deadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_dead_lettered_total",
			Help: "Messages moved to a dead-letter queue",
		},
		[]string{"queue"},
	)

	fallbackCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_fallback_calls_total",
			Help: "Calls to the remote fallback extractor",
		},
		[]string{"outcome"}, // outcome: success, error
	)

	terminalRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_terminal_records_total",
			Help: "Terminal records published to the results queue",
		},
		[]string{"status", "source"},
	)

	barcodeReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_barcode_reads_total",
			Help: "Table codes taken from the sheet barcode",
		},
	)

	localConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_local_confidence",
			Help:    "Overall confidence of local OCR extractions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)
