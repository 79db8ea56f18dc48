package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsCutCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segment_compactions_total",
			Help: "Count of segments successfully compacted and uploaded.",
		},
	)
	segmentAbortedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segment_compactions_aborted_total",
			Help: "Count of compaction ticks aborted before any durable write.",
		},
	)
	artifactBytesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segment_artifact_bytes",
			Help: "Byte size of the most recently uploaded segment artifact, by name.",
		},
		[]string{"artifact"},
	)
)
