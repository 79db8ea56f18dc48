package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksIngestedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_blocks_ingested_total",
			Help: "Count of blocks appended to the canonical chain builder.",
		},
	)
	reorgsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_reorgs_total",
			Help: "Count of times the ingestion state machine entered Recover.",
		},
	)
	headNumberGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestion_head_number",
			Help: "Block number of the provider's current head.",
		},
	)
	finalizedNumberGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestion_finalized_number",
			Help: "Block number of the current finalized cursor.",
		},
	)
	chainSegmentsCutCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestion_chain_segments_cut_total",
			Help: "Count of immutable chain segments cut from the builder.",
		},
	)
	taskQueueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestion_task_queue_depth",
			Help: "Number of outstanding block download tasks.",
		},
	)
)
