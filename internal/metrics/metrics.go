// Package metrics defines the Prometheus collectors for the upload engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

var (
	// UploadsStarted counts StartUpload calls by outcome
	// ("task", "dedup", "invalid", "error").
	UploadsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_uploads_started_total",
			Help: "Upload requests by outcome",
		},
		[]string{"result"},
	)

	// ChunksTotal counts chunk submissions by status
	// ("stored", "duplicate", "integrity", "storage", "error").
	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_chunks_total",
			Help: "Chunk submissions by status",
		},
		[]string{"status"},
	)

	// ChunkBytesTotal counts chunk bytes durably stored.
	ChunkBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_chunk_bytes_total",
			Help: "Chunk bytes stored",
		},
	)

	// AssembliesTotal counts assembly attempts by status
	// ("stored", "deduplicated", "integrity", "error").
	AssembliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_assemblies_total",
			Help: "Assembly attempts by status",
		},
		[]string{"status"},
	)

	AssemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filevault_assembly_duration_seconds",
			Help:    "Assembly latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// SweepDeletedTotal counts orphaned chunk blobs removed by the sweeper.
	SweepDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_sweep_deleted_total",
			Help: "Orphaned chunk blobs deleted",
		},
	)
)

// Register registers all collectors with the default registry. It is safe
// to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			UploadsStarted,
			ChunksTotal,
			ChunkBytesTotal,
			AssembliesTotal,
			AssemblyDuration,
			SweepDeletedTotal,
		)
		UploadsStarted.WithLabelValues("task")
		ChunksTotal.WithLabelValues("stored")
		AssembliesTotal.WithLabelValues("stored")
	})
}
