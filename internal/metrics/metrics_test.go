package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(ChunksTotal.WithLabelValues("duplicate"))
	ChunksTotal.WithLabelValues("duplicate").Inc()
	if got := testutil.ToFloat64(ChunksTotal.WithLabelValues("duplicate")); got != before+1 {
		t.Fatalf("chunks duplicate = %v, want %v", got, before+1)
	}

	UploadsStarted.WithLabelValues("dedup").Inc()
	ChunkBytesTotal.Add(1024)
	AssembliesTotal.WithLabelValues("stored").Inc()
	AssemblyDuration.Observe(0.25)
	SweepDeletedTotal.Add(3)
}
