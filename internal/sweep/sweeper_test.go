package sweep

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"filevault/internal/storage"
	"filevault/internal/taskstate"
	"filevault/internal/upload"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type failingChecker struct{}

func (failingChecker) Exists(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestSweeper_DeletesOnlyExpiredOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	blobs := storage.NewMemoryBlobStore()
	tasks := taskstate.NewMemoryStore()

	dead, live, done, fresh := uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()
	deadChunk1 := upload.ChunkBlobName(dead, 1)
	deadChunk2 := upload.ChunkBlobName(dead, 2)
	liveChunk := upload.ChunkBlobName(live, 1)
	doneOutput := upload.OutputBlobName(done, "report.bin")
	freshChunk := upload.ChunkBlobName(fresh, 1)

	blobs.SetClock(func() time.Time { return base })
	for _, name := range []string{deadChunk1, deadChunk2, liveChunk, doneOutput} {
		if _, err := blobs.Put(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
	}
	blobs.SetClock(func() time.Time { return base.Add(50 * time.Minute) })
	if _, err := blobs.Put(ctx, freshChunk, strings.NewReader("fresh")); err != nil {
		t.Fatalf("Put(fresh) error = %v", err)
	}
	if err := tasks.Create(ctx, taskstate.Task{TaskID: live, TotalChunks: 1}, 24*time.Hour); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s := NewSweeper(blobs, tasks, time.Hour, zerolog.Nop())
	s.now = func() time.Time { return base.Add(90 * time.Minute) }

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := Summary{Scanned: 4, Tasks: 3, Deleted: 2, Kept: 2}
	if summary != want {
		t.Fatalf("Run() = %+v, want %+v", summary, want)
	}

	for name, wantPresent := range map[string]bool{
		deadChunk1: false,
		deadChunk2: false,
		liveChunk:  true,
		freshChunk: true,
		doneOutput: true,
	} {
		_, err := blobs.FindByName(ctx, name)
		if present := err == nil; present != wantPresent {
			t.Fatalf("%s present = %v, want %v", name, present, wantPresent)
		}
	}
}

func TestSweeper_CheckErrorsKeepChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := storage.NewMemoryBlobStore()
	chunk := upload.ChunkBlobName(uuid.NewString(), 1)
	if _, err := blobs.Put(ctx, chunk, strings.NewReader("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s := NewSweeper(blobs, failingChecker{}, 0, zerolog.Nop())
	summary, err := s.Run(ctx)
	if err == nil {
		t.Fatalf("Run() error = nil, want check failure")
	}
	if summary.Failed != 1 || summary.Deleted != 0 {
		t.Fatalf("Run() = %+v", summary)
	}
	if _, err := blobs.FindByName(ctx, chunk); err != nil {
		t.Fatalf("chunk deleted despite check failure")
	}
}

func TestSweeper_KeepsOutputsWithChunkLikeFileNames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	blobs := storage.NewMemoryBlobStore()
	blobs.SetClock(func() time.Time { return base })

	task := uuid.NewString()
	outputs := []string{
		upload.OutputBlobName(task, "notes._chunk_1"),
		task + "_output._chunk_1",
		"legacy_chunk_1",
	}
	for _, name := range outputs {
		if _, err := blobs.Put(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
	}

	s := NewSweeper(blobs, taskstate.NewMemoryStore(), time.Hour, zerolog.Nop())
	s.now = func() time.Time { return base.Add(48 * time.Hour) }

	summary, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary != (Summary{}) {
		t.Fatalf("Run() = %+v, want nothing scanned", summary)
	}
	for _, name := range outputs {
		if _, err := blobs.FindByName(ctx, name); err != nil {
			t.Fatalf("%s removed by sweep: %v", name, err)
		}
	}
}
