package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"filevault/internal/dedup"
	"filevault/internal/metrics"
	"filevault/internal/storage"
	"filevault/internal/store"
	"filevault/internal/taskstate"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const teardownConcurrency = 8

// Assembly is the outcome of a successful Combine.
type Assembly struct {
	File store.StoredFile
	Link store.OwnershipLink
	// Deduplicated is set when another upload registered the same content
	// first and this task's bytes were discarded.
	Deduplicated bool
}

// Assembler rebuilds a file from its chunks. Callers guarantee at most one
// concurrent Combine per task.
type Assembler struct {
	tasks    taskstate.Store
	blobs    storage.BlobStorage
	index    Index
	spoolDir string
	logger   zerolog.Logger
}

func NewAssembler(tasks taskstate.Store, blobs storage.BlobStorage, index Index, spoolDir string, logger zerolog.Logger) *Assembler {
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	return &Assembler{
		tasks:    tasks,
		blobs:    blobs,
		index:    index,
		spoolDir: spoolDir,
		logger:   logger,
	}
}

// Combine concatenates chunks 1..totalChunks in order, verifies the result
// against the task's declared MD5 and size, stores it and links it to the
// owner. Chunk blobs and task keys are removed whatever the outcome of
// verification.
func (a *Assembler) Combine(ctx context.Context, taskID string, totalChunks int) (Assembly, error) {
	start := time.Now()
	task, err := a.tasks.Load(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstate.ErrNotFound) {
			return Assembly{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return Assembly{}, err
	}
	if totalChunks != task.TotalChunks {
		return Assembly{}, fmt.Errorf("%w: total chunks %d does not match task (%d)", ErrInvalidInput, totalChunks, task.TotalChunks)
	}

	log := a.logger.With().Str("task_id", taskID).Logger()
	out, err := a.combine(ctx, task, log)
	if terr := a.teardown(ctx, task); terr != nil {
		log.Warn().Err(terr).Msg("task teardown incomplete")
	}

	metrics.AssemblyDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil && out.Deduplicated:
		metrics.AssembliesTotal.WithLabelValues("deduplicated").Inc()
	case err == nil:
		metrics.AssembliesTotal.WithLabelValues("stored").Inc()
	case errors.Is(err, ErrIntegrity):
		metrics.AssembliesTotal.WithLabelValues("integrity").Inc()
	default:
		metrics.AssembliesTotal.WithLabelValues("error").Inc()
	}
	if err != nil {
		log.Error().Err(err).Msg("assembly failed")
		return Assembly{}, err
	}

	log.Info().
		Str("file_id", out.File.ID.String()).
		Int64("size", out.File.SizeBytes).
		Bool("deduplicated", out.Deduplicated).
		Dur("took", time.Since(start)).
		Msg("upload assembled")
	return out, nil
}

func (a *Assembler) combine(ctx context.Context, task taskstate.Task, log zerolog.Logger) (Assembly, error) {
	spool, err := os.CreateTemp(a.spoolDir, "assemble-*")
	if err != nil {
		return Assembly{}, fmt.Errorf("%w: create spool file: %v", ErrStorage, err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	h := md5.New()
	w := io.MultiWriter(spool, h)
	var size int64
	for i := 1; i <= task.TotalChunks; i++ {
		n, err := a.appendChunk(ctx, w, ChunkBlobName(task.TaskID, i))
		if err != nil {
			return Assembly{}, err
		}
		size += n
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if digest != task.ExpectedMD5 {
		return Assembly{}, fmt.Errorf("%w: md5 %s does not match declared %s", ErrIntegrity, digest, task.ExpectedMD5)
	}
	if task.FileSize > 0 && size != task.FileSize {
		return Assembly{}, fmt.Errorf("%w: size %d does not match declared %d", ErrIntegrity, size, task.FileSize)
	}

	existing, err := a.index.FindByContentHash(ctx, digest)
	switch {
	case err == nil:
		return a.link(ctx, task, existing, true)
	case errors.Is(err, dedup.ErrNotFound):
	default:
		return Assembly{}, err
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return Assembly{}, fmt.Errorf("%w: rewind spool file: %v", ErrStorage, err)
	}
	outputName := OutputBlobName(task.TaskID, task.FileName)
	blob, err := a.blobs.Put(ctx, outputName, spool)
	if err != nil {
		return Assembly{}, fmt.Errorf("%w: store assembled file: %v", ErrStorage, err)
	}

	file, created, err := a.index.Register(ctx, store.StoredFile{
		ID:          uuid.New(),
		ContentHash: digest,
		SizeBytes:   size,
		BlobRef:     blob.Ref,
		Category:    task.Category,
	})
	if err != nil || !created {
		if derr := a.blobs.DeleteByName(ctx, outputName); derr != nil {
			log.Warn().Err(derr).Str("blob", outputName).Msg("delete surplus output blob")
		}
	}
	if err != nil {
		return Assembly{}, err
	}
	return a.link(ctx, task, file, !created)
}

func (a *Assembler) appendChunk(ctx context.Context, w io.Writer, name string) (int64, error) {
	blob, err := a.blobs.FindByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: find chunk %s: %v", ErrStorage, name, err)
	}
	f, err := a.blobs.Open(ctx, blob.Ref)
	if err != nil {
		return 0, fmt.Errorf("%w: open chunk %s: %v", ErrStorage, name, err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return 0, fmt.Errorf("%w: read chunk %s: %v", ErrStorage, name, err)
	}
	return n, nil
}

func (a *Assembler) link(ctx context.Context, task taskstate.Task, file store.StoredFile, deduplicated bool) (Assembly, error) {
	link, err := a.index.Link(ctx, file.ID, task.OwnerID, task.FileName, task.FilePath)
	if err != nil {
		return Assembly{}, err
	}
	return Assembly{File: file, Link: link, Deduplicated: deduplicated}, nil
}

// teardown deletes every chunk blob of the task, then the task keys.
func (a *Assembler) teardown(ctx context.Context, task taskstate.Task) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(teardownConcurrency)
	for i := 1; i <= task.TotalChunks; i++ {
		name := ChunkBlobName(task.TaskID, i)
		g.Go(func() error {
			if err := a.blobs.DeleteByName(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := a.tasks.Delete(ctx, task.TaskID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
