// Package upload implements resumable, deduplicated chunked uploads.
//
// A client starts an upload with the whole-file MD5. Known content is
// linked to the caller immediately; otherwise a task is created and chunks
// may then arrive in any order and concurrently. The chunk that completes
// the set wins an atomic claim and assembles the file exactly once.
package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"filevault/internal/dedup"
	"filevault/internal/metrics"
	"filevault/internal/storage"
	"filevault/internal/store"
	"filevault/internal/taskstate"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultTaskTTL       = time.Hour
	DefaultMaxChunkBytes = 16 << 20
)

// Index is the dedup contract used by the engine and the assembler.
type Index interface {
	FindByContentHash(ctx context.Context, contentHash string) (store.StoredFile, error)
	Register(ctx context.Context, f store.StoredFile) (store.StoredFile, bool, error)
	Link(ctx context.Context, storedFileID uuid.UUID, ownerID, displayName, displayPath string) (store.OwnershipLink, error)
}

// Result is reported for every StartUpload and IngestChunk call.
type Result struct {
	TaskID     string  `json:"taskId,omitempty"`
	ChunkIndex int     `json:"chunkIndex,omitempty"`
	Progress   float64 `json:"progress"`
	Success    bool    `json:"success"`
	Finished   bool    `json:"finished"`
	Message    string  `json:"message,omitempty"`
	FileID     string  `json:"fileId,omitempty"`
	LinkID     string  `json:"linkId,omitempty"`
}

type StartRequest struct {
	FileName    string `json:"fileName"`
	FilePath    string `json:"filePath"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	MD5         string `json:"md5"`
}

type ChunkRequest struct {
	TaskID      string
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	MD5         string
	// OwnerID, when set, must match the task owner.
	OwnerID string
}

// Status is a read-only view of an in-flight task used to resume uploads.
type Status struct {
	TaskID        string    `json:"taskId"`
	FileName      string    `json:"fileName"`
	TotalChunks   int       `json:"totalChunks"`
	UploadedCount int64     `json:"uploadedCount"`
	Progress      float64   `json:"progress"`
	PendingChunks []int     `json:"pendingChunks"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type Options struct {
	TaskTTL       time.Duration
	MaxChunkBytes int64
	SpoolDir      string
	Categories    *Categories
	Notifier      Notifier
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Engine struct {
	tasks      taskstate.Store
	blobs      storage.BlobStorage
	index      Index
	assembler  *Assembler
	categories *Categories
	notifier   Notifier
	logger     zerolog.Logger
	taskTTL    time.Duration
	maxChunk   int64
	now        func() time.Time
}

func NewEngine(tasks taskstate.Store, blobs storage.BlobStorage, index Index, opts Options) *Engine {
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = DefaultTaskTTL
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With().Str("component", "upload").Logger()
	return &Engine{
		tasks:      tasks,
		blobs:      blobs,
		index:      index,
		assembler:  NewAssembler(tasks, blobs, index, opts.SpoolDir, logger),
		categories: opts.Categories,
		notifier:   opts.Notifier,
		logger:     logger,
		taskTTL:    opts.TaskTTL,
		maxChunk:   opts.MaxChunkBytes,
		now:        opts.Now,
	}
}

func (e *Engine) Assembler() *Assembler { return e.assembler }

// StartUpload links known content to ownerID or creates a task for it.
func (e *Engine) StartUpload(ctx context.Context, req StartRequest, ownerID string) (Result, error) {
	hash, category, err := e.validateStart(req, ownerID)
	if err != nil {
		metrics.UploadsStarted.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	existing, err := e.index.FindByContentHash(ctx, hash)
	switch {
	case err == nil:
		link, err := e.index.Link(ctx, existing.ID, ownerID, req.FileName, req.FilePath)
		if err != nil {
			metrics.UploadsStarted.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("link deduplicated file: %w", err)
		}
		metrics.UploadsStarted.WithLabelValues("dedup").Inc()
		e.logger.Info().Str("owner", ownerID).Str("hash", hash).Str("file_id", existing.ID.String()).Msg("upload deduplicated")
		return Result{
			Progress: 1,
			Success:  true,
			Finished: true,
			Message:  "file already stored",
			FileID:   existing.ID.String(),
			LinkID:   link.ID.String(),
		}, nil
	case errors.Is(err, dedup.ErrNotFound):
	default:
		metrics.UploadsStarted.WithLabelValues("error").Inc()
		return Result{}, err
	}

	now := e.now().UTC()
	task := taskstate.Task{
		TaskID:      uuid.NewString(),
		TotalChunks: req.TotalChunks,
		FileName:    req.FileName,
		FilePath:    req.FilePath,
		ExpectedMD5: hash,
		FileSize:    req.FileSize,
		OwnerID:     ownerID,
		Category:    string(category),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.taskTTL),
	}
	if err := e.tasks.Create(ctx, task, e.taskTTL); err != nil {
		metrics.UploadsStarted.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("create upload task: %w", err)
	}

	metrics.UploadsStarted.WithLabelValues("task").Inc()
	e.logger.Info().
		Str("task_id", task.TaskID).
		Str("owner", ownerID).
		Int("total_chunks", task.TotalChunks).
		Int64("size", task.FileSize).
		Msg("upload task created")
	return Result{TaskID: task.TaskID, Success: true}, nil
}

func (e *Engine) validateStart(req StartRequest, ownerID string) (string, Category, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", "", fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.FileName) == "" {
		return "", "", fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if req.TotalChunks < 1 {
		return "", "", fmt.Errorf("%w: total chunks must be >= 1", ErrInvalidInput)
	}
	if req.FileSize < 0 {
		return "", "", fmt.Errorf("%w: file size must be >= 0", ErrInvalidInput)
	}
	hash := dedup.NormalizeHash(req.MD5)
	if !isMD5Hex(hash) {
		return "", "", fmt.Errorf("%w: md5 must be 32 hex characters", ErrInvalidInput)
	}
	category := Classify(req.FileName)
	if err := e.categories.Check(category, req.FileSize); err != nil {
		return "", "", err
	}
	return hash, category, nil
}

// IngestChunk accepts one chunk. Integrity and storage failures are
// reported as a failed Result with a nil error and leave the chunk pending.
func (e *Engine) IngestChunk(ctx context.Context, req ChunkRequest) (Result, error) {
	if req.TaskID == "" {
		return Result{}, fmt.Errorf("%w: task id is required", ErrInvalidInput)
	}
	if int64(len(req.Data)) > e.maxChunk {
		return Result{}, fmt.Errorf("%w: chunk exceeds %d bytes", ErrInvalidInput, e.maxChunk)
	}

	task, err := e.tasks.Load(ctx, req.TaskID)
	if err != nil {
		return Result{}, e.taskError(req.TaskID, err)
	}
	if req.OwnerID != "" && req.OwnerID != task.OwnerID {
		return Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, req.TaskID)
	}
	if req.TotalChunks != task.TotalChunks {
		return Result{}, fmt.Errorf("%w: total chunks %d does not match task (%d)", ErrInvalidInput, req.TotalChunks, task.TotalChunks)
	}
	if req.ChunkIndex < 1 || req.ChunkIndex > task.TotalChunks {
		return Result{}, fmt.Errorf("%w: chunk index %d out of range 1..%d", ErrInvalidInput, req.ChunkIndex, task.TotalChunks)
	}

	log := e.logger.With().Str("task_id", task.TaskID).Int("chunk", req.ChunkIndex).Logger()

	sum := md5.Sum(req.Data)
	if hex.EncodeToString(sum[:]) != dedup.NormalizeHash(req.MD5) {
		metrics.ChunksTotal.WithLabelValues("integrity").Inc()
		log.Warn().Msg("chunk hash mismatch")
		return e.report(task, Result{
			TaskID:     task.TaskID,
			ChunkIndex: req.ChunkIndex,
			Progress:   progress(task.Uploaded, task.TotalChunks),
			Message:    "chunk hash mismatch",
		}), nil
	}

	removed, err := e.tasks.RemovePending(ctx, task.TaskID, req.ChunkIndex)
	if err != nil {
		metrics.ChunksTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if !removed {
		metrics.ChunksTotal.WithLabelValues("duplicate").Inc()
		return e.duplicate(ctx, task, req.ChunkIndex)
	}

	if _, err := e.blobs.Put(ctx, ChunkBlobName(task.TaskID, req.ChunkIndex), bytes.NewReader(req.Data)); err != nil {
		log.Warn().Err(err).Msg("chunk store failed")
		return e.rollback(ctx, task, req.ChunkIndex, fmt.Errorf("%w: store chunk: %v", ErrStorage, err))
	}

	uploaded, err := e.tasks.IncrementUploaded(ctx, task.TaskID)
	if err != nil {
		log.Warn().Err(err).Msg("chunk count failed")
		if errors.Is(err, taskstate.ErrNotFound) {
			return Result{}, e.taskError(task.TaskID, err)
		}
		return e.rollback(ctx, task, req.ChunkIndex, fmt.Errorf("%w: count chunk: %v", ErrStorage, err))
	}
	metrics.ChunksTotal.WithLabelValues("stored").Inc()
	metrics.ChunkBytesTotal.Add(float64(len(req.Data)))
	log.Debug().Int64("uploaded", uploaded).Msg("chunk stored")

	res := Result{
		TaskID:     task.TaskID,
		ChunkIndex: req.ChunkIndex,
		Progress:   progress(uploaded, task.TotalChunks),
		Success:    true,
	}
	if uploaded < int64(task.TotalChunks) {
		return e.report(task, res), nil
	}

	claimed, err := e.tasks.ClaimAssembly(ctx, task.TaskID)
	if err != nil {
		return Result{}, e.taskError(task.TaskID, err)
	}
	res.Finished = true
	if !claimed {
		return e.report(task, res), nil
	}

	// Assembly must finish even if the submitting client goes away.
	assembled, err := e.assembler.Combine(context.WithoutCancel(ctx), task.TaskID, task.TotalChunks)
	if err != nil {
		e.notifier.Notify(task.OwnerID, Result{
			TaskID:     task.TaskID,
			ChunkIndex: req.ChunkIndex,
			Progress:   res.Progress,
			Message:    err.Error(),
		})
		return Result{}, err
	}
	res.FileID = assembled.File.ID.String()
	res.LinkID = assembled.Link.ID.String()
	res.Message = "upload complete"
	return e.report(task, res), nil
}

// Status reports progress and the chunk indices still to be sent.
func (e *Engine) Status(ctx context.Context, taskID, ownerID string) (Status, error) {
	task, err := e.tasks.Load(ctx, taskID)
	if err != nil {
		return Status{}, e.taskError(taskID, err)
	}
	if ownerID != "" && ownerID != task.OwnerID {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	pending, err := e.tasks.Pending(ctx, taskID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		TaskID:        task.TaskID,
		FileName:      task.FileName,
		TotalChunks:   task.TotalChunks,
		UploadedCount: task.Uploaded,
		Progress:      progress(task.Uploaded, task.TotalChunks),
		PendingChunks: pending,
		ExpiresAt:     task.ExpiresAt,
	}, nil
}

// duplicate answers a chunk that is no longer pending: it was stored by an
// earlier submission and is not stored or counted again.
func (e *Engine) duplicate(ctx context.Context, task taskstate.Task, index int) (Result, error) {
	current, err := e.tasks.Load(ctx, task.TaskID)
	switch {
	case err == nil:
		task = current
	case errors.Is(err, taskstate.ErrNotFound):
		return e.tornDown(ctx, task, index)
	default:
		return Result{}, err
	}
	return e.report(task, Result{
		TaskID:     task.TaskID,
		ChunkIndex: index,
		Progress:   progress(task.Uploaded, task.TotalChunks),
		Success:    true,
		Finished:   task.Uploaded >= int64(task.TotalChunks),
		Message:    "chunk already received",
	}), nil
}

// tornDown answers a duplicate whose task is gone. It is finished only if
// the declared content made it into the catalog; a task discarded after a
// failed assembly is reported as not found.
func (e *Engine) tornDown(ctx context.Context, task taskstate.Task, index int) (Result, error) {
	_, err := e.index.FindByContentHash(ctx, task.ExpectedMD5)
	switch {
	case err == nil:
	case errors.Is(err, dedup.ErrNotFound):
		return Result{}, e.taskError(task.TaskID, taskstate.ErrNotFound)
	default:
		return Result{}, err
	}
	return e.report(task, Result{
		TaskID:     task.TaskID,
		ChunkIndex: index,
		Progress:   1,
		Success:    true,
		Finished:   true,
		Message:    "chunk already received",
	}), nil
}

func (e *Engine) rollback(ctx context.Context, task taskstate.Task, index int, cause error) (Result, error) {
	metrics.ChunksTotal.WithLabelValues("storage").Inc()
	if err := e.tasks.AddPending(ctx, task.TaskID, index); err != nil {
		if errors.Is(err, taskstate.ErrNotFound) {
			return Result{}, e.taskError(task.TaskID, err)
		}
		return Result{}, fmt.Errorf("restore pending chunk %d: %w", index, errors.Join(err, cause))
	}
	current := task.Uploaded
	if t, err := e.tasks.Load(ctx, task.TaskID); err == nil {
		current = t.Uploaded
	}
	return e.report(task, Result{
		TaskID:     task.TaskID,
		ChunkIndex: index,
		Progress:   progress(current, task.TotalChunks),
		Message:    cause.Error(),
	}), nil
}

func (e *Engine) report(task taskstate.Task, res Result) Result {
	e.notifier.Notify(task.OwnerID, res)
	return res
}

func (e *Engine) taskError(taskID string, err error) error {
	if errors.Is(err, taskstate.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return err
}

func progress(uploaded int64, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(uploaded) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}

func isMD5Hex(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
