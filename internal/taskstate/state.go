// Package taskstate persists in-flight upload tasks: a typed task record, an
// uploaded-chunk counter and the set of chunk indices not yet stored.
package taskstate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("upload task not found")

const keyPrefix = "upload_task:"

// Task is the durable record of one multi-chunk upload. Uploaded is read
// from the counter and is not part of the serialized record.
type Task struct {
	TaskID      string    `json:"taskId"`
	TotalChunks int       `json:"totalChunks"`
	FileName    string    `json:"fileName"`
	FilePath    string    `json:"filePath"`
	ExpectedMD5 string    `json:"expectedMd5"`
	FileSize    int64     `json:"fileSize"`
	OwnerID     string    `json:"ownerId"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`

	Uploaded int64 `json:"-"`
}

// Store is the task state contract. Every mutation is a single atomic
// operation against the backing store.
type Store interface {
	// Create persists the task with Uploaded=0 and pending={1..TotalChunks},
	// all expiring after ttl.
	Create(ctx context.Context, task Task, ttl time.Duration) error

	// Load returns ErrNotFound for unknown or expired tasks.
	Load(ctx context.Context, taskID string) (Task, error)

	// RemovePending reports whether index was a member of the pending set.
	RemovePending(ctx context.Context, taskID string, index int) (bool, error)

	// AddPending returns ErrNotFound if the task expired meanwhile.
	AddPending(ctx context.Context, taskID string, index int) error

	// IncrementUploaded returns the new count, or ErrNotFound.
	IncrementUploaded(ctx context.Context, taskID string) (int64, error)

	Pending(ctx context.Context, taskID string) ([]int, error)

	// ClaimAssembly returns true for exactly one caller per task.
	ClaimAssembly(ctx context.Context, taskID string) (bool, error)

	// Delete removes every key of the task. Deleting a missing task is not
	// an error.
	Delete(ctx context.Context, taskID string) error

	Exists(ctx context.Context, taskID string) (bool, error)
}

func taskKey(taskID string) string {
	return keyPrefix + taskID
}

func pendingKey(taskID string) string {
	return keyPrefix + taskID + ":pending_chunks"
}

func validateTask(task Task, ttl time.Duration) error {
	if task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.TotalChunks < 1 {
		return fmt.Errorf("total chunks must be >= 1, got %d", task.TotalChunks)
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	return nil
}
