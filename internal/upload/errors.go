package upload

import "errors"

var (
	// ErrInvalidInput rejects a request before any state is touched.
	ErrInvalidInput = errors.New("invalid input")
	// ErrIntegrity reports an assembled file whose hash or size does not
	// match the declared values. The task is torn down.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrStorage wraps blob store failures. Chunk-level storage failures
	// are reported as a failed Result rather than returned.
	ErrStorage = errors.New("storage failure")
	// ErrTaskNotFound means the task is unknown, expired or already
	// assembled; the client must restart the upload.
	ErrTaskNotFound = errors.New("upload task not found")
)
