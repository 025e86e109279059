package upload

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	chunkInfix   = "_chunk_"
	outputSuffix = "_output"

	maxExtLen = 16
)

func ChunkBlobName(taskID string, index int) string {
	return taskID + chunkInfix + strconv.Itoa(index)
}

// OutputBlobName names the assembled blob. The declared extension is kept
// only when it is a short run of ASCII letters and digits, so an output
// name can never parse as a chunk name.
func OutputBlobName(taskID, fileName string) string {
	ext := filepath.Ext(fileName)
	if !plainExt(ext) {
		ext = ""
	}
	return taskID + outputSuffix + ext
}

func plainExt(ext string) bool {
	if len(ext) < 2 || len(ext) > maxExtLen+1 || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// ParseChunkBlobName splits a chunk blob name into its task id and index.
// Only names of the form <uuid>_chunk_<n> with n >= 1 are accepted.
func ParseChunkBlobName(name string) (taskID string, index int, ok bool) {
	i := strings.Index(name, chunkInfix)
	if i <= 0 {
		return "", 0, false
	}
	taskID = name[:i]
	id, err := uuid.Parse(taskID)
	if err != nil || id.String() != taskID {
		return "", 0, false
	}
	digits := name[i+len(chunkInfix):]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return "", 0, false
	}
	index, err = strconv.Atoi(digits)
	if err != nil || index < 1 {
		return "", 0, false
	}
	return taskID, index, true
}
