package upload

import "testing"

const nameTask = "0b6f3c1e-5d2a-4c8e-9f10-2a3b4c5d6e7f"

func TestBlobNames(t *testing.T) {
	t.Parallel()

	if got := ChunkBlobName(nameTask, 7); got != nameTask+"_chunk_7" {
		t.Fatalf("ChunkBlobName() = %q", got)
	}
	tests := []struct {
		fileName string
		want     string
	}{
		{"photo.png", nameTask + "_output.png"},
		{"archive.TAR", nameTask + "_output.TAR"},
		{"noext", nameTask + "_output"},
		{"notes._chunk_1", nameTask + "_output"},
		{"weird.a-b", nameTask + "_output"},
		{"long.abcdefghijklmnopq", nameTask + "_output"},
		{"trailing.", nameTask + "_output"},
	}
	for _, tt := range tests {
		if got := OutputBlobName(nameTask, tt.fileName); got != tt.want {
			t.Fatalf("OutputBlobName(%q) = %q, want %q", tt.fileName, got, tt.want)
		}
	}
}

func TestParseChunkBlobName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		taskID string
		index  int
		wantOK bool
	}{
		{nameTask + "_chunk_3", nameTask, 3, true},
		{nameTask + "_chunk_12", nameTask, 12, true},
		{nameTask + "_chunk_0", "", 0, false},
		{nameTask + "_chunk_x", "", 0, false},
		{nameTask + "_chunk_+1", "", 0, false},
		{nameTask + "_chunk_", "", 0, false},
		{nameTask + "_output._chunk_1", "", 0, false},
		{nameTask + "_output.png", "", 0, false},
		{"abc_chunk_3", "", 0, false},
		{"_chunk_1", "", 0, false},
	}
	for _, tt := range tests {
		taskID, index, ok := ParseChunkBlobName(tt.name)
		if ok != tt.wantOK || taskID != tt.taskID || index != tt.index {
			t.Fatalf("ParseChunkBlobName(%q) = %q, %d, %v", tt.name, taskID, index, ok)
		}
	}
}

func TestOutputBlobNameNeverParsesAsChunk(t *testing.T) {
	t.Parallel()

	for _, fileName := range []string{"notes._chunk_1", "a._chunk_99", "x.y_chunk_2", "plain.bin"} {
		name := OutputBlobName(nameTask, fileName)
		if _, _, ok := ParseChunkBlobName(name); ok {
			t.Fatalf("ParseChunkBlobName(OutputBlobName(%q) = %q) ok = true", fileName, name)
		}
	}
}
