package upload

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want Category
	}{
		{"photo.JPG", CategoryImage},
		{"clip.mp4", CategoryVideo},
		{"song.flac", CategoryMusic},
		{"report.pdf", CategoryDocument},
		{"backup.tar.gz", CategoryArchive},
		{"bundle.zip", CategoryArchive},
		{"README", CategoryOther},
		{"weird.xyz", CategoryOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.name); got != tt.want {
			t.Fatalf("Classify(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCategories(t *testing.T) {
	t.Parallel()

	cats, err := NewCategories(map[string]int64{"Image": 100, "zip": 50})
	if err != nil {
		t.Fatalf("NewCategories() error = %v", err)
	}
	if limit, ok := cats.Limit(CategoryArchive); !ok || limit != 50 {
		t.Fatalf("Limit(archive) = %d, %v, want 50 via zip alias", limit, ok)
	}
	if err := cats.Check(CategoryImage, 100); err != nil {
		t.Fatalf("Check(image, 100) error = %v", err)
	}
	if err := cats.Check(CategoryImage, 101); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Check(image, 101) error = %v, want ErrInvalidInput", err)
	}
	if err := cats.Check(CategoryVideo, 1<<40); err != nil {
		t.Fatalf("Check(video) error = %v, want unlimited", err)
	}

	var none *Categories
	if err := none.Check(CategoryImage, 1<<40); err != nil {
		t.Fatalf("nil Categories Check() error = %v", err)
	}

	if _, err := NewCategories(map[string]int64{"hologram": 1}); err == nil {
		t.Fatalf("NewCategories(unknown) error = nil")
	}
}
