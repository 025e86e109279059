package upload

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryMusic    Category = "music"
	CategoryDocument Category = "document"
	CategoryArchive  Category = "archive"
	CategoryOther    Category = "other"
)

var knownCategories = map[Category]struct{}{
	CategoryImage:    {},
	CategoryVideo:    {},
	CategoryMusic:    {},
	CategoryDocument: {},
	CategoryArchive:  {},
	CategoryOther:    {},
}

var extensionCategories = map[string]Category{
	".jpg": CategoryImage, ".jpeg": CategoryImage, ".png": CategoryImage, ".gif": CategoryImage,
	".webp": CategoryImage, ".bmp": CategoryImage, ".heic": CategoryImage, ".svg": CategoryImage,

	".mp4": CategoryVideo, ".mov": CategoryVideo, ".mkv": CategoryVideo, ".avi": CategoryVideo,
	".webm": CategoryVideo, ".m4v": CategoryVideo,

	".mp3": CategoryMusic, ".flac": CategoryMusic, ".wav": CategoryMusic, ".ogg": CategoryMusic,
	".m4a": CategoryMusic, ".aac": CategoryMusic,

	".pdf": CategoryDocument, ".doc": CategoryDocument, ".docx": CategoryDocument, ".xls": CategoryDocument,
	".xlsx": CategoryDocument, ".ppt": CategoryDocument, ".pptx": CategoryDocument, ".txt": CategoryDocument,
	".md": CategoryDocument, ".csv": CategoryDocument, ".odt": CategoryDocument,

	".zip": CategoryArchive, ".tar": CategoryArchive, ".gz": CategoryArchive, ".tgz": CategoryArchive,
	".7z": CategoryArchive, ".rar": CategoryArchive, ".bz2": CategoryArchive, ".xz": CategoryArchive,
}

// Classify picks a category from the file extension.
func Classify(fileName string) Category {
	if c, ok := extensionCategories[strings.ToLower(filepath.Ext(fileName))]; ok {
		return c
	}
	return CategoryOther
}

// Categories bounds the declared file size per category. A category
// without a limit accepts any size.
type Categories struct {
	limits map[Category]int64
}

// NewCategories builds the registry from configured limits keyed by
// category name. "zip" is accepted as an alias for archive.
func NewCategories(limits map[string]int64) (*Categories, error) {
	c := &Categories{limits: make(map[Category]int64, len(limits))}
	for name, limit := range limits {
		cat := Category(strings.ToLower(strings.TrimSpace(name)))
		if cat == "zip" {
			cat = CategoryArchive
		}
		if _, ok := knownCategories[cat]; !ok {
			return nil, fmt.Errorf("unknown file category %q", name)
		}
		if limit < 0 {
			return nil, fmt.Errorf("category %q: negative limit", name)
		}
		c.limits[cat] = limit
	}
	return c, nil
}

func (c *Categories) Limit(cat Category) (int64, bool) {
	if c == nil {
		return 0, false
	}
	limit, ok := c.limits[cat]
	return limit, ok
}

// Check returns ErrInvalidInput when size exceeds the category limit.
func (c *Categories) Check(cat Category, size int64) error {
	limit, ok := c.Limit(cat)
	if ok && size > limit {
		return fmt.Errorf("%w: %s files are limited to %d bytes, got %d", ErrInvalidInput, cat, limit, size)
	}
	return nil
}
