package handlers

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"filevault/internal/storage"
	"filevault/internal/store"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func (h *Handler) ListFiles(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}
	files, err := h.catalog.ListOwnedFiles(c.Request().Context(), claims.Subject)
	if err != nil {
		return mapUploadError(err)
	}

	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, ownedFilePayload(f))
	}
	return c.JSON(http.StatusOK, map[string]any{"files": out})
}

func (h *Handler) FileContent(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}
	linkID, err := uuid.Parse(c.Param("linkId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid file id")
	}

	ctx := c.Request().Context()
	owned, err := h.catalog.GetOwnedFile(ctx, claims.Subject, linkID)
	if err != nil {
		if store.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return mapUploadError(err)
	}
	blob, err := h.blobs.Open(ctx, owned.File.BlobRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file content missing")
		}
		return mapUploadError(err)
	}
	defer blob.Close()

	if err := h.catalog.TouchStoredFile(ctx, owned.File.ID); err != nil {
		h.logger.Warn().Err(err).Str("file_id", owned.File.ID.String()).Msg("touch stored file failed")
	}

	contentType := mime.TypeByExtension(filepath.Ext(owned.DisplayName))
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": owned.DisplayName}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(blob.Size(), 10))
	header.Set("ETag", strconv.Quote(owned.File.ContentHash))
	return c.Stream(http.StatusOK, contentType, blob)
}

func ownedFilePayload(f store.OwnedFile) map[string]any {
	return map[string]any{
		"id":          f.ID.String(),
		"fileId":      f.File.ID.String(),
		"name":        f.DisplayName,
		"path":        f.DisplayPath,
		"size":        f.File.SizeBytes,
		"contentHash": f.File.ContentHash,
		"category":    f.File.Category,
		"linkedAt":    toMillis(f.LinkedAt),
	}
}
