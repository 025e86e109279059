package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"filevault/internal/upload"

	"github.com/labstack/echo/v4"
)

func (h *Handler) StartUpload(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}

	var req upload.StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	res, err := h.engine.StartUpload(c.Request().Context(), req, claims.Subject)
	if err != nil {
		return mapUploadError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UploadChunk(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}

	chunkIndex, err := formInt(c, "chunkIndex")
	if err != nil {
		return err
	}
	totalChunks, err := formInt(c, "totalChunks")
	if err != nil {
		return err
	}
	chunkMD5 := strings.TrimSpace(c.FormValue("md5"))
	if chunkMD5 == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "md5 is required")
	}
	fh, err := c.FormFile("chunkData")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "chunkData file is required")
	}
	data, err := h.readPart(fh)
	if err != nil {
		return err
	}

	res, err := h.engine.IngestChunk(c.Request().Context(), upload.ChunkRequest{
		TaskID:      c.Param("taskId"),
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Data:        data,
		MD5:         chunkMD5,
		OwnerID:     claims.Subject,
	})
	if err != nil {
		return mapUploadError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UploadStatus(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}
	status, err := h.engine.Status(c.Request().Context(), c.Param("taskId"), statusOwner(claims))
	if err != nil {
		return mapUploadError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// UploadSingle accepts a whole file in one multipart request and runs it
// through the engine as a one-chunk upload.
func (h *Handler) UploadSingle(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	data, err := h.readPart(fh)
	if err != nil {
		return err
	}

	fileMD5 := strings.TrimSpace(c.FormValue("md5"))
	if fileMD5 == "" {
		sum := md5.Sum(data)
		fileMD5 = hex.EncodeToString(sum[:])
	}

	ctx := c.Request().Context()
	started, err := h.engine.StartUpload(ctx, upload.StartRequest{
		FileName:    fh.Filename,
		FilePath:    c.FormValue("filePath"),
		FileSize:    int64(len(data)),
		TotalChunks: 1,
		MD5:         fileMD5,
	}, claims.Subject)
	if err != nil {
		return mapUploadError(err)
	}
	if started.Finished {
		return c.JSON(http.StatusOK, started)
	}

	res, err := h.engine.IngestChunk(ctx, upload.ChunkRequest{
		TaskID:      started.TaskID,
		ChunkIndex:  1,
		TotalChunks: 1,
		Data:        data,
		MD5:         fileMD5,
		OwnerID:     claims.Subject,
	})
	if err != nil {
		return mapUploadError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) readPart(fh *multipart.FileHeader) ([]byte, error) {
	if h.cfg.MaxChunkBytes > 0 && fh.Size > h.cfg.MaxChunkBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("part exceeds %d bytes", h.cfg.MaxChunkBytes))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable file part")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable file part")
	}
	return data, nil
}
