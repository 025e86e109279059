package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"filevault/internal/realtime"
	"filevault/internal/upload"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	socketInitialUpload = "initialUpload"
	socketBufferUpload  = "bufferUpload"
)

type socketRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// bufferUploadData carries one chunk. ChunkData is base64 in JSON.
type bufferUploadData struct {
	TaskID      string `json:"taskId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	MD5         string `json:"md5"`
	ChunkData   []byte `json:"chunkData"`
}

// Socket upgrades the request and serves initialUpload and bufferUpload
// messages until the client disconnects. Every reply is an uploadResult or
// an error message.
func (h *Handler) Socket(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("socket upgrade failed")
		return nil
	}
	if h.cfg.MaxChunkBytes > 0 {
		// base64 plus envelope
		conn.SetReadLimit(h.cfg.MaxChunkBytes*4/3 + 64<<10)
	}

	session := h.registry.Add(claims.Subject, conn)
	defer h.registry.Remove(session)
	log := h.logger.With().Str("owner", claims.Subject).Str("session", session.ID).Logger()
	log.Debug().Msg("socket connected")

	ctx := c.Request().Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("socket closed")
			}
			return nil
		}
		session.Send(h.handleSocketMessage(ctx, claims.Subject, raw, log))
		if session.Closed() {
			return nil
		}
	}
}

func (h *Handler) handleSocketMessage(ctx context.Context, ownerID string, raw []byte, log zerolog.Logger) realtime.Message {
	var req socketRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorMessage(http.StatusBadRequest, "invalid message")
	}

	switch req.Type {
	case socketInitialUpload:
		var data upload.StartRequest
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return errorMessage(http.StatusBadRequest, "invalid initialUpload data")
		}
		res, err := h.engine.StartUpload(ctx, data, ownerID)
		if err != nil {
			return uploadErrorMessage(err)
		}
		return realtime.Message{Type: realtime.TypeUploadResult, Data: res}

	case socketBufferUpload:
		var data bufferUploadData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return errorMessage(http.StatusBadRequest, "invalid bufferUpload data")
		}
		res, err := h.engine.IngestChunk(ctx, upload.ChunkRequest{
			TaskID:      data.TaskID,
			ChunkIndex:  data.ChunkIndex,
			TotalChunks: data.TotalChunks,
			Data:        data.ChunkData,
			MD5:         data.MD5,
			OwnerID:     ownerID,
		})
		if err != nil {
			log.Debug().Err(err).Str("task_id", data.TaskID).Msg("socket chunk rejected")
			return uploadErrorMessage(err)
		}
		return realtime.Message{Type: realtime.TypeUploadResult, Data: res}

	default:
		return errorMessage(http.StatusBadRequest, "unknown message type "+strconv.Quote(req.Type))
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.CORSAllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func errorMessage(code int, msg string) realtime.Message {
	return realtime.Message{Type: realtime.TypeError, Code: code, Message: msg}
}

func uploadErrorMessage(err error) realtime.Message {
	var he *echo.HTTPError
	if errors.As(mapUploadError(err), &he) {
		return errorMessage(he.Code, err.Error())
	}
	return errorMessage(http.StatusInternalServerError, err.Error())
}
