package handlers

import (
	"context"

	"filevault/internal/config"
	"filevault/internal/realtime"
	"filevault/internal/storage"
	"filevault/internal/store"
	"filevault/internal/upload"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Catalog is the part of the file catalog used by the file and token
// routes.
type Catalog interface {
	ListOwnedFiles(ctx context.Context, ownerID string) ([]store.OwnedFile, error)
	GetOwnedFile(ctx context.Context, ownerID string, linkID uuid.UUID) (store.OwnedFile, error)
	TouchStoredFile(ctx context.Context, id uuid.UUID) error
	CreateToken(ctx context.Context, subject, name, tokenHash string) (uuid.UUID, error)
}

type Handler struct {
	cfg      config.Config
	engine   *upload.Engine
	catalog  Catalog
	blobs    storage.BlobStorage
	registry *realtime.Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, engine *upload.Engine, catalog Catalog, blobs storage.BlobStorage, registry *realtime.Registry, logger zerolog.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		engine:   engine,
		catalog:  catalog,
		blobs:    blobs,
		registry: registry,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}
