package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"

	"filevault/internal/auth"

	"github.com/labstack/echo/v4"
)

const tokenPrefix = "fv_"

// CreateToken issues an API token for a subject. Only the admin may call it.
// The plaintext token is returned once; the catalog keeps its sha256.
func (h *Handler) CreateToken(c echo.Context) error {
	claims, err := requireClaims(c)
	if err != nil {
		return err
	}
	if !claims.IsAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "admin only")
	}

	var req struct {
		Subject string `json:"subject"`
		Name    string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "generate token")
	}
	token := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	id, err := h.catalog.CreateToken(c.Request().Context(), req.Subject, strings.TrimSpace(req.Name), auth.HashToken(token))
	if err != nil {
		return mapUploadError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id.String(),
		"subject": req.Subject,
		"token":   token,
	})
}
