package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"filevault/internal/auth"
	"filevault/internal/storage"
	"filevault/internal/store"
	"filevault/internal/upload"

	"github.com/labstack/echo/v4"
)

func mapUploadError(err error) error {
	switch {
	case errors.Is(err, upload.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound), store.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrIntegrity):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func requireClaims(c echo.Context) (auth.Claims, error) {
	claims, ok := auth.GetClaims(c)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return auth.Claims{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return claims, nil
}

// statusOwner scopes task reads to the caller. Admins may read any task.
func statusOwner(claims auth.Claims) string {
	if claims.IsAdmin {
		return ""
	}
	return claims.Subject
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func formInt(c echo.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.FormValue(key))
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusBadRequest, key+" is required")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, key+" must be an integer")
	}
	return v, nil
}
