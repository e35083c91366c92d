package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"comicgen/internal/comics"
	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/middleware"
	"comicgen/internal/supervisor"
)

// AssetReader loads stored page images back for archives.
type AssetReader interface {
	KeyFor(url string) (string, bool)
	Read(ctx context.Context, key string) ([]byte, error)
}

type App struct {
	Comics *comics.Service
	Assets AssetReader
	Logger infra.Logger

	// ExtendPages is used when an extend request does not say how many
	// pages to add.
	ExtendPages int
	// WSOriginPatterns are passed to the websocket handshake.
	WSOriginPatterns []string
}

func NewApp(svc *comics.Service, assets AssetReader, logger infra.Logger) *App {
	return &App{
		Comics:      svc,
		Assets:      assets,
		Logger:      infra.Component(logger, "http"),
		ExtendPages: 4,
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}

// fail maps service errors to HTTP responses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrRunInFlight), errors.Is(err, domain.ErrNotExtendable):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "service is shutting down")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		w.WriteHeader(499)
	default:
		a.Logger.Error().
			Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return a.decodeBody(w, r, dst, false)
}

// decodeOptional is decode for bodies that may be absent. An empty body,
// chunked or not, leaves dst untouched.
func (a *App) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return a.decodeBody(w, r, dst, true)
}

func (a *App) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return true
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
