package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"comicgen/internal/comics"
	"comicgen/internal/domain"
	"comicgen/internal/middleware"
)

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type extendRequest struct {
	Pages  int    `json:"pages"`
	Prompt string `json:"prompt"`
}

// kickoffResponse is returned as soon as a job is stored.
type kickoffResponse struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Title     string        `json:"title"`
	Summary   string        `json:"summary"`
	Pages     []domain.Item `json:"pages"`
	CreatedAt time.Time     `json:"created_at"`
	Status    string        `json:"status"`
}

const kickoffStatus = "processing"

func (a *App) GenerateComic(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !a.decode(w, r, &req) {
		return
	}
	locale := middleware.LocaleFromContext(r.Context())
	job, err := a.Comics.CreateJob(r.Context(), req.Prompt, a.currentUserID(r), locale)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, kickoffResponse{
		ID:        job.ID,
		Prompt:    job.Prompt,
		Title:     job.Title,
		Summary:   job.Summary,
		Pages:     []domain.Item{},
		CreatedAt: job.CreatedAt,
		Status:    kickoffStatus,
	})
}

func (a *App) GetComic(w http.ResponseWriter, r *http.Request) {
	job, err := a.Comics.ViewJob(r.Context(), chi.URLParam(r, "id"), a.currentUserID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

// ListComics returns the newest community comics.
func (a *App) ListComics(w http.ResponseWriter, r *http.Request) {
	a.list(w, r, comics.ListQuery{})
}

// ListMyComics returns the caller's own comics.
func (a *App) ListMyComics(w http.ResponseWriter, r *http.Request) {
	a.list(w, r, comics.ListQuery{Mine: true, OwnerID: a.currentUserID(r)})
}

func (a *App) list(w http.ResponseWriter, r *http.Request, q comics.ListQuery) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}
	jobs, err := a.Comics.ListJobs(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, jobs)
}

func (a *App) ExtendComic(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !a.decodeOptional(w, r, &req) {
		return
	}
	if req.Pages == 0 {
		req.Pages = a.ExtendPages
	}
	locale := middleware.LocaleFromContext(r.Context())
	job, err := a.Comics.ExtendJob(r.Context(), chi.URLParam(r, "id"), a.currentUserID(r), req.Pages, req.Prompt, locale)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, job)
}

func (a *App) ReloadPage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "page index must be an integer")
		return
	}
	job, err := a.Comics.ReloadItem(r.Context(), chi.URLParam(r, "id"), a.currentUserID(r), index)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, job)
}

type queueResponse struct {
	QueueSize int `json:"queue_size"`
	comics.Stats
}

// ImageQueueSize reports background activity.
func (a *App) ImageQueueSize(w http.ResponseWriter, r *http.Request) {
	stats := a.Comics.Stats()
	a.json(w, http.StatusOK, queueResponse{QueueSize: stats.InFlight, Stats: stats})
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
