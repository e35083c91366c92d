package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"comicgen/internal/domain"
	"comicgen/pkg/zip"
)

// ComicArchive streams a zip with the comic script and every stored page
// image. Pages left on the placeholder are skipped.
func (a *App) ComicArchive(w http.ResponseWriter, r *http.Request) {
	job, err := a.Comics.ViewJob(r.Context(), chi.URLParam(r, "id"), a.currentUserID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.Status != domain.JobStatusCompleted {
		a.error(w, http.StatusConflict, "conflict", fmt.Sprintf("comic is %s", job.Status))
		return
	}

	script, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	assets := []zip.Asset{{Filename: "comic.json", Data: script, Modified: job.UpdatedAt}}
	for _, item := range job.Items {
		if item.Outcome != domain.OutcomeOK || item.AssetURL == nil || a.Assets == nil {
			continue
		}
		key, ok := a.Assets.KeyFor(*item.AssetURL)
		if !ok {
			continue
		}
		data, err := a.Assets.Read(r.Context(), key)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Int("page", item.Index).Msg("archive: page image unavailable")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("page-%02d.png", item.Index+1),
			Data:     data,
			Modified: job.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=comic-%s.zip", job.ID))
	w.WriteHeader(http.StatusOK)
	if err := zip.WriteArchive(w, assets); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("archive: stream failed")
	}
}
