// Package registry owns job records: creation, lookup and every lifecycle
// mutation. All writes go through a persist.Committer.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/persist"
)

// MaxPromptLength bounds the prompt accepted by Create, in runes.
const MaxPromptLength = 2000

// Placeholder title and summary shown until the text stage finishes.
const (
	PendingTitle   = "Processing..."
	PendingSummary = "Processing..."
)

// Registry creates, reads and mutates jobs.
type Registry struct {
	committer *persist.Committer
	logger    infra.Logger
	now       func() time.Time
	newID     func() string
}

// New builds a registry over the committer's store.
func New(committer *persist.Committer, logger infra.Logger) *Registry {
	return &Registry{
		committer: committer,
		logger:    infra.Component(logger, "registry"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Committer exposes the committer so pipeline writers share its policy.
func (r *Registry) Committer() *persist.Committer {
	return r.committer
}

// Create registers a new pending job for prompt. An empty owner makes the
// job community-visible.
func (r *Registry) Create(ctx context.Context, prompt, ownerID string) (*domain.Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return nil, fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrInvalidInput, MaxPromptLength)
	}
	ownerID = strings.TrimSpace(ownerID)
	now := r.now()
	job := &domain.Job{
		ID:         r.newID(),
		Prompt:     prompt,
		OwnerID:    ownerID,
		Visibility: domain.VisibilityFor(ownerID),
		Status:     domain.JobStatusPending,
		Title:      PendingTitle,
		Summary:    PendingSummary,
		Characters: map[string]domain.Character{},
		Items:      []domain.Item{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.committer.Retry(ctx, func(ctx context.Context) error {
		return r.committer.Store().Create(ctx, job)
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	r.logger.Info().Str("job_id", job.ID).Str("visibility", string(job.Visibility)).Msg("job registered")
	return job, nil
}

// Get returns the current snapshot of a job.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.ErrNotFound
	}
	return r.committer.Store().Get(ctx, id)
}

// List returns jobs matching filter, newest first.
func (r *Registry) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	jobs, err := r.committer.Store().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return jobs, nil
}

// SetStatus moves a job forward. Backward edges fail with
// domain.ErrInvalidTransition.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	err := r.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		return s.SetStatus(ctx, id, status, errMsg)
	})
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	r.logger.Debug().Str("job_id", id).Str("status", string(status)).Msg("status updated")
	return nil
}

// ApplyScript stores the text stage output and marks the job text_ready in a
// single commit.
func (r *Registry) ApplyScript(ctx context.Context, id string, script domain.Script) error {
	return r.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		if err := s.SetScript(ctx, id, script.Title, script.Summary, script.Characters); err != nil {
			return err
		}
		if err := s.AppendItems(ctx, id, script.Items); err != nil {
			return err
		}
		return s.SetStatus(ctx, id, domain.JobStatusTextReady, "")
	})
}

// AppendItems adds items after the current last index and clears the last
// recorded error.
func (r *Registry) AppendItems(ctx context.Context, id string, items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	return r.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		if err := s.AppendItems(ctx, id, items); err != nil {
			return err
		}
		return s.SetError(ctx, id, "")
	})
}

// PatchItem applies field patches to items of one job in one commit.
func (r *Registry) PatchItem(ctx context.Context, id string, patches ...domain.ItemPatch) error {
	if len(patches) == 0 {
		return nil
	}
	return r.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		for _, p := range patches {
			if err := s.PatchItem(ctx, id, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordError stores msg as the job's last error without changing status.
func (r *Registry) RecordError(ctx context.Context, id, msg string) error {
	return r.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		return s.SetError(ctx, id, msg)
	})
}

// InterruptedMessage is stored on jobs failed by FailInterrupted.
const InterruptedMessage = "generation interrupted by service restart"

// FailInterrupted marks every job left mid-pipeline by a previous process as
// failed. It returns how many jobs were updated.
func (r *Registry) FailInterrupted(ctx context.Context) (int, error) {
	jobs, err := r.committer.Store().ListByStatus(ctx,
		domain.JobStatusPending,
		domain.JobStatusTextReady,
		domain.JobStatusGeneratingImages,
	)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}
	failed := 0
	for _, job := range jobs {
		if err := r.SetStatus(ctx, job.ID, domain.JobStatusFailed, InterruptedMessage); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("could not fail interrupted job")
			continue
		}
		failed++
	}
	if failed > 0 {
		r.logger.Info().Int("jobs", failed).Msg("failed interrupted jobs")
	}
	return failed, nil
}

// AbandonedMessage is stored on completed jobs repaired by ResolveAbandoned.
const AbandonedMessage = "page generation interrupted by service restart"

// AbandonItems resolves every still-unresolved item among indices to the
// placeholder and stores msg as the job's last error, in one commit. A nil
// indices slice covers every item. It returns how many items were resolved.
func (r *Registry) AbandonItems(ctx context.Context, id string, indices []int, placeholderURL, msg string) (int, error) {
	job, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	wanted := map[int]bool{}
	for _, idx := range indices {
		wanted[idx] = true
	}
	var patches []domain.ItemPatch
	for _, idx := range job.Unresolved() {
		if indices != nil && !wanted[idx] {
			continue
		}
		patches = append(patches,
			domain.ItemPatch{Index: idx, Field: domain.ItemFieldAssetURL, Value: placeholderURL},
			domain.ItemPatch{Index: idx, Field: domain.ItemFieldOutcome, Value: string(domain.OutcomePlaceholder)},
		)
	}
	err = r.committer.Commit(ctx, func(ctx context.Context, s domain.Session) error {
		for _, p := range patches {
			if err := s.PatchItem(ctx, id, p); err != nil {
				return err
			}
		}
		return s.SetError(ctx, id, msg)
	})
	if err != nil {
		return 0, fmt.Errorf("abandon items: %w", err)
	}
	return len(patches) / 2, nil
}

// ResolveAbandoned repairs completed jobs whose follow-up run was cut short
// by a previous process, placeholding every unresolved item. It returns how
// many jobs were repaired.
func (r *Registry) ResolveAbandoned(ctx context.Context, placeholderURL string) (int, error) {
	jobs, err := r.committer.Store().ListByStatus(ctx, domain.JobStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("list completed jobs: %w", err)
	}
	repaired := 0
	for _, job := range jobs {
		if len(job.Unresolved()) == 0 {
			continue
		}
		if _, err := r.AbandonItems(ctx, job.ID, nil, placeholderURL, AbandonedMessage); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("could not resolve abandoned pages")
			continue
		}
		repaired++
	}
	if repaired > 0 {
		r.logger.Info().Int("jobs", repaired).Msg("resolved abandoned pages")
	}
	return repaired, nil
}
