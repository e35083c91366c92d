// Package comics is the public surface of the generator: it validates
// requests, registers jobs and hands them to the supervisor.
package comics

import (
	"context"
	"fmt"
	"strings"

	"comicgen/internal/broadcast"
	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/limiter"
	"comicgen/internal/pipeline"
	"comicgen/internal/registry"
	"comicgen/internal/supervisor"
)

// Config bounds caller-supplied values.
type Config struct {
	ListDefaultLimit int
	ListMaxLimit     int
	MaxExtendPages   int
}

func (c Config) withDefaults() Config {
	if c.ListDefaultLimit <= 0 {
		c.ListDefaultLimit = 5
	}
	if c.ListMaxLimit <= 0 {
		c.ListMaxLimit = 50
	}
	if c.ListDefaultLimit > c.ListMaxLimit {
		c.ListDefaultLimit = c.ListMaxLimit
	}
	if c.MaxExtendPages <= 0 {
		c.MaxExtendPages = 10
	}
	return c
}

// Service implements the job operations exposed over HTTP and websockets.
type Service struct {
	reg    *registry.Registry
	pipe   *pipeline.Pipeline
	sup    *supervisor.Supervisor
	hub    *broadcast.Broadcaster
	cfg    Config
	logger infra.Logger
}

// NewService wires the service.
func NewService(reg *registry.Registry, pipe *pipeline.Pipeline, sup *supervisor.Supervisor, hub *broadcast.Broadcaster, cfg Config, logger infra.Logger) *Service {
	return &Service{
		reg:    reg,
		pipe:   pipe,
		sup:    sup,
		hub:    hub,
		cfg:    cfg.withDefaults(),
		logger: infra.Component(logger, "comics"),
	}
}

// CreateJob registers a job and starts its pipeline in the background. It
// returns as soon as the job is stored.
func (s *Service) CreateJob(ctx context.Context, prompt, ownerID, locale string) (*domain.Job, error) {
	job, err := s.reg.Create(ctx, prompt, ownerID)
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(job)

	jobID := job.ID
	_, err = s.sup.Start(jobID, supervisor.KindGenerate, func(ctx context.Context) error {
		return s.pipe.Generate(ctx, jobID, locale)
	})
	if err != nil {
		// Nothing will ever pick this job up.
		if ferr := s.reg.SetStatus(context.WithoutCancel(ctx), jobID, domain.JobStatusFailed, err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", jobID).Msg("could not fail unstarted job")
		}
		return nil, err
	}
	return job, nil
}

// GetJob returns the current state of a job.
func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.reg.Get(ctx, id)
}

// ViewJob returns a job as seen by viewerID. Private jobs of other users
// read as not found.
func (s *Service) ViewJob(ctx context.Context, id, viewerID string) (*domain.Job, error) {
	job, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.VisibleTo(viewerID) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

// ListQuery selects a listing. Mine lists the caller's own jobs and needs
// an owner; otherwise community jobs are listed.
type ListQuery struct {
	OwnerID string
	Mine    bool
	Limit   int
}

// ListJobs returns the newest jobs for q.
func (s *Service) ListJobs(ctx context.Context, q ListQuery) ([]domain.Job, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = s.cfg.ListDefaultLimit
	case limit > s.cfg.ListMaxLimit:
		limit = s.cfg.ListMaxLimit
	}
	filter := domain.ListFilter{Limit: limit, PublicOnly: true}
	if q.Mine {
		owner := strings.TrimSpace(q.OwnerID)
		if owner == "" {
			return nil, fmt.Errorf("%w: identity required to list own jobs", domain.ErrUnauthorized)
		}
		filter = domain.ListFilter{Limit: limit, OwnerID: owner}
	}
	return s.reg.List(ctx, filter)
}

// ExtendJob starts appending pages to a completed job. hint is optional
// guidance for the continuation.
func (s *Service) ExtendJob(ctx context.Context, id, callerID string, pages int, hint, locale string) (*domain.Job, error) {
	if pages <= 0 || pages > s.cfg.MaxExtendPages {
		return nil, fmt.Errorf("%w: pages must be between 1 and %d", domain.ErrInvalidInput, s.cfg.MaxExtendPages)
	}
	job, err := s.startable(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	hint = strings.TrimSpace(hint)
	_, err = s.sup.Start(id, supervisor.KindExtend, func(ctx context.Context) error {
		return s.pipe.Extend(ctx, id, pages, hint, locale)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReloadItem starts regenerating the image of one page.
func (s *Service) ReloadItem(ctx context.Context, id, callerID string, index int) (*domain.Job, error) {
	job, err := s.startable(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(job.Items) {
		return nil, fmt.Errorf("page %d: %w", index, domain.ErrNotFound)
	}
	_, err = s.sup.Start(id, supervisor.KindReload, func(ctx context.Context) error {
		return s.pipe.Reload(ctx, id, index)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// startable loads a job that may receive a follow-up run.
func (s *Service) startable(ctx context.Context, id, callerID string) (*domain.Job, error) {
	job, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != "" && job.OwnerID != strings.TrimSpace(callerID) {
		return nil, fmt.Errorf("%w: job belongs to another user", domain.ErrUnauthorized)
	}
	if s.sup.InFlight(id) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrRunInFlight, id)
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrNotExtendable, job.Status)
	}
	return job, nil
}

// Subscribe registers a live update subscriber. When the filter names a job
// its current state is sent right away, to this subscriber only. The state
// is read after registering so no later transition can be missed.
func (s *Service) Subscribe(ctx context.Context, conn broadcast.Conn, filter broadcast.Filter) (*broadcast.Subscription, error) {
	sub := s.hub.Subscribe(conn, filter)
	if filter.JobID == "" {
		return sub, nil
	}
	job, err := s.ViewJob(ctx, filter.JobID, filter.OwnerID)
	if err != nil {
		s.hub.Unsubscribe(sub.ID())
		return nil, err
	}
	sub.Offer(job)
	return sub, nil
}

// Unsubscribe removes a subscriber.
func (s *Service) Unsubscribe(id uint64) {
	s.hub.Unsubscribe(id)
}

// Stats summarizes background activity.
type Stats struct {
	InFlight    int                  `json:"in_flight"`
	Runs        []supervisor.RunInfo `json:"runs"`
	Providers   []limiter.Stats      `json:"providers"`
	Subscribers int                  `json:"subscribers"`
}

// Stats returns a snapshot of runs, provider gates and subscribers.
func (s *Service) Stats() Stats {
	return Stats{
		InFlight:    s.sup.Len(),
		Runs:        s.sup.Runs(),
		Providers:   s.pipe.Limits().Stats(),
		Subscribers: s.hub.Len(),
	}
}

// Shutdown waits for runs to finish, then disconnects subscribers.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.sup.Shutdown(ctx)
	s.hub.Close()
	return err
}
