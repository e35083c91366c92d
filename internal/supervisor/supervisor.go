// Package supervisor runs detached pipeline executions, at most one per job.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
)

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Kind labels what a run is doing.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindExtend   Kind = "extend"
	KindReload   Kind = "reload"
)

// Run is one supervised execution.
type Run struct {
	JobID   string
	Kind    Kind
	Started time.Time

	done chan struct{}
	err  error
}

// Done is closed when the run finishes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the run's result. It is nil until Done is closed.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunInfo describes an in-flight run.
type RunInfo struct {
	JobID   string    `json:"job_id"`
	Kind    Kind      `json:"kind"`
	Started time.Time `json:"started_at"`
}

// Supervisor owns the lifetime of background runs. Runs use a context owned
// by the supervisor, never the context of the request that started them.
type Supervisor struct {
	logger infra.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*Run
	closing bool
	wg      sync.WaitGroup
}

// New creates an idle supervisor.
func New(logger infra.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger: infra.Component(logger, "supervisor"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
	}
}

// Start launches fn for jobID. It fails with domain.ErrRunInFlight when a
// run for the same job is still active.
func (s *Supervisor) Start(jobID string, kind Kind, fn func(ctx context.Context) error) (*Run, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, ok := s.runs[jobID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s is running %s", domain.ErrRunInFlight, jobID, existing.Kind)
	}
	run := &Run{JobID: jobID, Kind: kind, Started: time.Now().UTC(), done: make(chan struct{})}
	s.runs[jobID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(run, fn)
	return run, nil
}

func (s *Supervisor) execute(run *Run, fn func(ctx context.Context) error) {
	log := s.logger.With().Str("job_id", run.JobID).Str("kind", string(run.Kind)).Logger()
	defer s.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			run.err = fmt.Errorf("run panicked: %v", rec)
			log.Error().Str("stack", string(debug.Stack())).Msgf("run panicked: %v", rec)
		}
		s.mu.Lock()
		if s.runs[run.JobID] == run {
			delete(s.runs, run.JobID)
		}
		s.mu.Unlock()
		close(run.done)
	}()

	log.Debug().Msg("run started")
	run.err = fn(s.ctx)
	if run.err != nil {
		log.Warn().Err(run.err).Dur("elapsed", time.Since(run.Started)).Msg("run finished with error")
		return
	}
	log.Info().Dur("elapsed", time.Since(run.Started)).Msg("run finished")
}

// InFlight reports whether jobID has an active run.
func (s *Supervisor) InFlight(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[jobID]
	return ok
}

// Len returns the number of active runs.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Runs lists active runs, oldest first.
func (s *Supervisor) Runs() []RunInfo {
	s.mu.Lock()
	out := make([]RunInfo, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, RunInfo{JobID: r.JobID, Kind: r.Kind, Started: r.Started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Shutdown stops accepting runs and waits for active ones until ctx is
// done, then cancels whatever is left and waits for it to return.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn().Int("runs", s.Len()).Msg("shutdown deadline reached, cancelling runs")
		s.cancel()
		<-finished
		return ctx.Err()
	}
}
