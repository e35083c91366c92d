package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"comicgen/internal/domain"
)

// MemoryStore implements domain.JobStore in process memory. It backs tests
// and local runs without a database, and can inject commit failures.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*domain.Job
	now         func() time.Time
	failCommits int
	commits     int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.Job), now: func() time.Time { return time.Now().UTC() }}
}

// FailNextCommits makes the next n commits fail with a transient error.
func (s *MemoryStore) FailNextCommits(n int) {
	s.mu.Lock()
	s.failCommits = n
	s.mu.Unlock()
}

// Commits returns the number of successful commits so far.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Create inserts a new job record.
func (s *MemoryStore) Create(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidInput, job.ID)
	}
	stored := job.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.jobs[job.ID] = stored
	return nil
}

// Get fetches a job by its identifier.
func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

// List returns the newest jobs matching filter.
func (s *MemoryStore) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	s.mu.RLock()
	var out []domain.Job
	for _, job := range s.jobs {
		if filter.PublicOnly && job.Visibility != domain.VisibilityCommunity {
			continue
		}
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, *job.Clone())
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListByStatus returns jobs in any of the given states.
func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	want := make(map[domain.JobStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	s.mu.RLock()
	var out []domain.Job
	for _, job := range s.jobs {
		if _, ok := want[job.Status]; ok {
			out = append(out, *job.Clone())
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

// Begin opens a session whose operations apply together on Commit.
func (s *MemoryStore) Begin(ctx context.Context) (domain.Session, error) {
	return &memorySession{store: s}, nil
}

func sortNewestFirst(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

type memoryOp struct {
	jobID string
	apply func(job *domain.Job) error
}

type memorySession struct {
	store *MemoryStore
	ops   []memoryOp
	done  bool
}

var errSessionClosed = errors.New("session already closed")

func (m *memorySession) stage(jobID string, fn func(job *domain.Job) error) error {
	if m.done {
		return errSessionClosed
	}
	m.ops = append(m.ops, memoryOp{jobID: jobID, apply: fn})
	return nil
}

func (m *memorySession) PatchItem(ctx context.Context, jobID string, patch domain.ItemPatch) error {
	if !patch.Field.Valid() {
		return fmt.Errorf("%w: unknown item field %q", domain.ErrInvalidInput, patch.Field)
	}
	return m.stage(jobID, func(job *domain.Job) error {
		if patch.Index < 0 || patch.Index >= len(job.Items) {
			return fmt.Errorf("item %d: %w", patch.Index, domain.ErrNotFound)
		}
		item := &job.Items[patch.Index]
		switch patch.Field {
		case domain.ItemFieldAssetURL:
			url := patch.Value
			item.AssetURL = &url
		case domain.ItemFieldOutcome:
			item.Outcome = domain.ItemOutcome(patch.Value)
		}
		return nil
	})
}

func (m *memorySession) SetStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	return m.stage(jobID, func(job *domain.Job) error {
		if !job.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
		}
		job.Status = status
		if errMsg != "" {
			job.Error = errMsg
		}
		return nil
	})
}

func (m *memorySession) SetScript(ctx context.Context, jobID, title, summary string, characters map[string]domain.Character) error {
	return m.stage(jobID, func(job *domain.Job) error {
		job.Title = title
		job.Summary = summary
		job.Characters = make(map[string]domain.Character, len(characters))
		for k, v := range characters {
			job.Characters[k] = v
		}
		return nil
	})
}

func (m *memorySession) AppendItems(ctx context.Context, jobID string, items []domain.Item) error {
	staged := (&domain.Job{Items: items}).Clone().Items
	return m.stage(jobID, func(job *domain.Job) error {
		base := len(job.Items)
		job.Items = append(job.Items, reindex(staged, base)...)
		return nil
	})
}

func (m *memorySession) SetError(ctx context.Context, jobID, errMsg string) error {
	return m.stage(jobID, func(job *domain.Job) error {
		job.Error = errMsg
		return nil
	})
}

func (m *memorySession) Commit(ctx context.Context) error {
	if m.done {
		return errSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits > 0 {
		s.failCommits--
		return domain.Transient(errors.New("memory store: injected commit failure"))
	}

	working := make(map[string]*domain.Job)
	for _, op := range m.ops {
		job, ok := working[op.jobID]
		if !ok {
			current, exists := s.jobs[op.jobID]
			if !exists {
				return fmt.Errorf("job %s: %w", op.jobID, domain.ErrNotFound)
			}
			job = current.Clone()
			working[op.jobID] = job
		}
		if err := op.apply(job); err != nil {
			return err
		}
	}
	now := s.now()
	for id, job := range working {
		job.UpdatedAt = now
		s.jobs[id] = job
	}
	m.done = true
	s.commits++
	return nil
}

func (m *memorySession) Rollback(ctx context.Context) error {
	m.ops = nil
	m.done = true
	return nil
}

var _ domain.JobStore = (*MemoryStore)(nil)
