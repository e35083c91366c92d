package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/sqlinline"
)

// PostgresStore implements domain.JobStore on PostgreSQL.
type PostgresStore struct {
	sql infra.SQLBeginner
}

// NewPostgresStore creates a new job store backed by PostgreSQL.
func NewPostgresStore(runner infra.SQLBeginner) *PostgresStore {
	return &PostgresStore{sql: runner}
}

// EnsureSchema creates the comics table when missing.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QComicsEnsureSchema); err != nil {
		return classifyPG(fmt.Errorf("ensure schema: %w", err))
	}
	return nil
}

// Create inserts a new job record.
func (r *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	characters, pages, err := encodeJSONColumns(job)
	if err != nil {
		return err
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = r.sql.Exec(ctx, sqlinline.QComicInsert,
		job.ID,
		job.Prompt,
		job.OwnerID,
		string(job.Visibility),
		string(job.Status),
		job.Title,
		job.Summary,
		characters,
		pages,
		job.Error,
		created,
	)
	return classifyPG(err)
}

// Get fetches a job by its identifier.
func (r *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QComicSelect, id))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns the newest jobs matching filter.
func (r *PostgresStore) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.Query(ctx, sqlinline.QComicListRecent, filter.OwnerID, filter.PublicOnly, limit)
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectJobs(rows)
}

// ListByStatus returns jobs in any of the given states.
func (r *PostgresStore) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QComicListByStatus, statusStrings(statuses))
	if err != nil {
		return nil, classifyPG(err)
	}
	return collectJobs(rows)
}

// Begin opens a transaction-backed session.
func (r *PostgresStore) Begin(ctx context.Context) (domain.Session, error) {
	tx, err := r.sql.Begin(ctx)
	if err != nil {
		return nil, classifyPG(err)
	}
	return &pgSession{tx: tx}, nil
}

type pgSession struct {
	tx infra.SQLTx
}

func (s *pgSession) PatchItem(ctx context.Context, jobID string, patch domain.ItemPatch) error {
	if !patch.Field.Valid() {
		return fmt.Errorf("%w: unknown item field %q", domain.ErrInvalidInput, patch.Field)
	}
	tag, err := s.tx.Exec(ctx, sqlinline.QComicPatchItem, jobID, patch.Index, string(patch.Field), patch.Value)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s item %d: %w", jobID, patch.Index, domain.ErrNotFound)
	}
	return nil
}

func (s *pgSession) SetStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	tag, err := s.tx.Exec(ctx, sqlinline.QComicSetStatus, jobID, string(status), errMsg, statusStrings(status.Predecessors()))
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	if err := s.tx.QueryRow(ctx, sqlinline.QComicStatus, jobID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return classifyPG(err)
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, status)
}

func (s *pgSession) SetScript(ctx context.Context, jobID, title, summary string, characters map[string]domain.Character) error {
	if characters == nil {
		characters = map[string]domain.Character{}
	}
	raw, err := json.Marshal(characters)
	if err != nil {
		return fmt.Errorf("encode characters: %w", err)
	}
	tag, err := s.tx.Exec(ctx, sqlinline.QComicSetScript, jobID, title, summary, raw)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

func (s *pgSession) AppendItems(ctx context.Context, jobID string, items []domain.Item) error {
	var base int
	if err := s.tx.QueryRow(ctx, sqlinline.QComicLockPages, jobID).Scan(&base); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return classifyPG(err)
	}
	raw, err := json.Marshal(reindex(items, base))
	if err != nil {
		return fmt.Errorf("encode pages: %w", err)
	}
	_, err = s.tx.Exec(ctx, sqlinline.QComicAppendPages, jobID, raw)
	return classifyPG(err)
}

func (s *pgSession) SetError(ctx context.Context, jobID, errMsg string) error {
	_, err := s.tx.Exec(ctx, sqlinline.QComicSetError, jobID, errMsg)
	return classifyPG(err)
}

func (s *pgSession) Commit(ctx context.Context) error {
	return classifyPG(s.tx.Commit(ctx))
}

func (s *pgSession) Rollback(ctx context.Context) error {
	return s.tx.Rollback(ctx)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                       domain.Job
		visibility, status        string
		charactersJSON, pagesJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Prompt,
		&job.OwnerID,
		&visibility,
		&status,
		&job.Title,
		&job.Summary,
		&charactersJSON,
		&pagesJSON,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classifyPG(err)
	}
	job.Visibility = domain.Visibility(visibility)
	job.Status = domain.JobStatus(status)
	if err := decodeJSONColumns(&job, charactersJSON, pagesJSON); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(err)
	}
	return out, nil
}

// classifyPG marks connection loss, serialization failures and deadlocks as
// transient.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return domain.Transient(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57P01":
			return domain.Transient(err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return domain.Transient(err)
		}
	}
	return err
}

var _ domain.JobStore = (*PostgresStore)(nil)
