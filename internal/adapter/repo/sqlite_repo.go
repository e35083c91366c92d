package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/sqlinline"
)

// sqliteTimeLayout sorts lexically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteBusyCode = 5

// SQLiteStore implements domain.JobStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore wraps an open database. Call EnsureSchema before use.
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the comics table when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.exec(ctx, s.db, sqlinline.QLiteComicsEnsureSchema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) exec(ctx context.Context, q sqliteExecer, query string, args ...any) (sql.Result, error) {
	marker, body, err := infra.ExtractMarker(query)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Msgf("sqlite[%s] exec", marker)
	res, err := q.ExecContext(ctx, body, args...)
	if err != nil {
		s.logger.Error().Err(err).Msgf("sqlite[%s] error", marker)
		return nil, classifySQLite(err)
	}
	return res, nil
}

func (s *SQLiteStore) query(ctx context.Context, q sqliteExecer, query string, args ...any) (*sql.Rows, error) {
	marker, body, err := infra.ExtractMarker(query)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Msgf("sqlite[%s] query", marker)
	rows, err := q.QueryContext(ctx, body, args...)
	if err != nil {
		s.logger.Error().Err(err).Msgf("sqlite[%s] error", marker)
		return nil, classifySQLite(err)
	}
	return rows, nil
}

func (s *SQLiteStore) queryRow(ctx context.Context, q sqliteExecer, query string, args ...any) (*sql.Row, error) {
	marker, body, err := infra.ExtractMarker(query)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Msgf("sqlite[%s] query_row", marker)
	return q.QueryRowContext(ctx, body, args...), nil
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(sqliteTimeLayout)
}

// Create inserts a new job record.
func (s *SQLiteStore) Create(ctx context.Context, job *domain.Job) error {
	characters, pages, err := encodeJSONColumns(job)
	if err != nil {
		return err
	}
	created := s.stamp()
	if !job.CreatedAt.IsZero() {
		created = job.CreatedAt.UTC().Format(sqliteTimeLayout)
	}
	_, err = s.exec(ctx, s.db, sqlinline.QLiteComicInsert,
		job.ID,
		job.Prompt,
		job.OwnerID,
		string(job.Visibility),
		string(job.Status),
		job.Title,
		job.Summary,
		string(characters),
		string(pages),
		job.Error,
		created,
	)
	return err
}

// Get fetches a job by its identifier.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	row, err := s.queryRow(ctx, s.db, sqlinline.QLiteComicSelect, id)
	if err != nil {
		return nil, err
	}
	return scanSQLiteJob(row)
}

// List returns the newest jobs matching filter.
func (s *SQLiteStore) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	publicOnly := 0
	if filter.PublicOnly {
		publicOnly = 1
	}
	rows, err := s.query(ctx, s.db, sqlinline.QLiteComicListRecent, filter.OwnerID, publicOnly, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteJobs(rows)
}

// ListByStatus returns jobs in any of the given states.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	raw, err := json.Marshal(statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.db, sqlinline.QLiteComicListByStatus, string(raw))
	if err != nil {
		return nil, err
	}
	return collectSQLiteJobs(rows)
}

// Begin opens a transaction-backed session.
func (s *SQLiteStore) Begin(ctx context.Context) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(err)
	}
	return &sqliteSession{store: s, tx: tx}, nil
}

type sqliteSession struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteSession) PatchItem(ctx context.Context, jobID string, patch domain.ItemPatch) error {
	if !patch.Field.Valid() {
		return fmt.Errorf("%w: unknown item field %q", domain.ErrInvalidInput, patch.Field)
	}
	res, err := t.store.exec(ctx, t.tx, sqlinline.QLiteComicPatchItem, jobID, patch.Index, string(patch.Field), patch.Value, t.store.stamp())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s item %d: %w", jobID, patch.Index, domain.ErrNotFound)
	}
	return nil
}

func (t *sqliteSession) SetStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	preds, err := json.Marshal(statusStrings(status.Predecessors()))
	if err != nil {
		return err
	}
	res, err := t.store.exec(ctx, t.tx, sqlinline.QLiteComicSetStatus, jobID, string(status), errMsg, string(preds), t.store.stamp())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	row, err := t.store.queryRow(ctx, t.tx, sqlinline.QLiteComicStatus, jobID)
	if err != nil {
		return err
	}
	var current string
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return classifySQLite(err)
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, status)
}

func (t *sqliteSession) SetScript(ctx context.Context, jobID, title, summary string, characters map[string]domain.Character) error {
	if characters == nil {
		characters = map[string]domain.Character{}
	}
	raw, err := json.Marshal(characters)
	if err != nil {
		return fmt.Errorf("encode characters: %w", err)
	}
	res, err := t.store.exec(ctx, t.tx, sqlinline.QLiteComicSetScript, jobID, title, summary, string(raw), t.store.stamp())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil
}

func (t *sqliteSession) AppendItems(ctx context.Context, jobID string, items []domain.Item) error {
	row, err := t.store.queryRow(ctx, t.tx, sqlinline.QLiteComicPageCount, jobID)
	if err != nil {
		return err
	}
	var base int
	if err := row.Scan(&base); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return classifySQLite(err)
	}
	for _, item := range reindex(items, base) {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode page: %w", err)
		}
		if _, err := t.store.exec(ctx, t.tx, sqlinline.QLiteComicAppendPage, jobID, string(raw), t.store.stamp()); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteSession) SetError(ctx context.Context, jobID, errMsg string) error {
	_, err := t.store.exec(ctx, t.tx, sqlinline.QLiteComicSetError, jobID, errMsg, t.store.stamp())
	return err
}

func (t *sqliteSession) Commit(ctx context.Context) error {
	return classifySQLite(t.tx.Commit())
}

func (t *sqliteSession) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job                       domain.Job
		visibility, status        string
		charactersJSON, pagesJSON string
		createdAt, updatedAt      string
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
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classifySQLite(err)
	}
	job.Visibility = domain.Visibility(visibility)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = parseSQLiteTime(createdAt)
	job.UpdatedAt = parseSQLiteTime(updatedAt)
	if err := decodeJSONColumns(&job, []byte(charactersJSON), []byte(pagesJSON)); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(err)
	}
	return out, nil
}

func parseSQLiteTime(v string) time.Time {
	if t, err := time.Parse(sqliteTimeLayout, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteBusy(err) {
		return domain.Transient(err)
	}
	return err
}

var _ domain.JobStore = (*SQLiteStore)(nil)
