package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// SQLExecutor is the query surface shared by the pool runner and transactions.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// SQLTx is an SQLExecutor bound to one transaction.
type SQLTx interface {
	SQLExecutor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SQLBeginner starts marker-checked transactions.
type SQLBeginner interface {
	SQLExecutor
	Begin(ctx context.Context) (SQLTx, error)
}

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SQLRunner executes marked queries against a pool and logs each by marker.
type SQLRunner struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
}

func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{Pool: pool, Logger: logger}
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return runExec(ctx, r.Pool, r.Logger, query, args...)
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return runQueryRow(ctx, r.Pool, r.Logger, query, args...)
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return runQuery(ctx, r.Pool, r.Logger, query, args...)
}

// Begin opens a transaction whose statements go through the same marker checks.
func (r *SQLRunner) Begin(ctx context.Context) (SQLTx, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		r.Logger.Error().Err(err).Msg("sql begin error")
		return nil, err
	}
	return &runnerTx{tx: tx, logger: r.Logger}, nil
}

type runnerTx struct {
	tx     pgx.Tx
	logger zerolog.Logger
}

func (t *runnerTx) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return runExec(ctx, t.tx, t.logger, query, args...)
}

func (t *runnerTx) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return runQueryRow(ctx, t.tx, t.logger, query, args...)
}

func (t *runnerTx) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return runQuery(ctx, t.tx, t.logger, query, args...)
}

func (t *runnerTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		t.logger.Error().Err(err).Msg("sql commit error")
		return err
	}
	return nil
}

func (t *runnerTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func runExec(ctx context.Context, q pgQuerier, logger zerolog.Logger, query string, args ...any) (pgconn.CommandTag, error) {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	logger.Debug().Msgf("sql[%s] exec", marker)
	tag, err := q.Exec(ctx, trimmed, args...)
	if err != nil {
		logger.Error().Err(err).Msgf("sql[%s] error", marker)
		return tag, err
	}
	logger.Debug().Msgf("sql[%s] ok rows=%d", marker, tag.RowsAffected())
	return tag, nil
}

func runQueryRow(ctx context.Context, q pgQuerier, logger zerolog.Logger, query string, args ...any) pgx.Row {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	logger.Debug().Msgf("sql[%s] query_row", marker)
	row := q.QueryRow(ctx, trimmed, args...)
	return loggingRow{row: row, logger: logger, marker: marker}
}

func runQuery(ctx context.Context, q pgQuerier, logger zerolog.Logger, query string, args ...any) (pgx.Rows, error) {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	logger.Debug().Msgf("sql[%s] query", marker)
	rows, err := q.Query(ctx, trimmed, args...)
	if err != nil {
		logger.Error().Err(err).Msgf("sql[%s] error", marker)
		return nil, err
	}
	return loggingRows{Rows: rows, logger: logger, marker: marker}, nil
}

type loggingRow struct {
	row    pgx.Row
	logger zerolog.Logger
	marker string
}

func (l loggingRow) Scan(dest ...any) error {
	err := l.row.Scan(dest...)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		l.logger.Error().Err(err).Msgf("sql[%s] scan error", l.marker)
	}
	return err
}

type loggingRows struct {
	pgx.Rows
	logger zerolog.Logger
	marker string
}

func (l loggingRows) Close() {
	l.logger.Debug().Msgf("sql[%s] rows close", l.marker)
	l.Rows.Close()
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(dest ...any) error {
	return e.err
}

// ExtractMarker splits a marked query into its marker and executable body.
func ExtractMarker(query string) (string, string, error) {
	return extractMarker(query)
}

func extractMarker(query string) (string, string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", "", errors.New("empty query")
	}
	lines := strings.Split(trimmed, "\n")
	markerLine := strings.TrimSpace(lines[0])
	if !markerRegexp.MatchString(markerLine) {
		return "", "", errors.New("sql marker missing or invalid")
	}
	return strings.TrimSpace(strings.TrimPrefix(markerLine, "--sql ")), strings.Join(lines[1:], "\n"), nil
}

var (
	_ SQLBeginner = (*SQLRunner)(nil)
	_ SQLTx       = (*runnerTx)(nil)
)
