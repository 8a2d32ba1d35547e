package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed deployment history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("mkdir history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const upsertDeployment = `
INSERT INTO deployments (id, ref, host, port, phase, error_kind, message, polls, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    phase = excluded.phase,
    error_kind = excluded.error_kind,
    message = excluded.message,
    polls = excluded.polls,
    finished_at = excluded.finished_at`

func (s *Store) put(ctx context.Context, d Deployment) error {
	var finished sql.NullInt64
	if !d.FinishedAt.IsZero() {
		finished = sql.NullInt64{Int64: d.FinishedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, upsertDeployment,
		d.ID, d.Ref, d.Host, d.Port, d.Phase.String(), d.ErrorKind.String(), d.Message, d.Polls,
		d.StartedAt.UnixNano(), finished)
	if err != nil {
		return fmt.Errorf("save deployment %s: %w", d.ID, err)
	}
	return nil
}

// Begin records a deployment that has just started.
func (s *Store) Begin(ctx context.Context, d Deployment) error { return s.put(ctx, d) }

// Finish records the outcome of a deployment.
func (s *Store) Finish(ctx context.Context, d Deployment) error { return s.put(ctx, d) }

const selectDeployment = `SELECT id, ref, host, port, phase, error_kind, message, polls, started_at, finished_at FROM deployments`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (Deployment, error) {
	var (
		d           Deployment
		phase, kind string
		started     int64
		finished    sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Ref, &d.Host, &d.Port, &phase, &kind, &d.Message, &d.Polls, &started, &finished); err != nil {
		return d, err
	}
	p, ok := ParsePhase(phase)
	if !ok {
		return d, fmt.Errorf("deployment %s: unknown phase %q", d.ID, phase)
	}
	d.Phase = p
	d.ErrorKind, _ = ParseErrorKind(kind)
	d.StartedAt = time.Unix(0, started)
	if finished.Valid {
		d.FinishedAt = time.Unix(0, finished.Int64)
	}
	return d, nil
}

// Get returns one deployment by ID, or nil.
func (s *Store) Get(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, selectDeployment+` WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns the newest deployments for host:port first. An empty host
// matches every target; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, host string, port, limit int) ([]Deployment, error) {
	q := selectDeployment + ` WHERE (? = '' OR (host = ? AND port = ?)) ORDER BY started_at DESC, rowid DESC`
	args := []any{host, host, port}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) LastSucceeded(ctx context.Context, host string, port int, exclude string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, selectDeployment+`
WHERE host = ? AND port = ? AND phase = ? AND ref != ?
ORDER BY started_at DESC, rowid DESC LIMIT 1`, host, port, PhaseSucceeded.String(), exclude)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last succeeded deployment: %w", err)
	}
	return &d, nil
}
