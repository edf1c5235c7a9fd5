// Package history keeps an optional Postgres log of captures.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	u "pageshot/internal/utils"
)

// ErrDisabled is returned by Recent when no database is configured.
var ErrDisabled = errors.New("capture history disabled")

// Entry is one capture attempt.
type Entry struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	Output     string    `json:"output"`
	Engine     string    `json:"engine"`
	Bytes      int       `json:"bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recorder stores and lists capture entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Open connects to the configured Postgres database and checks it answers.
// The handle is shared by the capture log and the API key loader.
func Open(cfg u.PostgresConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Low-volume tables.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New returns a Postgres recorder, or a no-op one when history.postgres.host
// is empty.
func New(cfg u.PostgresConfig) (Recorder, error) {
	if cfg.Host == "" {
		return Nop{}, nil
	}
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	r := NewPostgres(db)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, ErrDisabled }

func (Nop) Close() error { return nil }

// Postgres writes entries to the captures table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying handle.
func (p *Postgres) DB() *sql.DB { return p.db }

// EnsureSchema creates the captures table if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			output TEXT NOT NULL,
			engine TEXT NOT NULL,
			bytes INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_created_at ON captures (created_at);`,
	}
	for _, stmt := range ddl {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure captures schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO captures (url, output, engine, bytes, width, height, duration_ms, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.URL, e.Output, e.Engine, e.Bytes, e.Width, e.Height, e.DurationMS, errText)
	return err
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, url, output, engine, bytes, width, height, duration_ms, error, created_at
		 FROM captures ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &e.URL, &e.Output, &e.Engine, &e.Bytes, &e.Width, &e.Height, &e.DurationMS, &errText, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func postgresDSN(cfg u.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	switch {
	case cfg.Host == "":
		return "", errors.New("postgres host is empty")
	case cfg.Database == "":
		return "", errors.New("postgres database is empty")
	case cfg.User == "":
		return "", errors.New("postgres user is empty")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	hostPort := cfg.Host
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	case strings.Count(hostPort, ":") >= 2:
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	dsn := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		dsn.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		dsn.User = url.User(cfg.User)
	}
	if cfg.SSLMode != "" {
		q := dsn.Query()
		q.Set("sslmode", cfg.SSLMode)
		dsn.RawQuery = q.Encode()
	}
	return dsn.String(), nil
}

// Track records the outcome of a capture without failing it.
func Track(ctx context.Context, rec Recorder, e Entry) {
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rec.Record(ctx, e); err != nil {
		u.Warn("Failed to record capture history", "url", e.URL, "error", err)
	}
}
