// Package apikeys loads API keys and their rate limits from Postgres into the
// in-memory key table used by the HTTP middleware.
package apikeys

import (
	"context"
	"database/sql"
	"time"

	u "pageshot/internal/utils"
)

// EnsureSchema creates the tokens table if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	ddl1 := `CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		rate_limit INTEGER NOT NULL DEFAULT 60,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		comment TEXT
	);`
	ddl2 := `CREATE INDEX IF NOT EXISTS idx_tokens_created_at ON tokens (created_at);`
	if _, err := db.ExecContext(ctx, ddl1); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl2); err != nil {
		return err
	}
	return nil
}

// Load reads every key from the tokens table, merges it over base and
// replaces the key table. On error the current table is kept.
func Load(ctx context.Context, db *sql.DB, base map[string]int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `SELECT token, rate_limit FROM tokens;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	keys := make(map[string]int, len(base))
	for k, v := range base {
		keys[k] = v
	}
	for rows.Next() {
		var token string
		var limit int
		if err := rows.Scan(&token, &limit); err != nil {
			return err
		}
		keys[token] = limit
	}
	if err := rows.Err(); err != nil {
		return err
	}

	u.LoadTokensFromMap(keys)
	return nil
}

// Refresh reloads the keys every interval until ctx is done.
func Refresh(ctx context.Context, db *sql.DB, base map[string]int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := Load(ctx, db, base); err != nil {
				u.Error("Failed to reload API keys", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Start prepares the table, loads the keys once and keeps them fresh in the
// background when interval is positive.
func Start(ctx context.Context, db *sql.DB, base map[string]int, interval time.Duration) error {
	schemaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := EnsureSchema(schemaCtx, db); err != nil {
		return err
	}
	if err := Load(ctx, db, base); err != nil {
		return err
	}
	if interval > 0 {
		go Refresh(ctx, db, base, interval)
	}
	return nil
}
