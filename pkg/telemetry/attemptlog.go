package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/openbotauth/botgate/pkg/verifier"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// AttemptLog is the durable append-only record of verification attempts.
type AttemptLog struct {
	db *sql.DB
}

// OpenAttemptLog opens (or creates) the SQLite log at path and applies
// pending migrations.
func OpenAttemptLog(ctx context.Context, path string) (*AttemptLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt log: %w", err)
	}
	// SQLite allows one writer; the telemetry consumer is the only one.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &AttemptLog{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Append writes one attempt row.
func (l *AttemptLog) Append(ctx context.Context, a verifier.Attempt) error {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	verified := 0
	if a.Verified {
		verified = 1
	}
	weak := 0
	if a.WeakFreshness {
		weak = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attempts (id, kid, jwks_url, origin, verified, reason, weak_freshness, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.Kid, a.JWKSURL, a.Origin, verified, string(a.Reason), weak, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt row: %w", err)
	}
	return nil
}

// CountByOutcome returns the number of logged attempts with the given
// verified flag. Used by reporting and tests.
func (l *AttemptLog) CountByOutcome(ctx context.Context, verified bool) (int64, error) {
	v := 0
	if verified {
		v = 1
	}
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE verified = ?`, v).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (l *AttemptLog) Close() error {
	return l.db.Close()
}
