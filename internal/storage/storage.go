// Package storage holds the template store backends: Postgres, MongoDB,
// SQLite and in-memory. Every backend satisfies matcher.Store plus the
// attendance and lifecycle methods in Backend.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/spaolacci/murmur3"

	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
)

// ErrIDConflict is returned by Insert when the id is already taken.
var ErrIDConflict = errors.New("fingerprint id already exists")

// Backend is the full surface of a template store.
type Backend interface {
	matcher.Store
	QueryAttendance(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, int, error)
	Restore(ctx context.Context, fp *models.Fingerprint) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// migrate applies the embedded migrations in dir with goose.
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	fsys, err := fs.Sub(migrationFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("applied migration", "dialect", dialect, "version", r.Source.Version, "duration", r.Duration.String())
	}
	return nil
}

// templateHash is the indexed key for exact-template lookups. Equal hashes
// are always confirmed with a byte comparison.
func templateHash(template []byte) int64 {
	return int64(murmur3.Sum64(template))
}

func firstExact(candidates []models.Fingerprint, template []byte) *models.Fingerprint {
	for i := range candidates {
		if bytes.Equal(candidates[i].Template, template) {
			return &candidates[i]
		}
	}
	return nil
}
