package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/your-org/fpmatch/internal/config"
	"github.com/your-org/fpmatch/internal/models"
)

// sqliteTime is fixed width so stored timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the embedded backend for single-node deployments and tests.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at cfg.Path and applies migrations.
func OpenSQLite(ctx context.Context, cfg config.SQLiteConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && !strings.HasPrefix(cfg.Path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; id uniqueness still comes from the primary key.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: cfg.Path}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Primary result code only, when extended codes are off.
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	default:
		return false
	}
}

func (s *SQLiteStore) Insert(ctx context.Context, fp *models.Fingerprint) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (id, template, template_hash, created_at) VALUES (?, ?, ?, ?)`,
		fp.ID, fp.Template, templateHash(fp.Template), now.Format(sqliteTime))
	if err != nil {
		if isSQLiteConflict(err) {
			return fmt.Errorf("insert fingerprint %d: %w", fp.ID, ErrIDConflict)
		}
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	fp.CreatedAt = now
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	return s.write(ctx, fp, time.Now().UTC())
}

// Restore writes fp under its id, keeping CreatedAt when it is set.
func (s *SQLiteStore) Restore(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	createdAt := fp.CreatedAt.UTC()
	if fp.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return s.write(ctx, fp, createdAt)
}

func (s *SQLiteStore) write(ctx context.Context, fp *models.Fingerprint, createdAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM fingerprints WHERE id = ?`, fp.ID).Scan(&count); err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fingerprints (id, template, template_hash, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   template = excluded.template,
		   template_hash = excluded.template_hash,
		   created_at = excluded.created_at`,
		fp.ID, fp.Template, templateHash(fp.Template), createdAt.Format(sqliteTime))
	if err != nil {
		return false, fmt.Errorf("upsert fingerprint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	fp.CreatedAt = createdAt
	return count > 0, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (*models.Fingerprint, error) {
	fps, err := s.queryFingerprints(ctx, `SELECT id, template, created_at FROM fingerprints WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}
	if len(fps) == 0 {
		return nil, nil
	}
	return &fps[0], nil
}

func (s *SQLiteStore) FindByTemplate(ctx context.Context, template []byte) (*models.Fingerprint, error) {
	candidates, err := s.queryFingerprints(ctx,
		`SELECT id, template, created_at FROM fingerprints WHERE template_hash = ? ORDER BY id`,
		templateHash(template))
	if err != nil {
		return nil, fmt.Errorf("find fingerprint by template: %w", err)
	}
	return firstExact(candidates, template), nil
}

func (s *SQLiteStore) FindAll(ctx context.Context) ([]models.Fingerprint, error) {
	fps, err := s.queryFingerprints(ctx, `SELECT id, template, created_at FROM fingerprints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return fps, nil
}

func (s *SQLiteStore) queryFingerprints(ctx context.Context, query string, args ...any) ([]models.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []models.Fingerprint
	for rows.Next() {
		var (
			fp      models.Fingerprint
			created string
		)
		if err := rows.Scan(&fp.ID, &fp.Template, &created); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		if fp.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

func (s *SQLiteStore) MaxID(ctx context.Context) (int64, bool, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM fingerprints`).Scan(&maxID); err != nil {
		return 0, false, fmt.Errorf("max fingerprint id: %w", err)
	}
	return maxID.Int64, maxID.Valid, nil
}

func (s *SQLiteStore) InsertAttendance(ctx context.Context, fingerprintID int64, similarity float64) (*models.AttendanceEvent, error) {
	ev := &models.AttendanceEvent{
		ID:            uuid.New(),
		FingerprintID: fingerprintID,
		Similarity:    similarity,
		Timestamp:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance_events (id, fingerprint_id, similarity, timestamp) VALUES (?, ?, ?, ?)`,
		ev.ID.String(), ev.FingerprintID, ev.Similarity, ev.Timestamp.Format(sqliteTime))
	if err != nil {
		return nil, fmt.Errorf("insert attendance: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) QueryAttendance(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, int, error) {
	filter.Normalize()

	var (
		clauses []string
		args    []any
	)
	if filter.FingerprintID != nil {
		clauses = append(clauses, "fingerprint_id = ?")
		args = append(args, *filter.FingerprintID)
	}
	if filter.From != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, filter.From.UTC().Format(sqliteTime))
	}
	if filter.To != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, filter.To.UTC().Format(sqliteTime))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance_events "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attendance: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint_id, similarity, timestamp FROM attendance_events `+where+
			` ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var events []models.AttendanceEvent
	for rows.Next() {
		var (
			ev     models.AttendanceEvent
			id, ts string
		)
		if err := rows.Scan(&id, &ev.FingerprintID, &ev.Similarity, &ts); err != nil {
			return nil, 0, fmt.Errorf("scan attendance: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, 0, fmt.Errorf("parse attendance id: %w", err)
		}
		if ev.Timestamp, err = time.Parse(sqliteTime, ts); err != nil {
			return nil, 0, fmt.Errorf("parse attendance timestamp: %w", err)
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}
