package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/your-org/fpmatch/internal/config"
	"github.com/your-org/fpmatch/internal/models"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// NewPostgresStore connects, retrying the first ping while the database
// comes up, and applies migrations.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrate(ctx, db, goose.DialectPostgres, "postgres"); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, db: db}, nil
}

func (s *PostgresStore) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Fingerprints ---

func (s *PostgresStore) Insert(ctx context.Context, fp *models.Fingerprint) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO fingerprints (id, template, template_hash) VALUES ($1, $2, $3) RETURNING created_at`,
		fp.ID, fp.Template, templateHash(fp.Template),
	).Scan(&fp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("insert fingerprint %d: %w", fp.ID, ErrIDConflict)
		}
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO fingerprints (id, template, template_hash) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		   SET template = EXCLUDED.template, template_hash = EXCLUDED.template_hash, created_at = now()
		 RETURNING created_at, (xmax = 0) AS inserted`,
		fp.ID, fp.Template, templateHash(fp.Template),
	).Scan(&fp.CreatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert fingerprint: %w", err)
	}
	return !inserted, nil
}

// Restore writes fp under its id, keeping CreatedAt when it is set.
func (s *PostgresStore) Restore(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	if fp.CreatedAt.IsZero() {
		return s.Upsert(ctx, fp)
	}
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO fingerprints (id, template, template_hash, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET template = EXCLUDED.template, template_hash = EXCLUDED.template_hash, created_at = EXCLUDED.created_at
		 RETURNING created_at, (xmax = 0) AS inserted`,
		fp.ID, fp.Template, templateHash(fp.Template), fp.CreatedAt,
	).Scan(&fp.CreatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("restore fingerprint: %w", err)
	}
	return !inserted, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Fingerprint, error) {
	fp := &models.Fingerprint{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, template, created_at FROM fingerprints WHERE id = $1`, id,
	).Scan(&fp.ID, &fp.Template, &fp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}
	return fp, nil
}

func (s *PostgresStore) FindByTemplate(ctx context.Context, template []byte) (*models.Fingerprint, error) {
	candidates, err := s.queryFingerprints(ctx,
		`SELECT id, template, created_at FROM fingerprints WHERE template_hash = $1 ORDER BY id`,
		templateHash(template))
	if err != nil {
		return nil, fmt.Errorf("find fingerprint by template: %w", err)
	}
	return firstExact(candidates, template), nil
}

func (s *PostgresStore) FindAll(ctx context.Context) ([]models.Fingerprint, error) {
	fps, err := s.queryFingerprints(ctx, `SELECT id, template, created_at FROM fingerprints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return fps, nil
}

func (s *PostgresStore) queryFingerprints(ctx context.Context, query string, args ...any) ([]models.Fingerprint, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []models.Fingerprint
	for rows.Next() {
		var fp models.Fingerprint
		if err := rows.Scan(&fp.ID, &fp.Template, &fp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

func (s *PostgresStore) MaxID(ctx context.Context) (int64, bool, error) {
	var maxID *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM fingerprints`).Scan(&maxID); err != nil {
		return 0, false, fmt.Errorf("max fingerprint id: %w", err)
	}
	if maxID == nil {
		return 0, false, nil
	}
	return *maxID, true, nil
}

// --- Attendance ---

func (s *PostgresStore) InsertAttendance(ctx context.Context, fingerprintID int64, similarity float64) (*models.AttendanceEvent, error) {
	ev := &models.AttendanceEvent{
		ID:            uuid.New(),
		FingerprintID: fingerprintID,
		Similarity:    similarity,
		Timestamp:     time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attendance_events (id, fingerprint_id, similarity, timestamp) VALUES ($1, $2, $3, $4)`,
		ev.ID, ev.FingerprintID, ev.Similarity, ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("insert attendance: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) QueryAttendance(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, int, error) {
	filter.Normalize()

	baseWhere := "WHERE TRUE"
	var args []any
	argIdx := 1

	if filter.FingerprintID != nil {
		baseWhere += fmt.Sprintf(" AND fingerprint_id = $%d", argIdx)
		args = append(args, *filter.FingerprintID)
		argIdx++
	}
	if filter.From != nil {
		baseWhere += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *filter.From)
		argIdx++
	}
	if filter.To != nil {
		baseWhere += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *filter.To)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM attendance_events "+baseWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attendance: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, fingerprint_id, similarity, timestamp
		 FROM attendance_events %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		baseWhere, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var events []models.AttendanceEvent
	for rows.Next() {
		var ev models.AttendanceEvent
		if err := rows.Scan(&ev.ID, &ev.FingerprintID, &ev.Similarity, &ev.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan attendance: %w", err)
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}
