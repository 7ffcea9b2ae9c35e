package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/fpmatch/internal/models"
)

// MemoryStore is a process-local backend. Records are lost on exit.
type MemoryStore struct {
	mu           sync.RWMutex
	fingerprints map[int64]models.Fingerprint
	attendance   []models.AttendanceEvent
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fingerprints: make(map[int64]models.Fingerprint),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneFingerprint(fp models.Fingerprint) models.Fingerprint {
	fp.Template = append([]byte(nil), fp.Template...)
	return fp
}

func (s *MemoryStore) Insert(_ context.Context, fp *models.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fingerprints[fp.ID]; ok {
		return fmt.Errorf("insert fingerprint %d: %w", fp.ID, ErrIDConflict)
	}
	fp.CreatedAt = s.now()
	s.fingerprints[fp.ID] = cloneFingerprint(*fp)
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, fp *models.Fingerprint) (bool, error) {
	fp.CreatedAt = s.now()
	return s.Restore(ctx, fp)
}

// Restore writes fp under its id, keeping CreatedAt when it is set.
func (s *MemoryStore) Restore(_ context.Context, fp *models.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced := s.fingerprints[fp.ID]
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = s.now()
	}
	s.fingerprints[fp.ID] = cloneFingerprint(*fp)
	return replaced, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id int64) (*models.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.fingerprints[id]
	if !ok {
		return nil, nil
	}
	fp = cloneFingerprint(fp)
	return &fp, nil
}

func (s *MemoryStore) FindByTemplate(ctx context.Context, template []byte) (*models.Fingerprint, error) {
	all, _ := s.FindAll(ctx)
	return firstExact(all, template), nil
}

func (s *MemoryStore) FindAll(_ context.Context) ([]models.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fps := make([]models.Fingerprint, 0, len(s.fingerprints))
	for _, fp := range s.fingerprints {
		fps = append(fps, cloneFingerprint(fp))
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i].ID < fps[j].ID })
	return fps, nil
}

func (s *MemoryStore) MaxID(_ context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		maxID int64
		found bool
	)
	for id := range s.fingerprints {
		if !found || id > maxID {
			maxID = id
			found = true
		}
	}
	return maxID, found, nil
}

func (s *MemoryStore) InsertAttendance(_ context.Context, fingerprintID int64, similarity float64) (*models.AttendanceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := models.AttendanceEvent{
		ID:            uuid.New(),
		FingerprintID: fingerprintID,
		Similarity:    similarity,
		Timestamp:     s.now(),
	}
	s.attendance = append(s.attendance, ev)
	return &ev, nil
}

func (s *MemoryStore) QueryAttendance(_ context.Context, filter models.AttendanceFilter) ([]models.AttendanceEvent, int, error) {
	filter.Normalize()

	s.mu.RLock()
	var matched []models.AttendanceEvent
	for _, ev := range s.attendance {
		if filter.FingerprintID != nil && ev.FingerprintID != *filter.FingerprintID {
			continue
		}
		if filter.From != nil && ev.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && ev.Timestamp.After(*filter.To) {
			continue
		}
		matched = append(matched, ev)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := min(filter.Offset+filter.Limit, total)
	return matched[filter.Offset:end], total, nil
}
