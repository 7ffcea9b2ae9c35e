package backup_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/your-org/fpmatch/internal/backup"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/storage"
	"github.com/your-org/fpmatch/internal/testsupport"
)

type mapArchive struct {
	objects map[int64][]byte
	readErr error
	puts    []int64
}

func (a *mapArchive) GetTemplate(_ context.Context, id int64) ([]byte, error) {
	if a.readErr != nil {
		return nil, a.readErr
	}
	data, ok := a.objects[id]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (a *mapArchive) PutTemplate(_ context.Context, id int64, tmpl []byte) (string, error) {
	a.objects[id] = append([]byte(nil), tmpl...)
	a.puts = append(a.puts, id)
	return storage.TemplateKey(id), nil
}

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	testsupport.Seed(t, store,
		models.Fingerprint{ID: 1, Template: []byte{0x01}},
		models.Fingerprint{ID: 2, Template: []byte{0x02}},
		models.Fingerprint{ID: 3, Template: []byte{0x03}},
	)
	return store
}

func TestVerifyArchiveReports(t *testing.T) {
	archive := &mapArchive{objects: map[int64][]byte{1: {0x01}, 3: {0xFF}}}

	report, err := backup.VerifyArchive(context.Background(), seededStore(t), archive, nil)
	if err != nil {
		t.Fatalf("VerifyArchive: %v", err)
	}
	if report.Checked != 3 || report.OK() {
		t.Fatalf("report = %+v, want 3 checked and problems", report)
	}
	if !slices.Equal(report.Missing, []int64{2}) || !slices.Equal(report.Mismatched, []int64{3}) {
		t.Fatalf("missing = %v mismatched = %v, want [2] [3]", report.Missing, report.Mismatched)
	}
	if report.Repaired != 0 || len(archive.puts) != 0 {
		t.Fatalf("verify without repair wrote %v", archive.puts)
	}
}

func TestVerifyArchiveRepairs(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	archive := &mapArchive{objects: map[int64][]byte{1: {0x01}, 3: {0xFF}}}

	report, err := backup.VerifyArchive(ctx, store, archive, archive)
	if err != nil {
		t.Fatalf("VerifyArchive: %v", err)
	}
	if report.Repaired != 2 || !slices.Equal(archive.puts, []int64{2, 3}) {
		t.Fatalf("repaired %d via %v, want ids 2 and 3", report.Repaired, archive.puts)
	}

	again, err := backup.VerifyArchive(ctx, store, archive, nil)
	if err != nil || !again.OK() {
		t.Fatalf("after repair = %+v, %v", again, err)
	}
}

func TestVerifyArchiveReadError(t *testing.T) {
	archive := &mapArchive{readErr: errors.New("minio unreachable")}
	if _, err := backup.VerifyArchive(context.Background(), seededStore(t), archive, nil); err == nil {
		t.Fatal("expected read error to abort verification")
	}
}
