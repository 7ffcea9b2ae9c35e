package matcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/storage"
	"github.com/your-org/fpmatch/internal/testsupport"
)

var errBackendDown = errors.New("backend down")

// flakyStore fails selected operations on top of a working memory store.
type flakyStore struct {
	*storage.MemoryStore
	failAttendance bool
	failFindAll    bool
}

func (s *flakyStore) InsertAttendance(ctx context.Context, id int64, similarity float64) (*models.AttendanceEvent, error) {
	if s.failAttendance {
		return nil, errBackendDown
	}
	return s.MemoryStore.InsertAttendance(ctx, id, similarity)
}

func (s *flakyStore) FindAll(ctx context.Context) ([]models.Fingerprint, error) {
	if s.failFindAll {
		return nil, errBackendDown
	}
	return s.MemoryStore.FindAll(ctx)
}

// scoredSet stores three records scoring 60, 92 and 78 against the returned
// probe.
func scoredSet(t *testing.T, store matcher.Store) []byte {
	t.Helper()
	probe := testsupport.Template(25, 3)
	testsupport.Seed(t, store,
		models.Fingerprint{ID: 1, Template: testsupport.FlipBits(probe, 80)},
		models.Fingerprint{ID: 2, Template: testsupport.FlipBits(probe, 16)},
		models.Fingerprint{ID: 3, Template: testsupport.FlipBits(probe, 44)},
	)
	return probe
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	engine := testsupport.MustEngine(t, storage.NewMemoryStore(), matcher.Options{})

	for want := int64(1); want <= 3; want++ {
		out, err := engine.Register(ctx, matcher.RegisterRequest{Template: testsupport.Template(16, byte(want))})
		if err != nil {
			t.Fatalf("Register #%d: %v", want, err)
		}
		if out.Record.ID != want {
			t.Fatalf("Register #%d assigned id %d", want, out.Record.ID)
		}
	}
}

func TestRegisterRejectsExactDuplicate(t *testing.T) {
	ctx := context.Background()
	engine := testsupport.MustEngine(t, storage.NewMemoryStore(), matcher.Options{})
	tmpl := testsupport.Template(16, 9)

	first, err := engine.Register(ctx, matcher.RegisterRequest{Template: tmpl})
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if first.Record.ID != 1 {
		t.Fatalf("first id = %d, want 1", first.Record.ID)
	}

	_, err = engine.Register(ctx, matcher.RegisterRequest{Template: tmpl})
	if !errors.Is(err, matcher.ErrDuplicate) {
		t.Fatalf("second Register error = %v, want ErrDuplicate", err)
	}
	var dup *matcher.DuplicateError
	if !errors.As(err, &dup) || dup.ExistingID != 1 {
		t.Fatalf("DuplicateError = %+v, want existing id 1", dup)
	}
}

func TestRegisterOpenPolicyAllowsDuplicates(t *testing.T) {
	ctx := context.Background()
	engine := testsupport.MustEngine(t, storage.NewMemoryStore(), matcher.Options{
		RegistrationPolicy: matcher.PolicyAutoincrementOpen,
	})
	tmpl := testsupport.Template(16, 1)
	for want := int64(1); want <= 2; want++ {
		out, err := engine.Register(ctx, matcher.RegisterRequest{Template: tmpl})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if out.Record.ID != want {
			t.Fatalf("id = %d, want %d", out.Record.ID, want)
		}
	}
}

func TestRegisterUpsert(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	engine := testsupport.MustEngine(t, store, matcher.Options{RegistrationPolicy: matcher.PolicyUpsert})

	if _, err := engine.Register(ctx, matcher.RegisterRequest{Template: []byte{1}}); !errors.Is(err, matcher.ErrMissingID) {
		t.Fatalf("Register without id error = %v, want ErrMissingID", err)
	}

	out, err := engine.Register(ctx, matcher.RegisterRequest{ID: 42, Template: []byte{1, 2}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if out.Replaced {
		t.Fatal("first upsert reported Replaced")
	}

	out, err = engine.Register(ctx, matcher.RegisterRequest{ID: 42, Template: []byte{3, 4}})
	if err != nil {
		t.Fatalf("Register replace: %v", err)
	}
	if !out.Replaced {
		t.Fatal("second upsert did not report Replaced")
	}

	encoded, err := engine.Decode(ctx, 42)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if encoded != "0304" {
		t.Fatalf("Decode = %q, want 0304", encoded)
	}
}

func TestRegisterValidatesTemplate(t *testing.T) {
	ctx := context.Background()
	engine := testsupport.MustEngine(t, storage.NewMemoryStore(), matcher.Options{TemplateSize: 4})

	tests := []struct {
		name string
		tmpl []byte
		want error
	}{
		{"missing", nil, matcher.ErrMissingTemplate},
		{"wrong size", []byte{1, 2, 3}, matcher.ErrMalformedTemplate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Register(ctx, matcher.RegisterRequest{Template: tt.tmpl})
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMatchEmptyStore(t *testing.T) {
	engine := testsupport.MustEngine(t, storage.NewMemoryStore(), matcher.Options{})
	out, err := engine.Match(context.Background(), []byte{0xAB})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if out.Decision != matcher.NoMatch || out.Similarity != 0 || out.ClosestID != nil {
		t.Fatalf("Match on empty store = %+v", out)
	}
	if out.Percent() != "0.00%" {
		t.Fatalf("Percent = %q", out.Percent())
	}
}

func TestMatchMissingTemplate(t *testing.T) {
	engine := testsupport.MustEngine(t, storage.NewMemoryStore(), matcher.Options{})
	if _, err := engine.Match(context.Background(), nil); !errors.Is(err, matcher.ErrMissingTemplate) {
		t.Fatalf("error = %v, want ErrMissingTemplate", err)
	}
}

func TestMatchThreshold(t *testing.T) {
	tests := []struct {
		threshold  float64
		decision   matcher.Decision
		confidence matcher.Confidence
	}{
		{75, matcher.Matched, matcher.ConfidenceHigh},
		{92, matcher.Matched, matcher.ConfidenceHigh},
		{95, matcher.NoMatch, ""},
	}
	for _, tt := range tests {
		store := storage.NewMemoryStore()
		probe := scoredSet(t, store)
		engine := testsupport.MustEngine(t, store, matcher.Options{Threshold: tt.threshold})

		out, err := engine.Match(context.Background(), probe)
		if err != nil {
			t.Fatalf("threshold %v: Match: %v", tt.threshold, err)
		}
		if out.Decision != tt.decision {
			t.Fatalf("threshold %v: decision = %s, want %s", tt.threshold, out.Decision, tt.decision)
		}
		if out.Percent() != "92.00%" {
			t.Fatalf("threshold %v: similarity = %s, want 92.00%%", tt.threshold, out.Percent())
		}
		if out.Confidence != tt.confidence {
			t.Fatalf("threshold %v: confidence = %q, want %q", tt.threshold, out.Confidence, tt.confidence)
		}
		if out.ClosestID == nil || *out.ClosestID != 2 {
			t.Fatalf("threshold %v: closest id = %v, want 2", tt.threshold, out.ClosestID)
		}
		if tt.decision == matcher.Matched && out.Record.ID != 2 {
			t.Fatalf("threshold %v: matched id %d, want 2", tt.threshold, out.Record.ID)
		}
		if out.Candidates != 3 {
			t.Fatalf("candidates = %d, want 3", out.Candidates)
		}
	}
}

func TestMatchModerateConfidence(t *testing.T) {
	store := storage.NewMemoryStore()
	probe := testsupport.Template(25, 8)
	testsupport.Seed(t, store, models.Fingerprint{ID: 1, Template: testsupport.FlipBits(probe, 24)}) // 88%
	engine := testsupport.MustEngine(t, store, matcher.Options{})

	out, err := engine.Match(context.Background(), probe)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if out.Decision != matcher.Matched || out.Confidence != matcher.ConfidenceModerate {
		t.Fatalf("outcome = %s/%s, want matched/Moderate", out.Decision, out.Confidence)
	}
}

func TestMatchTieGoesToLowestID(t *testing.T) {
	store := storage.NewMemoryStore()
	probe := testsupport.Template(8, 1)
	testsupport.Seed(t, store,
		models.Fingerprint{ID: 9, Template: probe},
		models.Fingerprint{ID: 4, Template: probe},
		models.Fingerprint{ID: 6, Template: probe},
	)
	engine := testsupport.MustEngine(t, store, matcher.Options{})

	out, err := engine.Match(context.Background(), probe)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if out.Record == nil || out.Record.ID != 4 {
		t.Fatalf("tie resolved to %+v, want id 4", out.Record)
	}
}

func TestMatchRecordsAttendance(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	probe := scoredSet(t, store)
	engine := testsupport.MustEngine(t, store, matcher.Options{RecordAttendance: true})

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := engine.Match(ctx, probe)
			if err != nil || out.Attendance == nil {
				t.Errorf("Match = %+v, %v", out, err)
			}
		}()
	}
	wg.Wait()

	id := int64(2)
	events, total, err := store.QueryAttendance(ctx, models.AttendanceFilter{FingerprintID: &id})
	if err != nil {
		t.Fatalf("QueryAttendance: %v", err)
	}
	if total != workers || len(events) != workers {
		t.Fatalf("attendance events = %d (total %d), want %d", len(events), total, workers)
	}
}

func TestMatchAttendanceFailureIsNotFatal(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failAttendance: true}
	probe := scoredSet(t, store)
	engine := testsupport.MustEngine(t, store, matcher.Options{RecordAttendance: true})

	out, err := engine.Match(context.Background(), probe)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if out.Decision != matcher.Matched || out.Attendance != nil {
		t.Fatalf("outcome = %+v, want matched without attendance", out)
	}
}

func TestMatchStoreError(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failFindAll: true}
	engine := testsupport.MustEngine(t, store, matcher.Options{})

	_, err := engine.Match(context.Background(), []byte{1})
	var se *matcher.StoreError
	if !errors.As(err, &se) || !errors.Is(err, errBackendDown) {
		t.Fatalf("error = %v, want StoreError wrapping backend failure", err)
	}
}

func TestDecode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	testsupport.Seed(t, store, models.Fingerprint{ID: 1, Template: []byte{0xDE, 0xAD, 0xBE, 0xEF}})
	engine := testsupport.MustEngine(t, store, matcher.Options{})

	got, err := engine.Decode(ctx, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "deadbeef" {
		t.Fatalf("Decode = %q, want deadbeef", got)
	}
	if _, err := engine.Decode(ctx, 99); !errors.Is(err, matcher.ErrNotFound) {
		t.Fatalf("Decode(99) error = %v, want ErrNotFound", err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	store := storage.NewMemoryStore()
	for _, opts := range []matcher.Options{
		{Threshold: 150},
		{LengthPolicy: "fuzzy"},
		{RegistrationPolicy: "manual"},
		{TemplateSize: -1},
	} {
		if _, err := matcher.New(store, opts, nil); err == nil {
			t.Fatalf("New(%+v) succeeded, want error", opts)
		}
	}
	if _, err := matcher.New(nil, matcher.Options{}, nil); err == nil {
		t.Fatal("New(nil store) succeeded")
	}
}
