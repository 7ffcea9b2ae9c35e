package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/your-org/fpmatch/internal/api"
	"github.com/your-org/fpmatch/internal/api/handlers"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/storage"
	"github.com/your-org/fpmatch/internal/testsupport"
	"github.com/your-org/fpmatch/pkg/dto"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.FingerprintEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev models.FingerprintEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type memoryArchive struct {
	mu        sync.Mutex
	templates map[int64][]byte
	probes    int
}

func (a *memoryArchive) PutTemplate(_ context.Context, id int64, tmpl []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.templates[id] = tmpl
	return storage.TemplateKey(id), nil
}

func (a *memoryArchive) PutProbe(context.Context, []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes++
	return "probes/x.bin", nil
}

type testServer struct {
	router    *gin.Engine
	store     *storage.MemoryStore
	publisher *recordingPublisher
	archive   *memoryArchive
}

func newTestServer(t *testing.T, opts matcher.Options, mutate ...func(*api.RouterConfig)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	srv := &testServer{
		store:     store,
		publisher: &recordingPublisher{},
		archive:   &memoryArchive{templates: map[int64][]byte{}},
	}
	cfg := api.RouterConfig{
		Engine:        testsupport.MustEngine(t, store, opts),
		Store:         store,
		Publisher:     srv.publisher,
		Archive:       srv.archive,
		ArchiveProbes: true,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv.router = api.NewRouter(cfg)
	return srv
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T from %q: %v", out, rec.Body.String(), err)
	}
	return out
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestRegisterAndMatchFlow(t *testing.T) {
	srv := newTestServer(t, matcher.Options{RecordAttendance: true})
	tmpl := testsupport.Template(25, 5)

	rec := srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64(tmpl)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body)
	}
	reg := decode[dto.RegisterResponse](t, rec)
	if reg.Data.ID != 1 || reg.Data.Template != b64(tmpl) {
		t.Fatalf("register response = %+v", reg)
	}
	if _, ok := srv.archive.templates[1]; !ok {
		t.Fatal("registered template not archived")
	}

	rec = srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64(tmpl)})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d: %s", rec.Code, rec.Body)
	}
	if dup := decode[dto.ErrorResponse](t, rec); dup.ExistingID == nil || *dup.ExistingID != 1 {
		t.Fatalf("duplicate response = %+v", dup)
	}

	rec = srv.do(t, http.MethodPost, "/v1/fingerprints/match", dto.MatchRequest{Template: b64(testsupport.FlipBits(tmpl, 16))})
	if rec.Code != http.StatusOK {
		t.Fatalf("match status = %d: %s", rec.Code, rec.Body)
	}
	m := decode[dto.MatchResponse](t, rec)
	if m.Similarity != "92.00%" || m.Confidence != "High" || m.Data == nil || m.Data.ID != 1 {
		t.Fatalf("match response = %+v", m)
	}
	if m.Attendance == nil || m.Attendance.FingerprintID != 1 {
		t.Fatalf("attendance missing from %+v", m)
	}

	rec = srv.do(t, http.MethodPost, "/v1/fingerprints/match", dto.MatchRequest{Template: b64(testsupport.FlipBits(tmpl, 80))})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no-match status = %d: %s", rec.Code, rec.Body)
	}
	nm := decode[dto.ErrorResponse](t, rec)
	if nm.Similarity != "60.00%" || nm.ClosestID == nil || *nm.ClosestID != 1 {
		t.Fatalf("no-match response = %+v", nm)
	}
	if srv.archive.probes != 1 {
		t.Fatalf("archived probes = %d, want 1", srv.archive.probes)
	}

	want := []models.EventType{models.EventRegistered, models.EventMatched, models.EventNoMatch}
	got := srv.publisher.types()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published %v, want %v", got, want)
		}
	}

	rec = srv.do(t, http.MethodGet, "/v1/attendance?fingerprint_id=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attendance status = %d", rec.Code)
	}
	if att := decode[dto.AttendanceListResponse](t, rec); att.Total != 1 || len(att.Events) != 1 {
		t.Fatalf("attendance = %+v", att)
	}
}

func TestMatchEmptyStoreReturnsNotFound(t *testing.T) {
	srv := newTestServer(t, matcher.Options{})
	rec := srv.do(t, http.MethodPost, "/v1/fingerprints/match", dto.MatchRequest{Template: b64([]byte{1, 2})})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode[dto.ErrorResponse](t, rec); body.Similarity != "0.00%" || body.Message != "No matching fingerprint found" {
		t.Fatalf("body = %+v", body)
	}
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, matcher.Options{TemplateSize: 4})
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"register empty body", http.MethodPost, "/v1/fingerprints", "", http.StatusBadRequest},
		{"register missing template", http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{}, http.StatusBadRequest},
		{"register bad base64", http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: "***"}, http.StatusBadRequest},
		{"register wrong size", http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64([]byte{1})}, http.StatusBadRequest},
		{"match malformed json", http.MethodPost, "/v1/fingerprints/match", "{", http.StatusBadRequest},
		{"match missing template", http.MethodPost, "/v1/fingerprints/match", dto.MatchRequest{}, http.StatusBadRequest},
		{"get bad id", http.MethodGet, "/v1/fingerprints/abc", nil, http.StatusBadRequest},
		{"get unknown id", http.MethodGet, "/v1/fingerprints/5", nil, http.StatusNotFound},
		{"hex unknown id", http.MethodGet, "/v1/fingerprints/5/hex", nil, http.StatusNotFound},
		{"similarity missing b", http.MethodPost, "/v1/similarity", dto.SimilarityRequest{A: b64([]byte{1})}, http.StatusBadRequest},
		{"attendance bad from", http.MethodGet, "/v1/attendance?from=yesterday", nil, http.StatusBadRequest},
		{"attendance bad id", http.MethodGet, "/v1/attendance?fingerprint_id=x", nil, http.StatusBadRequest},
		{"attendance bad limit", http.MethodGet, "/v1/attendance?limit=abc", nil, http.StatusBadRequest},
		{"attendance bad offset", http.MethodGet, "/v1/attendance?offset=1.5", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := srv.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestUpsertPolicy(t *testing.T) {
	srv := newTestServer(t, matcher.Options{RegistrationPolicy: matcher.PolicyUpsert})

	rec := srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64([]byte{1})})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", rec.Code)
	}

	for i, wantReplaced := range []bool{false, true} {
		rec = srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{FingerprintID: 7, Template: b64([]byte{byte(i)})})
		if rec.Code != http.StatusCreated {
			t.Fatalf("upsert #%d status = %d: %s", i, rec.Code, rec.Body)
		}
		if got := decode[dto.RegisterResponse](t, rec); got.Replaced != wantReplaced || got.Data.ID != 7 {
			t.Fatalf("upsert #%d = %+v", i, got)
		}
	}
}

func TestReadEndpoints(t *testing.T) {
	srv := newTestServer(t, matcher.Options{})
	testsupport.Seed(t, srv.store,
		models.Fingerprint{ID: 1, Template: []byte{0xCA, 0xFE}},
		models.Fingerprint{ID: 2, Template: []byte{0x00, 0x01}},
	)

	rec := srv.do(t, http.MethodGet, "/v1/fingerprints", nil)
	list := decode[dto.FingerprintListResponse](t, rec)
	if rec.Code != http.StatusOK || list.Count != 2 || list.Data[0].ID != 1 {
		t.Fatalf("list = %d %+v", rec.Code, list)
	}

	rec = srv.do(t, http.MethodGet, "/v1/fingerprints/1", nil)
	if got := decode[dto.FingerprintResponse](t, rec); rec.Code != http.StatusOK || got.Template != b64([]byte{0xCA, 0xFE}) {
		t.Fatalf("get = %d %+v", rec.Code, got)
	}

	rec = srv.do(t, http.MethodGet, "/v1/fingerprints/1/hex", nil)
	if got := decode[dto.HexResponse](t, rec); got.Hex != "cafe" {
		t.Fatalf("hex = %+v", got)
	}

	rec = srv.do(t, http.MethodPost, "/v1/similarity", dto.SimilarityRequest{A: b64([]byte{0x00}), B: b64([]byte{0x0F})})
	if got := decode[dto.SimilarityResponse](t, rec); got.Similarity != "50.00%" || got.Value != 50 {
		t.Fatalf("similarity = %+v", got)
	}
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	srv := newTestServer(t, matcher.Options{})
	srv.publisher.err = errors.New("nats down")

	rec := srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64([]byte{9, 9})})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
}

type heldLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
	err      error
}

func (l *heldLocker) Lock(context.Context, string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.held = true
	l.acquired++
	return func() {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
	}, nil
}

func (l *heldLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

type lockAwarePublisher struct {
	locker        *heldLocker
	mu            sync.Mutex
	heldOnPublish []bool
}

func (p *lockAwarePublisher) PublishEvent(context.Context, models.FingerprintEvent) error {
	held := p.locker.isHeld()
	p.mu.Lock()
	p.heldOnPublish = append(p.heldOnPublish, held)
	p.mu.Unlock()
	return nil
}

func TestRegisterReleasesLockBeforeSideEffects(t *testing.T) {
	locker := &heldLocker{}
	pub := &lockAwarePublisher{locker: locker}
	srv := newTestServer(t, matcher.Options{}, func(cfg *api.RouterConfig) {
		cfg.Locker = locker
		cfg.Publisher = pub
	})

	rec := srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64([]byte{4, 2})})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if locker.acquired != 1 {
		t.Fatalf("lock acquired %d times, want 1", locker.acquired)
	}
	if len(pub.heldOnPublish) != 1 || pub.heldOnPublish[0] {
		t.Fatalf("lock held during publish: %v", pub.heldOnPublish)
	}
	if locker.isHeld() {
		t.Fatal("lock still held after request")
	}
}

func TestRegisterLockUnavailable(t *testing.T) {
	srv := newTestServer(t, matcher.Options{}, func(cfg *api.RouterConfig) {
		cfg.Locker = &heldLocker{err: errors.New("redis down")}
	})

	rec := srv.do(t, http.MethodPost, "/v1/fingerprints", dto.RegisterRequest{Template: b64([]byte{4, 2})})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if all, _ := srv.store.FindAll(context.Background()); len(all) != 0 {
		t.Fatalf("stored %d records without the lock", len(all))
	}
}

func TestAuthAndSystemRoutes(t *testing.T) {
	srv := newTestServer(t, matcher.Options{}, func(cfg *api.RouterConfig) {
		cfg.APIKey = "k"
		cfg.Checks = map[string]handlers.Check{
			"nats": func(context.Context) error { return errors.New("not connected") },
		}
	})

	if rec := srv.do(t, http.MethodGet, "/v1/fingerprints", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/fingerprints", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}

	if rec := srv.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503 with failing nats check", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
