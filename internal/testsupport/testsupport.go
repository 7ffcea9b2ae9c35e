// Package testsupport builds configs, stores and engines for package tests.
package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/your-org/fpmatch/internal/config"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/storage"
)

type ConfigOption func(*config.Config)

// WithMatching overrides the matching section.
func WithMatching(fn func(*config.MatchingConfig)) ConfigOption {
	return func(cfg *config.Config) { fn(&cfg.Matching) }
}

// NewConfig returns a defaulted config backed by SQLite in a temp dir.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "fingerprints.db")
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

// MustOpenSQLite opens the SQLite store of cfg and closes it with the test.
func MustOpenSQLite(t testing.TB, cfg *config.Config) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), cfg.SQLite)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// MustEngine builds an engine over store or fails the test.
func MustEngine(t testing.TB, store matcher.Store, opts matcher.Options) *matcher.Engine {
	t.Helper()
	engine, err := matcher.New(store, opts, nil)
	if err != nil {
		t.Fatalf("matcher.New: %v", err)
	}
	return engine
}

// Seed inserts records as-is, keeping their ids.
func Seed(t testing.TB, store matcher.Store, records ...models.Fingerprint) {
	t.Helper()
	for i := range records {
		fp := records[i]
		if err := store.Insert(context.Background(), &fp); err != nil {
			t.Fatalf("seed fingerprint %d: %v", fp.ID, err)
		}
	}
}

// Template returns n bytes of a deterministic pattern.
func Template(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*37)
	}
	return out
}

// FlipBits returns a copy of tmpl with the first n bits inverted.
func FlipBits(tmpl []byte, n int) []byte {
	out := append([]byte(nil), tmpl...)
	for i := 0; i < n; i++ {
		out[i/8] ^= 1 << (7 - uint(i%8))
	}
	return out
}
