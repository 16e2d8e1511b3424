package testsupport

import (
	"testing"

	"readalong/internal/config"
	"readalong/internal/joblog"
)

// MustOpenStore opens a joblog.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *joblog.Store {
	t.Helper()

	store, err := joblog.Open(cfg.Paths.LogDir)
	if err != nil {
		t.Fatalf("joblog.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
