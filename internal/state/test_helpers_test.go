package state

import (
	"path/filepath"
	"testing"

	"github.com/roach88/entityevents/internal/testutil"
)

// createTestStore opens a fresh database under t.TempDir() with a manual
// clock and sequential record ids.
func createTestStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithNow(clock.Now),
		WithIDGenerator(testutil.NewSequenceGenerator("state")),
	)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}
