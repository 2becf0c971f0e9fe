package core

import (
	"os"
	"testing"
)

// setupTempHandle opens a fresh store in a new temp directory and registers
// its cleanup with tb, returning both the handle and its backing directory
// so tests can reopen it or poke at segment files directly.
func setupTempHandle(tb testing.TB, opts ...Option) (*Handle, string) {
	tb.Helper()

	dir, err := os.MkdirTemp("", "caskdb_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp: %v", err)
	}

	h, err := Open(dir, opts...)
	if err != nil {
		_ = os.RemoveAll(dir)
		tb.Fatalf("Open(%q) failed: %v", dir, err)
	}

	tb.Cleanup(func() {
		_ = h.Close()
		_ = os.RemoveAll(dir)
	})

	return h, dir
}
