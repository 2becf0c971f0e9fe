package core

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestActiveSegment(t *testing.T, dir string, maxSize uint64) (*activeSegment, *sync.WaitGroup) {
	t.Helper()
	cfg, err := newConfig(WithMaxActiveFileSize(maxSize))
	require.NoError(t, err)

	var nextID atomic.Uint64
	nextID.Store(1)
	var wg sync.WaitGroup

	seg, err := openActiveSegment(dir, 0, &nextID, cfg, zap.NewNop().Sugar(), nil, &wg)
	require.NoError(t, err)
	return seg, &wg
}

func TestActiveSegmentAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	seg, _ := newTestActiveSegment(t, dir, 1<<20)
	defer seg.close() // nolint:errcheck

	loc, err := seg.append([]byte("foo"), []byte("bar"), false)
	require.NoError(t, err)
	require.EqualValues(t, 0, loc.segmentID)
	require.EqualValues(t, 3, loc.valueLength)

	buf := make([]byte, loc.valueLength)
	_, err = seg.file.ReadAt(buf, int64(loc.valueOffset))
	require.NoError(t, err)
	require.Equal(t, "bar", string(buf))
}

func TestActiveSegmentAppendIsImmediatelyVisible(t *testing.T) {
	// append() must flush before returning, or a concurrent positioned read
	// on the same *os.File could see stale/zero bytes.
	dir := t.TempDir()
	seg, _ := newTestActiveSegment(t, dir, 1<<20)
	defer seg.close() // nolint:errcheck

	for i := 0; i < 50; i++ {
		loc, err := seg.append([]byte("k"), []byte("v"), false)
		require.NoError(t, err)

		buf := make([]byte, loc.valueLength)
		_, err = seg.file.ReadAt(buf, int64(loc.valueOffset))
		require.NoError(t, err)
		require.Equal(t, "v", string(buf))
	}
}

func TestActiveSegmentRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	seg, wg := newTestActiveSegment(t, dir, 32) // tiny threshold forces fast rotation
	defer seg.close()                          // nolint:errcheck

	firstID := seg.id
	for i := 0; i < 10; i++ {
		_, err := seg.append([]byte("key"), []byte("value-that-is-long-enough"), false)
		require.NoError(t, err)
	}

	require.NotEqual(t, firstID, seg.id, "expected at least one rotation")
	wg.Wait() // drain background seal goroutines before TempDir cleanup
}

func TestActiveSegmentTombstoneAppend(t *testing.T) {
	dir := t.TempDir()
	seg, _ := newTestActiveSegment(t, dir, 1<<20)

	loc, err := seg.append([]byte("k"), nil, true)
	require.NoError(t, err)
	require.EqualValues(t, 0, loc.valueLength)
	require.NoError(t, seg.close())

	f, err := os.Open(seg.file.Name())
	require.NoError(t, err)
	defer f.Close() // nolint:errcheck

	sc := newRecordScanner(f)
	require.True(t, sc.scan())
	require.True(t, sc.record.tombstone)
	require.Equal(t, "k", string(sc.record.key))
}

func TestReopenOrCreateActiveFilePicksUpExistingFile(t *testing.T) {
	dir := t.TempDir()
	seg, _ := newTestActiveSegment(t, dir, 1<<20)
	_, err := seg.append([]byte("k"), []byte("v"), false)
	require.NoError(t, err)
	require.NoError(t, seg.close())

	f, offset, err := reopenOrCreateActiveFile(seg.file.Name())
	require.NoError(t, err)
	defer f.Close() // nolint:errcheck
	require.Greater(t, offset, int64(0))
}

func TestParseSegmentStem(t *testing.T) {
	cases := []struct {
		name     string
		wantID   uint64
		wantKind string
		wantOK   bool
	}{
		{"00000001.data", 1, "data", true},
		{"00000001.log", 1, "data", true},
		{"00000042.hint", 42, "hint", true},
		{"README.md", 0, "", false},
		{"notanumber.data", 0, "", false},
	}

	for _, tc := range cases {
		id, kind, ok := parseSegmentStem(tc.name)
		require.Equal(t, tc.wantOK, ok, tc.name)
		if tc.wantOK {
			require.Equal(t, tc.wantID, id, tc.name)
			require.Equal(t, tc.wantKind, kind, tc.name)
		}
	}
}
