package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeDataSegment(t *testing.T, dir string, id uint64, recs []record) {
	t.Helper()
	path := filepath.Join(dir, dataSegmentName(id))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() // nolint:errcheck

	for _, r := range recs {
		_, err := f.Write(encodeRecord(r.timestamp, r.key, r.value, r.tombstone))
		require.NoError(t, err)
	}
}

func writeHintSegment(t *testing.T, dir string, id uint64, entries []hintEntry) {
	t.Helper()
	path := filepath.Join(dir, hintSegmentName(id))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close() // nolint:errcheck

	for _, e := range entries {
		_, err := f.Write(encodeHint(e.timestamp, e.key, e.valueLength, e.valueOffset, e.tombstone))
		require.NoError(t, err)
	}
}

func testRecoveryConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := newConfig(WithRecoveryParallelism(2))
	require.NoError(t, err)
	return cfg
}

func TestRecoverEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	res, err := recoverKeydir(dir, testRecoveryConfig(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, 0, res.keydir.len())
	require.EqualValues(t, 0, res.activeID)
	require.EqualValues(t, 1, res.nextID)
}

func TestRecoverFromDataSegmentsOnly(t *testing.T) {
	dir := t.TempDir()
	writeDataSegment(t, dir, 0, []record{
		{key: []byte("a"), value: []byte("1"), timestamp: 1},
		{key: []byte("b"), value: []byte("2"), timestamp: 2},
	})
	writeDataSegment(t, dir, 1, []record{
		{key: []byte("a"), value: []byte("1-new"), timestamp: 5}, // supersedes segment 0's "a"
	})

	res, err := recoverKeydir(dir, testRecoveryConfig(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, 2, res.keydir.len())
	require.EqualValues(t, 2, res.activeID)
	require.EqualValues(t, 3, res.nextID)

	loc, ok := res.keydir.get([]byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 1, loc.segmentID)
	require.EqualValues(t, 5, loc.timestamp)
}

func TestRecoverPrefersHintOverData(t *testing.T) {
	dir := t.TempDir()
	writeDataSegment(t, dir, 0, []record{
		{key: []byte("a"), value: []byte("from-data"), timestamp: 1},
	})
	// A corresponding hint file exists for segment 0; it must win even
	// though it claims a different offset than the data file actually has.
	writeHintSegment(t, dir, 0, []hintEntry{
		{key: []byte("a"), timestamp: 1, valueLength: 9, valueOffset: 999},
	})
	writeDataSegment(t, dir, 1, nil) // active segment, empty

	res, err := recoverKeydir(dir, testRecoveryConfig(t), zap.NewNop().Sugar())
	require.NoError(t, err)

	loc, ok := res.keydir.get([]byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 999, loc.valueOffset)
}

func TestRecoverTombstoneRemovesKey(t *testing.T) {
	dir := t.TempDir()
	writeDataSegment(t, dir, 0, []record{
		{key: []byte("a"), value: []byte("1"), timestamp: 1},
		{key: []byte("a"), value: nil, timestamp: 2, tombstone: true},
	})

	res, err := recoverKeydir(dir, testRecoveryConfig(t), zap.NewNop().Sugar())
	require.NoError(t, err)

	_, ok := res.keydir.get([]byte("a"))
	require.False(t, ok)
}

func TestRecoverIgnoresOrphanFiles(t *testing.T) {
	dir := t.TempDir()
	writeDataSegment(t, dir, 0, []record{{key: []byte("a"), value: []byte("1"), timestamp: 1}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("junk"), 0o644))

	res, err := recoverKeydir(dir, testRecoveryConfig(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, 1, res.keydir.len())
}

func TestRecoverContinuesPastUnreadableSegment(t *testing.T) {
	dir := t.TempDir()
	writeDataSegment(t, dir, 0, []record{{key: []byte("a"), value: []byte("1"), timestamp: 1}})

	// A segment file that can't actually be read as a stream of records (here:
	// a symlink to a directory, so io.ReadFull fails with a real error, not a
	// clean EOF) must not abort the scan of its siblings. A plain directory
	// would not do: the directory scan skips directory entries.
	sub := filepath.Join(dir, "not-a-segment")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.Symlink(sub, filepath.Join(dir, dataSegmentName(1))))

	writeDataSegment(t, dir, 2, []record{{key: []byte("c"), value: []byte("3"), timestamp: 1}})

	res, err := recoverKeydir(dir, testRecoveryConfig(t), zap.NewNop().Sugar())
	require.Error(t, err, "an unreadable segment should surface as a recovery error")

	// but the other, healthy segments must still have been merged in
	_, ok := res.keydir.get([]byte("a"))
	require.True(t, ok)
	_, ok = res.keydir.get([]byte("c"))
	require.True(t, ok)
}
