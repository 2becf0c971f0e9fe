package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	buf := encodeRecord(1234, []byte("foo"), []byte("bar"), false)
	require.Len(t, buf, recordHeaderLen+3+3)

	sc := newRecordScanner(bytes.NewReader(buf))
	require.True(t, sc.scan())
	require.NoError(t, sc.err)

	rec := sc.record
	require.Equal(t, "foo", string(rec.key))
	require.Equal(t, "bar", string(rec.value))
	require.EqualValues(t, 1234, rec.timestamp)
	require.False(t, rec.tombstone)
	require.EqualValues(t, 0, rec.offset)
	require.EqualValues(t, recordHeaderLen+3, rec.valueOffset())

	require.False(t, sc.scan())
	require.NoError(t, sc.err)
}

func TestEncodeRecordTombstoneBit(t *testing.T) {
	buf := encodeRecord(42, []byte("k"), nil, true)

	sc := newRecordScanner(bytes.NewReader(buf))
	require.True(t, sc.scan())
	require.True(t, sc.record.tombstone)
	require.EqualValues(t, 42, sc.record.timestamp)
	require.Empty(t, sc.record.value)
}

func TestRecordScannerMultipleRecords(t *testing.T) {
	var all []byte
	all = append(all, encodeRecord(1, []byte("a"), []byte("1"), false)...)
	all = append(all, encodeRecord(2, []byte("b"), []byte("22"), false)...)
	all = append(all, encodeRecord(3, []byte("c"), nil, true)...)

	sc := newRecordScanner(bytes.NewReader(all))

	var keys []string
	for sc.scan() {
		keys = append(keys, string(sc.record.key))
	}
	require.NoError(t, sc.err)
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestRecordScannerTruncatedTail(t *testing.T) {
	full := encodeRecord(1, []byte("a"), []byte("1"), false)
	truncated := append(full, []byte{0x01, 0x02, 0x03}...) // partial next header

	sc := newRecordScanner(bytes.NewReader(truncated))
	require.True(t, sc.scan())
	require.Equal(t, "a", string(sc.record.key))

	require.False(t, sc.scan())
	require.NoError(t, sc.err, "a torn tail at a record boundary is not an error")
}

func TestRecordScannerTruncatedBody(t *testing.T) {
	// A crash can land mid-body just as easily as mid-header; both are the
	// same torn-tail case and must stop cleanly rather than erroring.
	buf := encodeRecord(1, []byte("a"), []byte("toolong"), false)
	sc := newRecordScanner(bytes.NewReader(buf[:recordHeaderLen+1]))
	require.False(t, sc.scan())
	require.NoError(t, sc.err)
}

func TestEncodeDecodeHintRoundTrip(t *testing.T) {
	buf := encodeHint(99, []byte("key"), 10, 24, false)
	require.Len(t, buf, hintHeaderLen+3)

	sc := newHintScanner(bytes.NewReader(buf))
	require.True(t, sc.scan())
	require.NoError(t, sc.err)

	e := sc.entry
	require.Equal(t, "key", string(e.key))
	require.EqualValues(t, 99, e.timestamp)
	require.EqualValues(t, 10, e.valueLength)
	require.EqualValues(t, 24, e.valueOffset)
	require.False(t, e.tombstone)
}

func TestSplitTimestampMasksTombstoneFlag(t *testing.T) {
	ts, tombstone := splitTimestamp(1000 | tombstoneFlag)
	require.EqualValues(t, 1000, ts)
	require.True(t, tombstone)

	ts, tombstone = splitTimestamp(1000)
	require.EqualValues(t, 1000, ts)
	require.False(t, tombstone)
}
