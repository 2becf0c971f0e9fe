package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// recordHeaderLen is the fixed 16-byte data record header: 8-byte timestamp,
// 4-byte key length, 4-byte value length.
const recordHeaderLen = 16

// hintHeaderLen is the fixed 24-byte hint entry header: recordHeaderLen plus
// an 8-byte value offset into the sibling data segment.
const hintHeaderLen = recordHeaderLen + 8

// tombstoneFlag is folded into the unused top bit of the on-disk timestamp so
// a delete can be told apart from a live zero-length value. Decoders must mask
// it off before comparing timestamps for last-writer-wins.
const tombstoneFlag uint64 = 1 << 63

// record is a decoded data-segment entry, produced during a sequential scan.
type record struct {
	key       []byte
	value     []byte
	timestamp uint64 // masked: tombstoneFlag already stripped
	tombstone bool
	offset    int64 // start offset of the record (the header's first byte)
}

// valueOffset returns the absolute offset of the first value byte.
func (r *record) valueOffset() int64 {
	return r.offset + recordHeaderLen + int64(len(r.key))
}

// encodeRecord lays out a record as [timestamp][key_len][value_len][key][value]
// in one contiguous buffer, so the caller can issue it as a single write.
// tsMillis must already have any flag bits cleared; encodeRecord sets the
// tombstone bit itself when tombstone is true.
func encodeRecord(tsMillis uint64, key, value []byte, tombstone bool) []byte {
	buf := make([]byte, recordHeaderLen+len(key)+len(value))

	ts := tsMillis
	if tombstone {
		ts |= tombstoneFlag
	}

	binary.LittleEndian.PutUint64(buf[0:8], ts)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(value)))
	copy(buf[recordHeaderLen:], key)
	copy(buf[recordHeaderLen+len(key):], value)

	return buf
}

// hintEntry is a decoded hint-segment entry.
type hintEntry struct {
	key         []byte
	timestamp   uint64 // masked
	tombstone   bool
	valueLength uint32
	valueOffset uint64
}

// encodeHint lays out a hint entry as
// [timestamp][key_len][value_len][value_offset][key].
func encodeHint(tsMillis uint64, key []byte, valueLength uint32, valueOffset uint64, tombstone bool) []byte {
	buf := make([]byte, hintHeaderLen+len(key))

	ts := tsMillis
	if tombstone {
		ts |= tombstoneFlag
	}

	binary.LittleEndian.PutUint64(buf[0:8], ts)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[12:16], valueLength)
	binary.LittleEndian.PutUint64(buf[16:24], valueOffset)
	copy(buf[hintHeaderLen:], key)

	return buf
}

func splitTimestamp(raw uint64) (ts uint64, tombstone bool) {
	return raw &^ tombstoneFlag, raw&tombstoneFlag != 0
}

// recordScanner sequentially decodes 16-byte-headered records from r,
// stopping cleanly (not as an error) on a short read at a record boundary —
// the spec's "torn tail" tolerance. It reads r sequentially and never seeks;
// decodeDataFile passes a bufio.Reader over its own file handle, so a segment
// file can be scanned repeatedly from byte 0 without disturbing any other
// reader.
type recordScanner struct {
	r      io.Reader
	end    int64
	record *record
	err    error
}

func newRecordScanner(r io.Reader) *recordScanner {
	return &recordScanner{r: r}
}

// scan advances to the next record, returning false at clean EOF or on error;
// callers distinguish the two via Err.
func (s *recordScanner) scan() bool {
	if s.err != nil {
		return false
	}
	s.record = nil

	start := s.end

	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if !isCleanEOF(err) {
			s.err = fmt.Errorf("read record header: %w", err)
		}
		return false
	}

	rawTS := binary.LittleEndian.Uint64(hdr[0:8])
	keyLen := binary.LittleEndian.Uint32(hdr[8:12])
	valLen := binary.LittleEndian.Uint32(hdr[12:16])
	ts, tombstone := splitTimestamp(rawTS)

	body := make([]byte, int(keyLen)+int(valLen))
	if _, err := io.ReadFull(s.r, body); err != nil {
		if !isCleanEOF(err) {
			s.err = fmt.Errorf("read record body: %w", err)
		}
		return false
	}

	// Maintain offset = record_start + header + key_len + value_len explicitly
	// at the top of every iteration, rather than accumulating it piecemeal.
	s.end = start + recordHeaderLen + int64(keyLen) + int64(valLen)

	s.record = &record{
		key:       body[:keyLen],
		value:     body[keyLen:],
		timestamp: ts,
		tombstone: tombstone,
		offset:    start,
	}
	return true
}

// hintScanner sequentially decodes 24-byte-headered hint entries.
type hintScanner struct {
	r     io.Reader
	entry *hintEntry
	err   error
}

func newHintScanner(r io.Reader) *hintScanner {
	return &hintScanner{r: r}
}

func (s *hintScanner) scan() bool {
	if s.err != nil {
		return false
	}
	s.entry = nil

	var hdr [hintHeaderLen]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if !isCleanEOF(err) {
			s.err = fmt.Errorf("read hint header: %w", err)
		}
		return false
	}

	rawTS := binary.LittleEndian.Uint64(hdr[0:8])
	keyLen := binary.LittleEndian.Uint32(hdr[8:12])
	valLen := binary.LittleEndian.Uint32(hdr[12:16])
	valOff := binary.LittleEndian.Uint64(hdr[16:24])
	ts, tombstone := splitTimestamp(rawTS)

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(s.r, key); err != nil {
		if !isCleanEOF(err) {
			s.err = fmt.Errorf("read hint key: %w", err)
		}
		return false
	}

	s.entry = &hintEntry{
		key:         key,
		timestamp:   ts,
		tombstone:   tombstone,
		valueLength: valLen,
		valueOffset: valOff,
	}
	return true
}

func isCleanEOF(err error) bool {
	return err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF)
}
