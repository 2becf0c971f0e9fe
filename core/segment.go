package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dataSegmentName returns the canonical <id:08d>.data filename for id.
func dataSegmentName(id uint64) string {
	return fmt.Sprintf("%08d.data", id)
}

// hintSegmentName returns the canonical <id:08d>.hint filename for id.
func hintSegmentName(id uint64) string {
	return fmt.Sprintf("%08d.hint", id)
}

// parseSegmentStem parses a segment filename into its numeric id and the
// on-disk kind ("data" or "hint"), treating ".log" as a synonym for ".data"
// per §4.5 Phase 1. It reports ok=false for anything that isn't a segment
// file, which the caller treats as an orphan rather than an error.
func parseSegmentStem(name string) (id uint64, kind string, ok bool) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	switch ext {
	case ".data", ".log":
		kind = "data"
	case ".hint":
		kind = "hint"
	default:
		return 0, "", false
	}

	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, kind, true
}

// activeSegment owns the currently-appended file, the companion buffered
// writer, the write offset, and the id counter used to allocate the next
// segment on rotation. It is exclusively driven by the Handle facade, which
// serializes all mutation under its own lock (§5); the mutex here additionally
// guards the write+offset-advance pair against any direct concurrent caller,
// matching the append mutex the design calls for.
type activeSegment struct {
	mu sync.Mutex

	dir    string
	cfg    *Config
	log    *zap.SugaredLogger
	metric *metrics

	id      uint64
	nextID  *atomic.Uint64 // shared with Handle so rotation and merge never collide on an id
	file    *os.File
	writer  *bufio.Writer
	offset  int64

	// forceRotate is set after a torn write so the next append abandons the
	// current (now suspect) file instead of appending after a gap.
	forceRotate bool

	// lastTS is the timestamp of the previous append; see append.
	lastTS uint64

	sealWG *sync.WaitGroup
}

func openActiveSegment(dir string, id uint64, nextID *atomic.Uint64, cfg *Config, log *zap.SugaredLogger, m *metrics, sealWG *sync.WaitGroup) (*activeSegment, error) {
	path := filepath.Join(dir, dataSegmentName(id))

	// id is 0 for an empty directory, otherwise one past the highest id found
	// during recovery, so normally nothing exists at path yet and it is
	// durably created. A file already at path is reopened in place rather
	// than truncated.
	file, offset, err := reopenOrCreateActiveFile(path)
	if err != nil {
		return nil, IoError(err, "open active segment file").WithDetail("path", path)
	}

	return &activeSegment{
		dir:    dir,
		cfg:    cfg,
		log:    log,
		metric: m,
		id:     id,
		nextID: nextID,
		file:   file,
		writer: bufio.NewWriterSize(file, cfg.WriterBufferSize),
		offset: offset,
		sealWG: sealWG,
	}, nil
}

// createSegmentFileDurable creates path, then fsyncs the file and its parent
// directory so the directory entry survives a crash immediately, following
// the teacher's file.go durable-create idiom.
func createSegmentFileDurable(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	defer dir.Close() // nolint:errcheck

	if err := dir.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}

// reopenOrCreateActiveFile opens path for append if it already exists,
// reporting its current size as
// the starting write offset, or durably creates it if this is a fresh store.
func reopenOrCreateActiveFile(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err == nil {
		info, serr := f.Stat()
		if serr != nil {
			_ = f.Close()
			return nil, 0, serr
		}
		return f, info.Size(), nil
	}
	if !os.IsNotExist(err) {
		return nil, 0, err
	}

	f, err = createSegmentFileDurable(path)
	if err != nil {
		return nil, 0, err
	}
	return f, 0, nil
}

// append encodes and writes a record (or tombstone), rotating first if the
// write would push the segment past its size threshold. It returns the
// locator of the newly-written value.
func (s *activeSegment) append(key, value []byte, tombstone bool) (locator, error) {
	recSize := int64(recordHeaderLen + len(key) + len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Timestamps are kept strictly increasing across appends, so two writes
	// landing in the same millisecond still order by arrival under the
	// strict-greater last-writer-wins rule.
	ts := uint64(time.Now().UnixMilli())
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts

	if s.forceRotate || s.offset+recSize >= int64(s.cfg.MaxActiveFileSize) {
		if err := s.rotateLocked(); err != nil {
			return locator{}, err
		}
	}

	buf := encodeRecord(ts, key, value, tombstone)
	start := s.offset
	id := s.id

	n, werr := s.writer.Write(buf)
	if werr == nil {
		// The segment file is shared with concurrent positioned reads (Get),
		// so the buffered writer must hit the OS before append returns —
		// otherwise a Get for a key just written could miss bytes still
		// sitting in the bufio.Writer's memory buffer.
		werr = s.writer.Flush()
	}
	s.offset += int64(n)

	if werr != nil || n < len(buf) {
		s.forceRotate = true
		err := SegmentWriteError(werr, id, "short write appending record").
			WithDetail("bytes_written", n).
			WithDetail("bytes_expected", len(buf))
		return locator{}, err
	}

	if s.metric != nil {
		s.metric.recordsWritten.Inc()
		s.metric.bytesWritten.Add(float64(len(buf)))
	}

	return locator{
		segmentID:   id,
		valueOffset: uint64(start + recordHeaderLen + int64(len(key))),
		valueLength: uint32(len(value)),
		timestamp:   ts,
	}, nil
}

// rotateLocked seals the current file in the background and opens a new one.
// Caller must hold s.mu.
func (s *activeSegment) rotateLocked() error {
	if err := s.writer.Flush(); err != nil {
		return SegmentWriteError(err, s.id, "flush before rotation")
	}

	oldFile := s.file
	oldID := s.id
	createTime := time.Now()

	newID := s.nextID.Add(1) - 1

	newPath := filepath.Join(s.dir, dataSegmentName(newID))
	newFile, err := createSegmentFileDurable(newPath)
	if err != nil {
		return IoError(err, "create segment on rotation").WithDetail("path", newPath)
	}

	s.file = newFile
	s.writer = bufio.NewWriterSize(newFile, s.cfg.WriterBufferSize)
	s.id = newID
	s.offset = 0
	s.forceRotate = false

	if s.metric != nil {
		s.metric.segmentRotations.Inc()
	}

	s.sealWG.Add(1)
	go s.seal(oldFile, oldID, createTime)

	return nil
}

// seal fsyncs and read-only-locks a retired segment file in the background,
// the Go analogue of the spec's detached seal task. Failures are logged, not
// returned, because the triggering Put already landed durably in a different
// file by the time this runs (I6).
func (s *activeSegment) seal(f *os.File, id uint64, createTime time.Time) {
	defer s.sealWG.Done()

	if err := f.Sync(); err != nil {
		s.log.Errorw("fsync sealed segment failed", "segment_id", id, "error", err)
	}

	path := f.Name()
	if err := os.Chmod(path, 0o444); err != nil {
		s.log.Errorw("chmod sealed segment failed", "segment_id", id, "path", path, "error", err)
	}

	if err := f.Close(); err != nil {
		s.log.Errorw("close sealed segment failed", "segment_id", id, "error", err)
	}

	if s.metric != nil {
		s.metric.lastSegmentAgeSeconds.Set(time.Since(createTime).Seconds())
	}

	s.log.Debugw("segment sealed", "segment_id", id)
}

// flush forces the active segment's bytes to stable storage, for callers
// that need synchronous durability beyond the page cache (I6).
func (s *activeSegment) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *activeSegment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
