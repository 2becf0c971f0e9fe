package core

import (
	"bufio"
	"os"
	"path/filepath"
	"sync/atomic"
)

// mergeWriter accumulates live records into one or more new segments (data
// file plus matching hint file, each fsynced and closed when done but not
// made read-only), rotating to a fresh pair whenever the
// current one reaches the configured size threshold. It mirrors the active
// segment's own rotation rule but writes sealed pairs directly instead of
// going through activeSegment, since merge output never needs to be read
// back by a concurrent writer mid-build.
type mergeWriter struct {
	dir     string
	cfg     *Config
	nextID  *atomic.Uint64
	created []uint64 // ids of segments written so far, for rollback on error

	dataFile *os.File
	dataW    *bufio.Writer
	hintFile *os.File
	hintW    *bufio.Writer
	id       uint64
	offset   int64
}

func newMergeWriter(dir string, cfg *Config, nextID *atomic.Uint64) *mergeWriter {
	return &mergeWriter{dir: dir, cfg: cfg, nextID: nextID}
}

func (m *mergeWriter) rollover() error {
	if err := m.closeCurrent(); err != nil {
		return err
	}

	id := m.nextID.Add(1) - 1

	dataPath := filepath.Join(m.dir, dataSegmentName(id))
	dataFile, err := createSegmentFileDurable(dataPath)
	if err != nil {
		return IoError(err, "create merge data segment").WithDetail("path", dataPath)
	}

	hintPath := filepath.Join(m.dir, hintSegmentName(id))
	hintFile, err := createSegmentFileDurable(hintPath)
	if err != nil {
		_ = dataFile.Close()
		return IoError(err, "create merge hint segment").WithDetail("path", hintPath)
	}

	m.dataFile, m.hintFile = dataFile, hintFile
	m.dataW = bufio.NewWriterSize(dataFile, m.cfg.WriterBufferSize)
	m.hintW = bufio.NewWriterSize(hintFile, m.cfg.WriterBufferSize)
	m.id = id
	m.offset = 0
	m.created = append(m.created, id)
	return nil
}

// write appends one live record to the merge output, rolling over first if
// it would push the current segment past the size threshold. It returns the
// new locator so the caller can install it in the keydir.
func (m *mergeWriter) write(key, value []byte, timestamp uint64) (locator, error) {
	recSize := int64(recordHeaderLen + len(key) + len(value))

	if m.dataFile == nil || m.offset+recSize >= int64(m.cfg.MaxActiveFileSize) {
		if err := m.rollover(); err != nil {
			return locator{}, err
		}
	}

	buf := encodeRecord(timestamp, key, value, false)
	start := m.offset
	if _, err := m.dataW.Write(buf); err != nil {
		return locator{}, SegmentWriteError(err, m.id, "write merge record")
	}
	valueOffset := uint64(start + recordHeaderLen + int64(len(key)))
	m.offset += int64(len(buf))

	hbuf := encodeHint(timestamp, key, uint32(len(value)), valueOffset, false)
	if _, err := m.hintW.Write(hbuf); err != nil {
		return locator{}, SegmentWriteError(err, m.id, "write merge hint entry")
	}

	return locator{segmentID: m.id, valueOffset: valueOffset, valueLength: uint32(len(value)), timestamp: timestamp}, nil
}

func (m *mergeWriter) closeCurrent() error {
	if m.dataFile == nil {
		return nil
	}
	if err := m.dataW.Flush(); err != nil {
		return SegmentWriteError(err, m.id, "flush merge data segment")
	}
	if err := m.dataFile.Sync(); err != nil {
		return SegmentWriteError(err, m.id, "sync merge data segment")
	}
	if err := m.dataFile.Close(); err != nil {
		return SegmentWriteError(err, m.id, "close merge data segment")
	}
	if err := m.hintW.Flush(); err != nil {
		return SegmentWriteError(err, m.id, "flush merge hint segment")
	}
	if err := m.hintFile.Sync(); err != nil {
		return SegmentWriteError(err, m.id, "sync merge hint segment")
	}
	if err := m.hintFile.Close(); err != nil {
		return SegmentWriteError(err, m.id, "close merge hint segment")
	}
	return nil
}

// abort discards every segment pair the merge wrote so far, best-effort: it
// is called after a mid-merge failure, so the original input segments are
// still intact and nothing was ever published to the live keydir.
func (m *mergeWriter) abort() {
	_ = m.closeCurrent()
	for _, id := range m.created {
		_ = os.Remove(filepath.Join(m.dir, dataSegmentName(id)))
		_ = os.Remove(filepath.Join(m.dir, hintSegmentName(id)))
	}
}

// runMerge compacts every sealed segment strictly below excludeID (the
// current active segment) into fresh data+hint pairs holding only the
// locations the keydir still considers live, per §4.4. It does not touch the
// keydir itself; the caller installs mergeOutcome.updates under its own lock
// and then removes mergeOutcome.obsolete, so the handoff is atomic from a
// reader's perspective.
type mergeOutcome struct {
	updates  map[string]locator // key -> new locator, only for keys still live and unmoved since scan
	obsolete []uint64           // ids of old segments safe to delete once updates are installed
}

// removeSegmentFiles deletes both possible on-disk forms of segment id
// (".data"/".log" and ".hint"), ignoring not-exist errors since a given id
// may only have had one of the two.
func removeSegmentFiles(dir string, id uint64) {
	dataPath := filepath.Join(dir, dataSegmentName(id))
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath[:len(dataPath)-len(".data")] + ".log")
	_ = os.Remove(filepath.Join(dir, hintSegmentName(id)))
}

func runMerge(dir string, cfg *Config, nextID *atomic.Uint64, lookup func(key []byte) (locator, bool), excludeID uint64) (*mergeOutcome, error) {
	all, err := scanSegmentIDs(dir)
	if err != nil {
		return nil, IoError(err, "scan segment directory for merge")
	}

	var toMerge []segmentFiles
	for sf := range all.Iter() {
		if sf.id < excludeID {
			toMerge = append(toMerge, sf)
		}
	}
	if len(toMerge) == 0 {
		return &mergeOutcome{updates: map[string]locator{}}, nil
	}

	mw := newMergeWriter(dir, cfg, nextID)
	updates := make(map[string]locator)

	var failErr error
merge:
	for _, sf := range toMerge {
		path := sf.dataPath
		if path == "" {
			path = filepath.Join(dir, dataSegmentName(sf.id))
		}
		records, derr := decodeDataFile(path, cfg.ReaderBufferSize)
		if derr != nil && len(records) == 0 {
			failErr = CorruptionError(sf.id, 0, derr.Error())
			break merge
		}

		for _, r := range records {
			loc, live := lookup(r.key)
			if !live {
				continue
			}
			// Only carry forward the record that is still the keydir's
			// current location for this key; everything else was already
			// superseded by a later write.
			if loc.segmentID != sf.id || loc.valueOffset != uint64(r.valueOffset()) {
				continue
			}

			newLoc, werr := mw.write(r.key, r.value, r.timestamp)
			if werr != nil {
				failErr = werr
				break merge
			}
			updates[string(r.key)] = newLoc
		}
	}

	if failErr != nil {
		mw.abort()
		return nil, failErr
	}
	if err := mw.closeCurrent(); err != nil {
		mw.abort()
		return nil, err
	}

	obsolete := make([]uint64, 0, len(toMerge))
	for _, sf := range toMerge {
		obsolete = append(obsolete, sf.id)
	}

	return &mergeOutcome{updates: updates, obsolete: obsolete}, nil
}
