package core

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Handle is the facade over one open store directory. All of its exported
// methods are safe for concurrent use; a single sync.RWMutex serializes
// access to the keydir and the active segment, translating the original
// cooperative single-threaded design into Go's preemptive goroutine model
// (§5).
type Handle struct {
	dir string
	cfg *Config
	log *zap.SugaredLogger

	mu     sync.RWMutex
	kd     *keydir
	active *activeSegment
	cache  *segmentCache
	nextID atomic.Uint64

	metric *metrics
	sealWG sync.WaitGroup

	closed bool
}

// Open rebuilds the keydir from dir's segment files (if any) and readies a
// store for reads and writes, creating dir if it does not already exist.
func Open(dir string, opts ...Option) (*Handle, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, IoError(err, "create data directory").WithDetail("dir", dir)
	}

	m := newMetrics(cfg.MetricsRegisterer)

	recoveryStart := time.Now()
	res, recErr := recoverKeydir(dir, cfg, cfg.Logger)
	// Any segment that failed to decode fails Open: the rebuilt keydir would
	// otherwise silently lack whatever that segment held.
	if recErr != nil {
		return nil, recErr
	}
	if m != nil {
		m.recoveryDurationSeconds.Observe(time.Since(recoveryStart).Seconds())
		m.keydirSize.Set(float64(res.keydir.len()))
	}

	h := &Handle{
		dir:    dir,
		cfg:    cfg,
		log:    cfg.Logger,
		kd:     res.keydir,
		metric: m,
		cache:  nil,
	}
	h.nextID.Store(res.nextID)

	cache, err := newSegmentCache(dir, cfg.ReadCacheCapacity)
	if err != nil {
		return nil, err
	}
	h.cache = cache

	active, err := openActiveSegment(dir, res.activeID, &h.nextID, cfg, cfg.Logger, m, &h.sealWG)
	if err != nil {
		return nil, err
	}
	h.active = active

	return h, nil
}

// Put appends key/value to the active segment (flushed to the OS, not
// fsynced; see Flush) and updates the keydir in the same critical section,
// so a concurrent Get can never observe a location the append hasn't
// finished yet.
func (h *Handle) Put(key, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	loc, err := h.active.append(key, value, false)
	if err != nil {
		return err
	}
	h.kd.update(key, loc)
	if h.metric != nil {
		h.metric.keydirSize.Set(float64(h.kd.len()))
	}
	return nil
}

// Delete appends a tombstone record and removes key from the keydir. Get
// subsequently reports ErrKeyNotFound for key until it is written again.
func (h *Handle) Delete(key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	loc, err := h.active.append(key, nil, true)
	if err != nil {
		return err
	}
	h.kd.updateTombstone(key, loc.timestamp)
	if h.metric != nil {
		h.metric.keydirSize.Set(float64(h.kd.len()))
	}
	return nil
}

// Get returns the most recently written value for key, or ErrKeyNotFound if
// key has never been written or was last deleted.
func (h *Handle) Get(key []byte) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrHandleClosed
	}

	loc, ok := h.kd.get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	value, err := h.readAt(loc)
	if err != nil {
		return nil, CorruptionError(loc.segmentID, int64(loc.valueOffset), err.Error())
	}

	if h.metric != nil {
		h.metric.recordsRead.Inc()
		h.metric.bytesRead.Add(float64(len(value)))
	}
	return value, nil
}

func (h *Handle) readAt(loc locator) ([]byte, error) {
	buf := make([]byte, loc.valueLength)
	if loc.valueLength == 0 {
		return buf, nil
	}

	if loc.segmentID == h.active.id {
		if _, err := h.active.file.ReadAt(buf, int64(loc.valueOffset)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	f, err := h.cache.get(loc.segmentID)
	if err != nil {
		return nil, err
	}
	if _, err := f.ReadAt(buf, int64(loc.valueOffset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Merge compacts every sealed segment into fresh data+hint pairs holding
// only the values the keydir still considers live, then removes the
// superseded segment files (§4.4). It takes the write lock only for the
// (cheap) keydir handoff; the expensive scan-and-rewrite runs without
// blocking concurrent Gets, mirroring the teacher's read-mostly merge.
func (h *Handle) Merge() error {
	start := time.Now()

	h.mu.RLock()
	excludeID := h.active.id
	h.mu.RUnlock()

	lookup := func(key []byte) (locator, bool) {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.kd.get(key)
	}

	outcome, err := runMerge(h.dir, h.cfg, &h.nextID, lookup, excludeID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	for key, newLoc := range outcome.updates {
		if cur, ok := h.kd.get([]byte(key)); ok && cur.segmentID < excludeID {
			// Still points at an old segment (nobody wrote it again while we
			// merged): safe to repoint at the freshly-compacted copy. This is
			// the same write relocated, not a new one, so it must win even
			// though its timestamp ties the incumbent's.
			h.kd.relocate([]byte(key), newLoc)
		}
	}
	h.mu.Unlock()

	for _, id := range outcome.obsolete {
		removeSegmentFiles(h.dir, id)
	}
	h.cache.closeAll()

	if h.metric != nil {
		h.metric.mergesCompleted.Inc()
		h.metric.mergeDurationSeconds.Observe(time.Since(start).Seconds())
	}
	h.log.Infow("merge completed", "segments_compacted", len(outcome.obsolete), "keys_rewritten", len(outcome.updates))
	return nil
}

// Flush forces the active segment's buffered writes to stable storage (I6).
func (h *Handle) Flush() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHandleClosed
	}
	return h.active.flush()
}

// ActiveSegmentID reports the id of the segment currently being appended to.
func (h *Handle) ActiveSegmentID() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active.id
}

// Close flushes and closes the active segment, waits for any in-flight seal
// tasks to finish, and releases every cached read handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	err := h.active.close()
	h.sealWG.Wait()
	h.cache.closeAll()

	if err != nil {
		return fmt.Errorf("close active segment: %w", err)
	}
	return nil
}
