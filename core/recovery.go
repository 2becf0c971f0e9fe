package core

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// recoveryResult is what Open needs out of the directory scan and replay: a
// populated keydir plus the id for a fresh active segment (one past the
// current highest id) and the id after that.
type recoveryResult struct {
	keydir   *keydir
	activeID uint64
	nextID   uint64
}

// recoverKeydir rebuilds the keydir from the segment files already on disk,
// following §4.5: scan the directory, prefer a segment's hint file over its
// data file when both exist, decode hint and data segments with bounded
// parallelism, and merge into the keydir through a single goroutine so no
// lock is needed around the map itself.
//
// Recovery deliberately does not use errgroup's context-cancel-on-first-error
// semantics: a corrupt segment should not abort the scan of its siblings, so
// every worker runs to completion and every error it hits is collected.
func recoverKeydir(dir string, cfg *Config, log *zap.SugaredLogger) (*recoveryResult, error) {
	ids, err := scanSegmentIDs(dir)
	if err != nil {
		return nil, IoError(err, "scan segment directory").WithDetail("dir", dir)
	}

	kd := newKeydir()

	if ids.Cardinality() == 0 {
		return &recoveryResult{keydir: kd, activeID: 0, nextID: 1}, nil
	}

	sorted := ids.ToSlice()
	var maxID uint64
	for _, id := range sorted {
		if id.id > maxID {
			maxID = id.id
		}
	}

	// Every existing segment is replayed read-only; the new active segment
	// takes the id one past the highest one on disk.
	activeID := maxID + 1
	nextID := maxID + 2

	type patch struct {
		segmentID uint64
		entries   []hintEntry
		records   []record
	}

	// One slot per segment: the merger below only starts draining after every
	// worker has been launched, so a smaller buffer would leave workers
	// blocked on send while still holding semaphore permits.
	patches := make(chan patch, len(sorted))
	sem := semaphore.NewWeighted(int64(cfg.RecoveryParallelism))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	addErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	ctx := context.Background()

	// Hint segments are launched, and their patches queued, before any data
	// segment, so the merger applies every hint patch first (§4.5 Phase 2).
	ordered := make([]segmentFiles, 0, len(sorted))
	for _, sf := range sorted {
		if sf.hintPath != "" {
			ordered = append(ordered, sf)
		}
	}
	for _, sf := range sorted {
		if sf.hintPath == "" {
			ordered = append(ordered, sf)
		}
	}

	hintsQueued := false
	for _, sid := range ordered {
		sid := sid
		if sid.hintPath == "" && !hintsQueued {
			wg.Wait()
			hintsQueued = true
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			addErr(err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if sid.hintPath != "" {
				entries, err := decodeHintFile(sid.hintPath, cfg.ReaderBufferSize)
				if err != nil {
					addErr(CorruptionError(sid.id, 0, err.Error()))
					return
				}
				patches <- patch{segmentID: sid.id, entries: entries}
				return
			}

			if sid.dataPath != "" {
				records, err := decodeDataFile(sid.dataPath, cfg.ReaderBufferSize)
				if err != nil {
					addErr(CorruptionError(sid.id, 0, err.Error()))
				}
				// Decode may return a partial record slice alongside a
				// trailing-corruption error; still merge what was readable.
				if len(records) > 0 {
					patches <- patch{segmentID: sid.id, records: records}
				}
				return
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(patches)
		close(done)
	}()

	// Single merger goroutine: the only writer to kd during recovery, so no
	// lock is needed around the map itself (§4.5's message-passing design).
	for p := range patches {
		for _, e := range p.entries {
			if e.tombstone {
				kd.updateTombstone(e.key, e.timestamp)
				continue
			}
			kd.update(e.key, locator{
				segmentID:   p.segmentID,
				valueOffset: e.valueOffset,
				valueLength: e.valueLength,
				timestamp:   e.timestamp,
			})
		}

		// Within one data file, keep only the greatest-timestamp occurrence
		// per key before merging, matching what a hint file would have said.
		best := make(map[string]record, len(p.records))
		for _, r := range p.records {
			sk := string(r.key)
			if existing, ok := best[sk]; ok && existing.timestamp > r.timestamp {
				continue
			}
			best[sk] = r
		}
		for _, r := range best {
			if r.tombstone {
				kd.updateTombstone(r.key, r.timestamp)
				continue
			}
			kd.update(r.key, locator{
				segmentID:   p.segmentID,
				valueOffset: uint64(r.valueOffset()),
				valueLength: uint32(len(r.value)),
				timestamp:   r.timestamp,
			})
		}
	}
	<-done

	var recErr error
	if len(errs) > 0 {
		recErr = newRecoveryError(errs...)
		log.Errorw("recovery completed with errors", "error_count", len(errs), "error", multierr.Combine(errs...))
	}

	return &recoveryResult{keydir: kd, activeID: activeID, nextID: nextID}, recErr
}

type segmentFiles struct {
	id       uint64
	dataPath string
	hintPath string
}

// scanSegmentIDs walks dir once, partitions entries into hint ids and data
// ids with golang-set, and returns one segmentFiles per id with the hint
// path preferred whenever both exist for the same id.
func scanSegmentIDs(dir string) (mapset.Set[segmentFiles], error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	dataPaths := make(map[uint64]string)
	hintPaths := make(map[uint64]string)
	dataIDs := mapset.NewSet[uint64]()
	hintIDs := mapset.NewSet[uint64]()

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		id, kind, ok := parseSegmentStem(ent.Name())
		if !ok {
			continue // orphan file, not a segment: ignore per §4.5
		}
		path := filepath.Join(dir, ent.Name())
		switch kind {
		case "data":
			dataIDs.Add(id)
			dataPaths[id] = path
		case "hint":
			hintIDs.Add(id)
			hintPaths[id] = path
		}
	}

	all := dataIDs.Union(hintIDs)
	result := mapset.NewSet[segmentFiles]()

	for id := range all.Iter() {
		sf := segmentFiles{id: id}
		if hintIDs.Contains(id) {
			sf.hintPath = hintPaths[id]
		} else {
			sf.dataPath = dataPaths[id]
		}
		result.Add(sf)
	}

	return result, nil
}

func decodeHintFile(path string, bufSize int) ([]hintEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	r := bufio.NewReaderSize(f, bufSize)
	sc := newHintScanner(r)

	var entries []hintEntry
	for sc.scan() {
		entries = append(entries, *sc.entry)
	}
	return entries, sc.err
}

func decodeDataFile(path string, bufSize int) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	r := bufio.NewReaderSize(f, bufSize)
	sc := newRecordScanner(r)

	var records []record
	for sc.scan() {
		records = append(records, *sc.record)
	}
	return records, sc.err
}
