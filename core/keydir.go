package core

// locator is the keydir's payload: everything needed to find and validate a
// key's current value without touching the segment's own index structures.
type locator struct {
	segmentID   uint64
	valueOffset uint64
	valueLength uint32
	timestamp   uint64 // masked; tombstoneFlag never appears here
}

// keydir is the in-memory mapping from every live key to its locator. It is
// exclusively owned by the Handle facade; all access happens under the
// facade's sync.RWMutex, so keydir itself does no locking.
type keydir struct {
	entries map[string]locator
}

func newKeydir() *keydir {
	return &keydir{entries: make(map[string]locator)}
}

// get returns the locator for key, if live.
func (k *keydir) get(key []byte) (locator, bool) {
	loc, ok := k.entries[string(key)]
	return loc, ok
}

// update applies the last-writer-wins rule: key is overwritten only if it is
// absent or its stored timestamp is strictly less than loc.timestamp. Ties
// keep the incumbent entry.
func (k *keydir) update(key []byte, loc locator) {
	sk := string(key)
	if existing, ok := k.entries[sk]; ok && existing.timestamp >= loc.timestamp {
		return
	}
	k.entries[sk] = loc
}

// relocate unconditionally repoints key at loc, regardless of timestamp. It
// exists for merge, which rewrites a record's bytes into a new segment under
// its original timestamp: the entry the keydir already holds for key and the
// one merge just produced are the same write, not competing writers, so the
// last-writer-wins tie-breaker in update (which would keep the incumbent) does
// not apply here.
func (k *keydir) relocate(key []byte, loc locator) {
	k.entries[string(key)] = loc
}

// updateTombstone applies the same last-writer-wins comparison as update, but
// deletes the key outright when the tombstone wins instead of storing a
// locator for it.
func (k *keydir) updateTombstone(key []byte, timestamp uint64) {
	sk := string(key)
	if existing, ok := k.entries[sk]; ok && existing.timestamp >= timestamp {
		return
	}
	delete(k.entries, sk)
}

func (k *keydir) len() int { return len(k.entries) }
