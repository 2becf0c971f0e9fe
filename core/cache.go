package core

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// segmentCache is a bounded LRU of open, read-only segment file handles,
// keyed by segment id (§4.3). It exists so a hot key doesn't reopen its
// segment file on every Get. golang-lru's Cache locks internally, which
// matters because calls do arrive concurrently: Handle.Get uses the cache
// under the facade's shared read lock, and Handle.Merge calls closeAll
// without holding the facade's lock.
type segmentCache struct {
	dir string
	lru *lru.Cache[uint64, *os.File]
}

func newSegmentCache(dir string, capacity int) (*segmentCache, error) {
	c := &segmentCache{dir: dir}

	onEvict := func(_ uint64, f *os.File) {
		_ = f.Close()
	}

	l, err := lru.NewWithEvict[uint64, *os.File](capacity, onEvict)
	if err != nil {
		return nil, IoError(err, "create segment handle cache")
	}
	c.lru = l
	return c, nil
}

// get returns a shared read-only handle for segment id, opening it on a
// cache miss. The returned *os.File must not be closed by the caller; it is
// owned by the cache until evicted.
func (c *segmentCache) get(id uint64) (*os.File, error) {
	if f, ok := c.lru.Get(id); ok {
		return f, nil
	}

	path := filepath.Join(c.dir, dataSegmentName(id))
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, IoError(err, "open sealed segment for read").WithDetail("segment_id", id)
	}

	if previous, hit, _ := c.lru.PeekOrAdd(id, f); hit {
		// Lost a race with a concurrent insert for the same id (two Gets
		// under the facade's shared read lock can both miss): keep the
		// winner, drop our open.
		_ = f.Close()
		return previous, nil
	}

	return f, nil
}

// closeAll closes every cached handle. Called from Handle.Close. Purge
// already invokes the eviction callback (which closes the file) for every
// remaining entry, so no separate close loop is needed.
func (c *segmentCache) closeAll() {
	c.lru.Purge()
}
