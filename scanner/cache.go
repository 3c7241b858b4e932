package scanner

import (
	"hash/fnv"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// coalesceCache suppresses redundant scans of an unchanged file. The key
// hashes (path, size, mtime); a hit younger than the TTL means the same
// bytes were already scanned. LRU-bounded so a busy filesystem cannot grow
// it without limit.
type coalesceCache struct {
	cache *lru.Cache
	ttl   time.Duration
}

func newCoalesceCache(size int, ttl time.Duration) (*coalesceCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &coalesceCache{cache: c, ttl: ttl}, nil
}

func stampKey(path string, size int64, mtime time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(mtime.UnixNano(), 10)))
	return h.Sum64()
}

// seen reports whether this exact (path, size, mtime) was scanned within
// the TTL. Only a miss is recorded, so a hit does not extend the window.
func (c *coalesceCache) seen(path string, size int64, mtime time.Time, now time.Time) bool {
	key := stampKey(path, size, mtime)
	if v, ok := c.cache.Get(key); ok {
		if at, ok := v.(time.Time); ok && now.Sub(at) < c.ttl {
			return true
		}
	}
	c.cache.Add(key, now)
	return false
}
