package process

import (
	lru "github.com/hashicorp/golang-lru"
)

// Metadata is the slice of AppInfo that frame consumers need per frame.
type Metadata struct {
	PID     int
	Comm    string
	CmdLine string
	ExePath string
}

// NameCache provides pid to metadata lookup with LRU eviction, so /proc is
// read once per process rather than once per frame.
type NameCache struct {
	cache *lru.Cache
}

// NewNameCache creates a size-constrained metadata cache
func NewNameCache(size int) (*NameCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &NameCache{cache: cache}, nil
}

// Lookup returns the cached metadata for pid, reading /proc on a miss. The
// second result is false if the process is gone and nothing was cached.
func (c *NameCache) Lookup(pid int) (Metadata, bool) {
	if v, found := c.cache.Get(pid); found {
		return v.(Metadata), true
	}

	var info AppInfo
	if !CollectProcMetadata(pid, &info) {
		return Metadata{PID: pid}, false
	}
	md := Metadata{
		PID:     pid,
		Comm:    info.Comm,
		CmdLine: info.CmdLine,
		ExePath: info.ExePath,
	}
	c.cache.Add(pid, md)
	return md, true
}

// Forget drops pid, typically once it was detached, so a reused pid is
// looked up again.
func (c *NameCache) Forget(pid int) {
	c.cache.Remove(pid)
}

// Len returns the number of cached entries.
func (c *NameCache) Len() int {
	return c.cache.Len()
}
