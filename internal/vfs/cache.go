package vfs

import (
	"regexp"
	"time"

	"github.com/agentmesh/runtime/internal/lru"
	"github.com/agentmesh/runtime/pkg/types"
)

// contentCache is an LRU-with-TTL over content bytes, invalidated
// explicitly whenever a reference to a hash is released (see
// VFS.WriteFile/Delete/DeleteWorkspace), whether or not it was the last
// one, and by its own TTL sweep.
type contentCache struct {
	c *lru.Cache[types.ContentHash, []byte]
}

func newContentCache(capacity int, ttl time.Duration) *contentCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &contentCache{c: lru.New[types.ContentHash, []byte](capacity, ttl)}
}

func (cc *contentCache) get(h types.ContentHash) ([]byte, bool) { return cc.c.Get(h) }
func (cc *contentCache) put(h types.ContentHash, b []byte)      { cc.c.Put(h, b) }
func (cc *contentCache) remove(h types.ContentHash)             { cc.c.Remove(h) }

// regexpMatcher wraps a compiled pattern for VFS.Search's regex mode.
type regexpMatcher struct {
	re *regexp.Regexp
}

func newRegexpMatcher(pattern string) (*regexpMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexpMatcher{re: re}, nil
}

func (m *regexpMatcher) match(path string) bool { return m.re.MatchString(path) }
