// Package content implements the content-addressed blob store that backs
// deduplication across the Virtual Filesystem (component D): a mapping from
// content hash to bytes and a reference count, with per-hash striped
// locking so concurrent writers never race on the same blob.
package content

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/agentmesh/runtime/pkg/types"
)

// Store is the content-addressed, refcounted blob store. Bytes for large
// repositories are kept on an afero backend rather than in Go's heap; small
// deployments can use afero.NewMemMapFs() for an all-in-memory store.
type Store struct {
	fs afero.Fs

	mu       sync.Mutex // guards refs and per-hash lock table
	refs     map[types.ContentHash]int64
	hashLock map[types.ContentHash]*sync.Mutex
}

// New creates a content store rooted at the given afero filesystem. Callers
// typically pass afero.NewBasePathFs(afero.NewOsFs(), dir) for on-disk
// storage or afero.NewMemMapFs() for tests.
func New(fs afero.Fs) *Store {
	return &Store{
		fs:       fs,
		refs:     make(map[types.ContentHash]int64),
		hashLock: make(map[types.ContentHash]*sync.Mutex),
	}
}

func blobPath(h types.ContentHash) string {
	s := string(h)
	if len(s) < 4 {
		return s
	}
	// Shard by the first two bytes of hex to keep any one directory small.
	return s[0:2] + "/" + s[2:4] + "/" + s
}

// lockFor returns (creating if necessary) the per-hash mutex serializing
// concurrent writers to the same blob.
func (s *Store) lockFor(h types.ContentHash) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.hashLock[h]
	if !ok {
		l = &sync.Mutex{}
		s.hashLock[h] = l
	}
	return l
}

// Put stores bytes under their content hash, incrementing the refcount if
// the blob already exists. wasNew reports whether this call created the
// blob on the backing filesystem.
func (s *Store) Put(b []byte) (hash types.ContentHash, wasNew bool, err error) {
	hash = types.HashBytes(b)
	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	count := s.refs[hash]
	s.mu.Unlock()

	if count == 0 {
		path := blobPath(hash)
		if err := s.fs.MkdirAll(parentDir(path), 0o755); err != nil {
			return "", false, fmt.Errorf("content: mkdir: %w", err)
		}
		f, err := s.fs.Create(path)
		if err != nil {
			return "", false, fmt.Errorf("content: create: %w", err)
		}
		if _, err := f.Write(b); err != nil {
			f.Close()
			return "", false, fmt.Errorf("content: write: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", false, fmt.Errorf("content: close: %w", err)
		}
		wasNew = true
	}

	s.mu.Lock()
	s.refs[hash]++
	s.mu.Unlock()
	return hash, wasNew, nil
}

// Get returns the bytes stored under hash, or (nil, false) if absent.
func (s *Store) Get(hash types.ContentHash) ([]byte, bool, error) {
	s.mu.Lock()
	present := s.refs[hash] > 0
	s.mu.Unlock()
	if !present {
		return nil, false, nil
	}

	f, err := s.fs.Open(blobPath(hash))
	if err != nil {
		return nil, false, fmt.Errorf("content: open: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("content: read: %w", err)
	}
	return b, true, nil
}

// Incref adds one reference to an already-stored hash. Returns an error if
// the hash is unknown, since a VNode can never reference a blob that was
// never written.
func (s *Store) Incref(hash types.ContentHash) error {
	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[hash] == 0 {
		return fmt.Errorf("content: incref: unknown hash %s", hash)
	}
	s.refs[hash]++
	return nil
}

// Decref removes one reference to hash, physically deleting the blob and
// returning deleted=true the instant the refcount reaches zero.
func (s *Store) Decref(hash types.ContentHash) (deleted bool, err error) {
	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	count, ok := s.refs[hash]
	if !ok || count == 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("content: decref: hash %s has no references", hash)
	}
	count--
	if count == 0 {
		delete(s.refs, hash)
	} else {
		s.refs[hash] = count
	}
	s.mu.Unlock()

	if count == 0 {
		if err := s.fs.Remove(blobPath(hash)); err != nil {
			return false, fmt.Errorf("content: remove: %w", err)
		}
		s.mu.Lock()
		delete(s.hashLock, hash)
		s.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// Refcount returns the current reference count for a hash (0 if unknown).
func (s *Store) Refcount(hash types.ContentHash) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[hash]
}

// Exists reports whether a hash is currently stored (refcount > 0).
func (s *Store) Exists(hash types.ContentHash) bool {
	return s.Refcount(hash) > 0
}

// UniqueCount returns the number of distinct content hashes currently
// stored.
func (s *Store) UniqueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
