package content

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/pkg/types"
)

func newTestStore() *Store {
	return New(afero.NewMemMapFs())
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore()

	hash, wasNew, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, types.HashBytes([]byte("hello")), hash)

	got, ok, err := s.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
}

func TestPutDeterministicHash(t *testing.T) {
	s := newTestStore()
	h1, _, err := s.Put([]byte("same"))
	require.NoError(t, err)
	h2, wasNew, err := s.Put([]byte("same"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.False(t, wasNew)
}

func TestEmptyFileHashIsStable(t *testing.T) {
	s := newTestStore()
	h1, _, err := s.Put([]byte{})
	require.NoError(t, err)
	h2, _, err := s.Put(nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, types.HashBytes(nil), h1)
}

func TestDedupRefcount(t *testing.T) {
	s := newTestStore()

	h, _, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Refcount(h))

	h2, wasNew, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, h, h2)
	assert.EqualValues(t, 2, s.Refcount(h))
}

func TestDecrefDeletesAtZero(t *testing.T) {
	s := newTestStore()

	h, _, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Incref(h))
	assert.EqualValues(t, 2, s.Refcount(h))

	deleted, err := s.Decref(h)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, s.Exists(h))

	deleted, err = s.Decref(h)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, s.Exists(h))

	_, ok, err := s.Get(h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecrefUnknownHashErrors(t *testing.T) {
	s := newTestStore()
	_, err := s.Decref(types.ContentHash("deadbeef"))
	assert.Error(t, err)
}

func TestIncrefUnknownHashErrors(t *testing.T) {
	s := newTestStore()
	err := s.Incref(types.ContentHash("deadbeef"))
	assert.Error(t, err)
}

func TestUniqueCount(t *testing.T) {
	s := newTestStore()
	_, _, err := s.Put([]byte("a"))
	require.NoError(t, err)
	_, _, err = s.Put([]byte("b"))
	require.NoError(t, err)
	_, _, err = s.Put([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.UniqueCount())
}
