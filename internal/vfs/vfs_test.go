package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/internal/content"
	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/pkg/types"
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()
	dir := t.TempDir()
	return New(storage.New(dir), content.New(afero.NewMemMapFs()), nil, 64, 0)
}

func TestWriteReadRewrite(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	v1, err := v.WriteFile(ctx, ws.ID, "src/main.rs", []byte("fn main(){}"))
	require.NoError(t, err)
	assert.EqualValues(t, 12, v1.SizeBytes)
	assert.EqualValues(t, 1, v1.Version)
	assert.EqualValues(t, 1, v.content.Refcount(v1.ContentHash))

	got, err := v.ReadFile(ctx, ws.ID, "src/main.rs")
	require.NoError(t, err)
	assert.Equal(t, "fn main(){}", string(got))

	h1 := v1.ContentHash
	v2, err := v.WriteFile(ctx, ws.ID, "src/main.rs", []byte("fn main(){let x=1;}"))
	require.NoError(t, err)
	assert.Equal(t, v1.Version+1, v2.Version)
	assert.EqualValues(t, 0, v.content.Refcount(h1))
	assert.False(t, v.content.Exists(h1))
	assert.EqualValues(t, 1, v.content.Refcount(v2.ContentHash))
}

func TestDedupAcrossWorkspaces(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	a, err := v.CreateWorkspace(ctx, "a", "ns")
	require.NoError(t, err)
	b, err := v.CreateWorkspace(ctx, "b", "ns")
	require.NoError(t, err)

	na, err := v.WriteFile(ctx, a.ID, "a.txt", []byte("hello"))
	require.NoError(t, err)
	nb, err := v.WriteFile(ctx, b.ID, "b.txt", []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, na.ContentHash, nb.ContentHash)
	assert.EqualValues(t, 2, v.content.Refcount(na.ContentHash))
	assert.Equal(t, 1, v.content.UniqueCount())
}

func TestEmptyFileHash(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	n, err := v.WriteFile(ctx, ws.ID, "empty.txt", []byte{})
	require.NoError(t, err)
	assert.Equal(t, types.HashBytes(nil), n.ContentHash)
	assert.EqualValues(t, 0, n.SizeBytes)
}

func TestUniquePathInvariant(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "dir/a.txt", []byte("one"))
	require.NoError(t, err)
	_, err = v.CreateDirectory(ctx, ws.ID, "dir/a.txt")
	assert.Error(t, err)
}

func TestMoveRenamesSubtree(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "old/a.txt", []byte("a"))
	require.NoError(t, err)
	_, err = v.WriteFile(ctx, ws.ID, "old/b.txt", []byte("b"))
	require.NoError(t, err)

	_, err = v.Move(ctx, ws.ID, "old", "new")
	require.NoError(t, err)

	_, err = v.ReadFile(ctx, ws.ID, "old/a.txt")
	assert.True(t, IsNotFound(err))

	data, err := v.ReadFile(ctx, ws.ID, "new/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestDeleteNonEmptyDirRequiresRecursive(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "dir/a.txt", []byte("a"))
	require.NoError(t, err)

	err = v.Delete(ctx, ws.ID, "dir", false)
	require.Error(t, err)

	err = v.Delete(ctx, ws.ID, "dir", true)
	require.NoError(t, err)

	_, err = v.ReadFile(ctx, ws.ID, "dir/a.txt")
	assert.True(t, IsNotFound(err))
}

func TestPathEscapeRejected(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "../escape.txt", []byte("x"))
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindEscape, e.Kind)
}

func TestForkSharesContentThenDiverges(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	w, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	n, err := v.WriteFile(ctx, w.ID, "x", []byte("one"))
	require.NoError(t, err)

	fork, err := v.Fork(ctx, w.ID, "fork")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.content.Refcount(n.ContentHash))

	got, err := v.ReadFile(ctx, fork.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	_, err = v.WriteFile(ctx, fork.ID, "x", []byte("two"))
	require.NoError(t, err)

	original, err := v.ReadFile(ctx, w.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, "one", string(original))
}

func TestListDirectoryOrderedByName(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "b.txt", []byte("b"))
	require.NoError(t, err)
	_, err = v.WriteFile(ctx, ws.ID, "a.txt", []byte("a"))
	require.NoError(t, err)

	children, err := v.ListDirectory(ctx, ws.ID, "")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a.txt", children[0].Path)
	assert.Equal(t, "b.txt", children[1].Path)
}

func TestSearchGlob(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "src/a.go", []byte("a"))
	require.NoError(t, err)
	_, err = v.WriteFile(ctx, ws.ID, "src/a.md", []byte("a"))
	require.NoError(t, err)

	matches, err := v.Search(ctx, ws.ID, "", SearchOptions{Glob: "**/*.go"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "src/a.go", matches[0].Path)
}

func TestImportMarksReadOnlyUnlessWritable(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "file.go"), []byte("package pkg"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0o644))

	report, err := v.Import(ctx, ws.ID, src, types.ImportOptions{UseGitignore: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 1, report.Skipped)

	got, err := v.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, got.ReadOnly)
}

func TestFlushThenImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)

	_, err = v.WriteFile(ctx, ws.ID, "a/b.txt", []byte("payload"))
	require.NoError(t, err)

	target := t.TempDir()
	report, err := v.Flush(ctx, ws.ID, types.FlushAll, nil, target, types.FlushOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Zero(t, len(report.Errors))

	ws2, err := v.CreateWorkspace(ctx, "w2", "ns")
	require.NoError(t, err)
	importReport, err := v.Import(ctx, ws2.ID, target, types.ImportOptions{Writable: true})
	require.NoError(t, err)
	assert.Equal(t, 1, importReport.Imported)

	data, err := v.ReadFile(ctx, ws2.ID, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFlushIdempotent(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)
	_, err = v.WriteFile(ctx, ws.ID, "a.txt", []byte("x"))
	require.NoError(t, err)

	target := t.TempDir()
	_, err = v.Flush(ctx, ws.ID, types.FlushAll, nil, target, types.FlushOptions{Overwrite: true})
	require.NoError(t, err)
	r2, err := v.Flush(ctx, ws.ID, types.FlushAll, nil, target, types.FlushOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Zero(t, len(r2.Errors))

	data, err := os.ReadFile(filepath.Join(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestReadOnlyWorkspaceRejectsWrite(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)
	w, err := v.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	w.ReadOnly = true
	require.NoError(t, v.store.Put(ctx, workspaceKey(ws.ID), w))

	_, err = v.WriteFile(ctx, ws.ID, "a.txt", []byte("x"))
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindPermissionDenied, e.Kind)
}

func TestCacheTTLDoesNotBreakReads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v := New(storage.New(dir), content.New(afero.NewMemMapFs()), nil, 64, time.Millisecond)
	ws, err := v.CreateWorkspace(ctx, "w", "ns")
	require.NoError(t, err)
	_, err = v.WriteFile(ctx, ws.ID, "a.txt", []byte("x"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	data, err := v.ReadFile(ctx, ws.ID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}
