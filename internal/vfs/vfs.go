// Package vfs implements the workspace-scoped, content-deduplicated,
// lazily-materialized virtual filesystem (component E): VNode tree CRUD,
// an LRU content cache, external-directory import, and materialization to
// a physical directory. Fork is implemented here since it only copies VNode
// metadata; three-way merge of a fork back into its parent is the Merge
// Engine's job (internal/merge).
package vfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/runtime/internal/content"
	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/internal/logging"
	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/internal/vfspath"
	"github.com/agentmesh/runtime/pkg/types"
)

// workspaceIndex maps a workspace's virtual paths to VNode ids. It is the
// directory structure of a workspace; VNode bodies are stored separately,
// keyed by id, so that renames and moves never require rewriting blobs.
type workspaceIndex struct {
	Paths map[string]types.VNodeID `json:"paths"`
}

// VFS is the virtual filesystem shared by every workspace. It is safe for
// concurrent use across sessions; mutating operations on a single workspace
// are serialized by a per-workspace mutex, while independent workspaces
// proceed fully in parallel.
type VFS struct {
	store   *storage.Storage
	content *content.Store
	bus     *event.Bus
	cache   *contentCache

	wsMu sync.Map // types.WorkspaceID -> *sync.Mutex
}

// New constructs a VFS over a metadata store and a content-addressed blob
// store, with an LRU byte cache of the given capacity and TTL.
func New(store *storage.Storage, contentStore *content.Store, bus *event.Bus, cacheCapacity int, cacheTTL time.Duration) *VFS {
	return &VFS{
		store:   store,
		content: contentStore,
		bus:     bus,
		cache:   newContentCache(cacheCapacity, cacheTTL),
	}
}

func (v *VFS) lockFor(ws types.WorkspaceID) *sync.Mutex {
	l, _ := v.wsMu.LoadOrStore(ws, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func indexKey(ws types.WorkspaceID) []string { return []string{"vfsindex", string(ws)} }
func vnodeKey(ws types.WorkspaceID, id types.VNodeID) []string {
	return []string{"vnode", string(ws), string(id)}
}
func workspaceKey(id types.WorkspaceID) []string { return []string{"workspace", string(id)} }

func (v *VFS) loadIndex(ctx context.Context, ws types.WorkspaceID) (*workspaceIndex, error) {
	var idx workspaceIndex
	if err := v.store.Get(ctx, indexKey(ws), &idx); err != nil {
		if err == storage.ErrNotFound {
			return &workspaceIndex{Paths: map[string]types.VNodeID{}}, nil
		}
		return nil, err
	}
	if idx.Paths == nil {
		idx.Paths = map[string]types.VNodeID{}
	}
	return &idx, nil
}

func (v *VFS) saveIndex(ctx context.Context, ws types.WorkspaceID, idx *workspaceIndex) error {
	return v.store.Put(ctx, indexKey(ws), idx)
}

func (v *VFS) loadVNode(ctx context.Context, ws types.WorkspaceID, id types.VNodeID) (*types.VNode, error) {
	var n types.VNode
	if err := v.store.Get(ctx, vnodeKey(ws, id), &n); err != nil {
		if err == storage.ErrNotFound {
			return nil, newErr(KindNotFound, string(id), err)
		}
		return nil, err
	}
	return &n, nil
}

func (v *VFS) saveVNode(ctx context.Context, n *types.VNode) error {
	return v.store.Put(ctx, vnodeKey(n.WorkspaceID, n.ID), n)
}

// resolveWrite normalizes a caller-supplied path and rejects workspace
// escapes and invalid UTF-8 up front.
func resolveWrite(raw string) (vfspath.Path, error) {
	p, err := vfspath.Normalize(raw)
	if err != nil {
		kind := KindInvalidPath
		var pe *vfspath.PathError
		if asPathError(err, &pe) && pe.Kind == vfspath.ErrKindEscape {
			kind = KindEscape
		}
		return "", newErr(kind, raw, err)
	}
	return p, nil
}

func asPathError(err error, target **vfspath.PathError) bool {
	pe, ok := err.(*vfspath.PathError)
	if ok {
		*target = pe
	}
	return ok
}

func (v *VFS) workspace(ctx context.Context, ws types.WorkspaceID) (*types.Workspace, error) {
	var w types.Workspace
	if err := v.store.Get(ctx, workspaceKey(ws), &w); err != nil {
		if err == storage.ErrNotFound {
			return nil, newErr(KindNotFound, string(ws), err)
		}
		return nil, err
	}
	return &w, nil
}

// WriteFile creates or updates a file, returning the new VNode with an
// incremented version. On update, the previous content hash is decreffed.
func (v *VFS) WriteFile(ctx context.Context, ws types.WorkspaceID, rawPath string, data []byte) (*types.VNode, error) {
	p, err := resolveWrite(rawPath)
	if err != nil {
		return nil, err
	}

	w, err := v.workspace(ctx, ws)
	if err != nil {
		return nil, err
	}
	if w.ReadOnly {
		return nil, newErr(KindPermissionDenied, string(p), fmt.Errorf("workspace is read-only"))
	}

	mu := v.lockFor(ws)
	mu.Lock()
	defer mu.Unlock()

	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}

	hash, _, err := v.content.Put(data)
	if err != nil {
		return nil, fmt.Errorf("vfs: write_file: %w", err)
	}

	now := time.Now()
	id, existing := idx.Paths[string(p)]
	var node *types.VNode
	if existing {
		node, err = v.loadVNode(ctx, ws, id)
		if err != nil {
			return nil, err
		}
		if node.Kind != types.KindFile {
			return nil, newErr(KindAlreadyExists, string(p), fmt.Errorf("path is a %s, not a file", node.Kind))
		}
		prevHash := node.ContentHash
		node.ContentHash = hash
		node.SizeBytes = int64(len(data))
		node.UpdatedAt = now
		node.Version++
		if prevHash != "" && prevHash != hash {
			if _, err := v.content.Decref(prevHash); err != nil {
				logging.Logger.Warn().Err(err).Str("hash", string(prevHash)).Msg("vfs: decref previous content failed")
			}
			v.cache.remove(prevHash)
		}
	} else {
		if err := v.ensureParents(ctx, ws, idx, p, now); err != nil {
			return nil, err
		}
		node = &types.VNode{
			ID:          types.NewVNodeID(),
			WorkspaceID: ws,
			Path:        string(p),
			Kind:        types.KindFile,
			ContentHash: hash,
			SizeBytes:   int64(len(data)),
			Language:    detectLanguage(string(p)),
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		idx.Paths[string(p)] = node.ID
	}

	if err := v.saveVNode(ctx, node); err != nil {
		return nil, err
	}
	if err := v.saveIndex(ctx, ws, idx); err != nil {
		return nil, err
	}
	v.cache.put(hash, data)

	if v.bus != nil {
		v.bus.Publish(event.Event{Type: event.FileEdited, Data: event.FileEditedData{WorkspaceID: ws, Path: string(p)}})
	}
	return node, nil
}

// ensureParents materializes implicit parent directories for a new path,
// matching how a normal filesystem's mkdir -p behaves on write.
func (v *VFS) ensureParents(ctx context.Context, ws types.WorkspaceID, idx *workspaceIndex, p vfspath.Path, now time.Time) error {
	parent, ok := vfspath.Parent(p)
	if !ok || vfspath.IsRoot(parent) {
		return nil
	}
	if _, exists := idx.Paths[string(parent)]; exists {
		return nil
	}
	if err := v.ensureParents(ctx, ws, idx, parent, now); err != nil {
		return err
	}
	dir := &types.VNode{
		ID:          types.NewVNodeID(),
		WorkspaceID: ws,
		Path:        string(parent),
		Kind:        types.KindDirectory,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	idx.Paths[string(parent)] = dir.ID
	return v.saveVNode(ctx, dir)
}

// ReadFile returns the bytes stored at a path, consulting the content cache
// before falling back to the content store.
func (v *VFS) ReadFile(ctx context.Context, ws types.WorkspaceID, rawPath string) ([]byte, error) {
	p, err := resolveWrite(rawPath)
	if err != nil {
		return nil, err
	}

	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}
	id, ok := idx.Paths[string(p)]
	if !ok {
		return nil, newErr(KindNotFound, string(p), nil)
	}
	node, err := v.loadVNode(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	if node.Kind != types.KindFile {
		return nil, newErr(KindInvalidPath, string(p), fmt.Errorf("path is a %s, not a file", node.Kind))
	}

	if b, ok := v.cache.get(node.ContentHash); ok {
		return b, nil
	}
	b, ok, err := v.content.Get(node.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("vfs: read_file: %w", err)
	}
	if !ok {
		return nil, newErr(KindNotFound, string(p), fmt.Errorf("content %s missing from store", node.ContentHash))
	}
	v.cache.put(node.ContentHash, b)
	return b, nil
}

// Stat returns the VNode at a path without reading its content.
func (v *VFS) Stat(ctx context.Context, ws types.WorkspaceID, rawPath string) (*types.VNode, error) {
	p, err := resolveWrite(rawPath)
	if err != nil {
		return nil, err
	}
	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}
	id, ok := idx.Paths[string(p)]
	if !ok {
		return nil, newErr(KindNotFound, string(p), nil)
	}
	return v.loadVNode(ctx, ws, id)
}

// CreateDirectory creates an (possibly nested) directory.
func (v *VFS) CreateDirectory(ctx context.Context, ws types.WorkspaceID, rawPath string) (*types.VNode, error) {
	p, err := resolveWrite(rawPath)
	if err != nil {
		return nil, err
	}

	mu := v.lockFor(ws)
	mu.Lock()
	defer mu.Unlock()

	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}
	if id, exists := idx.Paths[string(p)]; exists {
		node, err := v.loadVNode(ctx, ws, id)
		if err != nil {
			return nil, err
		}
		if node.Kind != types.KindDirectory {
			return nil, newErr(KindAlreadyExists, string(p), fmt.Errorf("path is a %s, not a directory", node.Kind))
		}
		return node, nil
	}

	now := time.Now()
	if err := v.ensureParents(ctx, ws, idx, p, now); err != nil {
		return nil, err
	}
	node := &types.VNode{
		ID:          types.NewVNodeID(),
		WorkspaceID: ws,
		Path:        string(p),
		Kind:        types.KindDirectory,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	idx.Paths[string(p)] = node.ID
	if err := v.saveVNode(ctx, node); err != nil {
		return nil, err
	}
	if err := v.saveIndex(ctx, ws, idx); err != nil {
		return nil, err
	}
	return node, nil
}

// Delete removes a path. Directories require recursive=true if non-empty.
func (v *VFS) Delete(ctx context.Context, ws types.WorkspaceID, rawPath string, recursive bool) error {
	p, err := resolveWrite(rawPath)
	if err != nil {
		return err
	}

	mu := v.lockFor(ws)
	mu.Lock()
	defer mu.Unlock()

	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return err
	}
	id, ok := idx.Paths[string(p)]
	if !ok {
		return newErr(KindNotFound, string(p), nil)
	}
	node, err := v.loadVNode(ctx, ws, id)
	if err != nil {
		return err
	}

	descendants := descendantsOf(idx, p)
	if node.Kind == types.KindDirectory && len(descendants) > 0 && !recursive {
		return newErr(KindAlreadyExists, string(p), fmt.Errorf("directory not empty"))
	}

	targets := append(descendants, string(p))
	// Deepest paths first so a directory is only removed after its children.
	sort.Slice(targets, func(i, j int) bool { return len(targets[i]) > len(targets[j]) })

	for _, target := range targets {
		tid, ok := idx.Paths[target]
		if !ok {
			continue
		}
		tn, err := v.loadVNode(ctx, ws, tid)
		if err != nil {
			return err
		}
		if tn.Kind == types.KindFile && tn.ContentHash != "" {
			if _, err := v.content.Decref(tn.ContentHash); err != nil {
				logging.Logger.Warn().Err(err).Str("hash", string(tn.ContentHash)).Msg("vfs: decref on delete failed")
			}
			v.cache.remove(tn.ContentHash)
		}
		delete(idx.Paths, target)
		if err := v.store.Delete(ctx, vnodeKey(ws, tid)); err != nil {
			return err
		}
	}

	return v.saveIndex(ctx, ws, idx)
}

// descendantsOf returns every indexed path strictly below dir.
func descendantsOf(idx *workspaceIndex, dir vfspath.Path) []string {
	prefix := string(dir) + "/"
	var out []string
	for path := range idx.Paths {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	return out
}

// Move relocates a VNode (and, for directories, its subtree) to a new path.
func (v *VFS) Move(ctx context.Context, ws types.WorkspaceID, rawFrom, rawTo string) (*types.VNode, error) {
	from, err := resolveWrite(rawFrom)
	if err != nil {
		return nil, err
	}
	to, err := resolveWrite(rawTo)
	if err != nil {
		return nil, err
	}

	mu := v.lockFor(ws)
	mu.Lock()
	defer mu.Unlock()

	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}
	id, ok := idx.Paths[string(from)]
	if !ok {
		return nil, newErr(KindNotFound, string(from), nil)
	}
	if _, exists := idx.Paths[string(to)]; exists {
		return nil, newErr(KindAlreadyExists, string(to), nil)
	}

	node, err := v.loadVNode(ctx, ws, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := v.ensureParents(ctx, ws, idx, to, now); err != nil {
		return nil, err
	}

	descendants := descendantsOf(idx, from)
	for _, oldPath := range descendants {
		cid := idx.Paths[oldPath]
		cn, err := v.loadVNode(ctx, ws, cid)
		if err != nil {
			return nil, err
		}
		newPath := string(to) + strings.TrimPrefix(oldPath, string(from))
		cn.Path = newPath
		cn.UpdatedAt = now
		cn.Version++
		if err := v.saveVNode(ctx, cn); err != nil {
			return nil, err
		}
		delete(idx.Paths, oldPath)
		idx.Paths[newPath] = cid
	}

	node.Path = string(to)
	node.UpdatedAt = now
	node.Version++
	delete(idx.Paths, string(from))
	idx.Paths[string(to)] = node.ID

	if err := v.saveVNode(ctx, node); err != nil {
		return nil, err
	}
	return node, v.saveIndex(ctx, ws, idx)
}

// Copy duplicates a file, sharing the same content blob (refcounted).
func (v *VFS) Copy(ctx context.Context, ws types.WorkspaceID, rawFrom, rawTo string) (*types.VNode, error) {
	from, err := resolveWrite(rawFrom)
	if err != nil {
		return nil, err
	}
	to, err := resolveWrite(rawTo)
	if err != nil {
		return nil, err
	}

	mu := v.lockFor(ws)
	mu.Lock()
	defer mu.Unlock()

	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}
	id, ok := idx.Paths[string(from)]
	if !ok {
		return nil, newErr(KindNotFound, string(from), nil)
	}
	if _, exists := idx.Paths[string(to)]; exists {
		return nil, newErr(KindAlreadyExists, string(to), nil)
	}
	src, err := v.loadVNode(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	if src.Kind != types.KindFile {
		return nil, newErr(KindInvalidPath, string(from), fmt.Errorf("only files can be copied"))
	}

	now := time.Now()
	if err := v.ensureParents(ctx, ws, idx, to, now); err != nil {
		return nil, err
	}
	if src.ContentHash != "" {
		if err := v.content.Incref(src.ContentHash); err != nil {
			return nil, fmt.Errorf("vfs: copy: %w", err)
		}
	}
	dst := &types.VNode{
		ID:          types.NewVNodeID(),
		WorkspaceID: ws,
		Path:        string(to),
		Kind:        types.KindFile,
		ContentHash: src.ContentHash,
		SizeBytes:   src.SizeBytes,
		Language:    src.Language,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	idx.Paths[string(to)] = dst.ID
	if err := v.saveVNode(ctx, dst); err != nil {
		return nil, err
	}
	return dst, v.saveIndex(ctx, ws, idx)
}

// ListDirectory returns the immediate children of a path, ordered by name.
func (v *VFS) ListDirectory(ctx context.Context, ws types.WorkspaceID, rawPath string) ([]*types.VNode, error) {
	p, err := resolveWrite(rawPath)
	if err != nil {
		return nil, err
	}
	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}

	var children []*types.VNode
	for path, id := range idx.Paths {
		parent, ok := vfspath.Parent(vfspath.Path(path))
		if vfspath.IsRoot(p) {
			if ok && !vfspath.IsRoot(parent) {
				continue
			}
		} else if !ok || parent != p {
			continue
		}
		n, err := v.loadVNode(ctx, ws, id)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	return children, nil
}

// GetTree returns a bounded-depth traversal of the subtree rooted at path.
// depth < 0 means unbounded.
func (v *VFS) GetTree(ctx context.Context, ws types.WorkspaceID, rawPath string, depth int) (*types.Tree, error) {
	root, err := v.Stat(ctx, ws, rawPath)
	if err != nil {
		return nil, err
	}
	return v.buildTree(ctx, ws, root, depth)
}

func (v *VFS) buildTree(ctx context.Context, ws types.WorkspaceID, node *types.VNode, depth int) (*types.Tree, error) {
	tree := &types.Tree{Root: *node}
	if node.Kind != types.KindDirectory || depth == 0 {
		return tree, nil
	}
	children, err := v.ListDirectory(ctx, ws, node.Path)
	if err != nil {
		return nil, err
	}
	nextDepth := depth - 1
	if depth < 0 {
		nextDepth = depth
	}
	for _, c := range children {
		childTree, err := v.buildTree(ctx, ws, c, nextDepth)
		if err != nil {
			return nil, err
		}
		tree.Children = append(tree.Children, childTree)
	}
	return tree, nil
}

// SearchOptions selects how Search interprets its pattern.
type SearchOptions struct {
	Glob  string
	Regex string
}

// Search scopes a filename search to a subtree, matching either a doublestar
// glob or a regular expression against each candidate's virtual path.
func (v *VFS) Search(ctx context.Context, ws types.WorkspaceID, rawScope string, opts SearchOptions) ([]*types.VNode, error) {
	scope, err := resolveWrite(rawScope)
	if err != nil {
		return nil, err
	}
	idx, err := v.loadIndex(ctx, ws)
	if err != nil {
		return nil, err
	}

	var re *regexpMatcher
	if opts.Regex != "" {
		re, err = newRegexpMatcher(opts.Regex)
		if err != nil {
			return nil, newErr(KindInvalidPath, opts.Regex, err)
		}
	}

	var out []*types.VNode
	for path, id := range idx.Paths {
		if !vfspath.IsRoot(scope) && path != string(scope) && !strings.HasPrefix(path, string(scope)+"/") {
			continue
		}
		if opts.Glob != "" && !vfspath.MatchGlob(opts.Glob, vfspath.Path(path)) {
			continue
		}
		if re != nil && !re.match(path) {
			continue
		}
		n, err := v.loadVNode(ctx, ws, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// detectLanguage maps a file extension to a coarse language tag. The
// semantic tier treats language purely as metadata; actual parsing is the
// external code parser's job, out of scope here.
func detectLanguage(p string) string {
	ext := vfspath.Extension(vfspath.Path(p))
	switch ext {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".md":
		return "markdown"
	case ".json", ".jsonc":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}
