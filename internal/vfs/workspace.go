package vfs

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/pkg/types"
)

// CreateWorkspace registers a new, empty workspace.
func (v *VFS) CreateWorkspace(ctx context.Context, name, namespace string) (*types.Workspace, error) {
	now := time.Now()
	w := &types.Workspace{
		ID:        types.NewWorkspaceID(),
		Name:      name,
		Namespace: namespace,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.store.Put(ctx, workspaceKey(w.ID), w); err != nil {
		return nil, fmt.Errorf("vfs: create_workspace: %w", err)
	}
	return w, nil
}

// GetWorkspace retrieves workspace metadata by id.
func (v *VFS) GetWorkspace(ctx context.Context, id types.WorkspaceID) (*types.Workspace, error) {
	return v.workspace(ctx, id)
}

// Fork creates a child workspace whose VNodes are copies of the parent's,
// sharing content blobs via incremented refcounts. The fork is cheap: it
// never touches blob bytes, only metadata and refcounts.
func (v *VFS) Fork(ctx context.Context, parentID types.WorkspaceID, childName string) (*types.Workspace, error) {
	parent, err := v.workspace(ctx, parentID)
	if err != nil {
		return nil, err
	}

	mu := v.lockFor(parentID)
	mu.Lock()
	defer mu.Unlock()

	parentIdx, err := v.loadIndex(ctx, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	child := &types.Workspace{
		ID:        types.NewWorkspaceID(),
		Name:      childName,
		Namespace: parent.Namespace,
		Parent:    &parentID,
		ForkMetadata: &types.ForkMetadata{
			ForkedFrom: parentID,
			ForkedAt:   now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.store.Put(ctx, workspaceKey(child.ID), child); err != nil {
		return nil, fmt.Errorf("vfs: fork: %w", err)
	}

	childIdx := &workspaceIndex{Paths: make(map[string]types.VNodeID, len(parentIdx.Paths))}
	for path, id := range parentIdx.Paths {
		src, err := v.loadVNode(ctx, parentID, id)
		if err != nil {
			return nil, err
		}
		if src.ContentHash != "" {
			if err := v.content.Incref(src.ContentHash); err != nil {
				return nil, fmt.Errorf("vfs: fork: incref %s: %w", path, err)
			}
		}
		clone := *src
		clone.ID = types.NewVNodeID()
		clone.WorkspaceID = child.ID
		if err := v.saveVNode(ctx, &clone); err != nil {
			return nil, err
		}
		childIdx.Paths[path] = clone.ID
	}
	if err := v.saveIndex(ctx, child.ID, childIdx); err != nil {
		return nil, err
	}

	if v.bus != nil {
		v.bus.Publish(event.Event{Type: event.WorkspaceForked, Data: event.WorkspaceForkedData{ParentWorkspaceID: parentID, ChildWorkspaceID: child.ID}})
	}
	return child, nil
}

// DeleteWorkspace cascades to every owned VNode, decreffing their content
// blobs, and then removes the workspace itself.
func (v *VFS) DeleteWorkspace(ctx context.Context, id types.WorkspaceID) error {
	mu := v.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	idx, err := v.loadIndex(ctx, id)
	if err != nil {
		return err
	}
	for path, vid := range idx.Paths {
		n, err := v.loadVNode(ctx, id, vid)
		if err != nil {
			return err
		}
		if n.Kind == types.KindFile && n.ContentHash != "" {
			if _, err := v.content.Decref(n.ContentHash); err != nil {
				return fmt.Errorf("vfs: delete_workspace: decref %s: %w", path, err)
			}
			v.cache.remove(n.ContentHash)
		}
		if err := v.store.Delete(ctx, vnodeKey(id, vid)); err != nil {
			return err
		}
	}
	if err := v.store.Delete(ctx, indexKey(id)); err != nil {
		return err
	}
	return v.store.Delete(ctx, workspaceKey(id))
}
