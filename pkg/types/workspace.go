package types

import "time"

// Workspace is a top-level container of VNodes owned by one logical project.
// Forking a workspace produces a new Workspace whose VNodes share content
// blobs with the parent via refcount.
type Workspace struct {
	ID            WorkspaceID       `json:"id"`
	Name          string            `json:"name"`
	Namespace     string            `json:"namespace"`
	SyncSources   []string          `json:"syncSources,omitempty"`
	Parent        *WorkspaceID      `json:"parent,omitempty"`
	ForkMetadata  *ForkMetadata     `json:"forkMetadata,omitempty"`
	ReadOnly      bool              `json:"readOnly"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ForkMetadata records the provenance of a forked workspace.
type ForkMetadata struct {
	ForkedFrom WorkspaceID `json:"forkedFrom"`
	ForkedAt   time.Time   `json:"forkedAt"`
}

// VNodeKind enumerates the kinds of node in the virtual filesystem tree.
type VNodeKind string

const (
	KindFile      VNodeKind = "file"
	KindDirectory VNodeKind = "directory"
	KindSymlink   VNodeKind = "symlink"
)

// VNode is a single entry in a workspace's virtual file tree.
//
// Invariants: unique (WorkspaceID, Path) within the owning workspace; every
// file's ContentHash must appear in the content store with refcount >= 1;
// ContentHash is empty for directories.
type VNode struct {
	ID          VNodeID     `json:"id"`
	WorkspaceID WorkspaceID `json:"workspaceId"`
	Path        string      `json:"path"`
	Kind        VNodeKind   `json:"kind"`
	ContentHash ContentHash `json:"contentHash,omitempty"`
	SizeBytes   int64       `json:"sizeBytes"`
	Language    string      `json:"language,omitempty"`
	// SymlinkTarget holds the raw target string for Kind == KindSymlink.
	// Targets are never dereferenced; fork/merge compares them byte-for-byte.
	SymlinkTarget string    `json:"symlinkTarget,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Version       uint64    `json:"version"`
}

// ContentBlob is a byte sequence identified by its content hash and shared
// across all VNodes with identical content.
type ContentBlob struct {
	Hash     ContentHash `json:"hash"`
	Bytes    []byte      `json:"-"`
	Size     int64       `json:"size"`
	Refcount int64       `json:"refcount"`
}

// Tree is a bounded-depth materialization of a directory subtree.
type Tree struct {
	Root     VNode   `json:"root"`
	Children []*Tree `json:"children,omitempty"`
}

// ImportReport summarizes an external_import run (component E).
type ImportReport struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// FlushReport summarizes a materialize/flush run (component E).
type FlushReport struct {
	Written int      `json:"written"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// FlushScope selects which VNodes a flush operation targets.
type FlushScope string

const (
	FlushAll     FlushScope = "all"
	FlushPaths   FlushScope = "paths"
	FlushChanged FlushScope = "changed"
)

// FlushOptions configures a materialize/flush run.
type FlushOptions struct {
	Overwrite          bool
	PreserveTimestamps bool
	DryRun             bool
}

// ImportOptions configures an external_import run.
type ImportOptions struct {
	Writable       bool
	IncludeGlobs   []string
	ExcludeGlobs   []string
	UseGitignore   bool
}
