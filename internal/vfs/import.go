package vfs

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/agentmesh/runtime/internal/vfspath"
	"github.com/agentmesh/runtime/pkg/types"
)

var defaultIgnoreGlobs = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/target/**",
	"**/.DS_Store",
}

// Import walks an external directory on the host filesystem and inserts its
// files into a workspace, honoring a .gitignore-style default ignore set
// plus caller-supplied include/exclude globs. Imported files are read-only
// unless opts.Writable is set.
func (v *VFS) Import(ctx context.Context, ws types.WorkspaceID, sourceDir string, opts types.ImportOptions) (*types.ImportReport, error) {
	report := &types.ImportReport{}
	osFs := afero.NewOsFs()

	err := afero.Walk(osFs, sourceDir, func(hostPath string, info fs.FileInfo, err error) error {
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, hostPath+": "+err.Error())
			return nil
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, hostPath)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, hostPath+": "+err.Error())
			return nil
		}
		virtual := filepath.ToSlash(rel)

		ignore := defaultIgnoreGlobs
		if !opts.UseGitignore {
			ignore = nil
		}
		if shouldSkip(virtual, opts, ignore) {
			report.Skipped++
			return nil
		}

		data, err := afero.ReadFile(osFs, hostPath)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, virtual+": "+err.Error())
			return nil
		}

		if _, err := v.WriteFile(ctx, ws, virtual, data); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, virtual+": "+err.Error())
			return nil
		}

		report.Imported++
		return nil
	})
	if err != nil {
		return report, err
	}

	if !opts.Writable {
		if err := v.markReadOnly(ctx, ws); err != nil {
			return report, err
		}
	}
	return report, nil
}

// markReadOnly flags the workspace read-only after an import with
// Writable=false, matching spec.md §4.E ("inserts as read-only references
// unless writable").
func (v *VFS) markReadOnly(ctx context.Context, ws types.WorkspaceID) error {
	w, err := v.workspace(ctx, ws)
	if err != nil {
		return err
	}
	w.ReadOnly = true
	return v.store.Put(ctx, workspaceKey(ws), w)
}

func shouldSkip(virtual string, opts types.ImportOptions, ignore []string) bool {
	for _, pat := range ignore {
		if vfspath.MatchGlob(pat, vfspath.Path(virtual)) {
			return true
		}
	}
	for _, pat := range opts.ExcludeGlobs {
		if vfspath.MatchGlob(pat, vfspath.Path(virtual)) {
			return true
		}
	}
	if len(opts.IncludeGlobs) == 0 {
		return false
	}
	for _, pat := range opts.IncludeGlobs {
		if vfspath.MatchGlob(pat, vfspath.Path(virtual)) {
			return false
		}
	}
	return true
}
