package vfs

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/agentmesh/runtime/pkg/types"
)

// Flush materializes selected VNodes of a workspace to a physical
// directory. It is idempotent given identical inputs: re-flushing an
// unchanged workspace to the same target overwrites files with byte-for-byte
// identical content.
func (v *VFS) Flush(ctx context.Context, ws types.WorkspaceID, scope types.FlushScope, paths []string, targetDir string, opts types.FlushOptions) (*types.FlushReport, error) {
	report := &types.FlushReport{}
	osFs := afero.NewOsFs()

	var targets []*types.VNode
	switch scope {
	case types.FlushPaths:
		for _, p := range paths {
			n, err := v.Stat(ctx, ws, p)
			if err != nil {
				report.Errors = append(report.Errors, p+": "+err.Error())
				continue
			}
			targets = append(targets, n)
		}
	case types.FlushAll, types.FlushChanged:
		// Changed-scope flush without a base reference flushes everything;
		// callers that need a true delta should flush a session's change
		// journal directly (see internal/session) rather than the whole tree.
		all, err := v.Search(ctx, ws, "", SearchOptions{})
		if err != nil {
			return report, err
		}
		targets = all
	default:
		all, err := v.Search(ctx, ws, "", SearchOptions{})
		if err != nil {
			return report, err
		}
		targets = all
	}

	for _, n := range targets {
		hostPath := filepath.Join(targetDir, filepath.FromSlash(n.Path))

		switch n.Kind {
		case types.KindDirectory:
			if opts.DryRun {
				report.Written++
				continue
			}
			if err := osFs.MkdirAll(hostPath, 0o755); err != nil {
				report.Errors = append(report.Errors, n.Path+": "+err.Error())
				continue
			}
			report.Written++

		case types.KindFile:
			if !opts.Overwrite {
				if exists, _ := afero.Exists(osFs, hostPath); exists {
					report.Skipped++
					continue
				}
			}
			if opts.DryRun {
				report.Written++
				continue
			}
			data, err := v.ReadFile(ctx, ws, n.Path)
			if err != nil {
				report.Errors = append(report.Errors, n.Path+": "+err.Error())
				continue
			}
			if err := osFs.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
				report.Errors = append(report.Errors, n.Path+": "+err.Error())
				continue
			}
			if err := afero.WriteFile(osFs, hostPath, data, 0o644); err != nil {
				report.Errors = append(report.Errors, n.Path+": "+err.Error())
				continue
			}
			if opts.PreserveTimestamps {
				_ = osFs.Chtimes(hostPath, n.UpdatedAt, n.UpdatedAt)
			}
			report.Written++

		case types.KindSymlink:
			// Symlink targets are opaque strings per spec.md §9; materializing
			// one means recreating the link, never dereferencing its target.
			if opts.DryRun {
				report.Written++
				continue
			}
			if linker, ok := osFs.(afero.Linker); ok {
				if err := linker.SymlinkIfPossible(n.SymlinkTarget, hostPath); err != nil {
					report.Errors = append(report.Errors, n.Path+": "+err.Error())
					continue
				}
				report.Written++
			} else {
				report.Skipped++
			}
		}
	}

	return report, nil
}
