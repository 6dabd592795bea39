package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/agentmesh/runtime/internal/agent"
	"github.com/agentmesh/runtime/internal/config"
	"github.com/agentmesh/runtime/internal/consolidation"
	"github.com/agentmesh/runtime/internal/content"
	"github.com/agentmesh/runtime/internal/dbconn"
	"github.com/agentmesh/runtime/internal/event"
	"github.com/agentmesh/runtime/internal/lockmgr"
	"github.com/agentmesh/runtime/internal/logging"
	"github.com/agentmesh/runtime/internal/memory"
	"github.com/agentmesh/runtime/internal/merge"
	"github.com/agentmesh/runtime/internal/procmgr"
	"github.com/agentmesh/runtime/internal/runtime"
	"github.com/agentmesh/runtime/internal/session"
	"github.com/agentmesh/runtime/internal/storage"
	"github.com/agentmesh/runtime/internal/vfs"
)

// schemaVersion is the database layout version this build expects. Bump it
// alongside any change to the schema_version-gated table shapes (spec.md
// §7); a mismatch refuses to start rather than attempting a migration.
const schemaVersion = 1

var serveDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent runtime as a long-lived daemon",
	Long: `Start the Agent Runtime (component M) and every component it
orchestrates: process manager, virtual filesystem, session manager, lock
manager, merge engine, memory tiers, and consolidation loop.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDir, "project", "", "Project directory whose local config overrides the global one")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Logger.Info().Str("version", Version).Str("directory", dir).Msg("agentctl: starting")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("ensure paths: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.VFS.ContentDir, 0o755); err != nil {
		return fmt.Errorf("ensure content store directory: %w", err)
	}
	if err := os.MkdirAll(paths.StoragePath(), 0o755); err != nil {
		return fmt.Errorf("ensure storage directory: %w", err)
	}

	db, err := dbconn.Open(dbconn.DefaultConfig(cfg.Database.Path))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureSchemaVersion(ctx, schemaVersion); err != nil {
		return fmt.Errorf("schema version check: %w", err)
	}
	if err := db.Health(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logging.Logger.Info().Str("path", cfg.Database.Path).Msg("agentctl: database ready")

	store := storage.New(paths.StoragePath())
	contentStore := content.New(afero.NewBasePathFs(afero.NewOsFs(), cfg.VFS.ContentDir))
	bus := event.NewBus()
	defer bus.Close()

	vfsys := vfs.New(store, contentStore, bus, cfg.VFS.CacheCapacity, cfg.VFS.CacheTTL)
	sessions := session.NewService(store, bus)
	locks := lockmgr.New(bus, cfg.Lock.DefaultTimeout, cfg.Lock.SweepInterval, cfg.Lock.CycleCheckEvery)
	locks.StartSweeper(ctx)
	defer locks.Stop()

	mergeEng := merge.New(vfsys, contentStore, bus)

	episodic := memory.NewEpisodic(store, cfg.Memory.DecayLambda)
	semantic := memory.NewSemantic(store)
	procedural := memory.NewProcedural(store)
	mem := memory.NewStore(ctx, cfg.Memory.WorkingCapacity, episodic, semantic, procedural)

	consRunner := consolidation.New(mem, consolidation.Config{
		CronExpr:        cfg.Consolidation.CronExpr,
		FixedInterval:   cfg.Consolidation.FixedInterval,
		RetentionWindow: cfg.Consolidation.RetentionWindow,
		DecayAlpha:      cfg.Consolidation.DecayAlpha,
	}, bus)
	consRunner.Start(ctx)
	defer consRunner.Stop()

	procs := procmgr.NewManager(logging.Logger,
		procmgr.WithResourceLimits(procmgr.ResourceLimits{
			MaxMemoryBytes: cfg.Process.MaxMemoryBytes,
			MaxCPUPercent:  cfg.Process.MaxCPUPercent,
			MaxWallTime:    cfg.Process.MaxWallTime,
			MaxConcurrent:  cfg.Process.MaxConcurrent,
		}),
		procmgr.WithHealthInterval(cfg.Process.HealthInterval),
		procmgr.WithGracefulDeadline(cfg.Process.GracefulTimeout),
		procmgr.WithMaxRestarts(cfg.Process.MaxRestarts),
	)

	agents := agent.NewRegistry()

	rt := runtime.New(runtime.Config{
		DefaultTimeout:           cfg.ToolServer.CallTimeout,
		ToolServerMaxOutstanding: cfg.ToolServer.MaxOutstandingPerAgent,
	}, procs, agents, vfsys, sessions, locks, mergeEng, mem, bus)

	logging.Logger.Info().Msg("agentctl: runtime running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Logger.Info().Msg("agentctl: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Error().Err(err).Msg("agentctl: shutdown error")
	}
	logging.Logger.Info().Msg("agentctl: stopped")
	return nil
}
