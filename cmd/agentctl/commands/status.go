package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh/runtime/internal/config"
	"github.com/agentmesh/runtime/internal/dbconn"
)

var statusDir string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check database health and schema version without starting the runtime",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDir, "project", "", "Project directory whose local config overrides the global one")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(statusDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := dbconn.Open(dbconn.DefaultConfig(cfg.Database.Path))
	if err != nil {
		fmt.Printf("database: unreachable (%v)\n", err)
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.EnsureSchemaVersion(ctx, schemaVersion); err != nil {
		fmt.Printf("schema: mismatch (%v)\n", err)
		return err
	}
	if err := db.Health(ctx); err != nil {
		fmt.Printf("database: unhealthy (%v)\n", err)
		return err
	}

	fmt.Printf("database: ok (%s)\n", cfg.Database.Path)
	fmt.Printf("schema: v%d\n", schemaVersion)
	return nil
}
