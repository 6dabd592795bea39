// Package commands provides the agentctl CLI commands.
package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmesh/runtime/internal/config"
	"github.com/agentmesh/runtime/internal/logging"
)

var (
	// Version is set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs bool
	logLevel  string
	logFile   bool
	showCfg   bool
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentctl runs the multi-agent development runtime",
	Long: `agentctl orchestrates agent processes, their virtual workspaces, and
the session, lock, merge, and memory machinery that coordinates them.

Run 'agentctl serve' to start the runtime as a long-lived daemon.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)

		if logFile {
			logging.Logger.Info().
				Str("version", Version).
				Str("logFile", logging.GetLogFilePath()).
				Msg("agentctl started with file logging")
		}

		if showCfg {
			dir, err := GetWorkDir(workDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error getting working directory: %v\n", err)
				os.Exit(1)
			}
			cfg, err := config.Load(dir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
				os.Exit(1)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "error marshaling config: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(data))
			os.Exit(0)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to a timestamped file")
	rootCmd.PersistentFlags().BoolVar(&showCfg, "show-config", false, "Print merged configuration as JSON and exit")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "d", "", "Project working directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentctl %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns dir if set, otherwise the process's current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
