package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chatdex/internal/config"
)

var (
	// Global flags
	verbose   bool
	workspace string
	cfgPath   string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chatdex",
	Short: "chatdex - folder organization for a live web chat app",
	Long: `chatdex organizes a third-party web chat application into folders by
driving its live pages: it indexes conversations into a local database,
reconciles placeholder identifiers with real ones as they are discovered,
and carries interactive folder conversations over a websocket bridge.

Run "chatdex serve" to start the core; the organizer front-end and the
page collaborator connect to it over the bridge.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// configPath resolves the effective config file location.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.DefaultPath(workspace)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default <workspace>/.chatdex/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(foldersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
