// Package cli implements the qaplanet commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sakif/qaplanet/internal/config"
	"github.com/sakif/qaplanet/internal/repository/sqlite"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/sakif/qaplanet/internal/cli.Version=...".
var Version = "dev"

var (
	configPath string
	dbPath     string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "qaplanet",
	Short:         "QAPlanet question and answer server",
	Long:          "Serve the QAPlanet API: share questions with AI-generated answers, like and comment on them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $QAPLANET_CONFIG)")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path, overrides the config (default: $QAPLANET_DB_PATH or data/qaplanet.db)")
}

// Execute runs the root command and prints any error to stderr.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func applyFlags(cfg *config.Config) {
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
}

// openStore creates the database directory if needed and opens the store.
func openStore(path string) (*sqlite.DB, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	return sqlite.New(path)
}
