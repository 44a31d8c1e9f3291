// Command drivesync is the synchronization client CLI: bind an account,
// run the sync engine, inspect its status and manage filters and conflicts.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/drivesync/internal/config"
	"github.com/steveyegge/drivesync/internal/logging"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "drivesync",
	Short: "Bidirectional file synchronization client",
	Long: `drivesync keeps a local folder and a remote document repository in
sync: local changes are uploaded, remote changes downloaded, conflicts
surfaced for explicit resolution.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"directory holding drivesync.toml")
	rootCmd.AddCommand(bindCmd, unbindCmd, syncCmd, statusCmd, filterCmd, resolveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".drivesync")
}

func loadConfig() config.Config {
	cfg, err := config.Load(configDir)
	if err != nil {
		fail("Error loading configuration: %v", err)
	}
	return cfg
}

func newLogger(cfg config.Config) (*slog.Logger, io.Closer) {
	return logging.New(logging.Options{File: cfg.LogFile, Level: cfg.LogLevel})
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
