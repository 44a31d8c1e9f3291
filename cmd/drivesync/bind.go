package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/drivesync/internal/engine"
)

var (
	bindServer   string
	bindAccount  string
	bindPassword string
	bindRoot     string
)

var bindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Bind this machine to a server account",
	Long: `Exchange the account credentials for an API token, create the local
sync folder and stamp it with the account's top-level container. The
password is prompted for when not passed via --password.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if bindServer != "" {
			cfg.ServerURL = bindServer
		}
		if bindAccount != "" {
			cfg.Account = bindAccount
		}
		if bindRoot != "" {
			cfg.LocalRoot = bindRoot
		}
		if cfg.ServerURL == "" || cfg.Account == "" {
			fail("Error: --server and --account are required for the first bind")
		}

		password := bindPassword
		if password == "" {
			fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Account)
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				fail("Error reading password: %v", err)
			}
			password = string(raw)
		}

		cfg, err := engine.Bind(context.Background(), cfg, password)
		if err != nil {
			fail("Error binding: %v", err)
		}
		if err := cfg.Save(configDir); err != nil {
			fail("Error saving configuration: %v", err)
		}
		fmt.Printf("Bound %s to %s, syncing into %s\n", cfg.Account, cfg.ServerURL, cfg.LocalRoot)
	},
}

var unbindCmd = &cobra.Command{
	Use:   "unbind",
	Short: "Remove the server binding and the sync database",
	Long: `Forget the API token and delete the engine database. The local files
are left untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		cfg, err := engine.Unbind(cfg)
		if err != nil {
			fail("Error unbinding: %v", err)
		}
		if err := cfg.Save(configDir); err != nil {
			fail("Error saving configuration: %v", err)
		}
		fmt.Println("Unbound")
	},
}

func init() {
	bindCmd.Flags().StringVar(&bindServer, "server", "", "server base URL")
	bindCmd.Flags().StringVar(&bindAccount, "account", "", "account name")
	bindCmd.Flags().StringVar(&bindPassword, "password", "", "account password (prompted when empty)")
	bindCmd.Flags().StringVar(&bindRoot, "root", "", "local folder to synchronize")
}
