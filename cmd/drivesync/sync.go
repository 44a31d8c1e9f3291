package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the sync engine until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger, closer := newLogger(cfg)
		defer closer.Close()

		signals := engine.Signals{
			NewConflict: func(id int64) {
				fmt.Printf("Conflict on pair %d; resolve with 'drivesync resolve'\n", id)
			},
			NewErrorGiveUp: func(id int64) {
				fmt.Printf("Pair %d failed repeatedly, giving up until restart\n", id)
			},
			OrphanLocks: func(locks []dao.LockedPath) {
				for _, l := range locks {
					logger.Warn("lock left over from previous run", "path", l.Path)
				}
			},
		}
		eng, err := engine.New(cfg, signals, logger)
		if err != nil {
			fail("Error creating engine: %v", err)
		}
		if err := eng.Start(); err != nil {
			eng.Stop()
			fail("Error starting engine: %v", err)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		fmt.Println("Shutting down...")
		eng.Stop()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a summary of the sync state",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng, err := engine.New(cfg, engine.Signals{}, nil)
		if err != nil {
			fail("Error opening engine: %v", err)
		}
		defer eng.Stop()

		st := eng.Status()
		fmt.Printf("Account:    %s @ %s\n", cfg.Account, cfg.ServerURL)
		fmt.Printf("Folder:     %s\n", cfg.LocalRoot)
		fmt.Printf("Files:      %d (%d folders)\n", st.Files, st.Folders)
		fmt.Printf("Syncing:    %d\n", st.Syncing)
		fmt.Printf("Conflicts:  %d\n", st.Conflicts)
		fmt.Printf("Errors:     %d\n", st.Errors)
		if st.Suspended {
			fmt.Println("State:      suspended")
		} else if st.Done {
			fmt.Println("State:      up to date")
		} else {
			fmt.Println("State:      syncing")
		}
	},
}
