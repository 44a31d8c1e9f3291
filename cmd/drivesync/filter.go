package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/drivesync/internal/engine"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Manage subtrees excluded from synchronization",
}

var filterAddCmd = &cobra.Command{
	Use:   "add <remote-path>",
	Short: "Exclude a remote subtree; its local copy is removed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(func(eng *engine.Engine) {
			if err := eng.AddFilter(args[0]); err != nil {
				fail("Error adding filter: %v", err)
			}
			fmt.Printf("Filtered %s\n", args[0])
		})
	},
}

var filterRemoveCmd = &cobra.Command{
	Use:   "remove <remote-path>",
	Short: "Re-include a filtered subtree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(func(eng *engine.Engine) {
			if err := eng.RemoveFilter(args[0]); err != nil {
				fail("Error removing filter: %v", err)
			}
			fmt.Printf("Unfiltered %s; it will be rescanned\n", args[0])
		})
	},
}

var filterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the installed filters",
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(func(eng *engine.Engine) {
			filters, err := eng.Filters()
			if err != nil {
				fail("Error listing filters: %v", err)
			}
			for _, f := range filters {
				fmt.Println(f)
			}
		})
	},
}

// filterFile is the export/import document format.
type filterFile struct {
	Filters []string `yaml:"filters"`
}

var filterExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the filter list to a YAML file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(func(eng *engine.Engine) {
			filters, err := eng.Filters()
			if err != nil {
				fail("Error listing filters: %v", err)
			}
			raw, err := yaml.Marshal(filterFile{Filters: filters})
			if err != nil {
				fail("Error encoding filters: %v", err)
			}
			if err := os.WriteFile(args[0], raw, 0o644); err != nil {
				fail("Error writing %s: %v", args[0], err)
			}
			fmt.Printf("Exported %d filters to %s\n", len(filters), args[0])
		})
	},
}

var filterImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Install every filter listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			fail("Error reading %s: %v", args[0], err)
		}
		var ff filterFile
		if err := yaml.Unmarshal(raw, &ff); err != nil {
			fail("Error decoding %s: %v", args[0], err)
		}
		withEngine(func(eng *engine.Engine) {
			for _, f := range ff.Filters {
				if err := eng.AddFilter(f); err != nil {
					fail("Error adding filter %s: %v", f, err)
				}
			}
			fmt.Printf("Imported %d filters\n", len(ff.Filters))
		})
	},
}

// withEngine runs fn against a freshly opened, not-started engine and
// closes it afterwards.
func withEngine(fn func(*engine.Engine)) {
	cfg := loadConfig()
	eng, err := engine.New(cfg, engine.Signals{}, nil)
	if err != nil {
		fail("Error opening engine: %v", err)
	}
	defer eng.Stop()
	fn(eng)
}

func init() {
	filterCmd.AddCommand(filterAddCmd, filterRemoveCmd, filterListCmd,
		filterExportCmd, filterImportCmd)
}
