package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steveyegge/drivesync/internal/engine"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [pair-id] [local|remote|duplicate]",
	Short: "List or resolve conflicted documents",
	Long: `Without arguments, list the conflicted pairs. With a pair id and a
strategy, resolve the conflict:
  local      keep the local file and push it to the server
  remote     discard local changes and download the server version
  duplicate  keep both; the local file is renamed with a numeric suffix`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withEngine(func(eng *engine.Engine) {
			if len(args) == 0 {
				conflicts, err := eng.Conflicts()
				if err != nil {
					fail("Error listing conflicts: %v", err)
				}
				if len(conflicts) == 0 {
					fmt.Println("No conflicts")
					return
				}
				for _, p := range conflicts {
					fmt.Printf("%d\t%s\n", p.ID, p.LocalPath)
				}
				return
			}
			if len(args) != 2 {
				fail("Error: resolve needs a pair id and a strategy")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fail("Error: invalid pair id %q", args[0])
			}
			switch args[1] {
			case "local":
				err = eng.ResolveWithLocal(id)
			case "remote":
				err = eng.ResolveWithRemote(id)
			case "duplicate":
				err = eng.ResolveWithDuplicate(id)
			default:
				fail("Error: unknown strategy %q", args[1])
			}
			if err != nil {
				fail("Error resolving pair %d: %v", id, err)
			}
			fmt.Printf("Pair %d resolved with %s\n", id, args[1])
		})
	},
}
