package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/remotetail/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or edit the persisted file positions",
	Long: `Inspect or edit the persisted file positions.

Editing commands must not run while an agent is using the same state.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print tracked paths and their processed sizes as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.Open(cfg.StateBackend, cfg.StateLocation, cfg.StateAgent)
		if err != nil {
			return err
		}
		defer store.Close()

		files, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}

		type entry struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		}
		out := make([]entry, 0, len(files))
		for _, p := range files.Paths() {
			out = append(out, entry{Path: p, Size: files[p]})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var stateForgetCmd = &cobra.Command{
	Use:   "forget <path>...",
	Short: "Drop paths from state so they are read again from the start",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.Open(cfg.StateBackend, cfg.StateLocation, cfg.StateAgent)
		if err != nil {
			return err
		}
		defer store.Close()

		files, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		removed := 0
		for _, p := range args {
			if _, ok := files[p]; ok {
				delete(files, p)
				removed++
			} else {
				fmt.Fprintf(os.Stderr, "not tracked: %s\n", p)
			}
		}
		if removed == 0 {
			return nil
		}
		if err := store.Save(cmd.Context(), files); err != nil {
			return err
		}
		fmt.Printf("forgot %d path(s) in %s\n", removed, store.Location())
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd, stateForgetCmd)
}
