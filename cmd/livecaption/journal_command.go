package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/livecaption/internal/journal"
)

func newJournalCommand(ctx *commandContext) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "journal [session-id]",
		Short: "List journaled sessions, or one session's events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := dbPath
			if path == "" {
				path = cfg.Journal.Path
			}
			if _, err := os.Stat(path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no journal at %s (enable [journal] in the config)", path)
				}
				return err
			}

			store, err := journal.Open(path, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				ids, err := store.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(ids))
				for _, id := range ids {
					rows = append(rows, []string{id})
				}
				fmt.Fprintln(out, renderTable([]string{"Session"}, rows, nil))
				return nil
			}

			events, err := store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events for session %q", args[0])
			}
			fmt.Fprintln(out, renderEvents(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Journal database (overrides journal.path)")
	return cmd
}

func renderEvents(events []journal.Event) string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		index := "-"
		if ev.Index != journal.NoIndex {
			index = strconv.Itoa(ev.Index)
		}
		rows = append(rows, []string{
			ev.At.Local().Format(time.DateTime),
			string(ev.Kind),
			index,
			dash(ev.Language),
			ev.Detail,
		})
	}
	return renderTable(
		[]string{"Time", "Kind", "Index", "Language", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
