package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/dialmate/internal/config"
	"github.com/sweeney/dialmate/internal/history"
)

func newHistoryCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:     "history",
		Aliases: []string{"h"},
		Short:   "Show the call history stored on the backend",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return showHistory(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func showHistory(ctx context.Context, cfg *config.Config, out, logOut io.Writer) error {
	client := newClient(cfg, newLogger(cfg, logOut), nil)
	records, err := client.CallHistory(ctx)
	if err != nil {
		return fmt.Errorf("fetching call history: %w", err)
	}
	printHistory(out, history.FromServer(records))
	return nil
}

func printHistory(out io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no calls yet")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tNAME\tSTATUS\tSTARTED\tDURATION")
	for _, e := range entries {
		started := "-"
		if !e.StartedAt.IsZero() {
			started = e.StartedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Number, e.Name, history.DisplayStatus(e.Status), started, history.FormatDuration(e.DurationSeconds))
	}
	w.Flush()
}
