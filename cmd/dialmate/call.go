package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/dialmate/internal/history"
	"github.com/sweeney/dialmate/internal/session"
)

// hangupGrace bounds the wait for the provider to confirm an interrupt.
const hangupGrace = 5 * time.Second

func newCallCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "call <number>",
		Short: "Place one call and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			a.start()
			defer a.close()
			return placeCall(cmd.Context(), a, args[0], cmd.OutOrStdout())
		},
	}
}

// placeCall dials number and follows the call until the session is idle
// again. Cancelling ctx hangs the call up.
func placeCall(ctx context.Context, a *app, number string, out io.Writer) error {
	if err := a.waitReady(ctx); err != nil {
		return err
	}
	if err := a.machine.SetNumber(number); err != nil {
		return fmt.Errorf("cannot dial %q: %w", number, err)
	}
	if err := a.machine.Dial(ctx); err != nil {
		return err
	}

	var (
		failure  string
		done     = ctx.Done()
		deadline <-chan time.Time
	)
	for {
		select {
		case ch := <-a.changes:
			printChange(out, ch)
			if ch.State == session.StateError {
				failure = ch.Error
			}
			if ch.State == session.StateIdle {
				if failure != "" {
					return errors.New(failure)
				}
				return nil
			}
		case <-done:
			done = nil
			fmt.Fprintln(out, "hanging up")
			if err := a.machine.Hangup(); err != nil && !errors.Is(err, session.ErrNoActiveCall) {
				return err
			}
			deadline = time.After(hangupGrace)
		case <-deadline:
			return ctx.Err()
		}
	}
}

func printChange(out io.Writer, ch session.StateChange) {
	line := fmt.Sprintf("%s  %-8s %s", ch.Timestamp.Format(time.TimeOnly), ch.State, ch.Status)
	if ch.Number != "" && ch.State.Active() {
		line += "  " + ch.Number
	}
	if ch.State == session.StateEnded || ch.State == session.StateError {
		line += "  " + history.FormatDuration(ch.DurationSeconds)
	}
	if ch.Error != "" {
		line += "  (" + ch.Error + ")"
	}
	fmt.Fprintln(out, line)
}
