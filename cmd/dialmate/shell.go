package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sweeney/dialmate/internal/dialnum"
	"github.com/sweeney/dialmate/internal/session"
)

const shellHelp = `commands:
  <keys>          press keypad keys, e.g. 98765 43210
  back            delete the last key
  number <n>      replace the number, e.g. a contact's
  dial [n]        call the current number, or n
  hangup          end the active call
  answer          accept an incoming call
  ring            simulate an incoming call
  init            retry device setup
  status          show the session
  history         show recent calls
  quit            leave`

var errQuit = errors.New("quit")

func newShellCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive keypad",
		Args:  cobra.NoArgs,
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
			return runShell(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runShell reads commands from in until EOF, quit or ctx is done. State
// changes are printed as they happen.
func runShell(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, `dialmate shell, "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-a.changes:
			printChange(out, ch)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := runCommand(ctx, a, line, out)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func runCommand(ctx context.Context, a *app, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	m := a.machine
	arg := strings.Join(fields[1:], " ")

	switch fields[0] {
	case "help", "?":
		fmt.Fprintln(out, shellHelp)
	case "quit", "exit":
		return errQuit
	case "back", "backspace":
		return m.Backspace()
	case "number":
		if arg == "" {
			return errors.New("usage: number <n>")
		}
		return m.SetNumber(arg)
	case "dial", "call":
		if arg != "" {
			if err := m.SetNumber(arg); err != nil {
				return err
			}
		}
		return m.Dial(ctx)
	case "hangup":
		return m.Hangup()
	case "answer":
		return m.Answer()
	case "ring":
		dev := a.simDevice()
		if dev == nil {
			return session.ErrDeviceNotReady
		}
		dev.Incoming()
	case "init":
		return m.InitDevice()
	case "status":
		printStatus(out, m.Snapshot())
	case "history":
		printHistory(out, a.cache.Entries())
	default:
		keys := strings.Join(fields, "")
		for _, k := range keys {
			if !dialnum.IsKey(string(k)) {
				return fmt.Errorf("unknown command %q", fields[0])
			}
		}
		for _, k := range keys {
			if err := m.Press(string(k)); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, m.Snapshot().Number)
	}
	return nil
}

func printStatus(out io.Writer, s session.Snapshot) {
	fmt.Fprintf(out, "state:   %s\n", s.State)
	fmt.Fprintf(out, "status:  %s\n", s.Status)
	fmt.Fprintf(out, "number:  %s\n", s.Number)
	if s.DialedNumber != "" {
		fmt.Fprintf(out, "dialed:  %s\n", s.DialedNumber)
	}
	if s.State.Active() {
		fmt.Fprintf(out, "elapsed: %ds\n", s.DurationSeconds)
	}
	if s.Error != "" {
		fmt.Fprintf(out, "error:   %s\n", s.Error)
	}
	fmt.Fprintf(out, "device:  ready=%t\n", s.DeviceReady)
}
