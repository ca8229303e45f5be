package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/dialmate/internal/session"
)

// syncBuffer lets the test read output while the shell writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShellKeypadAndStatus(t *testing.T) {
	h := newHarness(t, "answered.call")
	a := h.start(t)
	if err := a.waitReady(callCtx(t)); err != nil {
		t.Fatal(err)
	}

	in := strings.NewReader(strings.Join([]string{
		"98765 43210",
		"back",
		"status",
		"number 5551234567",
		"status",
		"bogus",
		"history",
		"quit",
		"status",
	}, "\n"))
	var out bytes.Buffer
	if err := runShell(callCtx(t), a, in, &out); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	for _, want := range []string{
		"9876543210\n",
		"number:  987654321\n",
		"number:  5551234567\n",
		`error: unknown command "bogus"`,
		"no calls yet",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, got)
		}
	}
	if strings.Count(got, "state:") != 2 {
		t.Errorf("commands after quit should not run:\n%s", got)
	}
}

func TestShellIncomingCall(t *testing.T) {
	h := newHarness(t, "answered.call")
	a := h.start(t)
	if err := a.waitReady(callCtx(t)); err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runShell(callCtx(t), a, pr, out) }()

	send := func(line string) {
		t.Helper()
		if _, err := fmt.Fprintln(pw, line); err != nil {
			t.Fatal(err)
		}
	}
	waitState := func(want session.CallState) {
		t.Helper()
		eventually(t, func() bool { return a.machine.Snapshot().State == want }, fmt.Sprintf("expected %s", want))
	}

	send("ring")
	waitState(session.StateDialing)
	send("answer")
	waitState(session.StateInCall)
	send("hangup")
	waitState(session.StateEnded)
	waitState(session.StateIdle)
	eventually(t, func() bool { return strings.Contains(out.String(), "idle") }, "expected idle change printed")
	send("quit")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shell did not exit")
	}
	pw.Close()

	for _, want := range []string{session.MsgDialing, session.MsgInCall, session.MsgEnded} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
	if h.stub.Creates() != 0 {
		t.Error("incoming call without a number reached the backend")
	}
}

func TestShellRequiresNumberArgument(t *testing.T) {
	h := newHarness(t, "answered.call")
	a := h.start(t)
	if err := a.waitReady(callCtx(t)); err != nil {
		t.Fatal(err)
	}
	err := runCommand(context.Background(), a, "number", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage error, got %v", err)
	}
	if err := runCommand(context.Background(), a, "   ", io.Discard); err != nil {
		t.Errorf("blank line should be ignored, got %v", err)
	}
}
