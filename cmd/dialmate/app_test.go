package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/dialmate/internal/backendstub"
	"github.com/sweeney/dialmate/internal/config"
	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/publisher"
	"github.com/sweeney/dialmate/internal/session"
)

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

type harness struct {
	stub *backendstub.Server
	cfg  *config.Config
	pub  *publisher.MockPublisher
}

func newHarness(t *testing.T, fixture string) *harness {
	t.Helper()
	stub := backendstub.New(backendstub.Options{Logger: logger.Discard()})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	token, err := stub.IssueAccessToken("user-1")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Backend.BaseURL = srv.URL
	cfg.Backend.AccessToken = token
	cfg.Backend.TokenFile = ""
	cfg.Cleanup.ClearDelay = 20 * time.Millisecond
	cfg.Cleanup.IdleDelay = 10 * time.Millisecond
	cfg.Log.Level = "error"
	if fixture != "" {
		cfg.Provider.Script = filepath.Join(fixturesDir(), fixture)
	}
	return &harness{stub: stub, cfg: cfg, pub: publisher.NewMockPublisher()}
}

func (h *harness) start(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), h.cfg, appOptions{LogOutput: io.Discard, Publisher: h.pub})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	a.start()
	t.Cleanup(a.close)
	return a
}

func (h *harness) statuses() []string {
	var out []string
	for _, u := range h.stub.Updates() {
		out = append(out, u.Status)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPlaceCallAnswered(t *testing.T) {
	h := newHarness(t, "answered.call")
	a := h.start(t)

	var out bytes.Buffer
	if err := placeCall(callCtx(t), a, "9876543210", &out); err != nil {
		t.Fatalf("placeCall: %v\n%s", err, out.String())
	}

	for _, want := range []string{session.MsgRinging, session.MsgInCall, session.MsgEnded, "+919876543210"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out.String())
		}
	}

	eventually(t, func() bool { return len(h.stub.Updates()) == 2 }, "expected two status updates")
	if h.stub.Creates() != 1 {
		t.Errorf("expected one create, got %d", h.stub.Creates())
	}
	if got := h.statuses(); got[0] != "in_call" || got[1] != "ended" {
		t.Errorf("unexpected statuses %v", got)
	}
	if calls := h.stub.Calls(); len(calls) != 1 || calls[0].PhoneNumber != "+919876543210" {
		t.Errorf("unexpected backend calls %+v", calls)
	}

	a.close()
	for _, state := range []session.CallState{session.StateRinging, session.StateInCall, session.StateEnded, session.StateIdle} {
		if n := len(h.pub.OnTopic(publisher.SessionTopic("dialmate", state))); n != 1 {
			t.Errorf("expected one %s message, got %d", state, n)
		}
	}
	retained := h.pub.OnTopic(publisher.StateTopic("dialmate"))
	if len(retained) != 4 {
		t.Fatalf("expected 4 retained state messages, got %d", len(retained))
	}
	var last map[string]any
	if err := json.Unmarshal(retained[3].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if last["state"] != "idle" || last["previous"] != "ended" {
		t.Errorf("unexpected final state payload %v", last)
	}
}

func TestPlaceCallFailure(t *testing.T) {
	h := newHarness(t, "failed-before-answer.call")
	a := h.start(t)

	var out bytes.Buffer
	err := placeCall(callCtx(t), a, "5551234567", &out)
	if err == nil {
		t.Fatalf("expected call failure, output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), session.MsgFailed) {
		t.Errorf("expected %q in output:\n%s", session.MsgFailed, out.String())
	}

	eventually(t, func() bool { return len(h.stub.Updates()) == 1 }, "expected one status update")
	if got := h.statuses(); got[0] != "failed" {
		t.Errorf("expected failed, got %v", got)
	}
	if calls := h.stub.Calls(); len(calls) != 1 || calls[0].PhoneNumber != "+15551234567" {
		t.Errorf("unexpected backend calls %+v", calls)
	}
}

func TestPlaceCallInvalidNumber(t *testing.T) {
	h := newHarness(t, "answered.call")
	a := h.start(t)

	err := placeCall(callCtx(t), a, "12", io.Discard)
	if !errors.Is(err, session.ErrInputRejected) {
		t.Fatalf("expected ErrInputRejected, got %v", err)
	}
	if h.stub.Creates() != 0 {
		t.Error("invalid number reached the backend")
	}
}

func TestPlaceCallWithoutToken(t *testing.T) {
	h := newHarness(t, "answered.call")
	h.cfg.Backend.AccessToken = ""
	a := h.start(t)

	err := placeCall(callCtx(t), a, "9876543210", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "device not ready") {
		t.Fatalf("expected device setup error, got %v", err)
	}
	if h.stub.TokensIssued() != 0 {
		t.Error("expected no voice token request without a bearer token")
	}
}

func TestPlaceCallInterrupted(t *testing.T) {
	// The built-in script keeps ringing long enough to interrupt.
	h := newHarness(t, "")
	a := h.start(t)

	ctx, cancel := context.WithCancel(callCtx(t))
	go func() {
		defer cancel()
		for a.machine.Snapshot().State != session.StateRinging && ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var out bytes.Buffer
	if err := placeCall(ctx, a, "9876543210", &out); err != nil {
		t.Fatalf("placeCall: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "hanging up") {
		t.Errorf("expected hangup notice, got:\n%s", out.String())
	}

	if s := a.machine.Snapshot(); s.State != session.StateIdle {
		t.Errorf("expected idle after the interrupt, got %s", s.State)
	}
	for _, s := range h.statuses() {
		if s == "in_call" {
			t.Error("interrupted call was logged as answered")
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"call", "history", "shell"} {
		if !names[want] {
			t.Errorf("missing %s subcommand", want)
		}
	}

	root.SetArgs([]string{"call"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil {
		t.Error("expected missing number to be rejected")
	}
}
