package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/backendstub"
)

func newStub(t *testing.T) (*backendstub.Server, *httptest.Server, string) {
	t.Helper()
	stub := backendstub.New(backendstub.Options{Secret: "s3cret"})
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)
	tok, err := stub.IssueAccessToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	return stub, srv, tok
}

func TestCreateUpdateHistory(t *testing.T) {
	stub, srv, tok := newStub(t)
	c := backend.New(srv.URL, backend.StaticToken(tok))
	ctx := context.Background()

	created, err := c.CreateCall(ctx, backend.CreateCallRequest{PhoneNumber: "+919876543210", Status: "ringing"})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if created.CallID != "1" {
		t.Fatalf("expected call id 1, got %q", created.CallID)
	}

	if _, err := c.UpdateCallStatus(ctx, backend.UpdateCallStatusRequest{CallID: created.CallID, Status: "ended", Duration: 12}); err != nil {
		t.Fatalf("UpdateCallStatus: %v", err)
	}

	hist, err := c.CallHistory(ctx)
	if err != nil {
		t.Fatalf("CallHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != "ended" || hist[0].Duration != 12 || hist[0].PhoneNumber != "+919876543210" {
		t.Errorf("unexpected history: %+v", hist)
	}
	if hist[0].StartedAt.IsZero() {
		t.Error("expected started_at to be parsed")
	}
	if got := stub.Updates(); len(got) != 1 || got[0].CallID != 1 {
		t.Errorf("unexpected updates on stub: %+v", got)
	}
}

func TestVoiceToken(t *testing.T) {
	_, srv, tok := newStub(t)
	c := backend.New(srv.URL, backend.StaticToken(tok))
	vt, err := c.VoiceToken(context.Background())
	if err != nil {
		t.Fatalf("VoiceToken: %v", err)
	}
	if vt == "" || vt == tok {
		t.Errorf("expected a distinct voice token, got %q", vt)
	}
}

func TestMissingTokenSkipsNetwork(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := backend.New(srv.URL, backend.StaticToken(""))
	if _, err := c.CallHistory(context.Background()); !errors.Is(err, backend.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := backend.New(srv.URL, nil).VoiceToken(context.Background()); !errors.Is(err, backend.ErrNoToken) {
		t.Fatalf("expected ErrNoToken for nil source, got %v", err)
	}
	if hits != 0 {
		t.Errorf("expected no network requests, got %d", hits)
	}
}

func TestUnauthorized(t *testing.T) {
	stub, srv, _ := newStub(t)
	expired, _ := stub.IssueExpiredAccessToken("alice")
	c := backend.New(srv.URL, backend.StaticToken(expired))
	if _, err := c.VoiceToken(context.Background()); !errors.Is(err, backend.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	stub, srv, tok := newStub(t)
	stub.Fail(backend.PathMakeCall, http.StatusBadGateway)
	c := backend.New(srv.URL, backend.StaticToken(tok))

	_, err := c.CreateCall(context.Background(), backend.CreateCallRequest{PhoneNumber: "+15551234567", Status: "ringing"})
	var se *backend.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusBadGateway || se.Endpoint != "make-call" {
		t.Errorf("unexpected status error: %+v", se)
	}
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"token":"abc"}`))
	}))
	defer srv.Close()

	c := backend.New(srv.URL+"/", backend.StaticToken("tok"))
	if _, err := c.VoiceToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got.Get("Authorization") != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", got.Get("Authorization"))
	}
	if got.Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id")
	}
}

func TestCallIDShapes(t *testing.T) {
	var id backend.CallID
	if err := json.Unmarshal([]byte(`17`), &id); err != nil || id != "17" {
		t.Errorf("number: got %q %v", id, err)
	}
	if err := json.Unmarshal([]byte(`"c-9"`), &id); err != nil || id != "c-9" {
		t.Errorf("string: got %q %v", id, err)
	}
	if b, _ := json.Marshal(backend.CallID("17")); string(b) != "17" {
		t.Errorf("numeric id should marshal as number, got %s", b)
	}
	if b, _ := json.Marshal(backend.CallID("c-9")); string(b) != `"c-9"` {
		t.Errorf("string id should marshal as string, got %s", b)
	}
}

func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access")
	src := backend.FileToken{Path: path}
	if _, err := src.Token(context.Background()); !errors.Is(err, backend.ErrNoToken) {
		t.Fatalf("missing file: expected ErrNoToken, got %v", err)
	}
	os.WriteFile(path, []byte("  abc\n"), 0o600)
	if tok, err := src.Token(context.Background()); err != nil || tok != "abc" {
		t.Errorf("got %q %v", tok, err)
	}

	first := backend.FirstToken(backend.StaticToken(""), src)
	if tok, _ := first.Token(context.Background()); tok != "abc" {
		t.Errorf("FirstToken: got %q", tok)
	}
}
