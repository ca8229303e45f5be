// Command dialmate-backend serves an in-memory call-record backend for
// local development and demos.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/dialmate/internal/backendstub"
	"github.com/sweeney/dialmate/internal/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "Listen address")
	secret := flag.String("secret", "", "Token signing secret (random when empty)")
	user := flag.String("user", "demo", "User the printed access token belongs to")
	contacts := flag.String("contacts", "", "Comma-separated number=name pairs shown in history")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := logger.New(*level, "text", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, options{addr: *addr, secret: *secret, user: *user, contacts: *contacts}); err != nil {
		log.Error("backend stopped", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

type options struct {
	addr     string
	secret   string
	user     string
	contacts string
}

func run(ctx context.Context, log *slog.Logger, opts options) error {
	stub := backendstub.New(backendstub.Options{Secret: opts.secret, Logger: log})
	for number, name := range parseContacts(opts.contacts) {
		stub.SetContact(number, name)
	}

	token, err := stub.IssueAccessToken(opts.user)
	if err != nil {
		return fmt.Errorf("issuing access token: %w", err)
	}
	// The token goes to stdout so it can be piped into a token file.
	fmt.Println(token)

	srv := &http.Server{Addr: opts.addr, Handler: stub.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", opts.addr, "user", opts.user)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
