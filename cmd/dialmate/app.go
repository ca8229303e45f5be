package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/calllog"
	"github.com/sweeney/dialmate/internal/config"
	"github.com/sweeney/dialmate/internal/device"
	"github.com/sweeney/dialmate/internal/history"
	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/metrics"
	"github.com/sweeney/dialmate/internal/provider/sim"
	"github.com/sweeney/dialmate/internal/publisher"
	"github.com/sweeney/dialmate/internal/session"
)

const historyLimit = 50

// appOptions overrides collaborators, mostly for tests.
type appOptions struct {
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// Publisher replaces the MQTT connection when mqtt is enabled or
	// when set.
	Publisher publisher.Publisher
}

// app is one fully wired device session.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	reg     *prometheus.Registry
	client  *backend.Client
	cache   *history.Cache
	adapter *device.Adapter
	mic     *sim.Microphone
	machine *session.Machine
	pub     publisher.Publisher
	bridge  *bridge

	// changes feeds commands that follow call progress.
	changes chan session.StateChange

	mu  sync.Mutex
	dev *sim.Device

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return logger.New(cfg.Log.Level, cfg.Log.Format, w)
}

func newClient(cfg *config.Config, log *slog.Logger, mt *metrics.Metrics) *backend.Client {
	sources := []backend.TokenSource{backend.StaticToken(cfg.Backend.AccessToken)}
	if cfg.Backend.TokenFile != "" {
		sources = append(sources, backend.FileToken{Path: cfg.Backend.TokenFile})
	}
	return backend.New(cfg.Backend.BaseURL, backend.FirstToken(sources...),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithLogger(log),
		backend.WithMetrics(mt),
	)
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	log := newLogger(cfg, opts.LogOutput)

	script := sim.AnsweredCall(5 * time.Second)
	if cfg.Provider.Script != "" {
		s, err := sim.LoadScript(cfg.Provider.Script)
		if err != nil {
			return nil, err
		}
		script = s
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		reg:     prometheus.NewRegistry(),
		cache:   history.New(historyLimit),
		mic:     sim.NewMicrophone(cfg.Provider.DenyMicrophone),
		changes: make(chan session.StateChange, 64),
	}
	mt := metrics.New("dialmate", a.reg)
	a.client = newClient(cfg, log, mt)

	factory := sim.Factory(sim.Options{Script: script}, func(d *sim.Device) {
		a.mu.Lock()
		a.dev = d
		a.mu.Unlock()
	})
	a.adapter = device.New(a.client, factory, device.WithLogger(log))

	calls := calllog.New(a.client, a.cache, calllog.WithLogger(log), calllog.WithMetrics(mt))

	a.pub = opts.Publisher
	if a.pub == nil && cfg.MQTT.Enabled {
		pub, err := publisher.NewMQTTPublisher(ctx, publisher.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         cfg.MQTT.QoS,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		a.pub = pub
	}
	if a.pub != nil {
		a.bridge = newBridge(a.pub, cfg.MQTT.TopicPrefix, log)
	}

	a.machine = session.New(cfg.Session(), session.Deps{
		Device:     a.adapter,
		Microphone: a.mic,
		Reporter:   calls,
		History:    a.client,
		Cache:      a.cache,
	},
		session.WithLogger(log),
		session.WithMetrics(mt),
		session.WithObserver(a.observe),
	)
	return a, nil
}

// start runs the session in the background until close.
func (a *app) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.machine.Run(ctx); err != nil {
			a.log.Error("session stopped", "error", err)
		}
	}()

	if a.bridge != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.bridge.run(ctx)
		}()
	}

	if a.cfg.Metrics.Addr != "" {
		a.serveMetrics(ctx)
	}
}

func (a *app) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.reg))
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.log.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.adapter.Teardown()
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn("closing publisher", "error", err)
		}
	}
}

func (a *app) observe(ch session.StateChange) {
	if a.bridge != nil {
		a.bridge.observe(ch)
	}
	select {
	case a.changes <- ch:
	default:
	}
}

// simDevice returns the most recently registered simulated device.
func (a *app) simDevice() *sim.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev
}

// waitReady blocks until the device is registered or setup has failed.
func (a *app) waitReady(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		s := a.machine.Snapshot()
		switch {
		case s.DeviceReady && !s.Busy:
			return nil
		case !s.DeviceReady && !s.Busy && s.Error != "":
			return fmt.Errorf("device not ready: %s", s.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
