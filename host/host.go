// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package host assembles a reactor, a scheduler, a transport, and a component
// catalog into a single process loop.
//
// To run a host:
//
//	h, err := host.New(host.Config{Port: 5555})
//	if err != nil {
//	   log.Fatalf("New: %v", err)
//	}
//	defer h.Close()
//
//	h.Add("ticker", handler.Tick(doWork))
//	h.Schedule("ticker")
//	h.Add("echo", handler.Echo())
//	h.AddReceiver("echo", id, "echo", nil)
//
//	err = h.Run(ctx)
//
// Components are named in the host's catalog. A component is scheduled if it
// provides a sched.Client, either itself or as its catalog.Scheduled
// capability; it can serve as a receiver if it provides a compframe.Client,
// either itself or as its catalog.Receiver capability.
//
// A Host is not safe for concurrent use. Configure it before calling Run, and
// make changes from inside scheduled components or receivers afterward.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/creachadair/compframe"
	"github.com/creachadair/compframe/catalog"
	"github.com/creachadair/compframe/reactor"
	"github.com/creachadair/compframe/sched"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config carries the settings for a Host. The zero value is ready for use and
// provides defaults.
type Config struct {
	// The TCP port the transport listens on. If zero, the operating system
	// picks one; use the Transport's Port method to find out which.
	Port int

	// The host name reported in logs (see compframe.Options).
	Host string

	// If true, disabled receivers cannot be opened.
	RejectDisabled bool

	// The virtual time slice passed to scheduled components.
	// If zero, sched.DefaultSlice is used.
	Slice int

	// The maximum number of sockets the reactor tracks.
	// If zero, reactor.DefaultMaxSockets is used.
	MaxSockets int

	// How long each poll waits for I/O.
	// If zero, reactor.DefaultTimeout is used.
	PollTimeout time.Duration

	// If set, Run serves Prometheus metrics over HTTP at this address.
	MetricsAddr string

	// The logger used for diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// A Host is a running component framework process.
type Host struct {
	Reactor   *reactor.Reactor
	Scheduler *sched.Scheduler
	Transport *compframe.Transport
	Catalog   *catalog.Catalog

	cfg Config
	log *slog.Logger
}

// New constructs a host from cfg and starts its transport listening.
func New(cfg Config) (*Host, error) {
	log := cfg.logger()
	r := reactor.New(&reactor.Options{
		MaxSockets: cfg.MaxSockets,
		Timeout:    cfg.PollTimeout,
		Logger:     log,
	})
	t, err := compframe.Listen(r, &compframe.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		RejectDisabled: cfg.RejectDisabled,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}
	h := &Host{
		Reactor:   r,
		Transport: t,
		Catalog:   catalog.New(),
		cfg:       cfg,
		log:       log,
	}
	h.Scheduler = sched.New(hostPoller{h}, &sched.Options{Slice: cfg.Slice, Logger: log})
	return h, nil
}

// hostPoller polls the reactor and stops the loop if the transport can no
// longer accept connections.
type hostPoller struct{ h *Host }

func (p hostPoller) PollOnce() (bool, error) {
	fired, err := p.h.Reactor.PollOnce()
	if err != nil {
		return fired, err
	}
	return fired, p.h.Transport.Err()
}

// Add adds comp to the catalog under name.
func (h *Host) Add(name string, comp any) error { return h.Catalog.Add(name, comp) }

// Schedule adds the named component to the scheduler.
func (h *Host) Schedule(name string) error {
	cl, err := h.schedClient(name)
	if err != nil {
		return err
	}
	return h.Scheduler.Add(cl)
}

// Unschedule removes the named component from the scheduler.
func (h *Host) Unschedule(name string) error {
	cl, err := h.schedClient(name)
	if err != nil {
		return err
	}
	return h.Scheduler.Remove(cl)
}

func (h *Host) schedClient(name string) (sched.Client, error) {
	if _, ok := h.Catalog.Lookup(name); !ok {
		return nil, fmt.Errorf("component %q: %w", name, catalog.ErrNotFound)
	}
	cl, ok := catalog.Get[sched.Client](h.Catalog, name, catalog.Scheduled)
	if !ok {
		return nil, fmt.Errorf("component %q: %w", name, sched.ErrNoCapability)
	}
	return cl, nil
}

// AddReceiver registers the named component as receiver rname of interface
// id. Data is passed back on each call to the receiver.
func (h *Host) AddReceiver(component, id, rname string, data any) error {
	if _, ok := h.Catalog.Lookup(component); !ok {
		return fmt.Errorf("component %q: %w", component, catalog.ErrNotFound)
	}
	cl, ok := catalog.Get[compframe.Client](h.Catalog, component, catalog.Receiver)
	if !ok {
		return fmt.Errorf("component %q: %w", component, compframe.ErrNoCapability)
	}
	return h.Transport.AddReceiver(id, rname, cl, data)
}

// Run runs the scheduler loop until ctx ends or the transport fails. If
// MetricsAddr is configured, Run also serves metrics until it returns.
func (h *Host) Run(ctx context.Context) error {
	if h.cfg.MetricsAddr == "" {
		return h.Scheduler.Loop(ctx)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(h.Collector()); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: h.cfg.MetricsAddr, Handler: mux}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := taskgroup.New(cancel)
	g.Go(func() error {
		h.log.Info("serving metrics", "addr", h.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-lctx.Done()
		return srv.Close()
	})

	err := h.Scheduler.Loop(lctx)
	cancel()
	if gerr := g.Wait(); gerr != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return gerr
	}
	return err
}

// Close closes the transport and every connection.
func (h *Host) Close() error { return h.Transport.Close() }
