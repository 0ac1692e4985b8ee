// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package sched implements a cooperative, virtual-time scheduler.
//
// A [Scheduler] holds an ordered collection of clients. Each tick, every
// client's Execute method is called in turn with a fixed virtual time slice.
// The slice is a logical budget, not wall-clock time: the scheduler does not
// measure or enforce how long a client actually runs.
//
// The scheduler loop is meant to be the only control loop of a process. Each
// iteration polls for I/O once and then ticks:
//
//	s := sched.New(reactor, nil)
//	s.Add(component)
//	err := s.Loop(ctx)
//
// Clients run strictly sequentially, in the order they were added.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/creachadair/mds/mapset"
)

// A Client is the execution capability of a scheduled component.
type Client interface {
	// Execute performs a bounded amount of work. The slice is the virtual
	// time budget granted for this tick.
	Execute(slice int)
}

// A Poller is polled once per loop iteration before clients are ticked.
// The [reactor.Reactor] type satisfies this interface.
type Poller interface {
	PollOnce() (bool, error)
}

// State is the run state of a scheduler.
type State byte

const (
	Idle    State = iota // not yet started
	Running              // ticking clients
	Stopped              // stopped after running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("STATE:%d", byte(s))
	}
}

var (
	// ErrDuplicate is reported by Add for a component already scheduled.
	ErrDuplicate = errors.New("component already scheduled")

	// ErrNoCapability is reported by Add for a component that does not
	// implement Client.
	ErrNoCapability = errors.New("component is not a scheduler client")

	// ErrNotFound is reported by Remove for a component not scheduled.
	ErrNotFound = errors.New("component not scheduled")

	// ErrNotComparable is reported by Add for a component whose value cannot
	// serve as an identity, such as a func or a struct holding a slice.
	ErrNotComparable = errors.New("component is not comparable")
)

// DefaultSlice is the virtual time slice used when none is configured.
const DefaultSlice = 10

// Options are settings for a Scheduler. A nil *Options is ready for use and
// provides default values.
type Options struct {
	// The virtual time slice passed to each client. If zero, DefaultSlice.
	Slice int

	// The logger used for diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (o *Options) slice() int {
	if o == nil || o.Slice <= 0 {
		return DefaultSlice
	}
	return o.Slice
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

type entry struct {
	comp   any
	client Client
}

// A Scheduler ticks a collection of clients in insertion order.
// It is not safe for concurrent use.
type Scheduler struct {
	poll  Poller
	slice int
	log   *slog.Logger
	state State

	clients []entry
	ids     mapset.Set[any]
}

// New constructs an idle scheduler that polls p once per loop iteration.
// If p == nil, Loop only ticks.
func New(p Poller, opts *Options) *Scheduler {
	return &Scheduler{
		poll:  p,
		slice: opts.slice(),
		log:   opts.logger(),
		ids:   mapset.New[any](),
	}
}

// Add schedules comp, which must implement Client. The identity of comp is
// its value, so comp should be a pointer or another comparable handle.
func (s *Scheduler) Add(comp any) error {
	c, ok := comp.(Client)
	if !ok {
		return fmt.Errorf("add %T: %w", comp, ErrNoCapability)
	} else if !hashable(comp) {
		return fmt.Errorf("add %T: %w", comp, ErrNotComparable)
	}
	if s.ids.Has(comp) {
		return fmt.Errorf("add %T: %w", comp, ErrDuplicate)
	}
	s.ids.Add(comp)
	s.clients = append(s.clients, entry{comp: comp, client: c})
	s.log.Info("added component to scheduler", "component", fmt.Sprintf("%T", comp))
	return nil
}

// Remove removes comp from the schedule.
func (s *Scheduler) Remove(comp any) error {
	if !hashable(comp) || !s.ids.Has(comp) {
		return fmt.Errorf("remove %T: %w", comp, ErrNotFound)
	}
	s.ids.Remove(comp)
	for i, e := range s.clients {
		if e.comp == comp {
			s.clients = append(s.clients[:i:i], s.clients[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of scheduled components.
func (s *Scheduler) Len() int { return len(s.clients) }

// Slice reports the virtual time slice passed to clients.
func (s *Scheduler) Slice() int { return s.slice }

// State reports the current run state of s.
func (s *Scheduler) State() State { return s.state }

// Start begins ticking. Registrations are unaffected.
func (s *Scheduler) Start() {
	s.log.Info("scheduling commencing", "slice", s.slice)
	s.state = Running
}

// Stop suspends ticking. Registrations are unaffected, and Loop keeps
// polling until its context ends.
func (s *Scheduler) Stop() {
	s.log.Info("scheduling stopped")
	s.state = Stopped
}

// Tick calls Execute on every scheduled client once, in the order they were
// added, and reports true. If s is not running, Tick does nothing and
// reports false. Clients may add or remove components during a tick; such
// changes take effect on the next tick.
func (s *Scheduler) Tick() bool {
	if s.state != Running {
		return false
	}
	for _, e := range s.snapshot() {
		e.client.Execute(s.slice)
	}
	return true
}

func (s *Scheduler) snapshot() []entry {
	out := make([]entry, len(s.clients))
	copy(out, s.clients)
	return out
}

// Loop polls once and ticks once, repeatedly, until ctx ends or polling
// fails. If s is idle when Loop begins, it is started; a stopped scheduler
// is not restarted. Loop reports the error that ended it.
func (s *Scheduler) Loop(ctx context.Context) error {
	if s.state == Idle {
		s.Start()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.poll != nil {
			if _, err := s.poll.PollOnce(); err != nil {
				s.log.Error("poll failed", "err", err)
				return err
			}
		}
		s.Tick()
	}
}

// hashable reports whether v can be used as a map key. This depends on the
// dynamic values inside v, not only its type: a struct with an interface
// field is comparable unless that field holds, for example, a slice.
func hashable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[any]bool{v: true}
	return true
}
