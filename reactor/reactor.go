// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package reactor implements a single-threaded socket event reactor.
//
// A [Reactor] holds a bounded set of registered descriptors. Each call to
// [Reactor.PollOnce] waits a short, fixed time for any of them to become
// readable or to hang up, and then invokes the callback of each ready
// descriptor exactly once:
//
//	r := reactor.New(nil)
//	if err := r.Register(owner, fd, onEvent, nil); err != nil {
//	   log.Fatalf("Register: %v", err)
//	}
//	for {
//	   if _, err := r.PollOnce(); err != nil {
//	      log.Fatalf("Poll: %v", err)
//	   }
//	}
//
// The reactor does not own the descriptors registered with it: closing a
// descriptor is the responsibility of whoever created it.
//
// A Reactor is not safe for concurrent use. All registrations and polls must
// happen on one goroutine, typically the one running the scheduler loop.
package reactor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Event describes what happened to a registered descriptor.
type Event byte

const (
	Readable Event = 1 // input (or end of stream) is pending
	Closed   Event = 2 // the descriptor hung up or reported an error
)

func (e Event) String() string {
	switch e {
	case Readable:
		return "READABLE"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("EVENT:%d", byte(e))
	}
}

// A Socket is the registration record passed to a callback.
type Socket struct {
	FD    int // the registered descriptor
	Owner any // the context that registered the descriptor
	Data  any // opaque user data from Register
}

// A Callback is invoked by PollOnce when its descriptor is ready.
type Callback func(Socket, Event)

var (
	// ErrFull is reported by Register when the descriptor table is full.
	ErrFull = errors.New("descriptor table full")

	// ErrRegistered is reported by Register for a descriptor that is already
	// registered.
	ErrRegistered = errors.New("descriptor already registered")

	// ErrUnknown is reported by Deregister for a descriptor that is not
	// registered.
	ErrUnknown = errors.New("descriptor not registered")
)

const (
	// DefaultMaxSockets is the default bound on registered descriptors.
	DefaultMaxSockets = 1024

	// DefaultTimeout is the default time PollOnce waits for an event.
	DefaultTimeout = 10 * time.Millisecond
)

// Options are settings for a Reactor. A nil *Options is ready for use and
// provides default values.
type Options struct {
	// The maximum number of descriptors that may be registered.
	// If zero, DefaultMaxSockets is used.
	MaxSockets int

	// How long PollOnce waits for an event. If zero, DefaultTimeout is used.
	Timeout time.Duration

	// The logger used for diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (o *Options) maxSockets() int {
	if o == nil || o.MaxSockets <= 0 {
		return DefaultMaxSockets
	}
	return o.MaxSockets
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

type registration struct {
	Socket
	cb Callback
}

// A Reactor dispatches readiness events for a set of registered descriptors.
type Reactor struct {
	max     int
	timeout int // milliseconds
	log     *slog.Logger

	regs  []*registration       // in registration order
	byFD  map[int]*registration // fd → registration
	pollv []unix.PollFd         // rebuilt whenever regs changes
}

// New constructs a new empty reactor with the given options.
func New(opts *Options) *Reactor {
	return &Reactor{
		max:     opts.maxSockets(),
		timeout: max(1, int(opts.timeout()/time.Millisecond)),
		log:     opts.logger(),
		byFD:    make(map[int]*registration),
	}
}

// Register adds fd to the set of descriptors polled by r. When fd becomes
// ready, cb is called with a Socket carrying owner and data.
func (r *Reactor) Register(owner any, fd int, cb Callback, data any) error {
	if fd < 0 {
		return fmt.Errorf("register %d: invalid descriptor", fd)
	} else if cb == nil {
		return fmt.Errorf("register %d: nil callback", fd)
	} else if _, ok := r.byFD[fd]; ok {
		return fmt.Errorf("register %d: %w", fd, ErrRegistered)
	} else if len(r.regs) >= r.max {
		return fmt.Errorf("register %d: %w (%d)", fd, ErrFull, r.max)
	}
	reg := &registration{Socket: Socket{FD: fd, Owner: owner, Data: data}, cb: cb}
	r.regs = append(r.regs, reg)
	r.byFD[fd] = reg
	r.rebuild()
	r.log.Debug("registered socket", "fd", fd, "count", len(r.regs))
	return nil
}

// Deregister removes fd from the set of descriptors polled by r.
// It does not close fd.
func (r *Reactor) Deregister(fd int) error {
	reg, ok := r.byFD[fd]
	if !ok {
		return fmt.Errorf("deregister %d: %w", fd, ErrUnknown)
	}
	delete(r.byFD, fd)
	for i, v := range r.regs {
		if v == reg {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			break
		}
	}
	r.rebuild()
	r.log.Debug("deregistered socket", "fd", fd, "count", len(r.regs))
	return nil
}

// rebuild regenerates the poll set from the current registrations.
func (r *Reactor) rebuild() {
	r.pollv = r.pollv[:0]
	for _, reg := range r.regs {
		r.pollv = append(r.pollv, unix.PollFd{
			Fd:     int32(reg.FD),
			Events: unix.POLLIN,
		})
	}
}

// PollOnce waits up to the configured timeout for any registered descriptor
// to become ready, then calls the callback of each ready descriptor once. It
// reports whether any callback was invoked.
//
// Callbacks may register and deregister descriptors, including their own.
// A descriptor deregistered by an earlier callback in the same round is not
// dispatched.
func (r *Reactor) PollOnce() (bool, error) {
	if len(r.pollv) == 0 {
		// Nothing to wait for, but keep the caller's pacing.
		time.Sleep(time.Duration(r.timeout) * time.Millisecond)
		return false, nil
	}
	n, err := unix.Poll(r.pollv, r.timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	} else if n == 0 {
		return false, nil
	}

	// Capture the ready set before dispatching, since callbacks may rebuild
	// the poll set underneath us.
	type ready struct {
		reg *registration
		ev  Event
	}
	var todo []ready
	for _, pfd := range r.pollv {
		if pfd.Revents == 0 {
			continue
		}
		reg := r.byFD[int(pfd.Fd)]
		if reg == nil {
			continue
		}
		ev := Closed
		if pfd.Revents&unix.POLLIN != 0 {
			ev = Readable
		}
		todo = append(todo, ready{reg: reg, ev: ev})
	}

	fired := false
	for _, rd := range todo {
		if r.byFD[rd.reg.FD] != rd.reg {
			continue // deregistered (or replaced) by an earlier callback
		}
		fired = true
		rd.reg.cb(rd.reg.Socket, rd.ev)
	}
	return fired, nil
}

// Len reports the number of descriptors currently registered.
func (r *Reactor) Len() int { return len(r.regs) }

// Descriptors returns the registered descriptors in registration order.
func (r *Reactor) Descriptors() []int {
	out := make([]int, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.FD
	}
	return out
}

// polled returns the descriptors in the current poll set, for testing.
func (r *Reactor) polled() []int {
	out := make([]int, len(r.pollv))
	for i, p := range r.pollv {
		out[i] = int(p.Fd)
	}
	return out
}
