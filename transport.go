// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package compframe

import (
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"

	"github.com/creachadair/compframe/reactor"
	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidID is reported for an interface identifier whose length is
	// not IDLen.
	ErrInvalidID = errors.New("invalid interface identifier")

	// ErrMissingName is reported when a receiver name is empty.
	ErrMissingName = errors.New("missing receiver name")

	// ErrNoCapability is reported when a receiver has no Client.
	ErrNoCapability = errors.New("receiver has no message capability")

	// ErrDuplicate is reported when adding a receiver whose name is already
	// registered under the same interface.
	ErrDuplicate = errors.New("duplicate receiver")

	// ErrNotFound is reported for an unknown receiver.
	ErrNotFound = errors.New("receiver not found")

	// ErrNoPeer is reported when sending on a channel that is not open.
	ErrNoPeer = errors.New("channel not open")

	// ErrClosed is reported for operations on a closed transport or
	// connection.
	ErrClosed = errors.New("transport closed")

	// ErrListenerFailed is reported by Err when the listening socket reports
	// a hang-up or error. The transport accepts no further connections.
	ErrListenerFailed = errors.New("listening socket failed")
)

// Response texts sent with failure responses.
const (
	textNotFound    = "Component not found!\n"
	textNoChannels  = "Out of channels!\n"
	textNoConnect   = "Connection failed!\n"
	textCloseFailed = "Could not close!\n"
	textUnknown     = "Unknown command!\n"
	textNotOpen     = "Channel not open!\n"
)

// DefaultReadBufferSize is the default size of the buffer used to read from
// connections.
const DefaultReadBufferSize = 2048

// Options are settings for a Transport. A nil *Options is ready for use and
// provides default values.
type Options struct {
	// The host name reported in logs. If empty, the value of $HOST or
	// $HOSTNAME is used, or "localhost" if neither is set.
	Host string

	// The TCP port to listen on. If zero, the operating system picks one.
	Port int

	// If true, a request to open a channel to a disabled receiver fails as
	// if the receiver did not exist.
	RejectDisabled bool

	// The number of bytes read from a connection per readiness event.
	// If zero, DefaultReadBufferSize is used.
	ReadBufferSize int

	// The logger used for diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (o *Options) host() string {
	if o != nil && o.Host != "" {
		return o.Host
	}
	for _, key := range []string{"HOST", "HOSTNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "localhost"
}

func (o *Options) port() int {
	if o == nil {
		return 0
	}
	return o.Port
}

func (o *Options) rejectDisabled() bool { return o != nil && o.RejectDisabled }

func (o *Options) readBufferSize() int {
	if o == nil || o.ReadBufferSize <= 0 {
		return DefaultReadBufferSize
	}
	return o.ReadBufferSize
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// A Transport multiplexes channels between remote peers and local receivers
// over stream sockets registered with a reactor.
//
// A Transport is not safe for concurrent use. All its methods, and all
// callbacks to receivers, run on the goroutine that polls its reactor.
type Transport struct {
	r    *reactor.Reactor
	opts *Options
	log  *slog.Logger

	reg      registry
	conns    map[int]*Connection
	listenFD int
	port     int
	rbuf     []byte
	err      error // fatal listener error, if any
	closed   bool

	m *transportMetrics
}

// New constructs a transport that registers its sockets with r. It does not
// listen for connections; call Listen for that, or Adopt to attach sockets
// that are already connected.
func New(r *reactor.Reactor, opts *Options) *Transport {
	return &Transport{
		r:        r,
		opts:     opts,
		log:      opts.logger(),
		conns:    make(map[int]*Connection),
		listenFD: -1,
		rbuf:     make([]byte, opts.readBufferSize()),
		m:        newTransportMetrics(),
	}
}

// Listen constructs a transport on r and starts listening for connections.
func Listen(r *reactor.Reactor, opts *Options) (*Transport, error) {
	t := New(r, opts)
	if err := t.Listen(); err != nil {
		return nil, err
	}
	return t, nil
}

// Listen opens the listening socket of t and registers it with the reactor.
// It is an error to call Listen more than once.
func (t *Transport) Listen() error {
	if t.closed {
		return ErrClosed
	} else if t.listenFD >= 0 {
		return errors.New("transport is already listening")
	}
	fd, err := reactor.Listen(t.opts.port())
	if err != nil {
		return err
	}
	port, err := reactor.LocalPort(fd)
	if err != nil {
		reactor.Close(fd)
		return err
	}
	if err := t.r.Register(t, fd, t.dispatch, nil); err != nil {
		reactor.Close(fd)
		return fmt.Errorf("register listener: %w", err)
	}
	t.listenFD, t.port = fd, port
	t.log.Info("transport listening", "addr", t.Addr())
	return nil
}

// Adopt attaches fd, a connected stream socket, to t as if it had been
// accepted from the listener. The transport takes ownership of fd.
func (t *Transport) Adopt(fd int) (*Connection, error) {
	if t.closed {
		return nil, ErrClosed
	}
	c := newConnection(t, fd)
	if err := t.r.Register(t, fd, t.dispatch, c); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	t.conns[fd] = c
	t.m.connAccepted.Add(1)
	t.m.connActive.Add(1)
	t.log.Debug("connection opened", "fd", fd)
	return c, nil
}

// Port returns the TCP port t is listening on, or 0 if it is not listening.
func (t *Transport) Port() int { return t.port }

// Host returns the host name t reports in its listening address.
func (t *Transport) Host() string { return t.opts.host() }

// Addr returns the "host:port" address of the transport.
func (t *Transport) Addr() string { return net.JoinHostPort(t.Host(), strconv.Itoa(t.port)) }

// Err returns the error that stopped the listener, or nil.
func (t *Transport) Err() error { return t.err }

// Metrics returns the metrics map for t. The caller may add entries to it.
func (t *Transport) Metrics() *expvar.Map { return t.m.emap }

// Connections returns the live connections of t ordered by descriptor.
func (t *Transport) Connections() []*Connection {
	out := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Connection) int { return a.fd - b.fd })
	return out
}

// AddReceiver registers a receiver named name under the interface id.
// The receiver is enabled. Data is passed back to each call to cl.
func (t *Transport) AddReceiver(id, name string, cl Client, data any) error {
	if _, err := t.reg.add(id, name, cl, data); err != nil {
		return err
	}
	t.log.Debug("receiver added", "interface", id, "name", name)
	return nil
}

// Receiver returns the receiver registered under id and name.
func (t *Transport) Receiver(id, name string) (*Receiver, error) { return t.reg.find(id, name) }

// EnableReceiver marks the specified receiver enabled.
func (t *Transport) EnableReceiver(id, name string) error { return t.setEnabled(id, name, true) }

// DisableReceiver marks the specified receiver disabled. Open channels to a
// disabled receiver are not affected.
func (t *Transport) DisableReceiver(id, name string) error { return t.setEnabled(id, name, false) }

func (t *Transport) setEnabled(id, name string, on bool) error {
	r, err := t.reg.find(id, name)
	if err != nil {
		return err
	}
	r.Enabled = on
	return nil
}

// RemoveReceiver removes the specified receiver. Every open channel bound to
// it is closed, and its Disconnected method is called for each. The remote
// ends are not notified.
//
// The receiver is unregistered before any channel is closed, so it may not
// be reopened or removed again from its own Disconnected method.
func (t *Transport) RemoveReceiver(id, name string) error {
	r, err := t.reg.find(id, name)
	if err != nil {
		return err
	}
	t.reg.remove(r)
	for _, c := range t.Connections() {
		for ch := range MaxChannels {
			if p := c.peers[ch]; p != nil && p.Receiver == r {
				t.closePeer(c, byte(ch))
			}
		}
	}
	t.log.Debug("receiver removed", "interface", id, "name", name)
	return nil
}

// SearchByName returns every interface with a receiver whose name has the
// given prefix, formatted as "id:name1,name2;" per interface in identifier
// order. An empty prefix matches every receiver.
func (t *Transport) SearchByName(prefix string) string { return t.reg.searchByName(prefix) }

// SearchByInterface returns the comma-separated names of the receivers
// registered under id, or "" if there are none.
func (t *Transport) SearchByInterface(id string) string { return t.reg.searchByInterface(id) }

// Interfaces returns a snapshot of the registered interfaces in identifier
// order. Modifying the result does not affect t.
func (t *Transport) Interfaces() []Interface { return t.reg.snapshot() }

// SendToReceiver sends payload to the remote end of channel ch of c.
func (t *Transport) SendToReceiver(c *Connection, ch byte, payload []byte) error {
	if c.closed {
		return ErrClosed
	} else if c.Peer(ch) == nil {
		return fmt.Errorf("channel %d: %w", ch, ErrNoPeer)
	} else if len(payload) > MaxPayloadLen {
		return fmt.Errorf("payload too long (%d > %d bytes)", len(payload), MaxPayloadLen)
	}
	return t.send(c, Frame{Channel: ch, Payload: payload})
}

func (t *Transport) send(c *Connection, f Frame) error {
	if err := reactor.WriteAll(c.fd, f.Encode()); err != nil {
		return fmt.Errorf("send on fd %d: %w", c.fd, err)
	}
	t.m.frameSent.Add(1)
	return nil
}

// reply sends a control response on c. A failed write tears c down.
func (t *Transport) reply(c *Connection, rsp Response) {
	if err := t.send(c, Frame{Channel: ControlChannel, Payload: rsp.Encode()}); err != nil {
		t.log.Error("control reply failed", "fd", c.fd, "response", rsp, "error", err)
		t.teardown(c)
	}
}

// Close tears down every connection and closes the listener. Receivers stay
// registered.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	for _, c := range t.Connections() {
		t.teardown(c)
	}
	if t.listenFD >= 0 {
		return t.closeListener()
	}
	return nil
}

func (t *Transport) closeListener() error {
	fd := t.listenFD
	t.listenFD = -1
	t.r.Deregister(fd)
	return reactor.Close(fd)
}

// dispatch is the reactor callback for the listener and every connection.
func (t *Transport) dispatch(s reactor.Socket, ev reactor.Event) {
	if s.FD == t.listenFD {
		t.accept(ev)
		return
	}
	c, ok := s.Data.(*Connection)
	if !ok || c.closed {
		return
	}
	if ev == reactor.Closed {
		t.log.Debug("connection hung up", "fd", c.fd)
		t.teardown(c)
		return
	}
	nr, err := reactor.Read(c.fd, t.rbuf)
	if errors.Is(err, unix.EAGAIN) {
		return
	} else if err != nil {
		t.log.Warn("read failed", "fd", c.fd, "error", err)
		t.teardown(c)
		return
	} else if nr == 0 {
		t.log.Debug("end of stream", "fd", c.fd)
		t.teardown(c)
		return
	}
	t.m.bytesRecv.Add(int64(nr))
	if err := c.consume(t.rbuf[:nr]); err != nil {
		t.log.Error("framing lost", "fd", c.fd, "error", err)
		t.m.controlErrors.Add(1)
		t.teardown(c)
	}
}

func (t *Transport) accept(ev reactor.Event) {
	if ev != reactor.Readable {
		t.err = fmt.Errorf("port %d: %w", t.port, ErrListenerFailed)
		t.log.Error("listener failed", "port", t.port, "event", ev)
		t.closeListener()
		return
	}
	fd, err := reactor.Accept(t.listenFD)
	if err != nil {
		t.log.Warn("accept failed", "error", err)
		return
	}
	if err := reactor.SetReusable(fd); err != nil {
		t.log.Warn("set socket options", "fd", fd, "error", err)
	}
	if _, err := t.Adopt(fd); err != nil {
		t.log.Error("adopt connection", "fd", fd, "error", err)
		reactor.Close(fd)
	}
}

// deliver routes one complete frame received on c.
func (t *Transport) deliver(c *Connection, ch byte, msg []byte) {
	t.m.frameRecv.Add(1)
	if ch == ControlChannel {
		t.control(c, msg)
		return
	}
	p := c.Peer(ch)
	if p == nil {
		t.m.frameDropped.Add(1)
		t.log.Debug("frame for closed channel", "fd", c.fd, "channel", ch)
		t.reply(c, failResponse(OpUnknown, ResultNotFound, textNotOpen))
		return
	}
	if err := p.Receiver.Client.Message(c, ch, msg, p.Receiver.Data); err != nil {
		t.log.Warn("receiver message failed", "receiver", p.Receiver.Name, "channel", ch, "error", err)
	}
}

// control handles one control request received on c.
func (t *Transport) control(c *Connection, msg []byte) {
	if len(msg) == 0 {
		t.unknown(c, "empty control message")
		return
	}
	switch Opcode(msg[0]) {
	case OpOpen:
		var req OpenRequest
		if err := req.UnmarshalBinary(msg); err != nil {
			t.m.controlErrors.Add(1)
			t.m.chanOpenErr.Add(1)
			t.log.Debug("invalid open request", "fd", c.fd, "error", err)
			t.reply(c, failResponse(OpOpenFail, ResultNotFound, textNotFound))
			return
		}
		t.open(c, req)

	case OpClose:
		var req CloseRequest
		if err := req.UnmarshalBinary(msg); err != nil {
			t.m.controlErrors.Add(1)
			t.log.Debug("invalid close request", "fd", c.fd, "error", err)
			t.reply(c, failResponse(OpCloseFail, ResultNotFound, textNotFound))
			return
		}
		t.close(c, req.Channel)

	default:
		t.unknown(c, "unknown opcode "+Opcode(msg[0]).String())
	}
}

func (t *Transport) unknown(c *Connection, why string) {
	t.m.controlErrors.Add(1)
	t.log.Debug("control request rejected", "fd", c.fd, "reason", why)
	t.reply(c, failResponse(OpUnknown, ResultCode(OpUnknown), textUnknown))
}

func (t *Transport) open(c *Connection, req OpenRequest) {
	fail := func(code ResultCode, text string) {
		t.m.chanOpenErr.Add(1)
		t.log.Debug("open failed", "fd", c.fd, "request", req, "result", code)
		t.reply(c, failResponse(OpOpenFail, code, text))
	}

	r := t.reg.lookup(req.Interface, req.Name)
	if r == nil || (!r.Enabled && t.opts.rejectDisabled()) {
		fail(ResultNotFound, textNotFound)
		return
	}
	free := c.freeChannel()
	if free < 0 {
		fail(ResultNoChannels, textNoChannels)
		return
	}

	// The peer is installed before the receiver is told, so that it may send
	// on the new channel from its Connected method.
	ch := byte(free)
	p := &Peer{Channel: ch, Socket: c.fd, Receiver: r}
	c.peers[ch] = p
	if err := r.Client.Connected(c, ch, r.Data); err != nil {
		if c.peers[ch] == p {
			c.peers[ch] = nil
		}
		t.log.Debug("receiver refused channel", "receiver", r.Name, "error", err)
		fail(ResultNoConnect, textNoConnect)
		return
	}
	if c.closed {
		return
	} else if c.peers[ch] != p {
		t.log.Debug("channel released during open", "receiver", r.Name, "channel", ch)
		fail(ResultNoConnect, textNoConnect)
		return
	}
	p.live = true
	t.m.chanOpened.Add(1)
	t.m.chanActive.Add(1)
	t.log.Debug("channel opened", "fd", c.fd, "channel", ch, "receiver", r.Name)
	t.reply(c, okResponse(OpOpenOK))
}

func (t *Transport) close(c *Connection, ch byte) {
	if c.Peer(ch) == nil {
		t.log.Debug("close of unopened channel", "fd", c.fd, "channel", ch)
		t.reply(c, failResponse(OpCloseFail, ResultNotFound, textNotFound))
		return
	}
	if err := t.closePeer(c, ch); err != nil {
		t.reply(c, failResponse(OpCloseFail, ResultCode(OpCloseFail), textCloseFailed))
		return
	}
	t.reply(c, okResponse(OpCloseOK))
}

// closePeer releases channel ch of c and notifies the receiver it was bound
// to. The channel is released even if the receiver reports an error. If the
// channel is not open, closePeer does nothing.
func (t *Transport) closePeer(c *Connection, ch byte) error {
	p := c.peers[ch]
	if p == nil {
		return nil
	}
	c.peers[ch] = nil
	err := p.Receiver.Client.Disconnected(c, ch, p.Receiver.Data)
	if p.live {
		t.m.chanClosed.Add(1)
		t.m.chanActive.Add(-1)
	}
	if err != nil {
		t.log.Warn("receiver disconnect failed", "receiver", p.Receiver.Name, "channel", ch, "error", err)
	}
	t.log.Debug("channel closed", "fd", c.fd, "channel", ch, "receiver", p.Receiver.Name)
	return err
}

// teardown closes every channel of c in ascending order, then releases its
// descriptor.
func (t *Transport) teardown(c *Connection) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range MaxChannels {
		t.closePeer(c, byte(ch))
	}
	t.r.Deregister(c.fd)
	if err := reactor.Close(c.fd); err != nil {
		t.log.Warn("close connection", "fd", c.fd, "error", err)
	}
	delete(t.conns, c.fd)
	t.m.connActive.Add(-1)
	t.log.Debug("connection closed", "fd", c.fd)
}
