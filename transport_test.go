// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package compframe_test

import (
	"errors"
	"expvar"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/creachadair/compframe"
	"github.com/creachadair/compframe/reactor"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// recorder is a receiver client that logs each callback.
type recorder struct {
	events    []string
	refuse    bool // fail Connected
	failClose bool // fail Disconnected

	onConnect    func(ch byte) // if set, called from Connected
	onDisconnect func(ch byte) // if set, called from Disconnected
}

func (r *recorder) Connected(c *compframe.Connection, ch byte, data any) error {
	r.events = append(r.events, fmt.Sprintf("connect %d %v", ch, data))
	if r.onConnect != nil {
		r.onConnect(ch)
	}
	if r.refuse {
		return errors.New("refused")
	}
	return nil
}

func (r *recorder) Disconnected(c *compframe.Connection, ch byte, data any) error {
	r.events = append(r.events, fmt.Sprintf("disconnect %d %v", ch, data))
	if r.onDisconnect != nil {
		r.onDisconnect(ch)
	}
	if r.failClose {
		return errors.New("busy")
	}
	return nil
}

func (r *recorder) Message(c *compframe.Connection, ch byte, msg []byte, data any) error {
	r.events = append(r.events, fmt.Sprintf("message %d %q", ch, msg))
	return nil
}

func (r *recorder) take() []string {
	out := r.events
	r.events = nil
	return out
}

// harness connects a transport to one end of a socket pair. The test plays
// the remote peer on the other end.
type harness struct {
	t    testing.TB
	r    *reactor.Reactor
	tr   *compframe.Transport
	conn *compframe.Connection
	peer *os.File
}

func newHarness(t testing.TB, opts *compframe.Options) *harness {
	t.Helper()
	r := reactor.New(&reactor.Options{Timeout: time.Millisecond})
	tr := compframe.New(r, opts)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	conn, err := tr.Adopt(fds[0])
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	// The peer end is non-blocking so that read deadlines work.
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	h := &harness{t: t, r: r, tr: tr, conn: conn, peer: peer}
	t.Cleanup(func() {
		peer.Close()
		tr.Close()
	})
	return h
}

// write sends raw bytes from the peer and polls until the transport has
// processed them.
func (h *harness) write(data []byte) {
	h.t.Helper()
	if _, err := h.peer.Write(data); err != nil {
		h.t.Fatalf("Write: %v", err)
	}
	h.poll()
}

// send sends a frame from the peer.
func (h *harness) send(ch byte, payload []byte) {
	h.t.Helper()
	h.write(compframe.Frame{Channel: ch, Payload: payload}.Encode())
}

// poll runs the reactor until a round passes with no events.
func (h *harness) poll() {
	h.t.Helper()
	for {
		fired, err := h.r.PollOnce()
		if err != nil {
			h.t.Fatalf("PollOnce: %v", err)
		} else if !fired {
			return
		}
	}
}

// readRaw reads exactly n bytes from the peer.
func (h *harness) readRaw(n int) []byte {
	h.t.Helper()
	h.peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.peer, buf); err != nil {
		h.t.Fatalf("Read %d bytes: %v", n, err)
	}
	return buf
}

// response reads one control response from the peer.
func (h *harness) response() compframe.Response {
	h.t.Helper()
	h.peer.SetReadDeadline(time.Now().Add(time.Second))
	var f compframe.Frame
	if _, err := f.ReadFrom(h.peer); err != nil {
		h.t.Fatalf("Read frame: %v", err)
	}
	if f.Channel != compframe.ControlChannel {
		h.t.Fatalf("Got frame on channel %d, want control", f.Channel)
	}
	var rsp compframe.Response
	if err := rsp.UnmarshalBinary(f.Payload); err != nil {
		h.t.Fatalf("Decode response: %v", err)
	}
	return rsp
}

// quiet checks that the peer has nothing to read.
func (h *harness) quiet() {
	h.t.Helper()
	h.peer.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	var buf [1]byte
	if n, err := h.peer.Read(buf[:]); !errors.Is(err, os.ErrDeadlineExceeded) {
		h.t.Errorf("Unexpected read from peer: n=%d, err=%v", n, err)
	}
}

func (h *harness) open(id, name string) compframe.Response {
	h.t.Helper()
	h.send(compframe.ControlChannel, compframe.OpenRequest{Interface: id, Name: name}.Encode())
	return h.response()
}

func (h *harness) closeChannel(ch byte) compframe.Response {
	h.t.Helper()
	h.send(compframe.ControlChannel, compframe.CloseRequest{Channel: ch}.Encode())
	return h.response()
}

func metric(tr *compframe.Transport, name string) int64 {
	return tr.Metrics().Get(name).(*expvar.Int).Value()
}

var (
	openOK   = compframe.Response{Op: compframe.OpOpenOK, Result: 3, Code: 3}
	closeOK  = compframe.Response{Op: compframe.OpCloseOK, Result: 5, Code: 5}
	notFound = compframe.Response{
		Op:     compframe.OpOpenFail,
		Result: compframe.ResultNotFound,
		Code:   compframe.ResultNotFound,
		Text:   "Component not found!\n",
	}
)

func TestOpenChannel(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	if err := h.tr.AddReceiver(testID, "sample1", rec, "data"); err != nil {
		t.Fatalf("AddReceiver: %v", err)
	}

	req := append([]byte{255, 48, 0, 0}, testID...)
	req = append(req, "sample1\x00"...)
	h.write(req)

	if got, want := h.readRaw(6), []byte{255, 6, 0, 3, 3, 3}; !cmp.Equal(got, want) {
		t.Errorf("Open response: got %v, want %v", got, want)
	}
	if diff := cmp.Diff([]string{"connect 0 data"}, rec.take()); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0}, h.conn.Channels()); diff != "" {
		t.Errorf("Channels (-want, +got):\n%s", diff)
	}
	if p := h.conn.Peer(0); p == nil || p.Receiver.Name != "sample1" || p.Data() != "data" {
		t.Errorf("Peer(0): got %+v, want sample1", p)
	}
	if got := metric(h.tr, "channels_active"); got != 1 {
		t.Errorf("channels_active = %d, want 1", got)
	}
}

func TestOpenNotFound(t *testing.T) {
	h := newHarness(t, nil)

	// No such interface.
	if diff := cmp.Diff(notFound, h.open(testID, "sample1")); diff != "" {
		t.Errorf("Open (-want, +got):\n%s", diff)
	}

	// Known interface, unknown name.
	h.tr.AddReceiver(testID, "other", new(recorder), nil)
	if diff := cmp.Diff(notFound, h.open(testID, "sample1")); diff != "" {
		t.Errorf("Open (-want, +got):\n%s", diff)
	}

	// A malformed identifier cannot match anything.
	h.send(compframe.ControlChannel, []byte("\x00too-short"))
	if diff := cmp.Diff(notFound, h.response()); diff != "" {
		t.Errorf("Open (-want, +got):\n%s", diff)
	}

	if got := metric(h.tr, "channels_open_failed"); got != 3 {
		t.Errorf("channels_open_failed = %d, want 3", got)
	}
	if h.conn.Closed() {
		t.Error("Connection closed after failed opens")
	}
}

func TestOpenRefused(t *testing.T) {
	h := newHarness(t, nil)
	rec := &recorder{refuse: true}
	h.tr.AddReceiver(testID, "grumpy", rec, nil)

	want := compframe.Response{
		Op:     compframe.OpOpenFail,
		Result: compframe.ResultNoConnect,
		Code:   compframe.ResultNoConnect,
		Text:   "Connection failed!\n",
	}
	if diff := cmp.Diff(want, h.open(testID, "grumpy")); diff != "" {
		t.Errorf("Open (-want, +got):\n%s", diff)
	}
	if chs := h.conn.Channels(); len(chs) != 0 {
		t.Errorf("Channels after refusal: %v", chs)
	}
}

func TestMessage(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	h.tr.AddReceiver(testID, "sample1", rec, nil)
	h.open(testID, "sample1")
	rec.take()

	h.write([]byte("\x00\x08\x00ping\x00"))
	if diff := cmp.Diff([]string{`message 0 "ping\x00"`}, rec.take()); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}

	// An empty frame delivers an empty message.
	h.send(0, nil)
	if diff := cmp.Diff([]string{`message 0 ""`}, rec.take()); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}
	h.quiet()
}

func TestNoPartialDelivery(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	h.tr.AddReceiver(testID, "sample1", rec, nil)
	h.open(testID, "sample1")
	rec.take()

	// Two frames (8 and 9 bytes), split at awkward places.
	wire := append(compframe.Frame{Payload: []byte("hello")}.Encode(),
		compframe.Frame{Payload: []byte("world!")}.Encode()...)
	tests := []struct {
		chunk []byte
		want  []string
	}{
		{wire[:1], nil},
		{wire[1:2], nil},
		{wire[2:6], nil},
		{wire[6:10], []string{`message 0 "hello"`}},
		{wire[10:16], nil},
		{wire[16:], []string{`message 0 "world!"`}},
	}
	for i, tc := range tests {
		h.write(tc.chunk)
		if diff := cmp.Diff(tc.want, rec.take()); diff != "" {
			t.Errorf("Chunk %d (-want, +got):\n%s", i+1, diff)
		}
	}
}

func TestDataOnClosedChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.send(12, []byte("lost"))

	want := compframe.Response{
		Op:     compframe.OpUnknown,
		Result: compframe.ResultNotFound,
		Code:   compframe.ResultNotFound,
		Text:   "Channel not open!\n",
	}
	if diff := cmp.Diff(want, h.response()); diff != "" {
		t.Errorf("Response (-want, +got):\n%s", diff)
	}
	if h.conn.Closed() {
		t.Error("Connection closed after stray frame")
	}
	if got := metric(h.tr, "frames_dropped"); got != 1 {
		t.Errorf("frames_dropped = %d, want 1", got)
	}
}

func TestUnknownOpcode(t *testing.T) {
	h := newHarness(t, nil)
	want := compframe.Response{
		Op:     compframe.OpUnknown,
		Result: compframe.ResultCode(compframe.OpUnknown),
		Code:   compframe.ResultCode(compframe.OpUnknown),
		Text:   "Unknown command!\n",
	}
	for _, payload := range [][]byte{{2}, {9, 1, 2}, nil} {
		h.send(compframe.ControlChannel, payload)
		if diff := cmp.Diff(want, h.response()); diff != "" {
			t.Errorf("Response to %v (-want, +got):\n%s", payload, diff)
		}
	}
	if h.conn.Closed() {
		t.Error("Connection closed after unknown opcode")
	}
}

func TestCloseChannel(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	h.tr.AddReceiver(testID, "sample1", rec, 1)
	h.open(testID, "sample1")
	h.open(testID, "sample1")

	if diff := cmp.Diff(closeOK, h.closeChannel(0)); diff != "" {
		t.Errorf("Close (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{1}, h.conn.Channels()); diff != "" {
		t.Errorf("Channels (-want, +got):\n%s", diff)
	}

	// Closing it again fails.
	want := compframe.Response{
		Op:     compframe.OpCloseFail,
		Result: compframe.ResultNotFound,
		Code:   compframe.ResultNotFound,
		Text:   "Component not found!\n",
	}
	if diff := cmp.Diff(want, h.closeChannel(0)); diff != "" {
		t.Errorf("Close again (-want, +got):\n%s", diff)
	}

	// A receiver that fails to close still loses the channel.
	rec.failClose = true
	want = compframe.Response{
		Op:     compframe.OpCloseFail,
		Result: compframe.ResultCode(compframe.OpCloseFail),
		Code:   compframe.ResultCode(compframe.OpCloseFail),
		Text:   "Could not close!\n",
	}
	if diff := cmp.Diff(want, h.closeChannel(1)); diff != "" {
		t.Errorf("Close failing (-want, +got):\n%s", diff)
	}
	if chs := h.conn.Channels(); len(chs) != 0 {
		t.Errorf("Channels after close: %v", chs)
	}

	wantEvents := []string{"connect 0 1", "connect 1 1", "disconnect 0 1", "disconnect 1 1"}
	if diff := cmp.Diff(wantEvents, rec.events); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}

	// The freed slot is reused first.
	if diff := cmp.Diff(openOK, h.open(testID, "sample1")); diff != "" {
		t.Errorf("Reopen (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0}, h.conn.Channels()); diff != "" {
		t.Errorf("Channels (-want, +got):\n%s", diff)
	}
}

func TestOutOfChannels(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.AddReceiver(testID, "many", new(recorder), nil)

	for i := range compframe.MaxChannels {
		if rsp := h.open(testID, "many"); !rsp.OK() {
			t.Fatalf("Open %d: got %v, want success", i+1, rsp)
		}
	}

	// Closing and reopening in the middle does not change the limit.
	h.closeChannel(100)
	h.closeChannel(7)
	for range 2 {
		if rsp := h.open(testID, "many"); !rsp.OK() {
			t.Fatalf("Reopen: got %v, want success", rsp)
		}
	}
	if p := h.conn.Peer(7); p == nil {
		t.Error("Channel 7 was not reused")
	}

	want := compframe.Response{
		Op:     compframe.OpOpenFail,
		Result: compframe.ResultNoChannels,
		Code:   compframe.ResultNoChannels,
		Text:   "Out of channels!\n",
	}
	if diff := cmp.Diff(want, h.open(testID, "many")); diff != "" {
		t.Errorf("Open 256 (-want, +got):\n%s", diff)
	}
	if got := len(h.conn.Channels()); got != compframe.MaxChannels {
		t.Errorf("Open channels: got %d, want %d", got, compframe.MaxChannels)
	}
}

func TestPeerHangup(t *testing.T) {
	h := newHarness(t, nil)
	a, b := new(recorder), new(recorder)
	h.tr.AddReceiver(testID, "a", a, "A")
	h.tr.AddReceiver(testID, "b", b, "B")
	h.open(testID, "a")
	h.open(testID, "b")
	a.take()
	b.take()

	// Each receiver is told while the descriptor is still registered.
	fd := h.conn.FD()
	var seen [][]int
	note := func(byte) { seen = append(seen, h.r.Descriptors()) }
	a.onDisconnect, b.onDisconnect = note, note

	h.peer.Close()
	h.poll()

	if diff := cmp.Diff([][]int{{fd}, {fd}}, seen); diff != "" {
		t.Errorf("Descriptors during disconnect (-want, +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"disconnect 0 A"}, a.events); diff != "" {
		t.Errorf("Receiver a (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"disconnect 1 B"}, b.events); diff != "" {
		t.Errorf("Receiver b (-want, +got):\n%s", diff)
	}
	if !h.conn.Closed() {
		t.Error("Connection is not closed")
	}
	if got := h.r.Descriptors(); len(got) != 0 {
		t.Errorf("Descriptors after hangup: %v (fd was %d)", got, fd)
	}
	if got := h.tr.Connections(); len(got) != 0 {
		t.Errorf("Connections after hangup: %v", got)
	}
	if got := metric(h.tr, "channels_active"); got != 0 {
		t.Errorf("channels_active = %d, want 0", got)
	}
	if err := h.tr.SendToReceiver(h.conn, 0, []byte("x")); !errors.Is(err, compframe.ErrClosed) {
		t.Errorf("Send after hangup: got %v, want %v", err, compframe.ErrClosed)
	}
}

func TestBadLength(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	h.tr.AddReceiver(testID, "x", rec, nil)
	h.open(testID, "x")
	rec.take()

	h.write([]byte{0, 2, 0})
	if !h.conn.Closed() {
		t.Error("Connection survived a frame shorter than its header")
	}
	if diff := cmp.Diff([]string{"disconnect 0 <nil>"}, rec.events); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}
}

func TestDisabledReceiver(t *testing.T) {
	for _, reject := range []bool{false, true} {
		t.Run(fmt.Sprintf("reject=%v", reject), func(t *testing.T) {
			h := newHarness(t, &compframe.Options{RejectDisabled: reject})
			h.tr.AddReceiver(testID, "off", new(recorder), nil)
			if err := h.tr.DisableReceiver(testID, "off"); err != nil {
				t.Fatalf("DisableReceiver: %v", err)
			}

			rsp := h.open(testID, "off")
			if reject {
				if diff := cmp.Diff(notFound, rsp); diff != "" {
					t.Errorf("Open (-want, +got):\n%s", diff)
				}
			} else if !rsp.OK() {
				t.Errorf("Open: got %v, want success", rsp)
			}

			h.tr.EnableReceiver(testID, "off")
			if rsp := h.open(testID, "off"); !rsp.OK() {
				t.Errorf("Open enabled: got %v, want success", rsp)
			}
		})
	}
}

func TestRemoveReceiverClosesPeers(t *testing.T) {
	h := newHarness(t, nil)
	keep, drop := new(recorder), new(recorder)
	h.tr.AddReceiver(testID, "keep", keep, nil)
	h.tr.AddReceiver(testID, "drop", drop, nil)
	h.open(testID, "drop") // 0
	h.open(testID, "keep") // 1
	h.open(testID, "drop") // 2
	keep.take()
	drop.take()

	if err := h.tr.RemoveReceiver(testID, "drop"); err != nil {
		t.Fatalf("RemoveReceiver: %v", err)
	}
	if diff := cmp.Diff([]string{"disconnect 0 <nil>", "disconnect 2 <nil>"}, drop.events); diff != "" {
		t.Errorf("Removed receiver (-want, +got):\n%s", diff)
	}
	if len(keep.events) != 0 {
		t.Errorf("Kept receiver got events: %q", keep.events)
	}
	if diff := cmp.Diff([]byte{1}, h.conn.Channels()); diff != "" {
		t.Errorf("Channels (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(notFound, h.open(testID, "drop")); diff != "" {
		t.Errorf("Open removed (-want, +got):\n%s", diff)
	}
}

func TestRemoveSelfOnHangup(t *testing.T) {
	h := newHarness(t, nil)
	self := new(recorder)
	h.tr.AddReceiver(testID, "self", self, nil)
	h.open(testID, "self") // 0
	h.open(testID, "self") // 1
	self.take()

	// The first disconnect removes the receiver, which closes channel 1
	// before teardown reaches it.
	var errs []error
	self.onDisconnect = func(byte) { errs = append(errs, h.tr.RemoveReceiver(testID, "self")) }

	h.peer.Close()
	h.poll()

	if diff := cmp.Diff([]string{"disconnect 0 <nil>", "disconnect 1 <nil>"}, self.events); diff != "" {
		t.Errorf("Receiver (-want, +got):\n%s", diff)
	}
	// The nested call from channel 1 finishes first, and finds the receiver
	// already gone.
	if len(errs) != 2 || !errors.Is(errs[0], compframe.ErrNotFound) || errs[1] != nil {
		t.Errorf("RemoveReceiver results: got %v, want [%v, nil]", errs, compframe.ErrNotFound)
	}
	if !h.conn.Closed() {
		t.Error("Connection is not closed")
	}
	if got := h.tr.SearchByName(""); got != "" {
		t.Errorf("SearchByName after removal: got %q, want empty", got)
	}
	if got := metric(h.tr, "channels_active"); got != 0 {
		t.Errorf("channels_active = %d, want 0", got)
	}
	if got := metric(h.tr, "channels_closed"); got != 2 {
		t.Errorf("channels_closed = %d, want 2", got)
	}
}

func TestRemoveReceiverReentrant(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	h.tr.AddReceiver(testID, "r", rec, nil)
	h.open(testID, "r")
	h.open(testID, "r")
	rec.take()

	var inner []error
	rec.onDisconnect = func(byte) { inner = append(inner, h.tr.RemoveReceiver(testID, "r")) }

	if err := h.tr.RemoveReceiver(testID, "r"); err != nil {
		t.Fatalf("RemoveReceiver: %v", err)
	}
	if diff := cmp.Diff([]string{"disconnect 0 <nil>", "disconnect 1 <nil>"}, rec.events); diff != "" {
		t.Errorf("Receiver (-want, +got):\n%s", diff)
	}
	if len(inner) != 2 {
		t.Errorf("Inner RemoveReceiver calls: got %d, want 2", len(inner))
	}
	for i, err := range inner {
		if !errors.Is(err, compframe.ErrNotFound) {
			t.Errorf("Inner RemoveReceiver %d: got %v, want %v", i, err, compframe.ErrNotFound)
		}
	}
	if chs := h.conn.Channels(); len(chs) != 0 {
		t.Errorf("Channels after removal: %v", chs)
	}
	if got := metric(h.tr, "channels_active"); got != 0 {
		t.Errorf("channels_active = %d, want 0", got)
	}
}

func TestReleasedDuringOpen(t *testing.T) {
	h := newHarness(t, nil)
	rec := new(recorder)
	h.tr.AddReceiver(testID, "fickle", rec, nil)
	rec.onConnect = func(byte) { h.tr.RemoveReceiver(testID, "fickle") }

	want := compframe.Response{
		Op:     compframe.OpOpenFail,
		Result: compframe.ResultNoConnect,
		Code:   compframe.ResultNoConnect,
		Text:   "Connection failed!\n",
	}
	if diff := cmp.Diff(want, h.open(testID, "fickle")); diff != "" {
		t.Errorf("Open (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"connect 0 <nil>", "disconnect 0 <nil>"}, rec.events); diff != "" {
		t.Errorf("Receiver (-want, +got):\n%s", diff)
	}
	if chs := h.conn.Channels(); len(chs) != 0 {
		t.Errorf("Channels after open: %v", chs)
	}
	for _, name := range []string{"channels_opened", "channels_active", "channels_closed"} {
		if got := metric(h.tr, name); got != 0 {
			t.Errorf("%s = %d, want 0", name, got)
		}
	}
	if got := metric(h.tr, "channels_open_failed"); got != 1 {
		t.Errorf("channels_open_failed = %d, want 1", got)
	}
}

// talker sends a greeting when a channel opens and echoes messages.
type talker struct{}

func (talker) Connected(c *compframe.Connection, ch byte, _ any) error {
	return c.Send(ch, []byte("hi"))
}

func (talker) Disconnected(*compframe.Connection, byte, any) error { return nil }

func (talker) Message(c *compframe.Connection, ch byte, msg []byte, _ any) error {
	return c.Send(ch, msg)
}

func TestSendToReceiver(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.AddReceiver(testID, "talk", talker{}, nil)

	h.send(compframe.ControlChannel, compframe.OpenRequest{Interface: testID, Name: "talk"}.Encode())

	// The greeting precedes the open response.
	if got, want := string(h.readRaw(5)), "\x00\x05\x00hi"; got != want {
		t.Errorf("Greeting: got %q, want %q", got, want)
	}
	if diff := cmp.Diff(openOK, h.response()); diff != "" {
		t.Errorf("Open (-want, +got):\n%s", diff)
	}

	h.send(0, []byte("echo me"))
	if got, want := string(h.readRaw(10)), "\x00\x0a\x00echo me"; got != want {
		t.Errorf("Echo: got %q, want %q", got, want)
	}

	if err := h.tr.SendToReceiver(h.conn, 3, []byte("x")); !errors.Is(err, compframe.ErrNoPeer) {
		t.Errorf("Send on closed channel: got %v, want %v", err, compframe.ErrNoPeer)
	}
	h.quiet()
}

func TestListen(t *testing.T) {
	r := reactor.New(&reactor.Options{Timeout: time.Millisecond})
	tr, err := compframe.Listen(r, &compframe.Options{Host: "example.test"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer tr.Close()

	if tr.Port() == 0 {
		t.Fatal("Listen did not pick a port")
	}
	if got, want := tr.Addr(), fmt.Sprintf("example.test:%d", tr.Port()); got != want {
		t.Errorf("Addr: got %q, want %q", got, want)
	}
	if err := tr.Listen(); err == nil {
		t.Error("Second Listen succeeded")
	}

	fd, err := reactor.Dial("localhost", tr.Port())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer reactor.Close(fd)

	for i := 0; i < 100 && len(tr.Connections()) == 0; i++ {
		if _, err := r.PollOnce(); err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	}
	if got := len(tr.Connections()); got != 1 {
		t.Fatalf("Connections: got %d, want 1", got)
	}
	if got := metric(tr, "connections_accepted"); got != 1 {
		t.Errorf("connections_accepted = %d, want 1", got)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := r.Descriptors(); len(got) != 0 {
		t.Errorf("Descriptors after close: %v", got)
	}
	if _, err := tr.Adopt(fd); !errors.Is(err, compframe.ErrClosed) {
		t.Errorf("Adopt after close: got %v, want %v", err, compframe.ErrClosed)
	}
	if tr.Err() != nil {
		t.Errorf("Err: got %v, want nil", tr.Err())
	}
}
