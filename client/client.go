// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package client implements the initiating side of a compframe connection.
//
// A [Client] opens channels to named receivers on a remote transport and
// exchanges messages on them:
//
//	c, err := client.Dial(ctx, "localhost:5555", nil)
//	...
//	ch, err := c.Open("433e76d0-77d1-460d-9321-e2dc8dc8bd59", "sample1")
//	...
//	err = c.Send(ch, []byte("ping\x00"))
//	...
//	f, err := c.Recv()
//
// The transport assigns each new channel the lowest free channel number. The
// client tracks the channels it has open and predicts the number the same way,
// so it must be the only party opening channels on its connection.
//
// A Client is not safe for concurrent use, except that Close may be called
// at any time to interrupt a blocked operation.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/creachadair/compframe"
	"github.com/eapache/queue"
)

var (
	// ErrNotOpen is reported for an operation on a channel that is not open.
	ErrNotOpen = errors.New("channel not open")

	// ErrNoChannels is reported by Open when every channel is in use.
	ErrNoChannels = errors.New("no free channels")
)

// ResponseError is the concrete type of errors reported when the remote
// transport refuses a control request.
type ResponseError struct {
	Request  string             // "open" or "close"
	Response compframe.Response // the failure response
}

// Error satisfies the error interface.
func (r *ResponseError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", r.Request, r.Response.Result)
	if txt := strings.TrimSpace(r.Response.Text); txt != "" {
		msg += ": " + txt
	}
	return msg
}

// Options are settings for a Client. A nil *Options is ready for use and
// provides default values.
type Options struct {
	// The logger used for diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// A Client is a connection to a remote transport.
type Client struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer
	log *slog.Logger

	open    [compframe.MaxChannels]bool
	pending *queue.Queue // *compframe.Frame received while awaiting a response
}

// Dial connects to a transport at the specified TCP address.
func Dial(ctx context.Context, addr string, opts *Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, opts), nil
}

// New constructs a client that communicates over rwc. The client takes
// ownership of rwc.
func New(rwc io.ReadWriteCloser, opts *Options) *Client {
	return &Client{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		w:       bufio.NewWriter(rwc),
		log:     opts.logger(),
		pending: queue.New(),
	}
}

// Open opens a channel to the receiver name offering interface id, and
// returns the channel number. If the transport refuses, the error has
// concrete type *ResponseError.
func (c *Client) Open(id, name string) (byte, error) {
	if len(id) != compframe.IDLen {
		return 0, fmt.Errorf("interface %q: %w", id, compframe.ErrInvalidID)
	}
	next := -1
	for i, ok := range c.open {
		if !ok {
			next = i
			break
		}
	}
	if next < 0 {
		return 0, ErrNoChannels
	}
	req := compframe.OpenRequest{Interface: id, Name: name}
	rsp, err := c.control(req.Encode(), compframe.OpOpenOK, compframe.OpOpenFail)
	if err != nil {
		return 0, err
	} else if rsp.Op != compframe.OpOpenOK {
		return 0, &ResponseError{Request: "open", Response: rsp}
	}
	c.open[next] = true
	c.log.Debug("channel opened", "channel", next, "interface", id, "name", name)
	return byte(next), nil
}

// CloseChannel closes channel ch. The channel is released even if the remote
// receiver reports a failure, in which case the error has concrete type
// *ResponseError.
func (c *Client) CloseChannel(ch byte) error {
	if !c.isOpen(ch) {
		return fmt.Errorf("close %d: %w", ch, ErrNotOpen)
	}
	rsp, err := c.control(compframe.CloseRequest{Channel: ch}.Encode(), compframe.OpCloseOK, compframe.OpCloseFail)
	if err != nil {
		return err
	}
	c.open[ch] = false
	if rsp.Op != compframe.OpCloseOK {
		return &ResponseError{Request: "close", Response: rsp}
	}
	c.log.Debug("channel closed", "channel", ch)
	return nil
}

// Channels returns the open channel numbers in ascending order.
func (c *Client) Channels() []byte {
	var out []byte
	for i, ok := range c.open {
		if ok {
			out = append(out, byte(i))
		}
	}
	return out
}

// Send sends data on channel ch, which must be open.
func (c *Client) Send(ch byte, data []byte) error {
	if !c.isOpen(ch) {
		return fmt.Errorf("send %d: %w", ch, ErrNotOpen)
	}
	return c.write(compframe.Frame{Channel: ch, Payload: data})
}

// Recv returns the next frame from the transport. Unsolicited control
// responses, such as a report of a frame sent on a closed channel, are
// returned on the control channel.
func (c *Client) Recv() (*compframe.Frame, error) {
	if c.pending.Length() != 0 {
		return c.pending.Remove().(*compframe.Frame), nil
	}
	return c.read()
}

// Close closes the connection to the transport. The transport closes every
// channel of the connection.
func (c *Client) Close() error { return c.rwc.Close() }

func (c *Client) isOpen(ch byte) bool { return int(ch) < compframe.MaxChannels && c.open[ch] }

func (c *Client) write(f compframe.Frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Client) read() (*compframe.Frame, error) {
	var f compframe.Frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// control sends a control request and waits for a response with opcode ok
// or fail. Other frames that arrive in the meantime, including unsolicited
// control reports, are saved for Recv.
func (c *Client) control(req []byte, ok, fail compframe.Opcode) (compframe.Response, error) {
	if err := c.write(compframe.Frame{Channel: compframe.ControlChannel, Payload: req}); err != nil {
		return compframe.Response{}, err
	}
	for {
		f, err := c.read()
		if err != nil {
			return compframe.Response{}, fmt.Errorf("awaiting response: %w", err)
		}
		if f.Channel != compframe.ControlChannel {
			c.pending.Add(f)
			continue
		}
		var rsp compframe.Response
		if err := rsp.UnmarshalBinary(f.Payload); err != nil {
			return compframe.Response{}, fmt.Errorf("invalid response: %w", err)
		} else if rsp.Op != ok && rsp.Op != fail {
			c.log.Debug("holding unsolicited control frame", "op", rsp.Op)
			c.pending.Add(f)
			continue
		}
		return rsp, nil
	}
}
