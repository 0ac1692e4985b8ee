// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package compframe

import (
	"fmt"
)

// parseState is the position of a connection in the frame grammar.
type parseState byte

const (
	stateInit    parseState = iota // awaiting the channel byte
	stateChannel                   // awaiting the low length byte
	stateLength1                   // awaiting the high length byte
	stateLength2                   // length known, payload buffer not yet set up
	stateBody                      // accumulating payload bytes
	stateReady                     // a complete frame is buffered
)

func (s parseState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateChannel:
		return "CHANNEL"
	case stateLength1:
		return "LENGTH1"
	case stateLength2:
		return "LENGTH2"
	case stateBody:
		return "BODY"
	case stateReady:
		return "READY"
	default:
		return fmt.Sprintf("STATE:%d", byte(s))
	}
}

// A Peer is one open channel on a connection, bound to a local receiver.
type Peer struct {
	Channel  byte      // the channel number, 0 to MaxChannels-1
	Socket   int       // the descriptor of the owning connection
	Receiver *Receiver // the receiver the channel was opened to

	live bool // the open was acknowledged
}

// Data returns the user data of the receiver p is bound to.
func (p *Peer) Data() any { return p.Receiver.Data }

// A Connection is the transport state of one accepted socket. Exactly one
// connection exists per live descriptor.
type Connection struct {
	t  *Transport
	fd int

	state   parseState
	channel byte   // channel of the frame being parsed
	msgLen  int    // declared total length of the frame being parsed
	buf     []byte // payload of the frame being parsed
	pos     int    // write position in buf

	peers [MaxChannels]*Peer

	// The remote end is itself a transport. This is reserved: control frames
	// from such peers are not yet interpreted.
	remote bool
	closed bool
}

func newConnection(t *Transport, fd int) *Connection { return &Connection{t: t, fd: fd} }

// FD returns the socket descriptor of c.
func (c *Connection) FD() int { return c.fd }

// Closed reports whether c has been torn down.
func (c *Connection) Closed() bool { return c.closed }

// Peer returns the peer occupying channel ch, or nil if ch is not open.
func (c *Connection) Peer(ch byte) *Peer {
	if int(ch) >= MaxChannels {
		return nil
	}
	return c.peers[ch]
}

// Channels returns the open channel numbers of c in ascending order.
func (c *Connection) Channels() []byte {
	var out []byte
	for i, p := range c.peers {
		if p != nil {
			out = append(out, byte(i))
		}
	}
	return out
}

// Send sends payload to the remote end on channel ch.
// It is shorthand for c's transport SendToReceiver.
func (c *Connection) Send(ch byte, payload []byte) error {
	return c.t.SendToReceiver(c, ch, payload)
}

// freeChannel returns the lowest unoccupied channel, or -1.
func (c *Connection) freeChannel() int {
	for i, p := range c.peers {
		if p == nil {
			return i
		}
	}
	return -1
}

// consume advances the frame parser over data, delivering each complete
// frame as soon as its last byte arrives. It reports an error if framing is
// lost, after which the connection cannot be used.
func (c *Connection) consume(data []byte) error {
	for !c.closed {
		// Virtual states do not consume input.
		switch c.state {
		case stateLength2:
			if c.msgLen < HeaderLen {
				return fmt.Errorf("invalid frame length %d on channel %d", c.msgLen, c.channel)
			}
			c.buf = make([]byte, c.msgLen-HeaderLen)
			c.pos = 0
			c.state = stateBody
			if len(c.buf) == 0 {
				c.state = stateReady
			}
			continue

		case stateReady:
			ch, msg := c.channel, c.buf
			c.buf, c.pos, c.msgLen = nil, 0, 0
			c.state = stateInit
			c.t.deliver(c, ch, msg)
			continue
		}

		if len(data) == 0 {
			return nil
		}
		switch c.state {
		case stateInit:
			c.channel = data[0]
			data = data[1:]
			c.state = stateChannel

		case stateChannel:
			c.msgLen = int(data[0])
			data = data[1:]
			c.state = stateLength1

		case stateLength1:
			c.msgLen |= int(data[0]) << 8
			data = data[1:]
			c.state = stateLength2

		case stateBody:
			n := copy(c.buf[c.pos:], data)
			c.pos += n
			data = data[n:]
			if c.pos == len(c.buf) {
				c.state = stateReady
			}
		}
	}
	return nil
}
