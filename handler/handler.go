// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the compframe.Client and sched.Client
// interfaces for plain functions.
//
// The message adapters decode each inbound message into a parameter and send
// the encoded result, if any, back on the channel the message arrived on.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces. A result that
// encodes as empty is not sent.
package handler

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/creachadair/compframe"
)

// A Call describes the delivery of one message to a receiver.
type Call struct {
	Conn    *compframe.Connection // the connection the message arrived on
	Channel byte                  // the channel the message arrived on
	Data    any                   // the receiver's user data
}

// Reply sends v, encoded as a result, back on the channel of c.
func (c Call) Reply(v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return c.Conn.Send(c.Channel, data)
}

// A MessageFunc handles a message delivered to a receiver.
type MessageFunc func(c Call, msg []byte) error

// Receiver implements the compframe.Client interface with optional
// functions. A nil function accepts the event and does nothing.
type Receiver struct {
	OnConnect    func(Call) error
	OnDisconnect func(Call) error
	OnMessage    MessageFunc
}

// Connected implements part of compframe.Client.
func (r Receiver) Connected(conn *compframe.Connection, ch byte, data any) error {
	if r.OnConnect == nil {
		return nil
	}
	return r.OnConnect(Call{Conn: conn, Channel: ch, Data: data})
}

// Disconnected implements part of compframe.Client.
func (r Receiver) Disconnected(conn *compframe.Connection, ch byte, data any) error {
	if r.OnDisconnect == nil {
		return nil
	}
	return r.OnDisconnect(Call{Conn: conn, Channel: ch, Data: data})
}

// Message implements part of compframe.Client.
func (r Receiver) Message(conn *compframe.Connection, ch byte, msg []byte, data any) error {
	if r.OnMessage == nil {
		return nil
	}
	return r.OnMessage(Call{Conn: conn, Channel: ch, Data: data}, msg)
}

// Echo returns a receiver that sends each message back to its sender.
func Echo() Receiver {
	return Receiver{OnMessage: ParamResult(func(_ Call, msg []byte) []byte { return msg })}
}

// A Ticker adapts a function to the sched.Client interface.
type Ticker struct{ f func(slice int) }

// Tick returns a Ticker that calls f on each scheduler tick. Each call to
// Tick returns a distinct scheduler identity.
func Tick(f func(slice int)) *Ticker { return &Ticker{f: f} }

// Execute implements the sched.Client interface.
func (t *Ticker) Execute(slice int) { t.f(slice) }

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a MessageFunc.
func ParamResultError[P, R any](f func(Call, P) (R, error)) MessageFunc {
	return func(c Call, msg []byte) error {
		var p P
		if err := unmarshal(msg, &p); err != nil {
			return err
		}
		r, err := f(c, p)
		if err != nil {
			return err
		}
		return reply(c, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a MessageFunc.
func ParamResult[P, R any](f func(Call, P) R) MessageFunc {
	return func(c Call, msg []byte) error {
		var p P
		if err := unmarshal(msg, &p); err != nil {
			return err
		}
		return reply(c, f(c, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a MessageFunc.
func ParamError[P any](f func(Call, P) error) MessageFunc {
	return func(c Call, msg []byte) error {
		var p P
		if err := unmarshal(msg, &p); err != nil {
			return err
		}
		return f(c, p)
	}
}

// ResultError adapts a function f that ignores the message content and
// returns a result of type R and an error, to a MessageFunc.
func ResultError[R any](f func(Call) (R, error)) MessageFunc {
	return func(c Call, _ []byte) error {
		r, err := f(c)
		if err != nil {
			return err
		}
		return reply(c, r)
	}
}

func reply(c Call, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	} else if len(data) == 0 {
		return nil
	}
	return c.Conn.Send(c.Channel, data)
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
