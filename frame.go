// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package compframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/compframe/packet"
)

const (
	// HeaderLen is the size in bytes of a frame header.
	HeaderLen = 3

	// MaxFrameLen is the largest total frame length, header included.
	MaxFrameLen = 1<<16 - 1

	// MaxPayloadLen is the largest payload that fits in one frame.
	MaxPayloadLen = MaxFrameLen - HeaderLen

	// ControlChannel is the channel reserved for the control sub-protocol.
	// It is never allocated to a peer.
	ControlChannel = 255

	// MaxChannels is the number of data channels available on a connection.
	MaxChannels = 255

	// IDLen is the length of an interface identifier.
	IDLen = 36
)

// A Frame is the parsed format of a transport frame.
//
// On the wire, a frame is a one-byte channel number, a little-endian uint16
// total length (including the 3-byte header), and the payload.
type Frame struct {
	Channel byte
	Payload []byte
}

// Encode encodes f in binary format. It panics if the payload is longer than
// MaxPayloadLen.
func (f Frame) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLen+len(f.Payload)))
	if _, err := f.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	if len(f.Payload) > MaxPayloadLen {
		return 0, fmt.Errorf("payload too long (%d > %d bytes)", len(f.Payload), MaxPayloadLen)
	}
	var b packet.Builder
	b.Grow(HeaderLen + len(f.Payload))
	b.Put(f.Channel)
	b.Uint16(uint16(HeaderLen + len(f.Payload)))
	b.Put(f.Payload...)
	nw, err := w.Write(b.Bytes())
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var hdr [HeaderLen]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("short frame header: %w", err)
		}
		return int64(nr), err
	}
	flen := int(binary.LittleEndian.Uint16(hdr[1:]))
	if flen < HeaderLen {
		return int64(nr), fmt.Errorf("invalid frame length %d", flen)
	}
	f.Channel = hdr[0]
	f.Payload = nil
	if plen := flen - HeaderLen; plen > 0 {
		f.Payload = make([]byte, plen)
		np, err := io.ReadFull(r, f.Payload)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), nil
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	if f.Channel == ControlChannel {
		if msg, err := DecodeControl(f.Payload); err == nil {
			return fmt.Sprintf("Frame(CTRL, %v)", msg)
		}
	}
	if len(f.Payload) > 16 {
		return fmt.Sprintf("Frame(%d, %+v ...)", f.Channel, f.Payload[:16])
	}
	return fmt.Sprintf("Frame(%d, %+v)", f.Channel, f.Payload)
}

// Opcode is the first byte of a control payload.
type Opcode byte

const (
	OpOpen      Opcode = 0 // open a channel to a receiver
	OpClose     Opcode = 1 // close an open channel
	OpOpenOK    Opcode = 3 // channel opened
	OpOpenFail  Opcode = 4 // channel could not be opened
	OpCloseOK   Opcode = 5 // channel closed
	OpCloseFail Opcode = 6 // channel close failed
	OpUnknown   Opcode = 7 // the request opcode was not understood
)

func (o Opcode) String() string {
	switch o {
	case OpOpen:
		return "OPEN"
	case OpClose:
		return "CLOSE"
	case OpOpenOK:
		return "OPEN_OK"
	case OpOpenFail:
		return "OPEN_FAIL"
	case OpCloseOK:
		return "CLOSE_OK"
	case OpCloseFail:
		return "CLOSE_FAIL"
	case OpUnknown:
		return "ORDER_UNKNOWN"
	default:
		return fmt.Sprintf("OP:%d", byte(o))
	}
}

// IsResponse reports whether o is one of the response opcodes.
func (o Opcode) IsResponse() bool { return o >= OpOpenOK && o <= OpUnknown }

// ResultCode describes why a control request failed. Successful responses
// echo their opcode in place of a result code.
type ResultCode byte

const (
	ResultNotFound   ResultCode = 100 // no such receiver or channel
	ResultNoChannels ResultCode = 101 // every channel slot is in use
	ResultNoConnect  ResultCode = 102 // the receiver refused the channel
)

func (c ResultCode) String() string {
	switch c {
	case ResultNotFound:
		return "COMPONENT_NOT_FOUND"
	case ResultNoChannels:
		return "OUT_OF_CHANNELS"
	case ResultNoConnect:
		return "COULD_NOT_CONNECT"
	default:
		if op := Opcode(c); op.IsResponse() {
			return op.String()
		}
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// OpenRequest is the control payload requesting a new channel.
type OpenRequest struct {
	Interface string // exactly IDLen bytes
	Name      string // receiver name
}

// Encode encodes the request in binary format.
func (o OpenRequest) Encode() []byte {
	var b packet.Builder
	b.Grow(1 + IDLen + len(o.Name) + 1)
	b.Put(byte(OpOpen))
	b.Fixed(o.Interface, IDLen)
	b.CString(o.Name)
	return b.Bytes()
}

// UnmarshalBinary decodes data into an open request.
// It implements encoding.BinaryUnmarshaler.
func (o *OpenRequest) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	if op, err := s.Byte(); err != nil {
		return fmt.Errorf("empty open request: %w", err)
	} else if Opcode(op) != OpOpen {
		return fmt.Errorf("wrong opcode %v for open request", Opcode(op))
	}
	id, err := packet.Get[string](s, IDLen)
	if err != nil {
		return fmt.Errorf("short interface identifier: %w", err)
	}
	o.Interface = id
	o.Name = s.CString()
	return nil
}

// String returns a human-friendly rendering of the request.
func (o OpenRequest) String() string {
	return fmt.Sprintf("Open(%s, %q)", o.Interface, o.Name)
}

// CloseRequest is the control payload requesting that a channel be closed.
type CloseRequest struct {
	Channel byte
}

// Encode encodes the request in binary format.
func (c CloseRequest) Encode() []byte { return []byte{byte(OpClose), c.Channel} }

// UnmarshalBinary decodes data into a close request.
// It implements encoding.BinaryUnmarshaler.
func (c *CloseRequest) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("short close request (%d bytes)", len(data))
	} else if Opcode(data[0]) != OpClose {
		return fmt.Errorf("wrong opcode %v for close request", Opcode(data[0]))
	}
	c.Channel = data[1]
	return nil
}

// String returns a human-friendly rendering of the request.
func (c CloseRequest) String() string { return fmt.Sprintf("Close(%d)", c.Channel) }

// Response is the control payload answering a request.
type Response struct {
	Op     Opcode
	Result ResultCode
	Code   ResultCode
	Text   string // optional, NUL-terminated on the wire
}

// okResponse returns a successful response with opcode op.
func okResponse(op Opcode) Response {
	return Response{Op: op, Result: ResultCode(op), Code: ResultCode(op)}
}

// failResponse returns a failure response with opcode op.
func failResponse(op Opcode, code ResultCode, text string) Response {
	return Response{Op: op, Result: code, Code: code, Text: text}
}

// OK reports whether r reports success.
func (r Response) OK() bool { return r.Op == OpOpenOK || r.Op == OpCloseOK }

// Encode encodes the response in binary format.
func (r Response) Encode() []byte {
	var b packet.Builder
	b.Put(byte(r.Op), byte(r.Result), byte(r.Code))
	if r.Text != "" {
		b.CString(r.Text)
	}
	return b.Bytes()
}

// UnmarshalBinary decodes data into a response.
// It implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("short response (%d bytes)", len(data))
	} else if op := Opcode(data[0]); !op.IsResponse() {
		return fmt.Errorf("invalid response opcode %v", op)
	}
	r.Op = Opcode(data[0])
	r.Result = ResultCode(data[1])
	r.Code = ResultCode(data[2])
	r.Text = packet.NewScanner(data[3:]).CString()
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	if r.Text != "" {
		return fmt.Sprintf("Response(%v, %v, %q)", r.Op, r.Result, r.Text)
	}
	return fmt.Sprintf("Response(%v, %v)", r.Op, r.Result)
}

// DecodeControl decodes a control payload. The concrete type of a successful
// result is *OpenRequest, *CloseRequest, or *Response.
func DecodeControl(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty control payload")
	}
	switch op := Opcode(payload[0]); {
	case op == OpOpen:
		var req OpenRequest
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		return &req, nil
	case op == OpClose:
		var req CloseRequest
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		return &req, nil
	case op.IsResponse():
		var rsp Response
		if err := rsp.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		return &rsp, nil
	default:
		return nil, fmt.Errorf("unknown control opcode %v", op)
	}
}
