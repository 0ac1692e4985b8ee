// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides support for encoding and decoding binary frame data.
//
// Multi-byte integers are encoded in little-endian order, and strings are
// either fixed-width or NUL-terminated, matching the transport wire format.
package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A Builder is a buffer that accumulates data into a packet. The zero value is
// ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Bool appends a Boolean to b. The encoding is a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the specified string to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// CString appends s to b followed by a NUL terminator.
// Any NUL bytes inside s are copied as-is, so the caller should ensure s does
// not contain them if the result must round-trip.
func (b *Builder) CString(s string) {
	b.Grow(len(s) + 1)
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

// Fixed appends exactly n bytes of s to b, truncating s or padding it with
// zeroes as needed.
func (b *Builder) Fixed(s string, n int) {
	b.Grow(n)
	if len(s) > n {
		s = s[:n]
	}
	b.buf = append(b.buf, s...)
	for range n - len(s) {
		b.buf = append(b.buf, 0)
	}
}

// Uint16 appends v to b in little-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in little-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

// SetUint16 overwrites the two bytes at offset with v in little-endian order.
// It panics if offset is out of range.
func (b *Builder) SetUint16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(b.buf[offset:offset+2], v)
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains ownership
// of the reported slice, and the caller must not retain or modify its contents
// unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow resizes the internal buffer of b if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded values from the contents of a packet.
// The methods of a scanner report [io.ErrUnexpectedEOF] when the input is
// too short for the requested value.
type Scanner struct {
	rest   []byte
	offset int // of rest from the original input
}

// NewScanner constructs a [Scanner] that consumes data from input.
// The scanner does not modify the contents of input, but retains slices
// into it, so the caller should ensure it is not modified while the scanner
// is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// Bool scans a single byte from the head of the input and converts it into a
// Boolean value (0 means false, non-zero means true).
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	s.offset++
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uint16 parses a little-endian uint16 value from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("value truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 2
	out := binary.LittleEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	return out, nil
}

// Uint32 parses a little-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	s.offset += 4
	out := binary.LittleEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// CString parses a NUL-terminated string from the head of the input and
// consumes the terminator. If no terminator is present, the remainder of the
// input is returned as the string and the scanner is left empty.
func (s *Scanner) CString() string {
	i := bytes.IndexByte(s.rest, 0)
	if i < 0 {
		out := string(s.rest)
		s.offset += len(s.rest)
		s.rest = nil
		return out
	}
	out := string(s.rest[:i])
	s.offset += i + 1
	s.rest = s.rest[i+1:]
	return out
}

// Len reports the number of remaining unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns a slice of the remaining unconsumed input of s.
// The reported slice is only valid until the next call to a method of s,
// and the caller must not modify its contents.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns a string of exactly n bytes from the head of the input.
// If the full requested amount is not available, a partial result is returned
// along with an error.  When the result is a slice, the value aliases the
// input, and the caller must not modify its contents.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	if len(s.rest) < n {
		return Str(s.rest), fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	s.offset += n
	out := Str(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}
