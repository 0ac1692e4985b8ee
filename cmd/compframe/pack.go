// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/creachadair/compframe"
	"github.com/creachadair/compframe/packet"
)

const packHelp = `Pack arguments into a binary packet.

The pattern specifies the sequence of values to concatenate into the packet.
Whitespace in the pattern is ignored; otherwise the pattern specifies how the
corresponding argument is processed:

  z  : a string with a NUL terminator
  p  : a Pascal style string with a 1-byte length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  i  : an interface ID, padded or truncated to 36 bytes
  %  : a Boolean constant (true or false)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)

Integers are packed in little-endian order.

A "(" begins a subpattern, which goes until a matching ")". The subpattern is
encoded according to its contents, prefixed with a uint16 length. If the
subpattern is preceded by "#", it is packed as a frame: a one-byte channel
number, given as the next argument, precedes the length, and the length
includes the three header bytes. Thus

  #(r) 0 hello

packs a frame carrying "hello" on channel 0.

Subpatterns may be nested.
`

// formatData packs args into b according to pat, and returns the arguments
// not consumed by pat.
func formatData(b *packet.Builder, pat string, args []string) ([]string, error) {
	frame := false
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'z', 'p', 'q', 'r', 'i', '%', '1', '2', '4':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '#':
			frame = true
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, errors.New("missing close parenthesis")
			}
			if frame {
				if len(args) == 0 {
					return nil, errors.New("missing channel argument")
				}
				v, err := strconv.ParseUint(args[0], 10, 8)
				if err != nil {
					return nil, fmt.Errorf("invalid channel: %w", err)
				}
				b.Put(byte(v))
				args = args[1:]
			}
			pos := b.Len()
			b.Uint16(0) // placeholder for the length
			sa, err := formatData(b, sub, args)
			if err != nil {
				return nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			n := b.Len() - pos - 2
			if frame {
				n += compframe.HeaderLen
			}
			if n > compframe.MaxFrameLen {
				return nil, fmt.Errorf("subpattern length %d too long", n)
			}
			b.SetUint16(pos, uint16(n))
			args, frame = sa, false
			i += len(sub) + 1
			continue
		default:
			return nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'z':
			b.CString(args[0])
		case 'p':
			if len(args[0]) > 255 {
				return nil, fmt.Errorf("length %d > 255 too long for p", len(args[0]))
			}
			b.Put(byte(len(args[0])))
			b.PutString(args[0])
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, fmt.Errorf("invalid string: %w", err)
			}
			b.PutString(dec)
		case 'r':
			b.PutString(args[0])
		case 'i':
			b.Fixed(args[0], compframe.IDLen)
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case '1':
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Put(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Uint16(uint16(v))
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Uint32(uint32(v))
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
