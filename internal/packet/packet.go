// ============================================================================
// meshctl Packet Codec - compact key/value frames
// ============================================================================
//
// Package: internal/packet
// File: packet.go
// Purpose: Encode and decode the compact frames exchanged with mesh nodes.
//
// Wire format:
//   key1value1,key2value2,...
//   Keys are a single character, values run until the next separator.
//   There is no escaping: values must never contain ','.
//
//   s=sync  t=temp  h=humidity  x=max  n=min  a=actuator  l=allow
//   b=brightness  k=heartbeat  q=query  r=reset  g=toggle permission
//
// Frames share the transport with legacy free-text words ("TurnOnAC"), so
// IsFramed must be checked before Decode.
//
// ============================================================================

package packet

import (
	"errors"
	"strconv"
	"strings"
)

// MaxPayloadSize is the radio's single-payload limit in bytes.
const MaxPayloadSize = 32

// Separator joins fields on the wire.
const Separator = ","

// Frame keys.
const (
	KeySync       byte = 's'
	KeyTemp       byte = 't'
	KeyHumidity   byte = 'h'
	KeyMax        byte = 'x'
	KeyMin        byte = 'n'
	KeyActuator   byte = 'a'
	KeyAllow      byte = 'l'
	KeyBrightness byte = 'b'
	KeyHeartbeat  byte = 'k'
	KeyQuery      byte = 'q'
	KeyReset      byte = 'r'
	KeyToggle     byte = 'g'
)

// ErrNotFramed is returned by Decode for text that is not a structured frame.
var ErrNotFramed = errors.New("packet: not a framed message")

// Field is a single key/value pair in emission order.
type Field struct {
	Key   byte
	Value string
}

// String builds a field with a raw value.
func String(key byte, value string) Field {
	return Field{Key: key, Value: value}
}

// Int builds a field with a decimal value.
func Int(key byte, value int) Field {
	return Field{Key: key, Value: strconv.Itoa(value)}
}

// Bool builds a field encoded as 1 or 0.
func Bool(key byte, value bool) Field {
	if value {
		return Field{Key: key, Value: "1"}
	}
	return Field{Key: key, Value: "0"}
}

// Frame is a decoded frame. Emission order is not preserved.
type Frame map[byte]string

// Has reports whether key is present.
func (f Frame) Has(key byte) bool {
	_, ok := f[key]
	return ok
}

// Flag reports whether key is present with value "1".
func (f Frame) Flag(key byte) bool {
	return f[key] == "1"
}

// Encode joins fields as "kv,kv,...".
func Encode(fields ...Field) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteByte(f.Key)
		b.WriteString(f.Value)
	}
	return b.String()
}

// IsFramed reports whether text is a structured frame: a letter followed by a
// digit or '-'. Legacy words start with two letters.
func IsFramed(text string) bool {
	if len(text) < 2 {
		return false
	}
	first, second := text[0], text[1]
	isLetter := (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')
	return isLetter && ((second >= '0' && second <= '9') || second == '-')
}

// Decode splits a frame into its fields. Segments shorter than two bytes are
// dropped; a later duplicate key overwrites an earlier one.
func Decode(text string) (Frame, error) {
	if !IsFramed(text) {
		return nil, ErrNotFramed
	}

	frame := make(Frame)
	for _, seg := range strings.Split(text, Separator) {
		if len(seg) < 2 {
			continue
		}
		frame[seg[0]] = seg[1:]
	}
	return frame, nil
}

// Sanitize converts a raw radio payload to text. Invalid UTF-8 and NUL
// padding are dropped.
func Sanitize(payload []byte) string {
	text := strings.ToValidUTF8(string(payload), "")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimSpace(text)
}
