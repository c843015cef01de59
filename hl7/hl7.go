// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hl7 contains an in-memory model of HL7 v2 messages and a parser that
// builds it from the text carried in an MLLP frame.
//
// The model stops at the field level. Components, repetitions and escape
// sequences are left as raw text; callers that need them split a field on the
// encoding characters declared in MSH-2 (see Message.Components).
package hl7

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// SegmentSeparator terminates every segment of a message.
	SegmentSeparator = '\r'
	// FieldSeparator separates the fields of a segment.
	FieldSeparator = '|'
	// DefaultEncodingCharacters are the component, repetition, escape and
	// sub-component separators used when a message does not declare its own.
	DefaultEncodingCharacters = `^~\&`

	// HeaderSegment is the type of the segment every message starts with.
	HeaderSegment = "MSH"
)

// ErrMalformedMessage is returned by Parse for text that has no segments or
// does not start with an MSH segment.
var ErrMalformedMessage = errors.New("malformed HL7 message")

// Segment is one line of an HL7 message.
type Segment struct {
	typ string
	// fields holds the line split on FieldSeparator, so fields[0] is the
	// segment type as written.
	fields []string
}

// NewSegment builds a segment from its type and the values that follow it on
// the line. For MSH the first value is MSH-2, since MSH-1 is the field
// separator itself.
func NewSegment(typ string, values ...string) Segment {
	fields := make([]string, 0, len(values)+1)
	fields = append(fields, typ)
	fields = append(fields, values...)
	return Segment{typ: typ, fields: fields}
}

func parseSegment(line string) Segment {
	typ := line
	if len(typ) > 3 {
		typ = typ[:3]
	}
	return Segment{typ: typ, fields: strings.Split(line, string(FieldSeparator))}
}

// Type returns the three character segment code, e.g. "PID".
func (s Segment) Type() string {
	return s.typ
}

// Fields returns a copy of the raw field values. Index 0 is the segment type.
func (s Segment) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Len returns the number of fields present on the line, including the type.
func (s Segment) Len() int {
	return len(s.fields)
}

// Field returns HL7 field n of the segment, or "" if the segment does not
// carry it. Field 0 is the segment type. MSH is numbered the HL7 way: MSH-1
// is the field separator and MSH-2 is the first value after it.
func (s Segment) Field(n int) string {
	if n < 0 {
		return ""
	}
	if n == 0 {
		return s.typ
	}
	if s.typ == HeaderSegment {
		if n == 1 {
			return string(FieldSeparator)
		}
		n--
	}
	if n >= len(s.fields) {
		return ""
	}
	return s.fields[n]
}

// String renders the segment without a trailing separator.
func (s Segment) String() string {
	return strings.Join(s.fields, string(FieldSeparator))
}

// Message is an ordered list of segments starting with MSH.
type Message struct {
	segments []Segment
}

// NewMessage assembles a message from segments. The first segment must be MSH.
func NewMessage(segments ...Segment) (*Message, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformedMessage)
	}
	if t := segments[0].Type(); t != HeaderSegment {
		return nil, fmt.Errorf("%w: first segment is %q, want %v", ErrMalformedMessage, t, HeaderSegment)
	}
	return &Message{segments: append([]Segment(nil), segments...)}, nil
}

// Segments returns the segments in arrival order.
func (m *Message) Segments() []Segment {
	return append([]Segment(nil), m.segments...)
}

// Header returns the MSH segment.
func (m *Message) Header() Segment {
	return m.segments[0]
}

// First returns the first segment of the given type.
func (m *Message) First(typ string) (Segment, bool) {
	for _, s := range m.segments {
		if s.Type() == typ {
			return s, true
		}
	}
	return Segment{}, false
}

// All returns every segment of the given type, in order.
func (m *Message) All(typ string) []Segment {
	var out []Segment
	for _, s := range m.segments {
		if s.Type() == typ {
			out = append(out, s)
		}
	}
	return out
}

// EncodingCharacters returns MSH-2, or DefaultEncodingCharacters when the
// header leaves it empty.
func (m *Message) EncodingCharacters() string {
	if enc := m.Header().Field(2); enc != "" {
		return enc
	}
	return DefaultEncodingCharacters
}

// Components splits a raw field value on the message's component separator.
func (m *Message) Components(field string) []string {
	return strings.Split(field, m.EncodingCharacters()[:1])
}

// Component returns component i (1-based) of a raw field value, or "".
func (m *Message) Component(field string, i int) string {
	parts := m.Components(field)
	if i < 1 || i > len(parts) {
		return ""
	}
	return parts[i-1]
}

// MessageTypeField returns MSH-9 as written, e.g. "ORU^R01".
func (m *Message) MessageTypeField() string {
	return m.Header().Field(9)
}

// MessageType returns the message code from MSH-9, e.g. "ORU".
func (m *Message) MessageType() string {
	return m.Component(m.MessageTypeField(), 1)
}

// TriggerEvent returns the trigger event from MSH-9, e.g. "R01".
func (m *Message) TriggerEvent() string {
	return m.Component(m.MessageTypeField(), 2)
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	return m.Header().Field(10)
}

// Timestamp returns MSH-7 as written.
func (m *Message) Timestamp() string {
	return m.Header().Field(7)
}

// Version returns MSH-12.
func (m *Message) Version() string {
	return m.Header().Field(12)
}

// String renders the message with every segment terminated by
// SegmentSeparator.
func (m *Message) String() string {
	var sb strings.Builder
	for _, s := range m.segments {
		sb.WriteString(s.String())
		sb.WriteByte(SegmentSeparator)
	}
	return sb.String()
}

// Bytes returns String as bytes, ready to be wrapped in an MLLP frame.
func (m *Message) Bytes() []byte {
	return []byte(m.String())
}
