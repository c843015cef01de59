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

package hl7

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Decode converts frame bytes to text. Invalid UTF-8 sequences are replaced
// with U+FFFD rather than rejected.
func Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// splitSegments returns the non-empty segment lines of text. Stray line feeds
// around a segment, as left by CRLF senders, are dropped.
func splitSegments(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, string(SegmentSeparator)) {
		line = strings.Trim(line, "\n")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Parse builds a Message from message text. It returns an error wrapping
// ErrMalformedMessage if the text holds no segments or the first segment is
// not MSH.
func Parse(text string) (*Message, error) {
	lines := splitSegments(text)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformedMessage)
	}
	segments := make([]Segment, 0, len(lines))
	for _, line := range lines {
		segments = append(segments, parseSegment(line))
	}
	return NewMessage(segments...)
}

// ParseBytes decodes b with Decode and parses the result.
func ParseBytes(b []byte) (*Message, error) {
	return Parse(Decode(b))
}

// SalvageControlID looks for an MSH line anywhere in text and returns its
// MSH-10, or "" if there is none. It is meant for text Parse rejected.
func SalvageControlID(text string) string {
	for _, line := range splitSegments(text) {
		i := strings.Index(line, HeaderSegment+string(FieldSeparator))
		if i < 0 {
			continue
		}
		if id := parseSegment(line[i:]).Field(10); id != "" {
			return id
		}
	}
	return ""
}
