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

// Package mllp contains functionality for encoding and decoding HL7 messages for transmission using the MLLP protocol.
// See here for the specification:
// http://www.hl7.org/documentcenter/public_temp_670395EE-1C23-BA17-0CD218684D5B3C71/wg/inm/mllp_transport_specification.PDF
package mllp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	startBlock = '\x0b'
	endBlock   = '\x1c'
	cr         = '\x0d'

	// DefaultReadBufferBytes is the size of a single read from the transport.
	DefaultReadBufferBytes = 1024
)

var terminator = []byte{endBlock, cr}

var (
	// ErrIncompleteFrame is returned when a stream ends in the middle of a frame.
	ErrIncompleteFrame = errors.New("incomplete MLLP frame at end of stream")
	// ErrBufferOverflow is returned when a partial frame grows past the
	// configured limit.
	ErrBufferOverflow = errors.New("MLLP frame exceeds buffer limit")
)

// IsMalformedFrame reports whether err means the byte stream itself is broken.
func IsMalformedFrame(err error) bool {
	return errors.Is(err, ErrIncompleteFrame) || errors.Is(err, ErrBufferOverflow)
}

func encapsulate(in []byte) []byte {
	out := make([]byte, 0, len(in)+3)
	out = append(out, startBlock)
	out = append(out, in...)
	return append(out, terminator...)
}

// WriteMsg wraps an HL7 message in the start block, end block, and carriage return bytes
// required for MLLP transmission and then writes the wrapped message to writer.
func WriteMsg(writer io.Writer, msg []byte) error {
	if _, err := writer.Write(encapsulate(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Framer turns successive reads from a byte stream into frame payloads. A
// Framer belongs to a single stream and is not safe for concurrent use.
type Framer struct {
	buf []byte
	// scanned is how much of buf is known not to contain a terminator.
	scanned        int
	maxBufferBytes int
}

// NewFramer returns a Framer that fails once more than maxBufferBytes of an
// unterminated frame are pending. Zero or less disables the limit.
func NewFramer(maxBufferBytes int) *Framer {
	return &Framer{maxBufferBytes: maxBufferBytes}
}

// Feed appends a chunk read from the stream.
func (f *Framer) Feed(chunk []byte) {
	f.buf = append(f.buf, chunk...)
}

// Frames removes every complete frame from the buffer and returns the
// payloads in stream order, without the optional leading start block and the
// terminator. Bytes of a trailing partial frame stay buffered. If those
// exceed the limit, the frames found so far are returned along with an error
// wrapping ErrBufferOverflow.
func (f *Framer) Frames() ([][]byte, error) {
	var frames [][]byte
	start := 0
	from := f.scanned - (len(terminator) - 1)
	if from < 0 {
		from = 0
	}
	for {
		i := bytes.Index(f.buf[from:], terminator)
		if i < 0 {
			break
		}
		end := from + i
		payload := f.buf[start:end]
		if len(payload) > 0 && payload[0] == startBlock {
			payload = payload[1:]
		}
		frames = append(frames, append([]byte(nil), payload...))
		start = end + len(terminator)
		from = start
	}
	if start > 0 {
		n := copy(f.buf, f.buf[start:])
		f.buf = f.buf[:n]
	}
	f.scanned = len(f.buf)

	if f.maxBufferBytes > 0 && len(f.buf) > f.maxBufferBytes {
		return frames, fmt.Errorf("%w: %v bytes pending, limit %v", ErrBufferOverflow, len(f.buf), f.maxBufferBytes)
	}
	return frames, nil
}

// Pending returns the number of buffered bytes that are not yet part of a
// complete frame.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards the buffered partial frame and returns its size.
func (f *Framer) Reset() int {
	n := len(f.buf)
	f.buf = f.buf[:0]
	f.scanned = 0
	return n
}

// Close marks the end of the stream. It returns an error wrapping
// ErrIncompleteFrame if a partial frame is still buffered.
func (f *Framer) Close() error {
	if n := f.Reset(); n > 0 {
		return fmt.Errorf("%w: %v bytes discarded", ErrIncompleteFrame, n)
	}
	return nil
}

// Reader reads successive frames from a stream.
type Reader struct {
	r       io.Reader
	framer  *Framer
	buf     []byte
	pending [][]byte
	err     error
}

// NewReader returns a Reader over r that enforces maxBufferBytes as NewFramer
// does.
func NewReader(r io.Reader, maxBufferBytes int) *Reader {
	return &Reader{
		r:      r,
		framer: NewFramer(maxBufferBytes),
		buf:    make([]byte, DefaultReadBufferBytes),
	}
}

// ReadMsg returns the next frame payload. At the end of a cleanly terminated
// stream it returns io.EOF.
func (r *Reader) ReadMsg() ([]byte, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		n, err := r.r.Read(r.buf)
		r.framer.Feed(r.buf[:n])
		frames, ferr := r.framer.Frames()
		r.pending = append(r.pending, frames...)
		switch {
		case ferr != nil:
			r.err = ferr
		case err == io.EOF:
			r.err = io.EOF
			if cerr := r.framer.Close(); cerr != nil {
				r.err = cerr
			}
		case err != nil:
			r.err = fmt.Errorf("reading message: %w", err)
		}
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg, nil
}

// ReadMsg reads a single message from reader and removes the start block, end block, and carriage return bytes.
// It may consume bytes past the end of the message; use a Reader to read more than one.
func ReadMsg(reader io.Reader) ([]byte, error) {
	msg, err := NewReader(reader, 0).ReadMsg()
	if err == io.EOF {
		return nil, fmt.Errorf("reading message: %w", io.ErrUnexpectedEOF)
	}
	return msg, err
}
