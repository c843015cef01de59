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

// Package serialport carries MLLP over an RS-232 line for analyzers that are
// not networked.
package serialport

import (
	"fmt"
	"io"
	"time"

	log "github.com/golang/glog"
	"go.bug.st/serial"
	"golang.org/x/net/context"
)

const (
	// DefaultBaudRate is the line speed most hematology analyzers default to.
	DefaultBaudRate = 9600
	// readTimeout bounds each read so that shutdown is noticed on a silent line.
	readTimeout = time.Second
)

type port interface {
	io.ReadWriteCloser
	SetReadTimeout(time.Duration) error
}

var openPort = func(name string, mode *serial.Mode) (port, error) {
	return serial.Open(name, mode)
}

// Open opens the serial device name at baud, 8 data bits, no parity and one
// stop bit. Reads time out after a second and return no data.
func Open(name string, baud int) (io.ReadWriteCloser, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	p, err := openPort(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %v: %w", name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("setting read timeout on %v: %w", name, err)
	}
	return p, nil
}

// StreamServer serves the MLLP connection protocol over an open stream.
type StreamServer interface {
	ServeStream(ctx context.Context, stream io.ReadWriteCloser, peer string) error
}

// Serve opens the port and hands it to s, reopening it after retryDelay
// whenever opening fails or the stream ends, until ctx is done.
func Serve(ctx context.Context, name string, baud int, s StreamServer, retryDelay time.Duration) {
	for {
		stream, err := Open(name, baud)
		if err != nil {
			log.Errorf("Serial: %v", err)
		} else {
			log.Infof("Serial port %v open at %v baud", name, baud)
			if err := s.ServeStream(ctx, stream, "serial:"+name); err != nil {
				log.Errorf("Serial port %v: %v", name, err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}
