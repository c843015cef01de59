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

// Package router dispatches parsed HL7 messages to the code that stores or
// forwards them.
package router

import (
	"fmt"
	"sync"

	log "github.com/golang/glog"
	"hl7_listener/ack"
	"hl7_listener/hl7"
)

// Outcome is the result of routing one message.
type Outcome struct {
	// Err is a routing failure. It is logged and counted but does not by
	// itself change the acknowledgment code.
	Err error
	// Code, if set, replaces the Accept code the receiver would otherwise send.
	Code ack.Code
	// Text goes to MSA-3 when Code is set.
	Text string
}

// Failed returns an Outcome carrying err.
func Failed(err error) Outcome {
	return Outcome{Err: err}
}

// Downgrade returns an Outcome that asks the receiver to acknowledge with
// code instead of Accept.
func Downgrade(err error, code ack.Code) Outcome {
	o := Outcome{Err: err, Code: code}
	if err != nil {
		o.Text = err.Error()
	}
	return o
}

// Router handles parsed messages. Implementations are called concurrently
// from every open connection.
type Router interface {
	Route(*hl7.Message) Outcome
}

// Func adapts a function to the Router interface.
type Func func(*hl7.Message) Outcome

// Route calls f(msg).
func (f Func) Route(msg *hl7.Message) Outcome {
	return f(msg)
}

// Discard accepts every message and does nothing with it.
var Discard Router = Func(func(*hl7.Message) Outcome { return Outcome{} })

// Mux dispatches on the message code of MSH-9 ("ORU", "QRY", ...).
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Router
	fallback Router
}

// NewMux returns a Mux that sends unregistered message types to fallback. A
// nil fallback logs and accepts them.
func NewMux(fallback Router) *Mux {
	if fallback == nil {
		fallback = Func(func(msg *hl7.Message) Outcome {
			log.Infof("Unhandled message type %q, control ID %v", msg.MessageTypeField(), msg.ControlID())
			return Outcome{}
		})
	}
	return &Mux{handlers: make(map[string]Router), fallback: fallback}
}

// Handle registers r for messages whose MSH-9 message code is messageType.
func (m *Mux) Handle(messageType string, r Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[messageType] = r
}

// Route sends msg to the Router registered for its message type.
func (m *Mux) Route(msg *hl7.Message) Outcome {
	m.mu.RLock()
	r, ok := m.handlers[msg.MessageType()]
	m.mu.RUnlock()
	if !ok {
		r = m.fallback
	}
	return r.Route(msg)
}

// Fanout delivers every message to all of its Routers in order. The first
// failure and the first downgrade are reported; later Routers still run.
type Fanout []Router

// Route sends msg to every Router.
func (f Fanout) Route(msg *hl7.Message) Outcome {
	var out Outcome
	for i, r := range f {
		o := r.Route(msg)
		if o.Err != nil && out.Err == nil {
			out.Err = fmt.Errorf("destination %v: %w", i, o.Err)
		}
		if o.Code != "" && out.Code == "" {
			out.Code, out.Text = o.Code, o.Text
		}
	}
	return out
}

// QueryLogger records query messages. Answering them is left to the sender's
// LIS; the listener only acknowledges receipt.
var QueryLogger Router = Func(func(msg *hl7.Message) Outcome {
	log.Infof("Received query %v, control ID %v", msg.MessageTypeField(), msg.ControlID())
	return Outcome{}
})
