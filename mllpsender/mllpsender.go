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

// Package mllpsender sends HL7 messages via MLLP.
package mllpsender

import (
	"fmt"
	"net"
	"time"

	log "github.com/golang/glog"
	"hl7_listener/ack"
	"hl7_listener/hl7"
	"hl7_listener/mllp"
	"hl7_listener/monitoring"
	"hl7_listener/router"
)

const (
	sentMetric        = "mllpsender-messages-sent"
	ackErrorMetric    = "mllpsender-messages-ack-error"
	negativeAckMetric = "mllpsender-messages-negative-ack"
	sendErrorMetric   = "mllpsender-messages-send-error"
	dialErrorMetric   = "mllpsender-connections-dial-error"

	// DefaultTimeout bounds dialing and each ACK round trip.
	DefaultTimeout = 30 * time.Second
)

// MLLPSender represents an MLLP sender.
type MLLPSender struct {
	addr    string
	timeout time.Duration
	metrics *monitoring.Client
}

// NewSender creates a new MLLPSender.
func NewSender(addr string, metrics *monitoring.Client) *MLLPSender {
	metrics.NewInt64(sentMetric)
	metrics.NewInt64(ackErrorMetric)
	metrics.NewInt64(negativeAckMetric)
	metrics.NewInt64(sendErrorMetric)
	metrics.NewInt64(dialErrorMetric)
	return &MLLPSender{addr: addr, timeout: DefaultTimeout, metrics: metrics}
}

// SetTimeout changes the bound on dialing and on each ACK round trip.
func (m *MLLPSender) SetTimeout(d time.Duration) {
	m.timeout = d
}

// Send sends an HL7 message via MLLP and returns the unwrapped ACK.
func (m *MLLPSender) Send(msg []byte) ([]byte, error) {
	m.metrics.Inc(sentMetric)

	log.V(1).Infof("Dialing MLLP connection to %v", m.addr)

	conn, err := net.DialTimeout("tcp", m.addr, m.timeout)
	if err != nil {
		m.metrics.Inc(dialErrorMetric)
		return nil, fmt.Errorf("dialing: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Errorf("Closing connection: %v", err)
		}
	}()
	if err := conn.SetDeadline(time.Now().Add(m.timeout)); err != nil {
		m.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	if err := mllp.WriteMsg(conn, msg); err != nil {
		m.metrics.Inc(sendErrorMetric)
		return nil, fmt.Errorf("writing message: %w", err)
	}
	reply, err := mllp.ReadMsg(conn)
	if err != nil {
		m.metrics.Inc(ackErrorMetric)
		return nil, fmt.Errorf("reading ack: %w", err)
	}
	log.V(1).Infof("Received MLLP ack from %v", m.addr)
	return reply, nil
}

// SendMessage sends msg and returns the acknowledgment it received. A
// negative acknowledgment is returned together with an error.
func (m *MLLPSender) SendMessage(msg *hl7.Message) (ack.Result, error) {
	raw, err := m.Send(msg.Bytes())
	if err != nil {
		return ack.Result{}, err
	}
	reply, err := hl7.ParseBytes(raw)
	if err != nil {
		m.metrics.Inc(ackErrorMetric)
		return ack.Result{}, fmt.Errorf("parsing ack: %w", err)
	}
	res, err := ack.Read(reply)
	if err != nil {
		m.metrics.Inc(ackErrorMetric)
		return ack.Result{}, fmt.Errorf("reading ack: %w", err)
	}
	if !res.Code.Accepted() {
		m.metrics.Inc(negativeAckMetric)
		return res, fmt.Errorf("%v acknowledged message %v with %v: %v", m.addr, msg.ControlID(), res.Code, res.Text)
	}
	return res, nil
}

// Route forwards msg to the downstream MLLP endpoint. A negative
// acknowledgment from downstream downgrades the local one to AE.
func (m *MLLPSender) Route(msg *hl7.Message) router.Outcome {
	res, err := m.SendMessage(msg)
	switch {
	case err == nil:
		return router.Outcome{}
	case res.Code != "":
		return router.Downgrade(err, ack.Error)
	default:
		return router.Failed(err)
	}
}
