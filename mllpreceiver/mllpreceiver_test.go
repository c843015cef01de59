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

package mllpreceiver

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/context"
	"hl7_listener/ack"
	"hl7_listener/hl7"
	"hl7_listener/mllp"
	"hl7_listener/monitoring"
	"hl7_listener/router"
	"hl7_listener/testingutil"
)

const (
	oruText   = "MSH|^~\\&|A|B|C|D|20240101000000||ORU^R01|CTRL1|P|2.4\rPID|1||PATIENT1\rOBX|1|ST|HGB||13.5|g/dL|12-16|||F"
	qryText   = "MSH|^~\\&|A|B|C|D|20240101000000||QRY^Q02|Q123|P|2.4\rQRD|1"
	wrappedMsg = "\x0b" + oruText + "\x1c\x0d"
)

type fakeRouter struct {
	mu      sync.Mutex
	msgs    []*hl7.Message
	outcome router.Outcome
	panics  bool
}

func (r *fakeRouter) Route(msg *hl7.Message) router.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if r.panics {
		panic("boom")
	}
	return r.outcome
}

func (r *fakeRouter) controlIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, m := range r.msgs {
		ids = append(ids, m.ControlID())
	}
	return ids
}

func setUp(t *testing.T, r *fakeRouter, opts Options) *MLLPReceiver {
	t.Helper()
	mt := monitoring.NewClient()
	rec, err := NewReceiver("127.0.0.1", 0, r, opts, mt)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	// We want to be notified of closed connections.
	rec.connClosed = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AcceptTimeout = 20 * time.Millisecond
	return opts
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func receiveAck(t *testing.T, r *mllp.Reader) ack.Result {
	t.Helper()
	raw, err := r.ReadMsg()
	if err != nil {
		t.Fatalf("Reading ack: %v", err)
	}
	msg, err := hl7.ParseBytes(raw)
	if err != nil {
		t.Fatalf("Parsing ack %q: %v", raw, err)
	}
	if msg.MessageType() != "ACK" {
		t.Fatalf("Expected ACK message but got %v", msg.MessageTypeField())
	}
	res, err := ack.Read(msg)
	if err != nil {
		t.Fatalf("ack.Read: %v", err)
	}
	return res
}

func waitForConnections(r *MLLPReceiver, count int) {
	for i := 0; i < count; i++ {
		<-r.connClosed
	}
}

type connection struct {
	writes       []string
	expectedAcks []ack.Result
}

func TestMessages(t *testing.T) {
	testCases := []struct {
		name         string
		connections  []connection
		expectedMsgs []string
	}{
		{
			"1 encapsulated message",
			[]connection{{
				[]string{wrappedMsg},
				[]ack.Result{{Code: ack.Accept, ControlID: "CTRL1"}},
			}},
			[]string{"CTRL1"},
		},
		{
			"3 encapsulated messages, sent over separate connections",
			[]connection{
				{[]string{wrappedMsg}, []ack.Result{{Code: ack.Accept, ControlID: "CTRL1"}}},
				{[]string{wrappedMsg}, []ack.Result{{Code: ack.Accept, ControlID: "CTRL1"}}},
				{[]string{wrappedMsg}, []ack.Result{{Code: ack.Accept, ControlID: "CTRL1"}}},
			},
			[]string{"CTRL1", "CTRL1", "CTRL1"},
		},
		{
			"2 messages in a single write",
			[]connection{{
				[]string{wrappedMsg + "\x0b" + qryText + "\x1c\x0d"},
				[]ack.Result{{Code: ack.Accept, ControlID: "CTRL1"}, {Code: ack.Accept, ControlID: "Q123"}},
			}},
			[]string{"CTRL1", "Q123"},
		},
		{
			"message split over writes, start block missing",
			[]connection{{
				[]string{oruText[:10], oruText[10:40], oruText[40:] + "\x1c", "\x0d"},
				[]ack.Result{{Code: ack.Accept, ControlID: "CTRL1"}},
			}},
			[]string{"CTRL1"},
		},
		{
			"malformed message is rejected and the connection keeps going",
			[]connection{{
				[]string{"\x0bPID|1||PATIENT1\x1c\x0d", wrappedMsg},
				[]ack.Result{
					{Code: ack.Reject, Text: "malformed HL7 message: first segment is \"PID\", want MSH"},
					{Code: ack.Accept, ControlID: "CTRL1"},
				},
			}},
			[]string{"CTRL1"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRouter{}
			r := setUp(t, fr, testOptions())
			for _, c := range tc.connections {
				conn := dial(t, r.Port())
				reader := mllp.NewReader(conn, 0)
				for _, w := range c.writes {
					conn.Write([]byte(w))
					// Give the receiver a chance to see each write separately.
					time.Sleep(5 * time.Millisecond)
				}
				for _, expected := range c.expectedAcks {
					got := receiveAck(t, reader)
					if expected.ControlID == "" {
						// Generated placeholder.
						expected.ControlID = got.ControlID
					}
					if diff := cmp.Diff(expected, got); diff != "" {
						t.Errorf("ack differs (-want +got):\n%v", diff)
					}
				}
				conn.Close()
				waitForConnections(r, 1)
			}

			if diff := cmp.Diff(tc.expectedMsgs, fr.controlIDs()); diff != "" {
				t.Errorf("routed messages differ (-want +got):\n%v", diff)
			}
		})
	}
}

func TestEndToEnd(t *testing.T) {
	fr := &fakeRouter{}
	r := setUp(t, fr, testOptions())
	conn := dial(t, r.Port())
	if err := mllp.WriteMsg(conn, []byte(oruText)); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	raw, err := mllp.NewReader(conn, 0).ReadMsg()
	if err != nil {
		t.Fatalf("Reading ack: %v", err)
	}
	conn.Close()
	waitForConnections(r, 1)

	segments := bytes.Split(bytes.TrimRight(raw, "\r"), []byte("\r"))
	if len(segments) != 2 {
		t.Fatalf("ack has %v segments, want 2: %q", len(segments), raw)
	}
	if got := string(segments[1]); got != "MSA|AA|CTRL1" {
		t.Errorf("MSA: got %q, want %q", got, "MSA|AA|CTRL1")
	}
	if len(fr.msgs) != 1 || fr.msgs[0].MessageType() != "ORU" {
		t.Fatalf("routed %v messages, want one ORU", len(fr.msgs))
	}
	testingutil.CheckMetrics(t, r.metrics, map[string]int64{
		connectionsMetric:      1,
		framesMetric:           1,
		writesMetric:           1,
		acksMetric(ack.Accept): 1,
		malformedFramesMetric:  0,
	})
}

func TestIncompleteFinalFrame(t *testing.T) {
	fr := &fakeRouter{}
	r := setUp(t, fr, testOptions())
	conn := dial(t, r.Port())
	conn.Write([]byte("garbage"))
	conn.Close()
	waitForConnections(r, 1)

	if len(fr.msgs) != 0 {
		t.Errorf("routed %v messages, want 0", len(fr.msgs))
	}
	testingutil.CheckMetrics(t, r.metrics, map[string]int64{malformedFramesMetric: 1, writesMetric: 0})
}

func TestOverflow(t *testing.T) {
	const limit = 64
	fr := &fakeRouter{}
	opts := testOptions()
	opts.MaxBufferBytes = limit
	r := setUp(t, fr, opts)

	conn := dial(t, r.Port())
	defer conn.Close()
	conn.Write(bytes.Repeat([]byte("x"), limit+1))
	waitForConnections(r, 1)

	if _, err := mllp.NewReader(conn, 0).ReadMsg(); err == nil {
		t.Errorf("Expected the connection to be closed without an ack")
	}
	testingutil.CheckMetrics(t, r.metrics, map[string]int64{malformedFramesMetric: 1, writesMetric: 0, framesMetric: 0})
}

func TestRouting(t *testing.T) {
	testCases := []struct {
		name         string
		router       *fakeRouter
		acceptAlways bool
		expected     ack.Result
		failures     int64
	}{
		{
			"routing failure is still accepted",
			&fakeRouter{outcome: router.Failed(errors.New("disk full"))},
			false,
			ack.Result{Code: ack.Accept, ControlID: "CTRL1"},
			1,
		},
		{
			"router downgrades",
			&fakeRouter{outcome: router.Downgrade(errors.New("store rejected"), ack.Error)},
			false,
			ack.Result{Code: ack.Error, ControlID: "CTRL1", Text: "store rejected"},
			1,
		},
		{
			"downgrade ignored when accepting always",
			&fakeRouter{outcome: router.Downgrade(errors.New("store rejected"), ack.Error)},
			true,
			ack.Result{Code: ack.Accept, ControlID: "CTRL1"},
			1,
		},
		{
			"unknown downgrade code becomes AE",
			&fakeRouter{outcome: router.Downgrade(errors.New("odd"), ack.Code("ZZ"))},
			false,
			ack.Result{Code: ack.Error, ControlID: "CTRL1", Text: "odd"},
			1,
		},
		{
			"router panic",
			&fakeRouter{panics: true},
			false,
			ack.Result{Code: ack.Accept, ControlID: "CTRL1"},
			1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.AcceptAlways = tc.acceptAlways
			r := setUp(t, tc.router, opts)
			conn := dial(t, r.Port())
			mllp.WriteMsg(conn, []byte(oruText))
			got := receiveAck(t, mllp.NewReader(conn, 0))
			conn.Close()
			waitForConnections(r, 1)

			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Errorf("ack differs (-want +got):\n%v", diff)
			}
			testingutil.CheckMetrics(t, r.metrics, map[string]int64{routingFailuresMetric: tc.failures})
		})
	}
}

func TestAcceptAlwaysMalformed(t *testing.T) {
	opts := testOptions()
	opts.AcceptAlways = true
	r := setUp(t, &fakeRouter{}, opts)
	conn := dial(t, r.Port())
	mllp.WriteMsg(conn, []byte("PID|1\rMSH|^~\\&|A|B|C|D|T||ORU^R01|LOST1|P|2.4"))
	got := receiveAck(t, mllp.NewReader(conn, 0))
	conn.Close()
	waitForConnections(r, 1)

	if diff := cmp.Diff(ack.Result{Code: ack.Accept, ControlID: "LOST1"}, got); diff != "" {
		t.Errorf("ack differs (-want +got):\n%v", diff)
	}
	testingutil.CheckMetrics(t, r.metrics, map[string]int64{malformedMessagesMetric: 1, acksMetric(ack.Accept): 1})
}

func Test3SimultanousConnections(t *testing.T) {
	fr := &fakeRouter{}
	r := setUp(t, fr, testOptions())
	c1 := dial(t, r.Port())
	c2 := dial(t, r.Port())
	c3 := dial(t, r.Port())
	mllp.WriteMsg(c3, []byte(oruText))
	c2.Write([]byte(oruText)) // Unterminated message, never routed
	mllp.WriteMsg(c1, []byte(qryText))
	receiveAck(t, mllp.NewReader(c3, 0))
	receiveAck(t, mllp.NewReader(c1, 0))
	c1.Close()
	c2.Close()
	c3.Close()

	waitForConnections(r, 3)
	if got := len(fr.controlIDs()); got != 2 {
		t.Fatalf("Expected 2 routed messages but got %v", got)
	}
	testingutil.CheckMetrics(t, r.metrics, map[string]int64{connectionsMetric: 3, malformedFramesMetric: 1, writesMetric: 2})
}

func TestMaxConnections(t *testing.T) {
	opts := testOptions()
	opts.MaxConnections = 1
	r := setUp(t, &fakeRouter{}, opts)

	c1 := dial(t, r.Port())
	defer c1.Close()
	mllp.WriteMsg(c1, []byte(oruText))
	receiveAck(t, mllp.NewReader(c1, 0))

	c2 := dial(t, r.Port())
	defer c2.Close()
	mllp.WriteMsg(c2, []byte(oruText))
	if _, err := mllp.NewReader(c2, 0).ReadMsg(); err == nil {
		t.Errorf("Expected the second connection to be rejected")
	}
	testingutil.CheckMetrics(t, r.metrics, map[string]int64{connectionsMetric: 1, rejectedMetric: 1})
}

func TestIdleTimeout(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 50 * time.Millisecond
	r := setUp(t, &fakeRouter{}, opts)

	conn := dial(t, r.Port())
	defer conn.Close()
	conn.Write([]byte("\x0bMSH|partial"))
	waitForConnections(r, 1)

	testingutil.CheckMetrics(t, r.metrics, map[string]int64{idleTimeoutsMetric: 1, malformedFramesMetric: 1})
}

func TestShutdown(t *testing.T) {
	r, err := NewReceiver("127.0.0.1", 0, &fakeRouter{}, testOptions(), monitoring.NewClient())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	// An open connection must not be cut by shutdown.
	conn := dial(t, r.Port())
	defer conn.Close()
	reader := mllp.NewReader(conn, 0)
	mllp.WriteMsg(conn, []byte(oruText))
	receiveAck(t, reader)
	// Let the handler go back to waiting for its next frame.
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	if _, err := net.Dial("tcp", net.JoinHostPort("localhost", strconv.Itoa(r.Port()))); err == nil {
		t.Errorf("Dial succeeded after shutdown")
	}

	// The handler finishes the frame it is waiting for, then notices the
	// shutdown before its next read.
	mllp.WriteMsg(conn, []byte(oruText))
	got := receiveAck(t, reader)
	if diff := cmp.Diff(ack.Result{Code: ack.Accept, ControlID: "CTRL1"}, got); diff != "" {
		t.Errorf("ack after shutdown differs (-want +got):\n%v", diff)
	}

	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after the open connection finished its frame")
	}
	if _, err := reader.ReadMsg(); err == nil {
		t.Errorf("Connection still open after shutdown")
	}
}

func TestServeStreamAfterShutdown(t *testing.T) {
	fr := &fakeRouter{}
	r, err := NewReceiver("127.0.0.1", 0, fr, testOptions(), monitoring.NewClient())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	local, remote := net.Pipe()
	defer remote.Close()
	if err := r.ServeStream(ctx, local, "pipe"); err != nil {
		t.Errorf("ServeStream after shutdown returned %v, want nil", err)
	}

	// The stream is closed without being read, and there is nothing to wait for.
	if _, err := remote.Write([]byte(wrappedMsg)); err == nil {
		t.Errorf("Write to a stream served after shutdown succeeded")
	}
	waited := make(chan struct{})
	go func() {
		r.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("Wait blocked after ServeStream returned")
	}
	if ids := fr.controlIDs(); len(ids) != 0 {
		t.Errorf("Routed %v after shutdown, want nothing", ids)
	}
}

func TestServeStream(t *testing.T) {
	fr := &fakeRouter{}
	mt := monitoring.NewClient()
	r, err := NewReceiver("127.0.0.1", 0, fr, testOptions(), mt)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.listener.Close()

	local, remote := net.Pipe()
	done := make(chan error)
	go func() { done <- r.ServeStream(context.Background(), local, "pipe") }()

	go mllp.WriteMsg(remote, []byte(oruText))
	got := receiveAck(t, mllp.NewReader(remote, 0))
	if diff := cmp.Diff(ack.Result{Code: ack.Accept, ControlID: "CTRL1"}, got); diff != "" {
		t.Errorf("ack differs (-want +got):\n%v", diff)
	}
	remote.Close()
	if err := <-done; err != nil {
		t.Errorf("ServeStream returned %v, want nil", err)
	}
	r.Wait()
}
