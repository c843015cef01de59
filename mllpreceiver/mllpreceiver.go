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

// Package mllpreceiver receives HL7 messages over MLLP, hands them to a router
// and answers each one with an ACK on the same connection.
package mllpreceiver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/pborman/uuid"
	"golang.org/x/net/context"
	"hl7_listener/ack"
	"hl7_listener/hl7"
	"hl7_listener/mllp"
	"hl7_listener/monitoring"
	"hl7_listener/router"
)

const (
	connectionsMetric       = "receiver-connections"
	rejectedMetric          = "receiver-rejected-connections"
	acceptErrorsMetric      = "receiver-accept-errors"
	readsMetric             = "receiver-reads"
	framesMetric            = "receiver-frames"
	writesMetric            = "receiver-writes"
	malformedFramesMetric   = "receiver-malformed-frames"
	malformedMessagesMetric = "receiver-malformed-messages"
	routingFailuresMetric   = "receiver-routing-failures"
	transportFaultsMetric   = "receiver-transport-faults"
	idleTimeoutsMetric      = "receiver-idle-timeouts"
	acksMetricPrefix        = "receiver-acks-"

	// acceptRetryDelay throttles the accept loop after an unexpected error.
	acceptRetryDelay = 100 * time.Millisecond
)

func acksMetric(code ack.Code) string {
	return acksMetricPrefix + string(code)
}

// Options tune a receiver.
type Options struct {
	// AcceptTimeout bounds each wait for a new connection so that shutdown is
	// noticed.
	AcceptTimeout time.Duration
	// IdleTimeout closes connections that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration
	// ReadBufferBytes is the size of a single read from a connection.
	ReadBufferBytes int
	// MaxBufferBytes caps the unterminated bytes held per connection. Zero
	// disables the cap.
	MaxBufferBytes int
	// MaxConnections caps concurrently served connections. Zero means no cap.
	MaxConnections int
	// AcceptAlways acknowledges every frame with AA, including malformed
	// messages and messages the router asked to downgrade. Some analyzers
	// resend forever on anything else.
	AcceptAlways bool
	// Identity fills the MSH segment of every ACK.
	Identity ack.Identity
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		AcceptTimeout:   2 * time.Second,
		ReadBufferBytes: mllp.DefaultReadBufferBytes,
		MaxBufferBytes:  1 << 20,
		Identity:        ack.DefaultIdentity(),
	}
}

// MLLPReceiver represents an MLLP receiver.
type MLLPReceiver struct {
	listener *net.TCPListener
	router   router.Router
	builder  *ack.Builder
	opts     Options
	port     int
	metrics  *monitoring.Client

	// slots limits concurrent connections; nil means unlimited.
	slots chan struct{}
	wg    sync.WaitGroup

	// If non-nil, connClosed will receive a message every time a connection
	// is closed.  This is primarily useful for synchronizing tests.
	connClosed chan struct{}
}

// NewReceiver creates a new MLLP receiver.  If port is 0, an available port is
// chosen at random.
func NewReceiver(ip string, port int, r router.Router, opts Options, mt *monitoring.Client) (*MLLPReceiver, error) {
	localhost := net.JoinHostPort(ip, strconv.Itoa(port))
	l, err := net.Listen("tcp", localhost)
	if err != nil {
		return nil, fmt.Errorf("Listen: %w", err)
	}

	tcpListener, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("listener for %v is %T, not *net.TCPListener", localhost, l)
	}
	if r == nil {
		r = router.Discard
	}
	defaults := DefaultOptions()
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = defaults.AcceptTimeout
	}
	if opts.ReadBufferBytes <= 0 {
		opts.ReadBufferBytes = defaults.ReadBufferBytes
	}

	m := &MLLPReceiver{
		listener: tcpListener,
		router:   r,
		builder:  ack.NewBuilder(opts.Identity),
		opts:     opts,
		port:     tcpListener.Addr().(*net.TCPAddr).Port,
		metrics:  mt,
	}
	if opts.MaxConnections > 0 {
		m.slots = make(chan struct{}, opts.MaxConnections)
	}
	m.initMetrics()
	return m, nil
}

func (m *MLLPReceiver) initMetrics() {
	for _, name := range []string{
		connectionsMetric,
		rejectedMetric,
		acceptErrorsMetric,
		readsMetric,
		framesMetric,
		writesMetric,
		malformedFramesMetric,
		malformedMessagesMetric,
		routingFailuresMetric,
		transportFaultsMetric,
		idleTimeoutsMetric,
		acksMetric(ack.Accept),
		acksMetric(ack.Error),
		acksMetric(ack.Reject),
	} {
		m.metrics.NewInt64(name)
	}
}

// Port returns the TCP port the receiver listens on.
func (m *MLLPReceiver) Port() int {
	return m.port
}

// Run accepts incoming TCP connections until ctx is done, serving each on its
// own goroutine. Connections still open when Run returns are left to finish;
// use Wait to block until they have.
func (m *MLLPReceiver) Run(ctx context.Context) error {
	defer func() {
		if err := m.listener.Close(); err != nil {
			log.Errorf("Closing listener: %v", err)
		}
	}()
	log.Infof("Listening for MLLP connections on %v", m.listener.Addr())
	for {
		select {
		case <-ctx.Done():
			log.Infof("Stopped accepting connections on %v", m.listener.Addr())
			return nil
		default:
		}
		if err := m.listener.SetDeadline(time.Now().Add(m.opts.AcceptTimeout)); err != nil {
			return fmt.Errorf("setting accept deadline: %w", err)
		}
		conn, err := m.listener.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("AcceptTCP: %w", err)
			}
			m.metrics.Inc(acceptErrorsMetric)
			log.Errorf("AcceptTCP: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		if !m.acquire() {
			m.metrics.Inc(rejectedMetric)
			log.Warningf("Rejecting connection from %v: %v connections already open", conn.RemoteAddr(), m.opts.MaxConnections)
			if err := conn.Close(); err != nil {
				log.Errorf("Closing rejected connection: %v", err)
			}
			continue
		}
		m.metrics.Inc(connectionsMetric)
		m.wg.Add(1)
		go m.handleConnection(ctx, conn)
	}
}

// Wait blocks until every connection being served has closed.
func (m *MLLPReceiver) Wait() {
	m.wg.Wait()
}

func (m *MLLPReceiver) acquire() bool {
	if m.slots == nil {
		return true
	}
	select {
	case m.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *MLLPReceiver) release() {
	if m.slots != nil {
		<-m.slots
	}
}

// handleConnection handles a single TCP connection.
func (m *MLLPReceiver) handleConnection(ctx context.Context, conn *net.TCPConn) {
	defer m.wg.Done()
	defer m.release()
	defer func() {
		if err := conn.Close(); err != nil {
			log.Errorf("Closing connection: %v", err)
		}
		if m.connClosed != nil {
			m.connClosed <- struct{}{}
		}
	}()
	// Analyzers often sit idle between runs; keep NAT and firewall state
	// alive.
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(3 * time.Minute)

	log.Infof("Accepted connection from %v", conn.RemoteAddr())
	defer log.Infof("Closed connection from %v", conn.RemoteAddr())
	m.serve(ctx, conn, conn.RemoteAddr().String())
}

// ServeStream runs the connection protocol over a stream that was not accepted
// by the receiver, such as a serial port, and closes it when done. It returns
// the fault that ended the stream, or nil for a clean end or shutdown. Once
// ctx is done the stream is closed without being served.
func (m *MLLPReceiver) ServeStream(ctx context.Context, stream io.ReadWriteCloser, peer string) error {
	defer func() {
		if err := stream.Close(); err != nil {
			log.Errorf("Closing stream %v: %v", peer, err)
		}
	}()
	if ctx.Err() != nil {
		log.Infof("Not serving stream %v: shutting down", peer)
		return nil
	}
	m.wg.Add(1)
	defer m.wg.Done()
	log.Infof("Serving stream %v", peer)
	return m.serve(ctx, stream, peer)
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// serve reads frames from conn and acknowledges each one until the peer
// closes the stream, a connection-fatal fault occurs, or ctx is done.
// Frames are handled strictly in arrival order.
func (m *MLLPReceiver) serve(ctx context.Context, conn io.ReadWriter, peer string) error {
	id := uuid.New()
	framer := mllp.NewFramer(m.opts.MaxBufferBytes)
	buf := make([]byte, m.opts.ReadBufferBytes)
	log.V(1).Infof("Connection %v from %v", id, peer)

	for {
		select {
		case <-ctx.Done():
			if n := framer.Reset(); n > 0 {
				m.metrics.Inc(malformedFramesMetric)
				log.Errorf("Connection %v: shutting down with %v bytes of an incomplete frame", id, n)
			}
			return nil
		default:
		}

		if d, ok := conn.(readDeadliner); ok && m.opts.IdleTimeout > 0 {
			if err := d.SetReadDeadline(time.Now().Add(m.opts.IdleTimeout)); err != nil {
				m.metrics.Inc(transportFaultsMetric)
				return fmt.Errorf("setting read deadline: %w", err)
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			m.metrics.Inc(readsMetric)
			framer.Feed(buf[:n])
			frames, ferr := framer.Frames()
			for _, frame := range frames {
				if werr := m.handleFrame(conn, id, frame); werr != nil {
					m.metrics.Inc(transportFaultsMetric)
					log.Errorf("Connection %v: writing ack: %v", id, werr)
					return werr
				}
			}
			if ferr != nil {
				m.metrics.Inc(malformedFramesMetric)
				log.Errorf("Connection %v: %v", id, ferr)
				return ferr
			}
		}
		if err == nil {
			continue
		}

		if err == io.EOF {
			if cerr := framer.Close(); cerr != nil {
				m.metrics.Inc(malformedFramesMetric)
				log.Errorf("Connection %v: %v", id, cerr)
				return cerr
			}
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			m.metrics.Inc(idleTimeoutsMetric)
			log.Warningf("Connection %v: idle for %v, closing", id, m.opts.IdleTimeout)
			if n := framer.Reset(); n > 0 {
				m.metrics.Inc(malformedFramesMetric)
				log.Errorf("Connection %v: discarded %v bytes of an incomplete frame", id, n)
			}
			return fmt.Errorf("idle timeout: %w", err)
		}
		m.metrics.Inc(transportFaultsMetric)
		log.Errorf("Connection %v: reading: %v", id, err)
		if n := framer.Reset(); n > 0 {
			m.metrics.Inc(malformedFramesMetric)
			log.Errorf("Connection %v: discarded %v bytes of an incomplete frame", id, n)
		}
		return fmt.Errorf("reading: %w", err)
	}
}

// handleFrame parses, routes and acknowledges one frame. Only a failure to
// write the ACK is returned.
func (m *MLLPReceiver) handleFrame(w io.Writer, connID string, frame []byte) error {
	m.metrics.Inc(framesMetric)
	reply, code := m.respond(connID, hl7.Decode(frame))
	if err := mllp.WriteMsg(w, reply.Bytes()); err != nil {
		return err
	}
	m.metrics.Inc(writesMetric)
	m.metrics.Inc(acksMetric(code))
	return nil
}

func (m *MLLPReceiver) respond(connID, text string) (*hl7.Message, ack.Code) {
	msg, err := hl7.Parse(text)
	if err != nil {
		m.metrics.Inc(malformedMessagesMetric)
		log.Warningf("Connection %v: %v", connID, err)
		if m.opts.AcceptAlways {
			return m.builder.BuildForText(text, ack.Accept, ""), ack.Accept
		}
		return m.builder.BuildForText(text, ack.Reject, err.Error()), ack.Reject
	}

	log.Infof("Connection %v: received %v message, control ID %v", connID, msg.MessageTypeField(), msg.ControlID())
	out := m.route(msg)
	if out.Err != nil {
		m.metrics.Inc(routingFailuresMetric)
		log.Warningf("Connection %v: routing %v message %v: %v", connID, msg.MessageType(), msg.ControlID(), out.Err)
	}
	if out.Code == "" || out.Code == ack.Accept || m.opts.AcceptAlways {
		return m.builder.Build(msg, ack.Accept, ""), ack.Accept
	}
	code := out.Code.OrError()
	return m.builder.Build(msg, code, out.Text), code
}

// route calls the router, turning a panic into a routing failure.
func (m *MLLPReceiver) route(msg *hl7.Message) (out router.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = router.Failed(fmt.Errorf("router panic: %v", r))
		}
	}()
	return m.router.Route(msg)
}
