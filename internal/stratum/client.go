package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Pdpe/grin-miner/pkg/errors"
	"github.com/Pdpe/grin-miner/pkg/log"
	"github.com/Pdpe/grin-miner/pkg/retry"
)

// SessionState represents the connection lifecycle state
type SessionState int

const (
	// StateDisconnected - no transport, not trying
	StateDisconnected SessionState = iota
	// StateConnecting - first dial in progress
	StateConnecting
	// StateAuthenticating - transport up, login handshake outstanding
	StateAuthenticating
	// StateReady - session established, requests flowing
	StateReady
	// StateReconnecting - transport lost, backoff dial loop running
	StateReconnecting
)

// String returns string representation of the state
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RequestHandle identifies an outstanding request for response correlation
type RequestHandle string

// ReasonConnectionLost marks a submit result synthesized when the transport
// died before the server answered. The share may or may not have counted;
// it is reported lost and never resubmitted.
const ReasonConnectionLost = "connection lost before response"

// EventKind discriminates session events
type EventKind int

const (
	// EventConnected - session established and ready (initial or after reconnect)
	EventConnected EventKind = iota
	// EventJobReceived - server pushed or returned a job template
	EventJobReceived
	// EventSubmitResult - server answered a share submission
	EventSubmitResult
	// EventHeartbeat - keepalive round trip completed
	EventHeartbeat
	// EventConnectionLost - transport failed; reconnect loop takes over
	EventConnectionLost
)

// Event is one element of the session's ordered event stream
type Event struct {
	Kind EventKind

	// Job is set for EventJobReceived
	Job *JobTemplate

	// Handle, Accepted and RejectReason are set for EventSubmitResult
	Handle       RequestHandle
	Accepted     bool
	RejectReason string

	// Err is set for EventConnectionLost
	Err error
}

// Config holds client session configuration
type Config struct {
	Addr              string
	Login             string
	Password          string
	Agent             string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration
	SubmitQueueSize   int
	Backoff           *retry.Config
}

type pendingRequest struct {
	method string
	handle RequestHandle
	sentAt time.Time
}

type queuedSubmit struct {
	handle RequestHandle
	params SubmitParams
}

// Client is a stratum client session: it owns the TCP connection to the
// node, the outstanding-request table and the reconnect loop. Events are
// delivered in strict arrival order on the Events channel.
type Client struct {
	cfg    *Config
	logger *log.Logger

	// dial is a seam for tests
	dial func(ctx context.Context, addr string) (net.Conn, error)

	events chan Event

	mu          sync.Mutex
	state       SessionState
	conn        net.Conn
	outbound    chan []byte
	pending     map[string]*pendingRequest
	submitQueue []*queuedSubmit
	nextID      uint64
	connectedAt time.Time
	reconnects  uint64

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new stratum client session
func NewClient(cfg *Config, logger *log.Logger) *Client {
	if cfg.Backoff == nil {
		cfg.Backoff = retry.StratumConfig()
	}
	if cfg.SubmitQueueSize <= 0 {
		cfg.SubmitQueueSize = 64
	}
	if cfg.Agent == "" {
		cfg.Agent = "grin-miner"
	}

	return &Client{
		cfg:    cfg,
		logger: logger.WithComponent("stratum"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		events:  make(chan Event, 256),
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// Events returns the ordered session event stream. The channel is closed
// when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current session state
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns how many times the session has been re-established
func (c *Client) Reconnects() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Uptime returns how long the current connection has been up, zero when down
func (c *Client) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.connectedAt.IsZero() {
		return 0
	}
	return time.Since(c.connectedAt)
}

// Stop terminates the session permanently. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// Run drives the session: dial, login, read until failure, reconnect with
// capped backoff, until ctx is done or Stop is called. The events channel
// is closed on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.setState(StateDisconnected)

	attempt := 0
	first := true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		conn, err := c.dial(ctx, c.cfg.Addr)
		if err != nil {
			c.logger.WithError(err).Warn("dial failed", "addr", c.cfg.Addr, "attempt", attempt)
			if !c.sleep(ctx, c.cfg.Backoff.Delay(attempt)) {
				return nil
			}
			attempt++
			continue
		}

		err = c.runConnection(ctx, conn, &first, &attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		c.logger.WithError(err).Warn("connection lost", "addr", c.cfg.Addr)
		c.emit(Event{Kind: EventConnectionLost, Err: err})

		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()

		if !c.sleep(ctx, c.cfg.Backoff.Delay(attempt)) {
			return nil
		}
		attempt++
	}
}

// runConnection performs the handshake and runs the read loop until the
// connection fails. It resets the caller's backoff state once the session
// reaches Ready.
func (c *Client) runConnection(ctx context.Context, conn net.Conn, first *bool, attempt *int) error {
	outbound := make(chan []byte, 100)
	connDone := make(chan struct{})
	defer close(connDone)

	c.mu.Lock()
	c.conn = conn
	c.outbound = outbound
	c.state = StateAuthenticating
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.outbound = nil
		lost := c.failPendingLocked()
		c.mu.Unlock()
		_ = conn.Close()

		// Responses for in-flight submissions will never arrive. They are
		// reported lost rather than resubmitted: the server may have
		// processed the request before the connection died, and a share
		// must never be submitted twice.
		for _, handle := range lost {
			c.emit(Event{
				Kind:         EventSubmitResult,
				Handle:       handle,
				Accepted:     false,
				RejectReason: ReasonConnectionLost,
			})
		}
	}()

	go c.writeLoop(conn, outbound, connDone)

	c.logger.LogConnection("connected", c.cfg.Addr)

	if c.cfg.Login != "" {
		if _, err := c.SendRequest(MethodLogin, LoginParams{
			Login: c.cfg.Login,
			Pass:  c.cfg.Password,
			Agent: c.cfg.Agent,
		}); err != nil {
			return err
		}
	} else {
		// Credentials optional: no handshake round trip needed
		c.becomeReady(first, attempt)
	}

	go c.keepaliveLoop(connDone)

	return c.readLoop(conn, first, attempt)
}

// readLoop handles incoming lines from the node
func (c *Client) readLoop(conn net.Conn, first *bool, attempt *int) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 16384), 16384)

	for {
		if c.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "read_deadline",
					"failed to set read deadline")
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "read", "read failed")
			}
			return errors.New(errors.ErrorTypeConnection, "read", "server closed connection")
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			// A single corrupt line must not kill the session
			c.logger.WithError(err).Warn("skipping garbled line")
			continue
		}

		if err := c.handleMessage(msg, first, attempt); err != nil {
			return err
		}
	}
}

// handleMessage dispatches one parsed message. A returned error tears the
// connection down (handshake-level protocol failures only).
func (c *Client) handleMessage(msg *Message, first *bool, attempt *int) error {
	if msg.IsJobNotification() {
		tmpl, err := ParseJobTemplate(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("skipping malformed job notification")
			return nil
		}
		c.emit(Event{Kind: EventJobReceived, Job: tmpl})
		return nil
	}

	if !msg.IsResponse() {
		c.logger.Debug("ignoring unexpected message", "method", msg.Method)
		return nil
	}

	id := fmt.Sprintf("%v", msg.ID)
	req := c.takePending(id)
	if req == nil {
		c.logger.Warn("response for unknown request id", "id", id)
		return nil
	}

	switch req.method {
	case MethodLogin:
		if msg.Error != nil {
			return errors.New(errors.ErrorTypeProtocol, "login",
				"login rejected by server").
				WithContext("code", msg.Error.Code).
				WithContext("reason", msg.Error.Message)
		}
		c.becomeReady(first, attempt)

	case MethodGetJobTemplate:
		if msg.Error != nil {
			c.logger.Warn("getjobtemplate failed", "code", msg.Error.Code, "reason", msg.Error.Message)
			return nil
		}
		tmpl, err := ParseJobTemplate(msg.Result)
		if err != nil {
			c.logger.WithError(err).Warn("skipping malformed job template")
			return nil
		}
		c.emit(Event{Kind: EventJobReceived, Job: tmpl})

	case MethodSubmit:
		ev := Event{Kind: EventSubmitResult, Handle: req.handle}
		if msg.Error != nil {
			ev.Accepted = false
			ev.RejectReason = msg.Error.Message
		} else {
			ev.Accepted = true
		}
		c.emit(ev)

	case MethodKeepalive:
		c.emit(Event{Kind: EventHeartbeat})

	default:
		c.logger.Debug("response for untracked method", "method", req.method)
	}

	return nil
}

// becomeReady marks the session established, resets backoff, flushes any
// queued submissions in order and requests a fresh job so mining can begin
// before the first push.
func (c *Client) becomeReady(first *bool, attempt *int) {
	c.mu.Lock()
	c.state = StateReady
	c.connectedAt = time.Now()
	queued := c.submitQueue
	c.submitQueue = nil
	c.mu.Unlock()

	*first = false
	*attempt = 0

	c.logger.Info("session ready", "addr", c.cfg.Addr, "queued_submits", len(queued))
	c.emit(Event{Kind: EventConnected})

	for _, qs := range queued {
		if err := c.transmit(MethodSubmit, qs.params, qs.handle); err != nil {
			c.logger.WithError(err).Warn("failed to flush queued submission")
		}
	}

	if _, err := c.SendRequest(MethodGetJobTemplate, nil); err != nil {
		c.logger.WithError(err).Warn("failed to request job template")
	}
}

// writeLoop handles outbound messages for one connection
func (c *Client) writeLoop(conn net.Conn, outbound <-chan []byte, connDone <-chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-connDone:
			return
		case data := <-outbound:
			if c.cfg.WriteTimeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
					c.logger.WithError(err).Error("failed to set write deadline")
					return
				}
			}

			data = append(data, '\n')

			if _, err := conn.Write(data); err != nil {
				c.logger.WithError(err).Error("failed to write message")
				_ = conn.Close()
				return
			}

			c.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// keepaliveLoop sends periodic keepalive requests while the connection lives
func (c *Client) keepaliveLoop(connDone <-chan struct{}) {
	if c.cfg.KeepaliveInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-connDone:
			return
		case <-ticker.C:
			if c.State() != StateReady {
				continue
			}
			if _, err := c.SendRequest(MethodKeepalive, nil); err != nil {
				c.logger.WithError(err).Debug("keepalive send failed")
			}
		}
	}
}

// SendRequest serializes a request with a fresh correlation id, registers it
// in the outstanding-request table and enqueues it for transmission. It never
// blocks beyond the enqueue.
func (c *Client) SendRequest(method string, params any) (RequestHandle, error) {
	c.mu.Lock()
	handle := c.newHandleLocked()
	c.mu.Unlock()

	if err := c.transmit(method, params, handle); err != nil {
		return "", err
	}
	return handle, nil
}

// transmit registers the pending entry and enqueues the wire bytes
func (c *Client) transmit(method string, params any, handle RequestHandle) error {
	msg, err := NewRequest(string(handle), method, params)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "encode", "failed to encode request")
	}

	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "encode", "failed to marshal request")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outbound == nil {
		return errors.New(errors.ErrorTypeConnection, "send", "session not connected")
	}

	c.pending[string(handle)] = &pendingRequest{
		method: method,
		handle: handle,
		sentAt: time.Now(),
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		delete(c.pending, string(handle))
		return errors.New(errors.ErrorTypeConnection, "send", "outbound queue full")
	}
}

// SubmitShare encodes and sends a share submission. While the session is
// down the submission is queued (bounded, oldest dropped on overflow) and
// flushed in order once the session is re-established. The returned handle
// correlates the eventual accept/reject response.
func (c *Client) SubmitShare(params SubmitParams) (RequestHandle, error) {
	c.mu.Lock()
	handle := c.newHandleLocked()
	ready := c.state == StateReady && c.outbound != nil
	if !ready {
		var dropped *queuedSubmit
		c.submitQueue = append(c.submitQueue, &queuedSubmit{handle: handle, params: params})
		if len(c.submitQueue) > c.cfg.SubmitQueueSize {
			dropped = c.submitQueue[0]
			c.submitQueue = c.submitQueue[1:]
		}
		c.mu.Unlock()
		if dropped != nil {
			c.logger.Warn("submit queue overflow, dropping oldest share",
				"dropped_handle", string(dropped.handle))
			// The dropped share will never be transmitted; report it lost so
			// the caller can settle its in-flight entry. Emitted off the
			// calling goroutine, which may itself be the event consumer.
			go c.emit(Event{
				Kind:         EventSubmitResult,
				Handle:       dropped.handle,
				Accepted:     false,
				RejectReason: ReasonConnectionLost,
			})
		}
		return handle, nil
	}
	c.mu.Unlock()

	if err := c.transmit(MethodSubmit, params, handle); err != nil {
		return handle, err
	}
	return handle, nil
}

// QueuedSubmits returns the number of submissions waiting for reconnection
func (c *Client) QueuedSubmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submitQueue)
}

// newHandleLocked allocates the next correlation id; caller holds c.mu
func (c *Client) newHandleLocked() RequestHandle {
	c.nextID++
	return RequestHandle(strconv.FormatUint(c.nextID, 10))
}

// takePending removes and returns the outstanding request for the given
// correlation id, nil when the id is unknown
func (c *Client) takePending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return req
}

// failPendingLocked clears the outstanding-request table when a connection
// dies and returns the handles of in-flight submissions so their loss can be
// surfaced. Caller holds c.mu.
func (c *Client) failPendingLocked() []RequestHandle {
	var lost []RequestHandle
	for id, req := range c.pending {
		if req.method == MethodSubmit {
			lost = append(lost, req.handle)
		}
		delete(c.pending, id)
	}
	return lost
}

func (c *Client) setState(s SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// sleep waits for d or until shutdown; returns false on shutdown
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}
