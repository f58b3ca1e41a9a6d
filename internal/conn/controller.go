// Package conn manages the persistent WebSocket connection to the voice
// service. It owns the connection state machine, performs token-authenticated
// dials, pumps inbound messages to a receiver callback, and reconnects with a
// fixed delay after abnormal closes.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/types"
)

// State is the connection lifecycle state. Exactly one instance exists per
// [Controller]; transitions are the only writes.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Default connection parameters.
const (
	defaultMaxAttempts = 5
	defaultDelay       = 2 * time.Second
	defaultTokenParam  = "token"
)

// TokenSource supplies the credential attached to each dial. Implemented by
// the auth token provider.
type TokenSource interface {
	// Credential returns a currently valid credential string.
	Credential(ctx context.Context) (string, error)
}

// Receiver is invoked from the read pump for every inbound text payload.
// The byte slice must not be retained past the call.
type Receiver func(data []byte)

// StateObserver is invoked synchronously, in transition order, for every
// state change.
type StateObserver func(State)

// Option is a functional option for configuring the [Controller].
type Option func(*Controller)

// WithTokenSource enables authenticated dials: a credential is fetched from
// src immediately before every connection attempt and attached as a query
// parameter to the endpoint URL.
func WithTokenSource(src TokenSource) Option {
	return func(c *Controller) {
		c.tokens = src
	}
}

// WithTokenParam sets the query parameter name carrying the credential.
// Defaults to "token".
func WithTokenParam(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.tokenParam = name
		}
	}
}

// WithReconnect sets the maximum number of retries after the initial attempt
// and the fixed delay between them.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Controller) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if delay > 0 {
			c.delay = delay
		}
	}
}

// WithReceiver sets the callback invoked for every inbound payload.
func WithReceiver(r Receiver) Option {
	return func(c *Controller) {
		c.receiver = r
	}
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
// Useful for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Controller) {
		c.httpClient = hc
	}
}

// Controller owns the WebSocket transport and its state machine.
//
// All methods are safe for concurrent use. State observers are invoked
// synchronously on the goroutine performing the transition, in order.
type Controller struct {
	endpoint    string
	tokenParam  string
	maxAttempts int
	delay       time.Duration
	tokens      TokenSource
	receiver    Receiver
	metrics     *observe.Metrics
	httpClient  *http.Client

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	gen      uint64 // increments per established transport; stale pumps check it
	connCtx  context.Context
	connStop context.CancelFunc

	obsMu     sync.Mutex
	observers []StateObserver
}

// New creates a [Controller] dialing the given ws:// or wss:// endpoint.
func New(endpoint string, opts ...Option) (*Controller, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("conn: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("conn: endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	c := &Controller{
		endpoint:    endpoint,
		tokenParam:  defaultTokenParam,
		maxAttempts: defaultMaxAttempts,
		delay:       defaultDelay,
		state:       StateDisconnected,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// ObserveState registers an observer for state transitions. Observers are
// called synchronously in registration order for every transition.
func (c *Controller) ObserveState(obs StateObserver) {
	c.obsMu.Lock()
	c.observers = append(c.observers, obs)
	c.obsMu.Unlock()
}

// State returns a snapshot of the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions to next and notifies observers. No-op when the state
// is unchanged.
func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.obsMu.Lock()
	obs := make([]StateObserver, len(c.observers))
	copy(obs, c.observers)
	c.obsMu.Unlock()
	for _, o := range obs {
		o(next)
	}
}

// Connect establishes the connection, retrying failed handshakes up to the
// configured maximum with a fixed delay between attempts. It returns once the
// transport is open, or with a coded error once retries are exhausted, the
// context is cancelled, or the token issuer rejects the request.
//
// Calling Connect while already Connected or Connecting is a no-op.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	connCtx, stop := context.WithCancel(context.Background())
	c.connCtx = connCtx
	c.connStop = stop
	c.mu.Unlock()

	return c.dialLoop(ctx, connCtx, true)
}

// dialLoop drives the attempt/retry cycle. The initial flag marks the
// immediate first attempt of an explicit Connect; background reconnects after
// an abnormal close skip it and begin with a Reconnecting delay.
func (c *Controller) dialLoop(ctx, connCtx context.Context, initial bool) error {
	var lastErr error

	if initial {
		c.setState(StateConnecting)
		lastErr = c.dialOnce(ctx, connCtx)
		if lastErr == nil {
			return nil
		}
		if types.IsCode(lastErr, types.CodeAuth) {
			c.setState(StateError)
			return lastErr
		}
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.setState(StateReconnecting)
		observe.RecordCounter(ctx, c.metrics.Reconnects, 1)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return types.Errorf(types.CodeConnection, "conn: connect %s: %w", c.endpoint, ctx.Err())
		case <-connCtx.Done():
			c.setState(StateDisconnected)
			return types.Errorf(types.CodeConnection, "conn: connect %s: disconnected while retrying", c.endpoint)
		case <-time.After(c.delay):
		}

		c.setState(StateConnecting)
		lastErr = c.dialOnce(ctx, connCtx)
		if lastErr == nil {
			return nil
		}
		if types.IsCode(lastErr, types.CodeAuth) {
			c.setState(StateError)
			return lastErr
		}
	}

	c.setState(StateDisconnected)
	return types.Errorf(types.CodeConnection, "conn: connect %s: retries exhausted: %w", c.endpoint, lastErr)
}

// dialOnce performs a single token fetch + handshake. On success it installs
// the transport, transitions to Connected and starts the read pump.
func (c *Controller) dialOnce(ctx, connCtx context.Context) error {
	start := time.Now()
	observe.RecordCounter(ctx, c.metrics.ConnectAttempts, 1)

	target := c.endpoint
	if c.tokens != nil {
		cred, err := c.tokens.Credential(ctx)
		if err != nil {
			return err
		}
		u, err := url.Parse(c.endpoint)
		if err != nil {
			return types.Errorf(types.CodeConnection, "conn: parse endpoint: %w", err)
		}
		q := u.Query()
		q.Set(c.tokenParam, cred)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		observe.RecordStatus(ctx, c.metrics.ConnectDuration, time.Since(start), false)
		return types.Errorf(types.CodeConnection, "conn: dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.setState(StateConnected)
	observe.RecordStatus(ctx, c.metrics.ConnectDuration, time.Since(start), true)

	go c.readPump(connCtx, ws, gen)
	return nil
}

// Send marshals v as JSON and writes it as a text frame. Outside the
// Connected state the message is dropped and a not-connected error returned;
// messages are never buffered for later delivery.
func (c *Controller) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || ws == nil {
		return types.NewError(types.CodeNotConnected, "conn: send: not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conn: marshal message: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		observe.RecordCounter(ctx, c.metrics.TransportErrors, 1)
		return types.Errorf(types.CodeConnection, "conn: write: %w", err)
	}
	return nil
}

// Disconnect releases the transport and any pending reconnect timer, then
// transitions to Disconnected. Always safe to call, even when already
// disconnected. A later Connect starts a fresh cycle.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	stop := c.connStop
	c.connStop = nil
	c.gen++ // invalidate the running read pump
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.setState(StateDisconnected)
	return nil
}

// readPump delivers inbound payloads to the receiver until the transport
// fails or the connection is released. An abnormal close while this pump is
// current feeds the reconnect path.
func (c *Controller) readPump(connCtx context.Context, ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			c.handleReadError(connCtx, ws, gen, err)
			return
		}
		if c.receiver != nil {
			c.receiver(data)
		}
	}
}

// handleReadError decides whether a pump exit was a user disconnect, a
// normal peer close, or an abnormal close requiring reconnection.
func (c *Controller) handleReadError(connCtx context.Context, ws *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	current := c.gen == gen && c.ws == ws
	if current {
		c.ws = nil
	}
	c.mu.Unlock()

	if !current || connCtx.Err() != nil {
		// Superseded or released by Disconnect.
		return
	}

	_ = ws.Close(websocket.StatusNormalClosure, "read failed")

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.setState(StateDisconnected)
		return
	}

	observe.RecordCounter(connCtx, c.metrics.TransportErrors, 1)
	observe.Logger(connCtx).Warn("connection lost, reconnecting",
		"endpoint", c.endpoint,
		"error", err,
	)
	go func() {
		_ = c.dialLoop(connCtx, connCtx, false)
	}()
}
