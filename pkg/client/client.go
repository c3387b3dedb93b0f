// Package client owns the bridge connection: socket lifecycle, the
// authentication handshake, heartbeat, reconnect-with-backoff, and the
// pairing of outbound requests with inbound responses. Every decoded
// inbound message is published on the broadcast bus so the document,
// workspace, and terminal routers can observe it independently.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvollmar/codelink/pkg/bus"
	"github.com/nvollmar/codelink/pkg/config"
	apperrors "github.com/nvollmar/codelink/pkg/errors"
	"github.com/nvollmar/codelink/pkg/logging"
	"github.com/nvollmar/codelink/pkg/protocol"
)

// State is the connection state. Transitions are the only way it changes.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateError          State = "error"
)

// Bus subjects the client publishes on.
const (
	// SubjectState carries State values on every transition.
	SubjectState = "bridge.state"

	// SubjectError carries surfaced connection-level errors.
	SubjectError = "bridge.error"

	// subjectMessagePrefix + wire type carries every decoded inbound message.
	subjectMessagePrefix = "bridge.message."
)

// SubjectMessage returns the bus subject for a wire type tag, e.g.
// "bridge.message.document.changed".
func SubjectMessage(wireType string) string {
	return subjectMessagePrefix + wireType
}

// Options configures a Client. Zero fields fall back to defaults.
type Options struct {
	URL   string
	Token string

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// MaxReconnectTries bounds automatic reconnection after a transport
	// loss. -1 disables auto-reconnect; zero falls back to the default.
	MaxReconnectTries   int
	MaxMissedHeartbeats int

	Dialer Dialer
	Logger *logging.Logger
	Bus    bus.Broadcaster
}

// FromConfig builds Options from a loaded configuration.
func FromConfig(cfg *config.Config) Options {
	return Options{
		URL:                 cfg.Server.URL,
		Token:               cfg.Server.Token,
		RequestTimeout:      cfg.Connection.RequestTimeout,
		HeartbeatInterval:   cfg.Connection.HeartbeatInterval,
		ReconnectDelay:      cfg.Connection.ReconnectDelay,
		MaxReconnectDelay:   cfg.Connection.MaxReconnectDelay,
		MaxReconnectTries:   cfg.Connection.MaxReconnectTries,
		MaxMissedHeartbeats: cfg.Connection.MaxMissedHeartbeats,
	}
}

// Client is the protocol/connection engine.
type Client struct {
	opts   Options
	log    *logging.Logger
	bus    bus.Broadcaster
	ownBus bool
	corr   *correlator

	mu             sync.Mutex
	state          State
	transport      Transport
	clientID       string
	attempts       int
	gen            int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
}

// New creates a Client. It does not connect; call Connect.
func New(opts Options) *Client {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = config.DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay == 0 {
		opts.MaxReconnectDelay = config.DefaultMaxReconnectDelay
	}
	if opts.MaxReconnectTries == 0 {
		opts.MaxReconnectTries = config.DefaultMaxReconnectTries
	}
	if opts.Dialer == nil {
		opts.Dialer = DialWebSocket
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	c := &Client{
		opts:  opts,
		log:   opts.Logger,
		bus:   opts.Bus,
		corr:  newCorrelator(),
		state: StateDisconnected,
	}
	if c.bus == nil {
		c.bus = bus.NewMemoryBus()
		c.ownBus = true
	}
	return c
}

// Bus returns the broadcast bus carrying state changes, errors, and every
// decoded inbound message.
func (c *Client) Bus() bus.Broadcaster {
	return c.bus
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the bridge-assigned identifier, empty until authenticated.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect opens the transport, authenticates, and starts the heartbeat.
// A no-op while already connecting, authenticating, or connected. A failed
// dial schedules a reconnect attempt; a failed authentication does not.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, false, 0)
}

// connect is the shared dial path. A timer-driven retry passes fromTimer
// with the generation it was scheduled under and is discarded when a
// Disconnect or a competing Connect has moved the machine on since.
func (c *Client) connect(ctx context.Context, fromTimer bool, gen int) error {
	c.mu.Lock()
	if fromTimer && (c.gen != gen || c.state != StateReconnecting) {
		c.mu.Unlock()
		return nil
	}
	switch c.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		state := c.state
		c.mu.Unlock()
		c.log.Warn(logging.CategoryConnection, "connect_ignored", "already active", map[string]any{
			"state": string(state),
		})
		return nil
	}
	c.cancelReconnectLocked()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	transport, err := c.opts.Dialer(ctx, c.opts.URL)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateError)
		exhausted := c.attempts >= c.maxReconnectTries()
		if !exhausted {
			c.scheduleReconnectLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.publishError(err)
		if exhausted {
			c.publishError(apperrors.New(apperrors.ErrCodeTransport, "max reconnect attempts reached").
				WithContext("attempts", c.maxReconnectTries()).
				WithRetryable(false))
		}
		return err
	}

	c.mu.Lock()
	c.gen++
	gen = c.gen
	c.transport = transport
	c.mu.Unlock()

	go c.readLoop(gen, transport)

	if err := c.authenticate(ctx); err != nil {
		// Authentication failure is terminal: retrying with the same bad
		// token would loop forever, so reconnection requires new manual
		// intent. Transport-level drops reconnect automatically instead.
		c.mu.Lock()
		c.setStateLocked(StateError)
		c.mu.Unlock()
		c.publishError(err)
		c.Disconnect()
		return err
	}

	c.mu.Lock()
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.startHeartbeatLocked(gen)
	c.mu.Unlock()

	c.log.Info(logging.CategoryConnection, "connected", "handshake complete", map[string]any{
		"url": c.opts.URL,
	})
	return nil
}

// Disconnect tears the connection down: suppresses pending reconnects,
// stops the heartbeat, closes the transport, clears the assigned client id,
// and fails every pending request with DISCONNECTED.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.attempts = c.maxReconnectTries()
	c.cancelReconnectLocked()
	c.stopHeartbeatLocked()
	transport := c.transport
	c.transport = nil
	c.gen++
	c.clientID = ""
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	c.corr.failAll(apperrors.New(apperrors.ErrCodeDisconnected, "connection closed"))
	c.log.Info(logging.CategoryConnection, "disconnected", "manual disconnect", nil)
}

// Close disconnects and releases the bus if the client created it.
func (c *Client) Close() {
	c.Disconnect()
	if c.ownBus {
		_ = c.bus.Close()
	}
}

// SendRequest transmits a correlated message and waits for its response
// with the default request timeout.
func (c *Client) SendRequest(ctx context.Context, msg protocol.Correlated) (*protocol.Response, error) {
	return c.SendRequestTimeout(ctx, msg, c.opts.RequestTimeout)
}

// SendRequestTimeout transmits a correlated message and waits for the
// matching response. It fails with REQUEST_TIMEOUT when no response arrives
// in time, DISCONNECTED when the connection is torn down first, and
// APPLICATION_ERROR when the bridge answers success=false (the response is
// still returned alongside the error in that case).
func (c *Client) SendRequestTimeout(ctx context.Context, msg protocol.Correlated, timeout time.Duration) (*protocol.Response, error) {
	id := msg.CorrelationID()
	if id == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "request has no requestId").
			WithContext("type", msg.Type())
	}

	pending, err := c.corr.register(id, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.send(ctx, msg); err != nil {
		c.corr.drop(id)
		metricRequests.WithLabelValues("send_failed").Inc()
		return nil, err
	}

	select {
	case outcome := <-pending.done:
		if outcome.err != nil {
			metricRequests.WithLabelValues(outcomeLabel(outcome.err)).Inc()
			return nil, outcome.err
		}
		resp := outcome.resp
		if !resp.Success {
			metricRequests.WithLabelValues("application_error").Inc()
			message := resp.Error
			if message == "" {
				message = "bridge reported failure"
			}
			return resp, apperrors.New(apperrors.ErrCodeApplication, message).
				WithContext("requestId", id).
				WithContext("type", msg.Type())
		}
		metricRequests.WithLabelValues("success").Inc()
		return resp, nil
	case <-ctx.Done():
		c.corr.drop(id)
		metricRequests.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Send transmits a message without expecting a response.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	return c.send(ctx, msg)
}

// InFlight reports the number of requests awaiting responses.
func (c *Client) InFlight() int {
	return c.corr.size()
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return apperrors.New(apperrors.ErrCodeDisconnected, "not connected")
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := transport.WriteFrame(ctx, frame); err != nil {
		return err
	}
	c.log.Debug(logging.CategoryProtocol, "frame_sent", "", map[string]any{
		"type": msg.Type(),
	})
	return nil
}

func (c *Client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	resp, err := c.SendRequest(ctx, protocol.Auth{
		RequestID: protocol.NewRequestID(),
		Token:     c.opts.Token,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeApplication) {
			return apperrors.Wrap(err, apperrors.ErrCodeAuth, "bridge rejected credentials")
		}
		return err
	}

	if id, ok := resp.Payload["clientId"].(string); ok && id != "" {
		c.mu.Lock()
		c.clientID = id
		c.mu.Unlock()
		c.log.SetClientID(id)
	}
	return nil
}

// readLoop drains the transport until it fails. gen guards against a stale
// loop acting on a connection that was already replaced or torn down.
func (c *Client) readLoop(gen int, transport Transport) {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			c.onTransportClosed(gen, err)
			return
		}
		c.handleFrame(frame)
	}
}

// handleFrame decodes one inbound frame, offers responses to the
// correlator, and broadcasts every decoded message. A malformed frame is
// logged and dropped; it never terminates the connection.
func (c *Client) handleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		metricDecodeFailures.Inc()
		c.log.Error(logging.CategoryProtocol, "decode_failed", err.Error(), nil)
		return
	}

	if resp, ok := msg.(protocol.Response); ok {
		if !c.corr.resolve(resp) {
			c.log.Debug(logging.CategoryRequest, "unmatched_response", "", map[string]any{
				"requestId": resp.RequestID,
			})
		}
	}

	_ = c.bus.Publish(SubjectMessage(msg.Type()), msg)
}

// onTransportClosed handles an unexpected transport close or error. Unlike
// an explicit Disconnect it schedules a reconnect while attempts remain.
func (c *Client) onTransportClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// Already torn down or replaced; nothing to do.
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.gen++
	c.clientID = ""
	c.stopHeartbeatLocked()

	clean := isNormalClosure(err)
	if clean {
		c.setStateLocked(StateDisconnected)
	} else {
		c.setStateLocked(StateError)
	}

	exhausted := c.attempts >= c.maxReconnectTries()
	if !exhausted {
		c.scheduleReconnectLocked()
	} else {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	c.corr.failAll(apperrors.Wrap(err, apperrors.ErrCodeDisconnected, "connection lost"))
	if !clean {
		c.publishError(err)
	}
	if exhausted {
		c.publishError(apperrors.New(apperrors.ErrCodeTransport, "max reconnect attempts reached").
			WithContext("attempts", c.maxReconnectTries()).
			WithRetryable(false))
	}
}

// maxReconnectTries resolves the configured attempt bound; a negative
// setting means auto-reconnect is disabled.
func (c *Client) maxReconnectTries() int {
	if c.opts.MaxReconnectTries < 0 {
		return 0
	}
	return c.opts.MaxReconnectTries
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	c.setStateLocked(StateReconnecting)
	delay := backoffDelay(c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, c.attempts)
	metricReconnectAttempts.Inc()
	c.log.Info(logging.CategoryConnection, "reconnect_scheduled", "", map[string]any{
		"attempt": c.attempts,
		"delay":   delay.String(),
	})
	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.connect(context.Background(), true, gen)
	})
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// backoffDelay computes initial * 2^(attempt-1) capped at max. For a
// 2-second initial delay this yields 2s, 4s, 8s, 16s, 32s, 60s, 60s, ...
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) startHeartbeatLocked(gen int) {
	stop := make(chan struct{})
	c.heartbeatStop = stop
	go c.heartbeatLoop(gen, stop)
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// heartbeatLoop pings the bridge while connected. A failed ping is logged;
// it only forces a reconnect when MaxMissedHeartbeats is configured and the
// consecutive-miss threshold is reached. Otherwise the transport's own
// close/error handling is the sole reconnection trigger.
func (c *Client) heartbeatLoop(gen int, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, err := c.SendRequest(context.Background(), protocol.Ping{
				RequestID: protocol.NewRequestID(),
			})
			if err == nil {
				missed = 0
				c.log.Debug(logging.CategoryConnection, "heartbeat_ok", "", nil)
				continue
			}
			missed++
			c.log.Warn(logging.CategoryConnection, "heartbeat_failed", err.Error(), map[string]any{
				"missed": missed,
			})
			if c.opts.MaxMissedHeartbeats > 0 && missed >= c.opts.MaxMissedHeartbeats {
				c.log.Error(logging.CategoryConnection, "heartbeat_lost", "forcing reconnect", map[string]any{
					"missed": missed,
				})
				c.closeTransport(gen)
				return
			}
		}
	}
}

// closeTransport closes the current transport if it still belongs to gen;
// the read loop then drives the normal failure path.
func (c *Client) closeTransport(gen int) {
	c.mu.Lock()
	transport := c.transport
	if gen != c.gen {
		transport = nil
	}
	c.mu.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
}

// setStateLocked transitions the state and publishes it. Caller holds c.mu.
func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	metricConnectionState.Set(stateValues[state])
	_ = c.bus.Publish(SubjectState, state)
}

func (c *Client) publishError(err error) {
	c.log.Error(logging.CategoryConnection, "connection_error", err.Error(), nil)
	_ = c.bus.Publish(SubjectError, err)
}

func outcomeLabel(err error) string {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeTimeout:
		return "timeout"
	case apperrors.ErrCodeDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

func isNormalClosure(err error) bool {
	if websocket.IsCloseError(unwrapAll(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func unwrapAll(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}
