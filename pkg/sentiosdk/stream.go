package sentiosdk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamState is the connection state for one subscription target.
type StreamState int

const (
	// StateDisconnected is the initial state; nothing runs.
	StateDisconnected StreamState = iota

	// StateConnecting covers both the first attempt and backoff waits.
	StateConnecting

	// StateSubscribed means a live connection is delivering updates.
	StateSubscribed

	// StateDegraded means reconnect attempts are exhausted and the
	// fallback generator is producing synthetic updates.
	StateDegraded
)

func (s StreamState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StreamConfig configures a StreamClient. Zero values take the listed
// defaults.
type StreamConfig struct {
	// URL is the stream endpoint base (ws://, wss://; http(s) is
	// rewritten, which keeps httptest servers usable in tests).
	URL string

	// HeartbeatInterval is the ping cadence while subscribed. Default 30s.
	HeartbeatInterval time.Duration

	// BackoffBase is the first reconnect delay; each further attempt
	// doubles it. Default 1s.
	BackoffBase time.Duration

	// MaxAttempts caps consecutive failed connection attempts before the
	// client degrades to synthetic data. Default 5.
	MaxAttempts int

	// FallbackInterval is the synthetic update cadence while degraded.
	// Default 500ms.
	FallbackInterval time.Duration
}

func (cfg StreamConfig) withDefaults() StreamConfig {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = 500 * time.Millisecond
	}
	return cfg
}

// dialFunc opens one websocket connection. Overridable in tests.
type dialFunc func(urlStr string) (*websocket.Conn, error)

// StreamClient supervises one long-lived stream connection per
// subscription target. All state transitions happen under one mutex; a
// generation counter invalidates events from connections and timers that
// were superseded by Disconnect or a newer Connect.
type StreamClient struct {
	cfg    StreamConfig
	creds  *CredentialStore
	logger *slog.Logger
	dial   dialFunc

	// writeMu serializes writes on the active connection.
	writeMu sync.Mutex

	// statusMu serializes status callback delivery so Disconnect can wait
	// out an in-flight notification before returning.
	statusMu sync.Mutex

	mu             sync.Mutex
	state          StreamState
	target         string
	conn           *websocket.Conn
	gen            uint64
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	fallback       *fallbackGenerator
	lastPong       time.Time

	onUpdate func(Update)
	onAlert  func(Alert)
	onStatus func(connected bool)
}

// NewStreamClient creates a stream client in the Disconnected state. A
// nil logger falls back to slog.Default().
func NewStreamClient(cfg StreamConfig, creds *CredentialStore, logger *slog.Logger) *StreamClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamClient{
		cfg:    cfg.withDefaults(),
		creds:  creds,
		logger: logger,
		dial: func(urlStr string) (*websocket.Conn, error) {
			conn, resp, err := websocket.DefaultDialer.Dial(urlStr, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			return conn, err
		},
	}
}

// OnUpdate registers the data callback. Live and synthetic updates are
// indistinguishable here.
func (s *StreamClient) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// OnAlert registers the alert callback.
func (s *StreamClient) OnAlert(fn func(Alert)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAlert = fn
}

// OnStatus registers the connection status observer. It reports true for
// both Subscribed and Degraded, since both actively produce data.
// Deliveries are serialized and stop before Disconnect returns, so the
// callback must not call Connect or Disconnect itself.
func (s *StreamClient) OnStatus(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// State reports the current connection state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the client is actively producing data.
func (s *StreamClient) Connected() bool {
	st := s.State()
	return st == StateSubscribed || st == StateDegraded
}

// LastPong reports when the server last answered a heartbeat.
func (s *StreamClient) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

// Target reports the current subscription target.
func (s *StreamClient) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Connect starts supervising a connection for the given target. It is a
// no-op while already Connecting or Subscribed. Calling it from Degraded
// stops the fallback generator and starts a fresh attempt cycle.
func (s *StreamClient) Connect(target string) {
	s.mu.Lock()

	switch s.state {
	case StateConnecting, StateSubscribed:
		s.mu.Unlock()
		return
	}

	wasDegraded := s.state == StateDegraded
	fb := s.fallback
	s.fallback = nil

	s.gen++
	gen := s.gen
	s.target = target
	s.attempts = 0
	s.state = StateConnecting
	s.mu.Unlock()

	if fb != nil {
		fb.halt()
	}
	if wasDegraded {
		s.notifyStatus(gen, false)
	}

	go s.attemptConnect(gen)
}

// Disconnect tears everything down: heartbeat, pending reconnect,
// fallback generator and the connection itself (closed with a normal
// code). It is the only event that suppresses auto-reconnect, and it is
// synchronous: when it returns, no timers run and no further callbacks
// fire.
func (s *StreamClient) Disconnect() {
	s.mu.Lock()

	s.gen++
	gen := s.gen
	wasConnected := s.state == StateSubscribed || s.state == StateDegraded
	alreadyDown := s.state == StateDisconnected
	s.state = StateDisconnected
	s.attempts = 0

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopHeartbeatLocked()

	fb := s.fallback
	s.fallback = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if fb != nil {
		fb.halt()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			deadline,
		)
		_ = conn.Close()
	}

	// notifyStatus also acts as a barrier: it waits for any in-flight
	// status delivery from the superseded generation before returning.
	if wasConnected {
		s.notifyStatus(gen, false)
	} else {
		s.statusMu.Lock()
		s.statusMu.Unlock()
	}
	if alreadyDown {
		return
	}
	s.logger.Debug("stream disconnected")
}

// SwitchTarget changes the subscription target without reconnecting. If
// currently subscribed it sends an unsubscribe/subscribe pair over the
// live connection; otherwise it just records the target for the next
// successful connect.
func (s *StreamClient) SwitchTarget(newTarget string) {
	s.mu.Lock()
	old := s.target
	s.target = newTarget
	if s.fallback != nil {
		s.fallback.setTarget(newTarget)
	}
	var conn *websocket.Conn
	if s.state == StateSubscribed {
		conn = s.conn
	}
	s.mu.Unlock()

	if conn == nil || old == newTarget {
		return
	}

	s.writeMessage(conn, controlMessage{Action: actionUnsubscribe, TargetID: old})
	s.writeMessage(conn, controlMessage{Action: actionSubscribe, TargetID: newTarget})
}

// attemptConnect performs one connection attempt for the given
// generation. Attempts strictly serialize: the next one is only ever
// scheduled from this attempt's failure path.
func (s *StreamClient) attemptConnect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	token, err := s.creds.ValidAccessToken(ctx)
	cancel()
	if err != nil {
		// Proceed unauthenticated; the server decides.
		s.logger.Debug("connecting stream without token", "error", err)
		token = ""
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	target := s.target
	s.mu.Unlock()

	conn, dialErr := s.dial(streamURL(s.cfg.URL, target, token))

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if dialErr != nil {
		s.logger.Debug("stream connection attempt failed", "target", target, "error", dialErr)
		s.connectFailedLocked(gen)
		s.mu.Unlock()
		return
	}

	s.conn = conn
	s.state = StateSubscribed
	s.attempts = 0
	// Re-read the target: SwitchTarget may have landed while the dial was
	// in flight, and the subscribe message must carry the current one.
	target = s.target
	s.startHeartbeatLocked(conn)
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	s.writeMessage(conn, controlMessage{Action: actionSubscribe, TargetID: target})

	s.logger.Info("stream subscribed", "target", target)
	s.notifyStatus(gen, true)
}

// connectFailedLocked applies the backoff policy after a failed attempt:
// delay = base * 2^(attempts-1), attempts capped at MaxAttempts, then
// Degraded. Called with s.mu held.
func (s *StreamClient) connectFailedLocked(gen uint64) {
	s.attempts++

	if s.attempts >= s.cfg.MaxAttempts {
		s.enterDegradedLocked(gen)
		return
	}

	delay := s.cfg.BackoffBase << (s.attempts - 1)
	s.logger.Info("stream reconnect scheduled",
		"target", s.target,
		"attempt", s.attempts,
		"delay", delay,
	)

	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen || s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		s.reconnectTimer = nil
		s.mu.Unlock()

		s.attemptConnect(gen)
	})
}

// enterDegradedLocked starts the fallback generator. Degraded trades
// fidelity for availability: once Connect has been called the consumer
// always has a live feed. Called with s.mu held.
func (s *StreamClient) enterDegradedLocked(gen uint64) {
	s.state = StateDegraded
	s.logger.Warn("stream degraded to synthetic data", "target", s.target)

	s.fallback = newFallbackGenerator(
		s.cfg.FallbackInterval,
		s.target,
		s.dispatchUpdate,
		s.dispatchAlert,
	)
	s.fallback.start()

	go s.notifyStatus(gen, true)
}

// readLoop delivers incoming messages in arrival order until the
// connection dies.
func (s *StreamClient) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}
		s.handleMessage(gen, data)
	}
}

// handleClose classifies a dead connection: normal and policy closes stop
// the client, everything else feeds the reconnect/backoff machinery.
// Transient failures are absorbed here, never surfaced to the consumer.
func (s *StreamClient) handleClose(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	s.stopHeartbeatLocked()
	s.conn = nil

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) &&
		(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.ClosePolicyViolation) {
		s.state = StateDisconnected
		s.mu.Unlock()

		s.logger.Info("stream closed", "code", closeErr.Code)
		s.notifyStatus(gen, false)
		return
	}

	s.logger.Debug("stream connection lost", "error", err)
	s.state = StateConnecting
	s.connectFailedLocked(gen)
	degraded := s.state == StateDegraded
	s.mu.Unlock()

	// Degraded keeps producing, so only the drop into Connecting reports
	// not-connected; enterDegradedLocked already reported true.
	if !degraded {
		s.notifyStatus(gen, false)
	}
}

// handleMessage dispatches one incoming message by type. Malformed or
// unrecognized messages are logged and dropped; they never tear down the
// connection.
func (s *StreamClient) handleMessage(gen uint64, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("dropping malformed stream message", "error", err)
		return
	}

	switch env.Type {
	case messageTypeUpdate:
		var u Update
		if err := json.Unmarshal(data, &u); err != nil {
			s.logger.Warn("dropping malformed update", "error", err)
			return
		}
		if s.current(gen) {
			s.dispatchUpdate(u)
		}

	case messageTypeAlert:
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			s.logger.Warn("dropping malformed alert", "error", err)
			return
		}
		if s.current(gen) {
			s.dispatchAlert(a)
		}

	case messageTypeSubscribed:
		s.logger.Debug("subscription acknowledged")

	case messageTypePong:
		s.mu.Lock()
		if s.gen == gen {
			s.lastPong = time.Now()
		}
		s.mu.Unlock()

	case messageTypeError:
		var se streamError
		_ = json.Unmarshal(data, &se)
		s.logger.Warn("server stream error", "code", se.Code, "message", se.Message)

	default:
		s.logger.Debug("ignoring unrecognized stream message", "type", env.Type)
	}
}

func (s *StreamClient) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// notifyStatus delivers one status callback if gen is still current. The
// gen check happens after statusMu is held, so a Disconnect that bumped
// the generation either suppresses the delivery or blocks until it
// finishes.
func (s *StreamClient) notifyStatus(gen uint64, connected bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.mu.Lock()
	fn := s.onStatus
	live := s.gen == gen
	s.mu.Unlock()

	if live && fn != nil {
		fn(connected)
	}
}

func (s *StreamClient) dispatchUpdate(u Update) {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (s *StreamClient) dispatchAlert(a Alert) {
	s.mu.Lock()
	fn := s.onAlert
	s.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

// startHeartbeatLocked begins the ping cadence for conn. Called with
// s.mu held.
func (s *StreamClient) startHeartbeatLocked(conn *websocket.Conn) {
	s.stopHeartbeatLocked()

	stop := make(chan struct{})
	s.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.writeMessage(conn, controlMessage{Action: actionPing})
			}
		}
	}()
}

// stopHeartbeatLocked stops the ping cadence. Called with s.mu held.
func (s *StreamClient) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *StreamClient) writeMessage(conn *websocket.Conn, msg controlMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("stream write failed", "action", msg.Action, "error", err)
	}
}

// timersRunning counts live timers (reconnect, heartbeat, fallback).
// Used to verify Disconnect left nothing behind.
func (s *StreamClient) timersRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if s.reconnectTimer != nil {
		n++
	}
	if s.heartbeatStop != nil {
		n++
	}
	if s.fallback != nil {
		n++
	}
	return n
}

// streamURL builds the per-target connection URL with the access token as
// a query parameter.
func streamURL(base, target, token string) string {
	base = strings.TrimSuffix(base, "/")

	// Accept http(s) bases so httptest servers work unchanged.
	if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	} else if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}

	u := base + "/v1/stream/" + url.PathEscape(target)
	if token != "" {
		u += "?" + url.Values{"token": {token}}.Encode()
	}
	return u
}
