package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	relayerrors "github.com/moodtribe/relay/pkg/errors"
	"github.com/moodtribe/relay/pkg/message"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	// StateFailed is terminal for the session: the reconnect budget is spent.
	// Connect starts a fresh session.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Handler func(env *message.Envelope)

type ManagerParams struct {
	Origin   string
	Endpoint string

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	WriteTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger

	// OnStateChange is called outside the manager's lock, possibly from the
	// read pump or reconnect timer goroutines.
	OnStateChange func(State)
}

type subscriber struct {
	id      uint64
	handler Handler
}

type Manager struct {
	params ManagerParams
	url    string

	mut_state   sync.Mutex
	state       State
	userId      string
	conn        *websocket.Conn
	generation  uint64
	attempts    int
	backoff     backoff.BackOff
	timer       *time.Timer
	subscribers []subscriber
	nextSubId   uint64

	mut_write sync.Mutex

	log *zap.Logger
}

// RelayURL maps an http(s) origin onto the matching ws(s) relay address.
func RelayURL(origin, endpoint string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: endpoint}).String(), nil
}

func CreateManager(params ManagerParams) (*Manager, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Endpoint == "" {
		params.Endpoint = "/ws"
	}
	if params.BaseDelay <= 0 {
		params.BaseDelay = time.Second
	}
	if params.MaxDelay <= 0 {
		params.MaxDelay = 30 * time.Second
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = 5
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = 10 * time.Second
	}
	if params.Dialer == nil {
		params.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	relayUrl, err := RelayURL(params.Origin, params.Endpoint)
	if err != nil {
		return nil, err
	}

	return &Manager{
		params:  params,
		url:     relayUrl,
		state:   StateIdle,
		backoff: NewReconnectBackOff(params.BaseDelay, params.MaxDelay, params.MaxAttempts),
		log:     logger.With(zap.String("handler", "ConnectionManager"), zap.String("url", relayUrl)),
	}, nil
}

//
// Accessors

func (m *Manager) State() State {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.state
}

func (m *Manager) UserID() string {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.userId
}

func (m *Manager) ReconnectAttempts() int {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.attempts
}

func (m *Manager) URL() string {
	return m.url
}

// transitionLocked records the new state. The returned func fires
// OnStateChange and must be called after mut_state is released.
func (m *Manager) transitionLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.log.Debug("State change", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s

	cb := m.params.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

//
// Lifecycle

// Connect opens the relay socket for userId and authenticates it. A dial
// failure schedules a reconnect like any other close and is also returned.
func (m *Manager) Connect(ctx context.Context, userId string) error {
	if userId == "" {
		return &relayerrors.MissingFieldError{MessageName: "Connect", FieldName: "userId"}
	}

	m.mut_state.Lock()
	if m.userId != "" && m.userId != userId && m.sessionActiveLocked() {
		current := m.userId
		m.mut_state.Unlock()
		return &SessionInUseError{CurrentUserId: current, RequestedUserId: userId}
	}
	if m.state == StateOpen || m.state == StateConnecting {
		m.mut_state.Unlock()
		return nil
	}

	m.stopTimerLocked()
	m.userId = userId
	m.attempts = 0
	m.backoff.Reset()
	m.generation++
	gen := m.generation
	notify := m.transitionLocked(StateConnecting)
	m.mut_state.Unlock()
	notify()

	return m.dial(ctx, gen)
}

func (m *Manager) sessionActiveLocked() bool {
	switch m.state {
	case StateConnecting, StateOpen, StateReconnecting:
		return true
	}
	return false
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mut_state.Lock()
	userId := m.userId
	m.mut_state.Unlock()

	m.log.Info("Dialing relay", zap.String("userId", userId))
	conn, _, err := m.params.Dialer.DialContext(ctx, m.url, nil)
	if err == nil {
		// Auth goes out before the socket is visible to Send.
		err = m.write(conn, message.Auth(userId))
		if err != nil {
			conn.Close()
		}
	}

	m.mut_state.Lock()
	if gen != m.generation {
		m.mut_state.Unlock()
		if err == nil {
			conn.Close()
		}
		return ErrNotConnected
	}

	if err != nil {
		m.log.Warn("Failed to open relay connection", zap.Error(err))
		notify := m.scheduleReconnectLocked()
		m.mut_state.Unlock()
		notify()
		return fmt.Errorf("connect to %s: %w", m.url, err)
	}

	m.conn = conn
	m.attempts = 0
	m.backoff.Reset()
	notify := m.transitionLocked(StateOpen)
	m.mut_state.Unlock()
	notify()

	m.log.Info("Relay connection open", zap.String("userId", userId))
	go m.readPump(conn, gen)
	return nil
}

// scheduleReconnectLocked arms the reconnect timer, or moves to StateFailed
// once the backoff is exhausted.
func (m *Manager) scheduleReconnectLocked() func() {
	if m.userId == "" {
		return m.transitionLocked(StateClosed)
	}

	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.log.Error("Giving up on relay connection", zap.Int("attempts", m.attempts))
		return m.transitionLocked(StateFailed)
	}

	m.attempts++
	m.log.Info("Reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts),
		zap.Int("maxAttempts", m.params.MaxAttempts))

	gen := m.generation
	m.timer = time.AfterFunc(delay, func() { m.redial(gen) })
	return m.transitionLocked(StateReconnecting)
}

func (m *Manager) redial(gen uint64) {
	m.mut_state.Lock()
	if gen != m.generation || m.userId == "" {
		m.mut_state.Unlock()
		return
	}
	m.timer = nil
	m.generation++
	gen = m.generation
	notify := m.transitionLocked(StateConnecting)
	m.mut_state.Unlock()
	notify()

	// Failures are logged and rescheduled by dial.
	_ = m.dial(context.Background(), gen)
}

func (m *Manager) readPump(conn *websocket.Conn, gen uint64) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.onClose(conn, gen, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := message.Parse(data)
		if err != nil {
			m.log.Warn("Dropping unparseable frame from relay", zap.Error(err))
			continue
		}

		for _, sub := range m.snapshotSubscribers() {
			// An earlier handler may have unsubscribed this one.
			if m.subscribed(sub.id) {
				sub.handler(env)
			}
		}
	}
}

func (m *Manager) onClose(conn *websocket.Conn, gen uint64, err error) {
	m.mut_state.Lock()
	if gen != m.generation || m.conn != conn {
		m.mut_state.Unlock()
		return
	}
	m.conn = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Info("Relay closed the connection", zap.Error(err))
	} else {
		m.log.Warn("Relay connection lost", zap.Error(err))
	}
	notify := m.scheduleReconnectLocked()
	m.mut_state.Unlock()

	conn.Close()
	notify()
}

// Disconnect closes the socket, cancels any pending reconnect and forgets
// the user and all subscribers. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mut_state.Lock()
	m.generation++
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.userId = ""
	m.subscribers = nil
	m.attempts = 0
	m.backoff.Reset()

	notify := func() {}
	if m.state != StateIdle {
		notify = m.transitionLocked(StateClosed)
	}
	m.mut_state.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		m.log.Info("Disconnected from relay")
	}
	notify()
}

//
// Publish / subscribe

func (m *Manager) write(conn *websocket.Conn, env *message.Envelope) error {
	frame, err := message.Serialize(env)
	if err != nil {
		return err
	}

	m.mut_write.Lock()
	defer m.mut_write.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.params.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Send transmits env only while the socket is open. There is no outbox:
// envelopes sent while disconnected are dropped with ErrNotConnected.
func (m *Manager) Send(env *message.Envelope) error {
	m.mut_state.Lock()
	conn := m.conn
	m.mut_state.Unlock()

	if conn == nil {
		m.log.Warn("Relay not connected, dropping envelope", zap.String("type", string(env.Type)))
		return ErrNotConnected
	}

	if err := m.write(conn, env); err != nil {
		m.log.Warn("Failed to send envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return fmt.Errorf("send %s envelope: %w", env.Type, err)
	}
	return nil
}

func (m *Manager) SendMessage(recipientId, content string) error {
	senderId := m.UserID()
	if senderId == "" {
		return ErrNotConnected
	}
	return m.Send(message.ChatMessage(senderId, recipientId, content))
}

func (m *Manager) SendTyping(recipientId string, isTyping bool) error {
	senderId := m.UserID()
	if senderId == "" {
		return ErrNotConnected
	}
	return m.Send(message.Typing(senderId, recipientId, isTyping))
}

// Subscribe registers handler for every envelope received from the relay.
// The returned func removes exactly this registration, effective for the
// envelope being dispatched too.
func (m *Manager) Subscribe(handler Handler) func() {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()

	m.nextSubId++
	id := m.nextSubId
	m.subscribers = append(m.subscribers, subscriber{id: id, handler: handler})

	return func() {
		m.mut_state.Lock()
		defer m.mut_state.Unlock()
		for i, sub := range m.subscribers {
			if sub.id == id {
				m.subscribers = append(m.subscribers[:i:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) subscribed(id uint64) bool {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	for _, sub := range m.subscribers {
		if sub.id == id {
			return true
		}
	}
	return false
}

func (m *Manager) snapshotSubscribers() []subscriber {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return append([]subscriber(nil), m.subscribers...)
}
