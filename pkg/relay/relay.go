package relay

import (
	stderrors "errors"
	"time"

	"github.com/moodtribe/relay/pkg/errors"
	"github.com/moodtribe/relay/pkg/handlers"
	"github.com/moodtribe/relay/pkg/message"
	"go.uber.org/zap"
)

// Registry is the identifier -> connection lookup the relay forwards through.
// The in-process implementation is internal.ConnectionRegistry; anything that
// honours the same ownership rules can stand in for it.
type Registry interface {
	Register(userId string, conn handlers.Connection) handlers.Connection
	Lookup(userId string) (handlers.Connection, bool)
	Unregister(userId string, conn handlers.Connection) bool
}

// Presence is told whenever the owner of a user id may have changed.
type Presence interface {
	Notify(userId string)
}

type noopPresence struct{}

func (noopPresence) Notify(string) {}

type RelayConfig struct {
	Registry Registry
	Presence Presence
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Relay struct {
	registry Registry
	presence Presence
	clock    func() time.Time

	log *zap.Logger
}

func CreateRelay(config RelayConfig) (*Relay, error) {
	if config.Registry == nil {
		return nil, &errors.MissingFieldError{
			MessageName: "RelayConfig",
			FieldName:   "Registry",
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	var presence Presence = noopPresence{}
	if config.Presence != nil {
		presence = config.Presence
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Relay{
		registry: config.Registry,
		presence: presence,
		clock:    clock,
		log:      logger.With(zap.String("handler", "Relay")),
	}, nil
}

// Open implements handlers.ConnectionHandler.
func (r *Relay) Open(conn handlers.Connection) handlers.ConnectionSession {
	return r.OpenSession(conn)
}

func (r *Relay) OpenSession(conn handlers.Connection) *Session {
	log := r.log.With(zap.String("connId", conn.Id()))
	log.Debug("Connection opened, awaiting auth")

	return &Session{
		relay: r,
		conn:  conn,
		log:   log,
	}
}

func (r *Relay) forward(log *zap.Logger, recipientId string, env *message.Envelope) {
	recipient, has := r.registry.Lookup(recipientId)
	if !has || !recipient.IsOpen() {
		log.Debug("Recipient not connected, dropping envelope",
			zap.String("recipientId", recipientId),
			zap.String("type", string(env.Type)))
		return
	}

	frame, err := message.Serialize(env)
	if err != nil {
		log.Error("Failed to serialize forwarded envelope", zap.Error(err))
		return
	}

	if err := recipient.Send(frame); err != nil {
		log.Warn("Failed to forward envelope, dropping",
			zap.String("recipientId", recipientId),
			zap.String("recipientConnId", recipient.Id()),
			zap.Error(err))
	}
}

// Session tracks one connection from Connected(unauthenticated) through
// Connected(authenticated) to Terminated.
type Session struct {
	relay *Relay
	conn  handlers.Connection

	userId string
	closed bool

	log *zap.Logger
}

func (s *Session) UserId() string {
	return s.userId
}

func (s *Session) Authenticated() bool {
	return s.userId != ""
}

// HandleFrame processes one inbound frame. A returned error describes why
// the frame was dropped; the connection stays usable either way.
func (s *Session) HandleFrame(frame []byte) error {
	if s.closed {
		return &errors.ConnectionClosedError{ConnectionId: s.conn.Id()}
	}

	env, err := message.Parse(frame)
	if err != nil {
		s.log.Warn("Dropping malformed frame", zap.Error(err))
		return err
	}

	if err := env.Validate(); err != nil {
		var unknown *errors.UnknownEnvelopeType
		if stderrors.As(err, &unknown) {
			s.log.Debug("Ignoring envelope with unknown type", zap.String("type", unknown.Value))
		} else {
			s.log.Warn("Dropping invalid envelope", zap.Error(err))
		}
		return err
	}

	switch env.Type {
	case message.EnvelopeType_Auth:
		s.authenticate(env.UserId)
	case message.EnvelopeType_Message:
		s.relay.forward(s.log, env.RecipientId,
			message.ForwardedMessage(env.SenderId, env.Content, s.relay.clock()))
	case message.EnvelopeType_Typing:
		s.relay.forward(s.log, env.RecipientId,
			message.ForwardedTyping(env.SenderId, *env.IsTyping))
	}

	return nil
}

func (s *Session) authenticate(userId string) {
	registry := s.relay.registry

	if s.userId != "" && s.userId != userId {
		if registry.Unregister(s.userId, s.conn) {
			s.relay.presence.Notify(s.userId)
		}
		s.log.Info("Connection re-authenticated as a different user",
			zap.String("previousUserId", s.userId),
			zap.String("userId", userId))
	}

	previous := registry.Register(userId, s.conn)
	s.userId = userId
	s.log = s.relay.log.With(zap.String("connId", s.conn.Id()), zap.String("userId", userId))

	if previous != nil {
		s.log.Info("Replaced previous connection for user", zap.String("previousConnId", previous.Id()))
	} else {
		s.log.Info("Connection authenticated")
	}

	s.relay.presence.Notify(userId)
}

// Close releases the session's registry entry if this connection still owns
// it. Safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.userId == "" {
		s.log.Debug("Unauthenticated connection closed")
		return
	}

	if s.relay.registry.Unregister(s.userId, s.conn) {
		s.log.Info("Connection closed, user unregistered")
		s.relay.presence.Notify(s.userId)
		return
	}

	s.log.Debug("Connection closed after being replaced, registry left untouched")
}
