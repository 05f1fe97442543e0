package message

import (
	"encoding/json"
	"time"

	"github.com/moodtribe/relay/pkg/errors"
)

type EnvelopeType string

const (
	EnvelopeType_Auth    EnvelopeType = "auth"
	EnvelopeType_Message EnvelopeType = "message"
	EnvelopeType_Typing  EnvelopeType = "typing"
)

// TimestampLayout matches the millisecond ISO-8601 form browsers produce.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Envelope is the tagged union exchanged over the relay socket. Which fields
// are meaningful depends on Type.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// auth
	UserId string `json:"userId,omitempty"`

	// message, typing
	SenderId    string `json:"senderId,omitempty"`
	RecipientId string `json:"recipientId,omitempty"`
	Content     string `json:"content,omitempty"`
	IsTyping    *bool  `json:"isTyping,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`

	// Raw holds the frame the envelope was parsed from, if any.
	Raw []byte `json:"-"`
}

type envelopeFields Envelope

type authWire struct {
	Type   EnvelopeType `json:"type"`
	UserId string       `json:"userId"`
}

type messageWire struct {
	Type        EnvelopeType `json:"type"`
	SenderId    string       `json:"senderId"`
	RecipientId string       `json:"recipientId,omitempty"`
	Content     string       `json:"content"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type typingWire struct {
	Type        EnvelopeType `json:"type"`
	SenderId    string       `json:"senderId"`
	RecipientId string       `json:"recipientId,omitempty"`
	IsTyping    bool         `json:"isTyping"`
}

// MarshalJSON writes the per-type wire shape: content and isTyping are always
// present for their types even when zero.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EnvelopeType_Auth:
		return json.Marshal(authWire{Type: e.Type, UserId: e.UserId})
	case EnvelopeType_Message:
		return json.Marshal(messageWire{
			Type:        e.Type,
			SenderId:    e.SenderId,
			RecipientId: e.RecipientId,
			Content:     e.Content,
			Timestamp:   e.Timestamp,
		})
	case EnvelopeType_Typing:
		return json.Marshal(typingWire{
			Type:        e.Type,
			SenderId:    e.SenderId,
			RecipientId: e.RecipientId,
			IsTyping:    e.IsTyping != nil && *e.IsTyping,
		})
	}

	return json.Marshal(envelopeFields(e))
}

// Parse decodes one text frame. It only fails on frames that are not a JSON
// object; type-specific checks live in Validate.
func Parse(frame []byte) (*Envelope, error) {
	var fields envelopeFields
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, &errors.MalformedFrameError{
			MessageName: "Envelope",
			FrameSize:   len(frame),
			Err:         err,
		}
	}

	env := Envelope(fields)
	env.Raw = frame
	return &env, nil
}

func Serialize(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Validate checks the fields required by the envelope's type.
func (e *Envelope) Validate() error {
	switch e.Type {
	case EnvelopeType_Auth:
		if e.UserId == "" {
			return &errors.MissingFieldError{MessageName: string(e.Type), FieldName: "userId"}
		}
		return nil
	case EnvelopeType_Message, EnvelopeType_Typing:
		if e.SenderId == "" {
			return &errors.MissingFieldError{MessageName: string(e.Type), FieldName: "senderId"}
		}
		if e.RecipientId == "" {
			return &errors.MissingFieldError{MessageName: string(e.Type), FieldName: "recipientId"}
		}
		if e.Type == EnvelopeType_Typing && e.IsTyping == nil {
			return &errors.MissingFieldError{MessageName: string(e.Type), FieldName: "isTyping"}
		}
		return nil
	}

	return &errors.UnknownEnvelopeType{
		EnumName: "Envelope::Type",
		Value:    string(e.Type),
	}
}

//
// Constructors

func Auth(userId string) *Envelope {
	return &Envelope{Type: EnvelopeType_Auth, UserId: userId}
}

func ChatMessage(senderId, recipientId, content string) *Envelope {
	return &Envelope{
		Type:        EnvelopeType_Message,
		SenderId:    senderId,
		RecipientId: recipientId,
		Content:     content,
	}
}

func Typing(senderId, recipientId string, isTyping bool) *Envelope {
	return &Envelope{
		Type:        EnvelopeType_Typing,
		SenderId:    senderId,
		RecipientId: recipientId,
		IsTyping:    &isTyping,
	}
}

// ForwardedMessage is what a recipient receives for a chat message. The
// timestamp is always the relay's clock.
func ForwardedMessage(senderId, content string, now time.Time) *Envelope {
	return &Envelope{
		Type:      EnvelopeType_Message,
		SenderId:  senderId,
		Content:   content,
		Timestamp: FormatTimestamp(now),
	}
}

func ForwardedTyping(senderId string, isTyping bool) *Envelope {
	return &Envelope{
		Type:     EnvelopeType_Typing,
		SenderId: senderId,
		IsTyping: &isTyping,
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
