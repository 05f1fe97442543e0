package errors

import "fmt"

type MalformedFrameError struct {
	MessageName string
	FrameSize   int
	Err         error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("Malformed frame (type=%s, size=%d bytes): %v", e.MessageName, e.FrameSize, e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

type UnknownEnvelopeType struct {
	EnumName string
	Value    string
}

func (e *UnknownEnvelopeType) Error() string {
	return fmt.Sprintf("Unknown envelope type=%q (enum: %s)", e.Value, e.EnumName)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type ConnectionClosedError struct {
	ConnectionId string
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("Connection %s is closed", e.ConnectionId)
}

// QueueFullError is returned when a connection's outgoing queue cannot take
// another frame without blocking the caller.
type QueueFullError struct {
	ConnectionId string
	Capacity     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("Outgoing queue full for connection %s (capacity %d)", e.ConnectionId, e.Capacity)
}
