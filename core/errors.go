package core

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// ErrBlankLine is returned by ParseReading for empty or whitespace-only lines.
// Listeners skip such lines silently; they are not malformed readings.
var ErrBlankLine = errors.New("blank line")

// ErrTransportClosed marks the normal end of a connection, initiated by the peer
// or by shutdown.
var ErrTransportClosed = errors.New("transport closed")

// MalformedReadingError is returned when an inbound line cannot be decoded into a Reading.
type MalformedReadingError struct {
	Field  string // e.g., "sensor_id", "timestamp"; empty when the whole line is unreadable
	Reason string
	Err    error
}

func (e *MalformedReadingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed reading: %s", e.Reason)
	}
	return fmt.Sprintf("malformed reading: field '%s' %s", e.Field, e.Reason)
}

func (e *MalformedReadingError) Unwrap() error { return e.Err }

// SinkError wraps a persistence failure. It is logged by the caller and never
// propagated to ingestion or broadcast.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// DenyReason explains why the access gate rejected a token.
type DenyReason string

const (
	ReasonMalformedToken    DenyReason = "malformed_token"
	ReasonNotFinalized      DenyReason = "not_finalized"
	ReasonFailedStatus      DenyReason = "failed_status"
	ReasonWrongDestination  DenyReason = "wrong_destination"
	ReasonOracleUnavailable DenyReason = "oracle_unavailable"
)

// AccessDeniedError is returned by the access gate for every rejected token.
type AccessDeniedError struct {
	Reason DenyReason
	Token  string
	Err    error
}

func (e *AccessDeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("access denied (%s) for token '%s': %v", e.Reason, e.Token, e.Err)
	}
	return fmt.Sprintf("access denied (%s) for token '%s'", e.Reason, e.Token)
}

func (e *AccessDeniedError) Unwrap() error { return e.Err }

// IsMalformedReading checks if an error is a MalformedReadingError.
func IsMalformedReading(err error) bool {
	var malformed *MalformedReadingError
	return errors.As(err, &malformed)
}

// IsSinkError checks if an error is a SinkError.
func IsSinkError(err error) bool {
	var sinkErr *SinkError
	return errors.As(err, &sinkErr)
}

// IsAccessDenied checks if an error is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}

// IsMalformedToken reports whether the gate rejected the token before consulting the ledger.
func IsMalformedToken(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied) && denied.Reason == ReasonMalformedToken
}

// IsTransportClosed reports whether err is an ordinary connection teardown
// (EOF, closed socket, or a normal WebSocket close) rather than a fault.
func IsTransportClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
