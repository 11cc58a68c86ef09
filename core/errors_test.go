package core

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers(t *testing.T) {
	malformed := &MalformedReadingError{Field: "sensor_id", Reason: "cannot be empty"}
	sinkErr := &SinkError{Sink: "influxdb", Err: errors.New("timeout")}
	denied := &AccessDeniedError{Reason: ReasonWrongDestination, Token: "0xabc"}
	badToken := &AccessDeniedError{Reason: ReasonMalformedToken, Token: "nope"}

	assert.True(t, IsMalformedReading(fmt.Errorf("line 3: %w", malformed)))
	assert.False(t, IsMalformedReading(sinkErr))

	assert.True(t, IsSinkError(fmt.Errorf("record: %w", sinkErr)))
	assert.ErrorContains(t, sinkErr, "sink influxdb: timeout")

	assert.True(t, IsAccessDenied(denied))
	assert.False(t, IsMalformedToken(denied))
	assert.True(t, IsMalformedToken(badToken))
	assert.Contains(t, denied.Error(), "wrong_destination")
}

func TestIsTransportClosed(t *testing.T) {
	assert.False(t, IsTransportClosed(nil))
	assert.True(t, IsTransportClosed(io.EOF))
	assert.True(t, IsTransportClosed(fmt.Errorf("read: %w", net.ErrClosed)))
	assert.True(t, IsTransportClosed(ErrTransportClosed))
	assert.True(t, IsTransportClosed(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.False(t, IsTransportClosed(&websocket.CloseError{Code: websocket.CloseProtocolError}))
	assert.False(t, IsTransportClosed(errors.New("connection reset by peer")))

	assert.True(t, IsTransportClosed(&net.OpError{Op: "accept", Net: "tcp", Err: net.ErrClosed}))
	assert.False(t, IsTransportClosed(errors.New("use of closed network connection")), "only the sentinel counts")
}
