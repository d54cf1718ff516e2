package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentity is returned by Open when one of the identity fields is blank.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrNoIdentity is returned when the identity provider has no authenticated user.
	ErrNoIdentity = errors.New("no authenticated user")
	// ErrNotConnected is returned by Send when the session is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyContent is returned by Send when the content is blank.
	ErrEmptyContent = errors.New("empty content")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrParse matches every *ParseError.
	ErrParse = errors.New("parse error")
	// ErrConnectTimeout indicates that the handshake did not complete in time.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrSendBufferFull indicates that the outbound buffer of the transport is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrTransportClosed is returned when writing to a transport that has been closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrInvalidRoomContext is returned when a room id cannot be resolved or parsed.
	ErrInvalidRoomContext = errors.New("invalid room context")
)

// TransportError reports a failure of the underlying connection.
type TransportError struct {
	// Op is the operation that failed: connect, read or send.
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ParseError reports an inbound frame that could not be decoded.
// It is never fatal to a session.
type ParseError struct {
	Frame []byte
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
