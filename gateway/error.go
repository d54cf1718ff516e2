package gateway

import "errors"

var (
	// ErrBadIdentity is returned when the connection parameters do not form a
	// valid identity for an addressable room.
	ErrBadIdentity = errors.New("bad identity")
	// ErrUnauthorized is returned when the token is missing, invalid or does
	// not match the requested identity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrManagerClosed is returned by Connect once the manager is shutting down.
	ErrManagerClosed = errors.New("manager closed")
	// ErrNotTranscribed is returned when appending a frame that is not a message.
	ErrNotTranscribed = errors.New("frame type is not transcribed")
	// ErrBrokerClosed is returned when publishing on a closed broker.
	ErrBrokerClosed = errors.New("broker closed")
)
