package core

import (
	"context"
	"time"
)

// Connection parameters sent to the gateway when dialing.
const (
	ParamRoomID   = "roomId"
	ParamUserID   = "userId"
	ParamUserName = "userName"
	ParamUserRole = "userRole"
	ParamToken    = "token"
)

// Dialer opens one transport for an identity. Dial returns once the
// handshake is acknowledged and must honor ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, id RoomIdentity) (Transport, error)
}

// Transport is a single bidirectional, FIFO frame stream.
type Transport interface {
	// Send enqueues a frame on the outbound buffer. It never blocks.
	Send(frame []byte) error
	// Listen delivers inbound frames to onFrame, in order, until the stream
	// ends. It returns nil when the stream was closed cleanly by either side.
	Listen(onFrame func(frame []byte)) error
	// Close initiates a clean close. It is safe to call more than once.
	Close() error
}

// WSConfig tunes the websocket connections on both ends.
type WSConfig struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// Maximum message size allowed from peer.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// Number of outbound frames buffered before Send fails.
	SendBuffer int `mapstructure:"send_buffer"`
}

var DefaultWSConfig = WSConfig{
	WriteWait:      10 * time.Second,
	PongWait:       60 * time.Second,
	PingPeriod:     (60 * time.Second * 9) / 10,
	MaxMessageSize: 4096,
	SendBuffer:     100,
}

// WithDefaults fills every zero field from DefaultWSConfig.
func (c WSConfig) WithDefaults() WSConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWSConfig.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultWSConfig.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultWSConfig.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultWSConfig.SendBuffer
	}
	return c
}
