package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials the gateway over websocket, passing the identity as query
// parameters.
type WSDialer struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	token  string
	config WSConfig
	logger *slog.Logger
}

type DialerOption func(*WSDialer)

// WithToken attaches a bearer token the gateway can verify.
func WithToken(token string) DialerOption {
	return func(d *WSDialer) {
		d.token = token
	}
}

func WithHeader(h http.Header) DialerOption {
	return func(d *WSDialer) {
		d.header = h
	}
}

func WithWSConfig(cfg WSConfig) DialerOption {
	return func(d *WSDialer) {
		d.config = cfg.WithDefaults()
	}
}

func WithDialerLogger(l *slog.Logger) DialerOption {
	return func(d *WSDialer) {
		d.logger = l
	}
}

func NewWSDialer(gatewayURL string, opts ...DialerOption) *WSDialer {
	d := &WSDialer{
		url:    gatewayURL,
		dialer: websocket.DefaultDialer,
		config: DefaultWSConfig,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *WSDialer) Dial(ctx context.Context, id RoomIdentity) (Transport, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	query.Set(ParamRoomID, id.RoomID)
	query.Set(ParamUserID, id.UserID)
	query.Set(ParamUserName, id.UserName)
	query.Set(ParamUserRole, id.UserRole)
	if d.token != "" {
		query.Set(ParamToken, d.token)
	}
	u.RawQuery = query.Encode()

	conn, res, err := d.dialer.DialContext(ctx, u.String(), d.header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, res.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	logger := d.logger.With(slog.String("room", id.RoomID), slog.String("user", id.UserID))
	return newWSTransport(conn, d.config, logger), nil
}

type wsTransport struct {
	conn       *websocket.Conn
	config     WSConfig
	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
	// closing is set when the close was initiated locally, so the read
	// error that follows is not reported as a failure.
	closing atomic.Bool
	logger  *slog.Logger
}

func newWSTransport(conn *websocket.Conn, config WSConfig, logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		conn:       conn,
		config:     config,
		out:        make(chan []byte, config.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     logger,
	}
	conn.SetReadLimit(config.MaxMessageSize)
	go t.writeLoop()
	return t
}

func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (t *wsTransport) Listen(onFrame func([]byte)) error {
	defer t.shutdown()

	t.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
	})
	for {
		format, r, err := t.conn.NextReader()
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return nil
			}
			return err
		}

		if format != websocket.TextMessage {
			t.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		b, err := io.ReadAll(r)
		if err != nil {
			if t.closing.Load() {
				return nil
			}
			return err
		}
		onFrame(b)
	}
}

func (t *wsTransport) Close() error {
	t.closing.Store(true)
	t.shutdown()
	return nil
}

func (t *wsTransport) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
}

// shutdown stops the write loop, giving it WriteWait to flush the queued
// frames and WriteWait to write the close message, then closes the socket.
func (t *wsTransport) shutdown() {
	t.stop()
	timer := time.NewTimer(2 * t.config.WriteWait)
	defer timer.Stop()
	select {
	case <-t.writerDone:
	case <-timer.C:
	}
	t.conn.Close()
}

func (t *wsTransport) writeLoop() {
	ticker := time.NewTicker(t.config.PingPeriod)
	defer func() {
		ticker.Stop()
		close(t.writerDone)
	}()

	for {
		select {
		case <-t.done:
			t.flush()
			t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.Error(fmt.Sprintf("writing frame: %v", err))
				// unblocks Listen, which reports the failure
				t.conn.Close()
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Error(fmt.Sprintf("writing ping: %v", err))
				t.conn.Close()
				return
			}
		}
	}
}

// flush writes the frames Send accepted before the transport was closed.
// It gives up after WriteWait.
func (t *wsTransport) flush() {
	t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteWait))
	for {
		select {
		case frame := <-t.out:
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.logger.Warn(fmt.Sprintf("flushing frames: %v", err))
				return
			}
		default:
			return
		}
	}
}
