package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reasons passed to the disconnected callback.
const (
	ReasonClosed       = "closed"
	ReasonRemoteClosed = "closed by gateway"
	ReasonReplaced     = "replaced by a new connection"
)

const defaultConnectTimeout = 10 * time.Second

// Session owns at most one live connection for one RoomIdentity and keeps the
// receipt-ordered log of that connection.
//
// Every connection attempt gets a new generation. Dial results, frames and
// read errors from an older generation are discarded, so a session never
// reports events from a transport it has already let go of.
//
// Callbacks run one at a time, in the order of the events. They must not call
// Open or Close synchronously.
type Session struct {
	id             string
	dialer         Dialer
	logger         *slog.Logger
	connectTimeout time.Duration
	now            func() time.Time

	// events serializes callbacks. It is taken before mu, never after.
	events sync.Mutex

	mu         sync.Mutex
	state      State
	identity   RoomIdentity
	gen        uint64
	transport  Transport
	cancelDial context.CancelFunc
	log        *MessageLog

	onConnected       func()
	onDisconnected    func(reason string)
	onMessageAppended func(Entry)
	onError           func(error)
	onTyping          func(ChatMessage)
	onStateChange     func(from, to State)
}

type SessionOption func(*Session)

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithConnectTimeout bounds the Connecting state.
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.connectTimeout = d
	}
}

// WithClock replaces the clock used to stamp outbound messages.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

func NewSession(dialer Dialer, opts ...SessionOption) *Session {
	s := &Session{
		id:                uuid.NewString(),
		dialer:            dialer,
		logger:            slog.Default(),
		connectTimeout:    defaultConnectTimeout,
		now:               time.Now,
		state:             StateIdle,
		log:               NewMessageLog(),
		onConnected:       func() {},
		onDisconnected:    func(string) {},
		onMessageAppended: func(Entry) {},
		onError:           func(error) {},
		onTyping:          func(ChatMessage) {},
		onStateChange:     func(State, State) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session", s.id))
	return s
}

// OnConnected is called when the handshake completes. Set it before Open.
func (s *Session) OnConnected(f func()) {
	s.onConnected = f
}

// OnDisconnected is called when an open connection ends without an error.
// Set it before Open.
func (s *Session) OnDisconnected(f func(reason string)) {
	s.onDisconnected = f
}

// OnMessageAppended is called for every entry appended to the log. Set it
// before Open.
func (s *Session) OnMessageAppended(f func(Entry)) {
	s.onMessageAppended = f
}

// OnError receives connect and read failures. Set it before Open.
func (s *Session) OnError(f func(error)) {
	s.onError = f
}

// OnTyping receives typing frames. They never enter the log. Set it before
// Open.
func (s *Session) OnTyping(f func(ChatMessage)) {
	s.onTyping = f
}

// OnStateChange is called after every transition. Set it before Open.
func (s *Session) OnStateChange(f func(from, to State)) {
	s.onStateChange = f
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() RoomIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Messages returns a copy of the log of the current connection.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Entries()
}

// Open starts connecting as identity and returns without waiting for the
// handshake. Any previous connection of this session is closed first.
func (s *Session) Open(identity RoomIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)

	s.mu.Lock()
	prevTransport, prevCancel := s.transport, s.cancelDial
	wasOpen := s.state == StateOpen
	s.gen++
	gen := s.gen
	s.identity = identity
	s.transport = nil
	s.cancelDial = cancel
	s.log.Reset()
	from := s.setState(StateConnecting)
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevTransport != nil {
		if err := prevTransport.Close(); err != nil {
			s.logger.Warn(fmt.Sprintf("closing previous transport: %v", err))
		}
	}
	s.events.Lock()
	if wasOpen {
		s.onDisconnected(ReasonReplaced)
	}
	s.onStateChange(from, StateConnecting)
	s.events.Unlock()

	s.logger.Info("connecting", slog.String("room", identity.RoomID), slog.String("user", identity.UserID))
	go s.connect(ctx, cancel, gen, identity)
	return nil
}

// OpenAs opens roomID as the current user of p. It does nothing when p has
// no authenticated user.
func (s *Session) OpenAs(p IdentityProvider, roomID string) error {
	user, ok := p.CurrentUser()
	if !ok {
		s.logger.Debug("no authenticated user, not opening", slog.String("room", roomID))
		return nil
	}
	return s.Open(NewRoomIdentity(user, roomID))
}

func (s *Session) connect(ctx context.Context, cancel context.CancelFunc, gen uint64, identity RoomIdentity) {
	defer cancel()
	t, err := s.dialer.Dial(ctx, identity)

	s.events.Lock()
	defer s.events.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	s.cancelDial = nil
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, s.connectTimeout, err)
		}
		terr := &TransportError{Op: "connect", Err: err}
		from := s.setState(StateErrored)
		s.mu.Unlock()

		s.logger.Error(terr.Error())
		s.onStateChange(from, StateErrored)
		s.onError(terr)
		return
	}
	s.transport = t
	from := s.setState(StateOpen)
	s.mu.Unlock()

	s.logger.Info("connected")
	s.onStateChange(from, StateOpen)
	s.onConnected()

	go s.listen(gen, t)
}

func (s *Session) listen(gen uint64, t Transport) {
	err := t.Listen(func(frame []byte) {
		s.receive(gen, frame)
	})

	s.events.Lock()
	defer s.events.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	if err == nil {
		from := s.setState(StateClosing)
		s.setState(StateClosed)
		s.mu.Unlock()

		s.logger.Info("disconnected", slog.String("reason", ReasonRemoteClosed))
		s.onStateChange(from, StateClosing)
		s.onStateChange(StateClosing, StateClosed)
		s.onDisconnected(ReasonRemoteClosed)
		return
	}
	terr := &TransportError{Op: "read", Err: err}
	from := s.setState(StateErrored)
	s.mu.Unlock()

	s.logger.Error(terr.Error())
	s.onStateChange(from, StateErrored)
	s.onError(terr)
}

func (s *Session) receive(gen uint64, frame []byte) {
	msg, err := DecodeFrame(frame)
	if err != nil {
		s.logger.Warn("dropping frame", slog.String("error", err.Error()))
		return
	}

	s.events.Lock()
	defer s.events.Unlock()
	s.mu.Lock()
	if s.gen != gen || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	if msg.Type == TypeTyping {
		s.mu.Unlock()
		s.onTyping(msg)
		return
	}
	entry := s.log.Append(msg)
	s.mu.Unlock()

	s.logger.Debug(fmt.Sprintf("appended %d: %v", entry.Seq, msg))
	s.onMessageAppended(entry)
}

// Send enqueues a message frame and returns without waiting for the gateway.
// The message enters the log only once the gateway echoes it back.
func (s *Session) Send(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || s.transport == nil {
		return ErrNotConnected
	}

	msg := NewMessage(s.identity, content, s.now())
	frame, err := MarshalFrame(&msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(frame); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return ErrNotConnected
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close closes the connection, if any. It is idempotent and safe in every state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.state == StateOpen
	s.gen++
	gen := s.gen
	t, cancel := s.transport, s.cancelDial
	s.transport = nil
	s.cancelDial = nil
	from := s.setState(StateClosing)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if t != nil {
		err = t.Close()
	}

	// an entry already being delivered is reported before the disconnect
	s.events.Lock()
	defer s.events.Unlock()
	s.onStateChange(from, StateClosing)
	s.mu.Lock()
	if s.gen != gen {
		// reopened while closing
		s.mu.Unlock()
		return err
	}
	s.setState(StateClosed)
	s.mu.Unlock()

	s.logger.Info("closed")
	s.onStateChange(StateClosing, StateClosed)
	if wasOpen {
		s.onDisconnected(ReasonClosed)
	}
	return err
}

// setState must be called with mu held. It returns the previous state.
func (s *Session) setState(to State) State {
	from := s.state
	s.state = to
	return from
}
