package gateway

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/roomchat/core"
)

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Manager keeps the connections of every room served by this instance and
// relays room frames between them through a Broker.
type Manager struct {
	rooms  map[string]map[string]*Conn
	mu     sync.RWMutex
	closed bool
	connWg sync.WaitGroup

	context context.Context
	cancel  context.CancelFunc

	broker     Broker
	transcript TranscriptStore
	upgrader   websocket.Upgrader
	config     core.WSConfig
	logger     *slog.Logger
	now        func() time.Time

	onConnectionOpened func(*Conn)
	onConnectionClosed func(*Conn)
}

type ManagerOption func(*Manager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *Manager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithWSConfig(cfg core.WSConfig) ManagerOption {
	return func(m *Manager) {
		m.config = cfg.WithDefaults()
	}
}

// WithTranscript stores every relayed message frame in s.
func WithTranscript(s TranscriptStore) ManagerOption {
	return func(m *Manager) {
		m.transcript = s
	}
}

// WithClock replaces the clock used to stamp presence frames.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(broker Broker, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:              make(map[string]map[string]*Conn),
		context:            context.Background(),
		cancel:             func() {},
		broker:             broker,
		upgrader:           defaultUpgrader,
		config:             core.DefaultWSConfig,
		logger:             slog.Default(),
		now:                time.Now,
		onConnectionOpened: func(*Conn) {},
		onConnectionClosed: func(*Conn) {},
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the broker. It must be called before serving connections.
func (m *Manager) Start(ctx context.Context) error {
	m.context, m.cancel = context.WithCancel(ctx)
	if err := m.broker.Subscribe(m.context, m.deliver); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (m *Manager) OnConnectionOpened(f func(*Conn)) {
	m.onConnectionOpened = f
}

func (m *Manager) OnConnectionClosed(f func(*Conn)) {
	m.onConnectionClosed = f
}

// Connect upgrades the request and registers the connection in the room of
// identity. On upgrade failure the upgrader has already replied.
func (m *Manager) Connect(identity core.RoomIdentity, w http.ResponseWriter, r *http.Request) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	id := uuid.NewString()
	c := &Conn{
		id:          id,
		identity:    identity,
		conn:        conn,
		config:      m.config,
		writeStream: make(chan []byte, m.config.SendBuffer),
		done:        make(chan struct{}),
		onFrame:     m.handleFrame,
		logger: m.logger.With(
			slog.String("connection", id),
			slog.String("room", identity.RoomID),
			slog.String("user", identity.UserID)),
	}
	c.notifyDisconnect = func() {
		m.disconnect(c)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrManagerClosed
	}
	room, ok := m.rooms[identity.RoomID]
	if !ok {
		room = make(map[string]*Conn)
		m.rooms[identity.RoomID] = room
	}
	room[id] = c
	m.connWg.Add(2)
	m.mu.Unlock()

	go func() {
		defer m.connWg.Done()
		c.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		c.writeLoop()
	}()

	c.logger.Info("connection opened")
	m.onConnectionOpened(c)
	m.publish(core.NewPresence(core.TypeJoin, identity, m.now()))
	return nil
}

// disconnect removes c from its room and stops it. It is safe to call more
// than once.
func (m *Manager) disconnect(c *Conn) {
	m.mu.Lock()
	room := m.rooms[c.identity.RoomID]
	if room == nil || room[c.id] != c {
		m.mu.Unlock()
		c.stop()
		return
	}
	delete(room, c.id)
	if len(room) == 0 {
		delete(m.rooms, c.identity.RoomID)
	}
	m.mu.Unlock()

	c.stop()
	c.logger.Info("connection closed")
	m.onConnectionClosed(c)
	m.publish(core.NewPresence(core.TypeLeave, c.identity, m.now()))
}

func (m *Manager) handleFrame(c *Conn, msg core.ChatMessage) {
	switch msg.Type {
	case core.TypeMessage:
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			c.logger.Debug("dropping blank message")
			return
		}
		out := core.NewMessage(c.identity, content, m.now())
		if msg.Timestamp != "" {
			out.Timestamp = msg.Timestamp
		}
		if m.transcript != nil {
			if _, err := m.transcript.Append(m.context, out); err != nil {
				c.logger.Error(fmt.Sprintf("appending to transcript: %v", err))
			}
		}
		m.publish(out)
	case core.TypeTyping:
		m.publish(core.NewPresence(core.TypeTyping, c.identity, m.now()))
	default:
		c.logger.Warn(fmt.Sprintf("dropping client sent %s frame", msg.Type))
	}
}

func (m *Manager) publish(msg core.ChatMessage) {
	frame, err := core.MarshalFrame(&msg)
	if err != nil {
		m.logger.Error(err.Error())
		return
	}
	if err := m.broker.Publish(m.context, msg.RoomID, frame); err != nil {
		m.logger.Error(fmt.Sprintf("publishing %s: %v", msg.Type, err))
	}
}

// deliver writes frame to every local connection of roomID. Connections that
// cannot keep up are disconnected.
func (m *Manager) deliver(roomID string, frame []byte) {
	var slow []*Conn
	m.mu.RLock()
	for _, c := range m.rooms[roomID] {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range slow {
		c.logger.Warn("send buffer full, disconnecting")
		// deliver runs inside Publish of the broker
		go m.disconnect(c)
	}
}

// Members returns the distinct users connected to roomID on this instance,
// ordered by id.
func (m *Manager) Members(roomID string) []core.User {
	m.mu.RLock()
	seen := make(map[string]core.User)
	for _, c := range m.rooms[roomID] {
		seen[c.identity.UserID] = c.identity.User()
	}
	m.mu.RUnlock()

	users := make([]core.User, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b core.User) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return users
}

// Close disconnects every connection and waits for their loops to return.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var conns []*Conn
	for _, room := range m.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.disconnect(c)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.conn.Close()
		}
		return ctx.Err()
	}
}
