package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/roomchat/core"
	"github.com/putto11262002/roomchat/pkg/router"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var (
	jane = core.RoomIdentity{RoomID: "project-7", UserID: "u1", UserName: "Jane", UserRole: "customer"}
	tom  = core.RoomIdentity{RoomID: "project-7", UserID: "u2", UserName: "Tom", UserRole: "staff"}
	ann  = core.RoomIdentity{RoomID: "support", UserID: "u3", UserName: "Ann", UserRole: "customer"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func getWSURLFromHTTPURL(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

// newTestDB opens a private in-memory database with the migrations applied.
func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(uuid.NewString(), &SQLiteDBOption{Mode: "memory", Cache: "shared"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

type gatewayFixture struct {
	t          *testing.T
	server     *httptest.Server
	manager    *Manager
	transcript *SQLiteTranscriptStore
	secret     []byte
}

type fixtureOption func(*gatewayFixture)

func withSecret(secret []byte) fixtureOption {
	return func(f *gatewayFixture) {
		f.secret = secret
	}
}

func withTranscript() fixtureOption {
	return func(f *gatewayFixture) {
		f.transcript = NewSQLiteTranscriptStore(newTestDB(f.t).DB)
	}
}

func newGatewayFixture(t *testing.T, opts ...fixtureOption) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{t: t}
	for _, opt := range opts {
		opt(f)
	}

	logger := discardLogger()
	managerOpts := []ManagerOption{WithLogger(logger)}
	var transcript TranscriptStore
	if f.transcript != nil {
		transcript = f.transcript
		managerOpts = append(managerOpts, WithTranscript(f.transcript))
	}
	f.manager = NewManager(NewLocalBroker(), managerOpts...)
	require.NoError(t, f.manager.Start(context.Background()))

	r := router.New(router.WithLogger(logger))
	NewHandler(f.manager, NewQueryAuthenticator(f.secret), transcript, logger).Routes(r)
	f.server = httptest.NewServer(r)

	t.Cleanup(f.server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
		defer cancel()
		f.manager.Close(ctx)
	})
	return f
}

func (f *gatewayFixture) wsURL() string {
	return getWSURLFromHTTPURL(f.server.URL) + "/ws"
}

func (f *gatewayFixture) newSession(opts ...core.DialerOption) *core.Session {
	d := core.NewWSDialer(f.wsURL(), append([]core.DialerOption{core.WithDialerLogger(discardLogger())}, opts...)...)
	s := core.NewSession(d, core.WithLogger(discardLogger()))
	f.t.Cleanup(func() { s.Close() })
	return s
}

// open opens a session as id and waits until it has seen its own join.
func (f *gatewayFixture) open(id core.RoomIdentity, opts ...core.DialerOption) *core.Session {
	f.t.Helper()
	s := f.newSession(opts...)
	require.NoError(f.t, s.Open(id))
	waitForEntry(f.t, s, isPresence(core.TypeJoin, id.UserID))
	return s
}

func isPresence(t core.MessageType, userID string) func(core.ChatMessage) bool {
	return func(m core.ChatMessage) bool {
		return m.Type == t && m.UserID == userID
	}
}

func isMessage(content string) func(core.ChatMessage) bool {
	return func(m core.ChatMessage) bool {
		return m.Type == core.TypeMessage && m.Content == content
	}
}

func waitForEntry(t *testing.T, s *core.Session, match func(core.ChatMessage) bool) core.Entry {
	t.Helper()
	var found core.Entry
	require.Eventually(t, func() bool {
		for _, e := range s.Messages() {
			if match(e.Message) {
				found = e
				return true
			}
		}
		return false
	}, baseTimeout, baseTimeout/20, "timeout waiting for entry")
	return found
}

// messages returns the contents of the message entries of s.
func messages(s *core.Session) []string {
	var out []string
	for _, e := range s.Messages() {
		if e.Message.Type == core.TypeMessage {
			out = append(out, e.Message.Content)
		}
	}
	return out
}

// waitOrTimeout waits for fn to return or fails the test after timeout.
func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}
