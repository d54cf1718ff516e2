package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var (
	jane = RoomIdentity{RoomID: "project-7", UserID: "u1", UserName: "Jane", UserRole: "customer"}
	tom  = RoomIdentity{RoomID: "project-7", UserID: "u2", UserName: "Tom", UserRole: "staff"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects every event a session emits.
type recorder struct {
	mu          sync.Mutex
	connected   int
	disconnects []string
	errors      []error
	entries     []Entry
	typing      []ChatMessage
	transitions [][2]State
}

func record(s *Session) *recorder {
	r := &recorder{}
	s.OnConnected(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.connected++
	})
	s.OnDisconnected(func(reason string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.disconnects = append(r.disconnects, reason)
	})
	s.OnError(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, err)
	})
	s.OnMessageAppended(func(e Entry) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.entries = append(r.entries, e)
	})
	s.OnTyping(func(m ChatMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.typing = append(r.typing, m)
	})
	s.OnStateChange(func(from, to State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transitions = append(r.transitions, [2]State{from, to})
	})
	return r
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		connected:   r.connected,
		disconnects: append([]string(nil), r.disconnects...),
		errors:      append([]error(nil), r.errors...),
		entries:     append([]Entry(nil), r.entries...),
		typing:      append([]ChatMessage(nil), r.typing...),
		transitions: append([][2]State(nil), r.transitions...),
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, baseTimeout, baseTimeout/20, "timeout waiting for state %s, got %s", want, s.State())
}

func waitForEntries(t *testing.T, s *Session, n int) []Entry {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Messages()) == n
	}, baseTimeout, baseTimeout/20, "timeout waiting for %d entries", n)
	return s.Messages()
}

func frame(t *testing.T, m ChatMessage) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func textFrom(id RoomIdentity, content, ts string) ChatMessage {
	return ChatMessage{
		Type:      TypeMessage,
		RoomID:    id.RoomID,
		UserID:    id.UserID,
		UserName:  id.UserName,
		UserRole:  id.UserRole,
		Content:   content,
		Timestamp: ts,
	}
}

// openSession opens a session as id against a fake dialer and waits for it
// to be open.
func openSession(t *testing.T, id RoomIdentity, opts ...SessionOption) (*Session, *fakeDialer, *recorder) {
	t.Helper()
	d := &fakeDialer{}
	s := NewSession(d, append([]SessionOption{WithLogger(discardLogger())}, opts...)...)
	r := record(s)
	require.NoError(t, s.Open(id))
	waitForState(t, s, StateOpen)
	t.Cleanup(func() { s.Close() })
	return s, d, r
}

func getWSURLFromHTTPURL(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
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
