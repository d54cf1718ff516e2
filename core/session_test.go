package core

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Open(t *testing.T) {
	t.Run("rejects incomplete identity", func(t *testing.T) {
		d := &fakeDialer{}
		s := NewSession(d, WithLogger(discardLogger()))

		id := jane
		id.UserName = "  "
		err := s.Open(id)

		require.ErrorIs(t, err, ErrInvalidIdentity)
		assert.Contains(t, err.Error(), "userName")
		assert.Equal(t, StateIdle, s.State())
		assert.Empty(t, d.dialed())
	})

	t.Run("transitions through connecting to open", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		assert.Equal(t, jane, s.Identity())
		require.Len(t, d.dialed(), 1)
		assert.Equal(t, jane, d.last().identity)

		require.Eventually(t, func() bool {
			return r.snapshot().connected == 1
		}, baseTimeout, baseTimeout/20)
		assert.Equal(t, [][2]State{
			{StateIdle, StateConnecting},
			{StateConnecting, StateOpen},
		}, r.snapshot().transitions)
	})

	t.Run("reopening replaces the live connection", func(t *testing.T) {
		s, d, r := openSession(t, jane)
		first := d.last()

		require.NoError(t, s.Open(tom))
		waitForState(t, s, StateOpen)

		transports := d.dialed()
		require.Len(t, transports, 2)
		assert.True(t, transports[0].isClosed())
		assert.False(t, transports[1].isClosed())
		assert.Equal(t, tom, transports[1].identity)
		assert.Equal(t, tom, s.Identity())
		assert.Equal(t, []string{ReasonReplaced}, r.snapshot().disconnects)

		// frames still arriving on the replaced transport are ignored
		first.in <- frame(t, textFrom(jane, "stale", "2024-05-01T08:30:00.000Z"))
		transports[1].deliver(frame(t, textFrom(tom, "fresh", "2024-05-01T08:30:00.000Z")))
		entries := waitForEntries(t, s, 1)
		assert.Equal(t, "fresh", entries[0].Message.Content)
	})

	t.Run("reopening while connecting abandons the pending dial", func(t *testing.T) {
		d := &fakeDialer{holdRoom: jane.RoomID}
		s := NewSession(d, WithLogger(discardLogger()))
		r := record(s)
		defer s.Close()

		require.NoError(t, s.Open(jane))
		assert.Equal(t, StateConnecting, s.State())

		other := tom
		other.RoomID = SupportRoomID
		require.NoError(t, s.Open(other))
		waitForState(t, s, StateOpen)

		// give the cancelled dial time to report back
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, StateOpen, s.State())
		assert.Equal(t, other, s.Identity())
		require.Len(t, d.dialed(), 1)
		assert.Empty(t, r.snapshot().errors)
	})

	t.Run("reopening resets the log", func(t *testing.T) {
		s, d, _ := openSession(t, jane)
		d.last().deliver(frame(t, textFrom(tom, "hi", "2024-05-01T08:30:00.000Z")))
		waitForEntries(t, s, 1)

		require.NoError(t, s.Open(jane))
		assert.Empty(t, s.Messages())
		waitForState(t, s, StateOpen)

		d.last().deliver(frame(t, textFrom(tom, "again", "2024-05-01T08:31:00.000Z")))
		entries := waitForEntries(t, s, 1)
		assert.Equal(t, uint64(1), entries[0].Seq)
	})

	t.Run("connect failure moves to errored", func(t *testing.T) {
		d := &fakeDialer{err: errors.New("connection refused")}
		s := NewSession(d, WithLogger(discardLogger()))
		r := record(s)

		require.NoError(t, s.Open(jane))
		waitForState(t, s, StateErrored)

		errs := r.snapshot().errors
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrTransport)
		var terr *TransportError
		require.ErrorAs(t, errs[0], &terr)
		assert.Equal(t, "connect", terr.Op)
		assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
	})

	t.Run("connect timeout moves to errored", func(t *testing.T) {
		d := &fakeDialer{holdRoom: jane.RoomID}
		s := NewSession(d, WithLogger(discardLogger()), WithConnectTimeout(50*time.Millisecond))
		r := record(s)

		require.NoError(t, s.Open(jane))
		waitForState(t, s, StateErrored)

		errs := r.snapshot().errors
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrConnectTimeout)
		assert.ErrorIs(t, errs[0], ErrTransport)
		assert.Zero(t, r.snapshot().connected)
	})
}

func TestSession_OpenAs(t *testing.T) {
	t.Run("does nothing without an authenticated user", func(t *testing.T) {
		d := &fakeDialer{}
		s := NewSession(d, WithLogger(discardLogger()))

		require.NoError(t, s.OpenAs(&StaticIdentity{}, SupportRoomID))
		require.NoError(t, s.OpenAs(NewStaticIdentity(User{ID: "u1"}), SupportRoomID))

		assert.Equal(t, StateIdle, s.State())
		assert.Empty(t, d.dialed())
	})

	t.Run("binds the current user to the room", func(t *testing.T) {
		d := &fakeDialer{}
		s := NewSession(d, WithLogger(discardLogger()))
		defer s.Close()

		user := User{ID: "u1", Name: "Jane", Role: "customer"}
		require.NoError(t, s.OpenAs(NewStaticIdentity(user), SupportRoomID))
		waitForState(t, s, StateOpen)

		assert.Equal(t, RoomIdentity{RoomID: SupportRoomID, UserID: "u1", UserName: "Jane", UserRole: "customer"}, s.Identity())
	})
}

func TestSession_Receive(t *testing.T) {
	t.Run("appends in receipt order regardless of timestamps", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		d.last().deliver(
			frame(t, textFrom(tom, "third by clock", "2024-05-01T08:32:00.000Z")),
			frame(t, textFrom(jane, "first by clock", "2024-05-01T08:30:00.000Z")),
			frame(t, textFrom(tom, "second by clock", "2024-05-01T08:31:00.000Z")),
		)
		entries := waitForEntries(t, s, 3)

		want := []string{"third by clock", "first by clock", "second by clock"}
		for i, e := range entries {
			assert.Equal(t, uint64(i+1), e.Seq)
			assert.Equal(t, want[i], e.Message.Content)
		}
		require.Eventually(t, func() bool {
			return len(r.snapshot().entries) == 3
		}, baseTimeout, baseTimeout/20)
		assert.Equal(t, entries, r.snapshot().entries)
	})

	t.Run("join and leave frames enter the log", func(t *testing.T) {
		s, d, _ := openSession(t, jane)
		at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

		join := NewPresence(TypeJoin, tom, at)
		leave := NewPresence(TypeLeave, tom, at)
		d.last().deliver(frame(t, join), frame(t, leave))

		entries := waitForEntries(t, s, 2)
		assert.Equal(t, join, entries[0].Message)
		assert.Equal(t, leave, entries[1].Message)
	})

	t.Run("typing frames go to the typing hook only", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		d.last().deliver(
			frame(t, NewPresence(TypeTyping, tom, time.Now())),
			frame(t, textFrom(tom, "done typing", "2024-05-01T08:30:00.000Z")),
		)
		entries := waitForEntries(t, s, 1)
		assert.Equal(t, "done typing", entries[0].Message.Content)

		typing := r.snapshot().typing
		require.Len(t, typing, 1)
		assert.Equal(t, tom.UserID, typing[0].UserID)
	})

	t.Run("malformed frames are dropped", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		d.last().deliver(
			frame(t, textFrom(tom, "before", "2024-05-01T08:30:00.000Z")),
			[]byte("{not json"),
			[]byte(`{"type":"shout","roomId":"project-7","userId":"u2"}`),
			[]byte(`[]`),
			frame(t, textFrom(tom, "after", "2024-05-01T08:31:00.000Z")),
		)
		entries := waitForEntries(t, s, 2)

		assert.Equal(t, "before", entries[0].Message.Content)
		assert.Equal(t, "after", entries[1].Message.Content)
		assert.Equal(t, uint64(2), entries[1].Seq)
		assert.Equal(t, StateOpen, s.State())
		assert.Empty(t, r.snapshot().errors)
	})
}

func TestSession_Send(t *testing.T) {
	t.Run("rejects blank content before checking the connection", func(t *testing.T) {
		s := NewSession(&fakeDialer{}, WithLogger(discardLogger()))

		assert.ErrorIs(t, s.Send(""), ErrEmptyContent)
		assert.ErrorIs(t, s.Send(" \n\t "), ErrEmptyContent)
		assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
	})

	t.Run("rejects sends while connecting", func(t *testing.T) {
		d := &fakeDialer{holdRoom: jane.RoomID}
		s := NewSession(d, WithLogger(discardLogger()))
		defer s.Close()

		require.NoError(t, s.Open(jane))
		assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
	})

	t.Run("does not append until echoed", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
		s, d, _ := openSession(t, jane, WithClock(func() time.Time { return at }))

		require.NoError(t, s.Send("  hello  "))
		assert.Empty(t, s.Messages())

		sent := d.last().sentFrames()
		require.Len(t, sent, 1)
		var got ChatMessage
		require.NoError(t, json.Unmarshal(sent[0], &got))
		assert.Equal(t, textFrom(jane, "hello", "2024-05-01T08:30:00.000Z"), got)

		// the gateway echoes it back
		d.last().deliver(sent[0])
		entries := waitForEntries(t, s, 1)
		assert.Equal(t, got, entries[0].Message)
		assert.True(t, IsOwn(entries[0], jane.UserID))
	})

	t.Run("reports transport failures", func(t *testing.T) {
		s, d, _ := openSession(t, jane)
		tr := d.last()
		tr.mu.Lock()
		tr.sendErr = ErrSendBufferFull
		tr.mu.Unlock()

		err := s.Send("hello")
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, ErrSendBufferFull)
	})
}

func TestSession_Close(t *testing.T) {
	t.Run("closes the live connection", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		require.NoError(t, s.Close())
		assert.Equal(t, StateClosed, s.State())
		assert.True(t, d.last().isClosed())
		assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
		assert.Equal(t, []string{ReasonClosed}, r.snapshot().disconnects)
	})

	t.Run("is idempotent", func(t *testing.T) {
		s, _, r := openSession(t, jane)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Equal(t, StateClosed, s.State())
		assert.Len(t, r.snapshot().disconnects, 1)
	})

	t.Run("is safe before open", func(t *testing.T) {
		s := NewSession(&fakeDialer{}, WithLogger(discardLogger()))
		r := record(s)

		require.NoError(t, s.Close())
		assert.Equal(t, StateClosed, s.State())
		assert.Empty(t, r.snapshot().disconnects)
	})

	t.Run("cancels a pending dial", func(t *testing.T) {
		d := &fakeDialer{holdRoom: jane.RoomID}
		s := NewSession(d, WithLogger(discardLogger()))
		r := record(s)

		require.NoError(t, s.Open(jane))
		require.NoError(t, s.Close())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, StateClosed, s.State())
		assert.Empty(t, r.snapshot().errors)
	})

	t.Run("reports an entry being delivered before the disconnect", func(t *testing.T) {
		d := &fakeDialer{}
		s := NewSession(d, WithLogger(discardLogger()))

		var mu sync.Mutex
		var events []string
		appending := make(chan struct{})
		release := make(chan struct{})
		s.OnMessageAppended(func(e Entry) {
			close(appending)
			<-release
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "appended "+e.Message.Content)
		})
		s.OnDisconnected(func(reason string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "disconnected "+reason)
		})

		require.NoError(t, s.Open(jane))
		waitForState(t, s, StateOpen)
		d.last().deliver(frame(t, textFrom(tom, "hi", "2024-05-01T08:30:00.000Z")))
		select {
		case <-appending:
		case <-time.After(baseTimeout):
			require.FailNow(t, "timeout waiting for the entry")
		}

		closed := make(chan error, 1)
		go func() {
			closed <- s.Close()
		}()
		select {
		case <-closed:
			require.Fail(t, "Close returned while an entry was being delivered")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		waitOrTimeout(t, func() {
			assert.NoError(t, <-closed)
		}, baseTimeout, "timeout waiting for Close")
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"appended hi", "disconnected " + ReasonClosed}, events)
	})

	t.Run("can be reopened", func(t *testing.T) {
		s, d, _ := openSession(t, jane)
		require.NoError(t, s.Close())

		require.NoError(t, s.Open(jane))
		waitForState(t, s, StateOpen)
		assert.Len(t, d.dialed(), 2)
	})
}

func TestSession_RemoteEnd(t *testing.T) {
	t.Run("clean close by the gateway", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		d.last().remoteClose()
		waitForState(t, s, StateClosed)

		require.Eventually(t, func() bool {
			return len(r.snapshot().disconnects) == 1
		}, baseTimeout, baseTimeout/20)
		assert.Equal(t, ReasonRemoteClosed, r.snapshot().disconnects[0])
		assert.Empty(t, r.snapshot().errors)
		assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
	})

	t.Run("dropped connection", func(t *testing.T) {
		s, d, r := openSession(t, jane)

		d.last().fail(errors.New("connection reset by peer"))
		waitForState(t, s, StateErrored)

		require.Eventually(t, func() bool {
			return len(r.snapshot().errors) == 1
		}, baseTimeout, baseTimeout/20)
		var terr *TransportError
		require.ErrorAs(t, r.snapshot().errors[0], &terr)
		assert.Equal(t, "read", terr.Op)
		assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
	})
}
