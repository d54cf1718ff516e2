package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/putto11262002/roomchat/core"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Record is a message persisted by the gateway.
type Record struct {
	ID int64 `json:"id"`
	core.ChatMessage
	ReceivedAt time.Time `json:"receivedAt"`
}

// TranscriptStore keeps the history of message frames per room.
// Presence and typing frames are never stored.
type TranscriptStore interface {
	Append(ctx context.Context, m core.ChatMessage) (int64, error)
	// List returns up to limit messages of roomID, skipping the offset most
	// recent ones, oldest first.
	List(ctx context.Context, roomID string, offset, limit int) ([]Record, error)
}

type SQLiteTranscriptStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteTranscriptStore(db *sql.DB) *SQLiteTranscriptStore {
	return &SQLiteTranscriptStore{
		db:  db,
		now: time.Now,
	}
}

func (s *SQLiteTranscriptStore) Append(ctx context.Context, m core.ChatMessage) (int64, error) {
	if m.Type != core.TypeMessage {
		return 0, fmt.Errorf("%w: %s", ErrNotTranscribed, m.Type)
	}

	query := `
	INSERT INTO messages (room_id, user_id, user_name, user_role, content, sent_at, received_at)
	VALUES (@room_id, @user_id, @user_name, @user_role, @content, @sent_at, @received_at) RETURNING id`
	row := s.db.QueryRowContext(ctx, query,
		sql.Named("room_id", m.RoomID),
		sql.Named("user_id", m.UserID),
		sql.Named("user_name", m.UserName),
		sql.Named("user_role", m.UserRole),
		sql.Named("content", m.Content),
		sql.Named("sent_at", m.Timestamp),
		sql.Named("received_at", s.now().UTC()),
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("row.Scan: %w", err)
	}
	return id, nil
}

func (s *SQLiteTranscriptStore) List(ctx context.Context, roomID string, offset, limit int) ([]Record, error) {
	query := `
	SELECT id, room_id, user_id, user_name, user_role, content, sent_at, received_at
	FROM messages
	WHERE room_id = @room_id
	ORDER BY id DESC
	LIMIT @limit OFFSET @offset
	`
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("offset", offset), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		r := Record{ChatMessage: core.ChatMessage{Type: core.TypeMessage}}
		if err := rows.Scan(&r.ID, &r.RoomID, &r.UserID, &r.UserName, &r.UserRole,
			&r.Content, &r.Timestamp, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	slices.Reverse(records)
	return records, nil
}
