package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RecentExternalIDs returns the external ids of the newest limit messages of a conversation.
func (db *DB) RecentExternalIDs(ctx context.Context, conversationID string, limit int) (map[string]struct{}, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	var ids []string
	err := db.SelectContext(ctx, &ids, db.Rebind(`
		SELECT external_id FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent external ids: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return seen, nil
}

// InsertMessage appends m unless (conversation, external id) already exists.
// It reports whether a row was written.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Metadata == nil {
		m.Metadata = datatypes.JSONMap{}
	}

	res, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO messages (id, conversation_id, sender, content, external_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, external_id) DO NOTHING`),
		m.ID, m.ConversationID, m.Sender, m.Content, m.ExternalID, m.Metadata, m.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ExternalID, err)
	}
	return n > 0, nil
}

// LatestMessageAt returns the created_at of the newest message of a conversation.
// ok is false when the conversation has no messages.
func (db *DB) LatestMessageAt(ctx context.Context, conversationID string) (at time.Time, ok bool, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err = db.GetContext(ctx, &at, db.Rebind(`
		SELECT created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT 1`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest message of %s: %w", conversationID, err)
	}
	return at, true, nil
}

// ListMessages returns the messages of a conversation oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var msgs []Message
	err := db.SelectContext(ctx, &msgs, db.Rebind(`
		SELECT id, conversation_id, sender, content, external_id, metadata, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, id`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation.
func (db *DB) CountMessages(ctx context.Context, conversationID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var n int
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`), conversationID)
	return n, err
}
