package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const conversationColumns = `id, tenant_id, contact_id, channel, status, archived, metadata, created_at, updated_at`

// ListConversations returns the tenant's conversations in stable (created_at, id) order.
func (db *DB) ListConversations(ctx context.Context, tenantID string, filter ConversationFilter) ([]Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Archived != nil {
		query += ` AND archived = ?`
		args = append(args, *filter.Archived)
	}
	query += ` ORDER BY created_at, id`

	var convs []Conversation
	if err := db.SelectContext(ctx, &convs, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// GetConversation returns a conversation by id, or nil when none exists.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var convs []Conversation
	err := db.SelectContext(ctx, &convs, db.Rebind(`
		SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

// CreateConversation inserts c, filling its id and timestamps when unset.
func (db *DB) CreateConversation(ctx context.Context, c *Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusOpen
	}
	if c.Metadata == nil {
		c.Metadata = datatypes.JSONMap{}
	}

	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TenantID, c.ContactID, c.Channel, c.Status, c.Archived, c.Metadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation for contact %s: %w", c.ContactID, err)
	}
	return nil
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("delete messages of conversation %s: %w", id, err)
	}
	if _, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM conversations WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// UpdateConversationMetadata replaces the metadata bag without touching updated_at,
// which is reserved for inbox ordering.
func (db *DB) UpdateConversationMetadata(ctx context.Context, id string, meta datatypes.JSONMap) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if meta == nil {
		meta = datatypes.JSONMap{}
	}
	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE conversations SET metadata = ? WHERE id = ?`), meta, id)
	if err != nil {
		return fmt.Errorf("update conversation metadata %s: %w", id, err)
	}
	return nil
}

// SetConversationUpdatedAt sets the inbox ordering key of a conversation.
func (db *DB) SetConversationUpdatedAt(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.ExecContext(ctx, db.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update conversation timestamp %s: %w", id, err)
	}
	return nil
}

// CountConversations returns the number of conversations of a tenant.
func (db *DB) CountConversations(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var n int
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM conversations WHERE tenant_id = ?`), tenantID)
	return n, err
}
