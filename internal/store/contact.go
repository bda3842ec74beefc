package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const contactColumns = `id, tenant_id, name, phone, avatar_url, metadata, created_at, updated_at`

// ListContacts returns every contact of the tenant in stable (created_at, id) order.
func (db *DB) ListContacts(ctx context.Context, tenantID string) ([]Contact, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var contacts []Contact
	err := db.SelectContext(ctx, &contacts, db.Rebind(`
		SELECT `+contactColumns+`
		FROM contacts WHERE tenant_id = ?
		ORDER BY created_at, id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// GetContact returns a contact by id, or nil when none exists.
func (db *DB) GetContact(ctx context.Context, id string) (*Contact, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var contacts []Contact
	err := db.SelectContext(ctx, &contacts, db.Rebind(`
		SELECT `+contactColumns+` FROM contacts WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return &contacts[0], nil
}

// CreateContact inserts c, filling its id and timestamps when unset.
func (db *DB) CreateContact(ctx context.Context, c *Contact) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.Metadata == nil {
		c.Metadata = datatypes.JSONMap{}
	}

	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.TenantID, c.Name, c.Phone, c.AvatarURL, c.Metadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create contact %q: %w", c.Name, err)
	}
	return nil
}

// UpdateContactName replaces the display name of a contact.
func (db *DB) UpdateContactName(ctx context.Context, id, name string) error {
	return db.touchContact(ctx, `name = ?`, id, name)
}

// UpdateContactMetadata replaces the metadata bag of a contact.
func (db *DB) UpdateContactMetadata(ctx context.Context, id string, meta datatypes.JSONMap) error {
	if meta == nil {
		meta = datatypes.JSONMap{}
	}
	return db.touchContact(ctx, `metadata = ?`, id, meta)
}

// UpdateContactAvatar sets the avatar URL of a contact.
func (db *DB) UpdateContactAvatar(ctx context.Context, id, url string) error {
	return db.touchContact(ctx, `avatar_url = ?`, id, url)
}

func (db *DB) touchContact(ctx context.Context, set, id string, value any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE contacts SET `+set+`, updated_at = ? WHERE id = ?`),
		value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update contact %s: %w", id, err)
	}
	return nil
}

// CountContacts returns the number of contacts of a tenant.
func (db *DB) CountContacts(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var n int
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM contacts WHERE tenant_id = ?`), tenantID)
	return n, err
}
