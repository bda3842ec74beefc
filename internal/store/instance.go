package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetInstance returns the instance with the given name, or nil when none exists.
func (db *DB) GetInstance(ctx context.Context, name string) (*Instance, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var inst Instance
	err := db.GetContext(ctx, &inst, db.Rebind(`
		SELECT id, name, tenant_id, connection_state, created_at
		FROM instances WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %q: %w", name, err)
	}
	return &inst, nil
}

// UpsertInstance registers an instance or refreshes its tenant and state.
// Instances belong to the connection-management path; the sync engine only reads them.
func (db *DB) UpsertInstance(ctx context.Context, inst *Instance) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	if inst.ConnectionState == "" {
		inst.ConnectionState = StateClosed
	}
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO instances (id, name, tenant_id, connection_state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			connection_state = excluded.connection_state`),
		inst.ID, inst.Name, inst.TenantID, inst.ConnectionState, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert instance %q: %w", inst.Name, err)
	}
	return nil
}
