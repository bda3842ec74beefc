package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chatsync/internal/store"
)

// TimestampStore is the store surface the reconciler needs.
type TimestampStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, tenantID string, filter store.ConversationFilter) ([]store.Conversation, error)
	LatestMessageAt(ctx context.Context, conversationID string) (time.Time, bool, error)
	SetConversationUpdatedAt(ctx context.Context, id string, at time.Time) error
}

// TimestampReconciler aligns each conversation's updated_at with its newest message.
type TimestampReconciler struct {
	store TimestampStore
}

// NewTimestampReconciler creates a TimestampReconciler.
func NewTimestampReconciler(st TimestampStore) *TimestampReconciler {
	return &TimestampReconciler{store: st}
}

// Reconcile fixes the given conversations and returns how many were changed.
// Failures on one conversation do not stop the others; they are joined in the returned error.
func (r *TimestampReconciler) Reconcile(ctx context.Context, conversationIDs []string) (int, error) {
	var errs []error
	updated := 0
	for _, id := range conversationIDs {
		conv, err := r.store.GetConversation(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if conv == nil {
			continue
		}
		changed, err := r.reconcileOne(ctx, conv)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

// ReconcileTenant fixes every conversation of a tenant, archived ones included.
func (r *TimestampReconciler) ReconcileTenant(ctx context.Context, tenantID string) (int, error) {
	convs, err := r.store.ListConversations(ctx, tenantID, store.ConversationFilter{})
	if err != nil {
		return 0, fmt.Errorf("list conversations for timestamps: %w", err)
	}

	var errs []error
	updated := 0
	for i := range convs {
		changed, err := r.reconcileOne(ctx, &convs[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			updated++
		}
	}
	log.Info().Str("tenantID", tenantID).Int("conversations", len(convs)).Int("updated", updated).Msg("Conversation timestamps reconciled")
	return updated, errors.Join(errs...)
}

func (r *TimestampReconciler) reconcileOne(ctx context.Context, conv *store.Conversation) (bool, error) {
	at, ok, err := r.store.LatestMessageAt(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	if !ok || conv.UpdatedAt.Equal(at) {
		return false, nil
	}
	if err := r.store.SetConversationUpdatedAt(ctx, conv.ID, at); err != nil {
		return false, err
	}
	return true, nil
}
