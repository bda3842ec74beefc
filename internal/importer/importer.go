package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"chatsync/internal/adapters/evolution"
	"chatsync/internal/store"
)

// MessageStore is the subset of the relational store the importer writes to.
type MessageStore interface {
	RecentExternalIDs(ctx context.Context, conversationID string, limit int) (map[string]struct{}, error)
	InsertMessage(ctx context.Context, m *store.Message) (bool, error)
}

// Importer writes remote messages into a local conversation exactly once.
type Importer struct {
	store  MessageStore
	window int
}

// New creates an Importer. window bounds how many recent external ids are loaded for dedup.
func New(st MessageStore, window int) *Importer {
	if window <= 0 {
		window = 1000
	}
	return &Importer{store: st, window: window}
}

// Import inserts the messages not yet present in the conversation and returns how many were new.
// Messages without an id, a timestamp or extractable content are skipped.
func (im *Importer) Import(ctx context.Context, conversationID string, msgs []evolution.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	ordered := make([]evolution.Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	seen, err := im.store.RecentExternalIDs(ctx, conversationID, im.window)
	if err != nil {
		return 0, fmt.Errorf("load existing messages: %w", err)
	}

	inserted, skipped := 0, 0
	for _, rm := range ordered {
		if rm.ID == "" {
			skipped++
			continue
		}
		if _, ok := seen[rm.ID]; ok {
			continue
		}
		content := ExtractContent(rm.Payload)
		if content == "" {
			skipped++
			continue
		}
		at, ok := EpochToTime(rm.Timestamp)
		if !ok {
			skipped++
			continue
		}

		m := toLocal(conversationID, rm, content, at)
		wrote, err := im.store.InsertMessage(ctx, m)
		if err != nil {
			return inserted, err
		}
		seen[rm.ID] = struct{}{}
		if wrote {
			inserted++
		}
	}

	log.Debug().
		Str("conversationID", conversationID).
		Int("fetched", len(msgs)).
		Int("inserted", inserted).
		Int("skipped", skipped).
		Msg("Messages imported")
	return inserted, nil
}

func toLocal(conversationID string, rm evolution.Message, content string, at time.Time) *store.Message {
	sender := store.SenderUser
	if rm.FromMe {
		sender = store.SenderAgent
	}

	meta := datatypes.JSONMap{
		store.MetaExternalID: rm.ID,
		store.MetaFromMe:     rm.FromMe,
		store.MetaImported:   true,
		"message_type":       string(rm.Payload.Kind()),
	}
	if rm.RemoteJID != "" {
		meta[store.MetaRemoteJID] = rm.RemoteJID
	}
	if rm.PushName != "" {
		meta["push_name"] = rm.PushName
	}
	if rm.Participant != "" {
		meta["participant"] = rm.Participant
	}

	return &store.Message{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		ExternalID:     rm.ID,
		Metadata:       meta,
		CreatedAt:      at,
	}
}
