package services

import (
	"gorm.io/datatypes"

	"chatsync/internal/identity"
	"chatsync/internal/store"
)

// ArchivalPolicy shapes the conversations created to hold backfilled history.
// They are archived and resolved at creation and never changed afterwards.
type ArchivalPolicy struct {
	Channel string
}

// BackfillConversation builds the archived conversation of a dormant contact.
func (p ArchivalPolicy) BackfillConversation(tenantID string, contact *store.Contact, id identity.RemoteID, instance string) *store.Conversation {
	return &store.Conversation{
		TenantID:  tenantID,
		ContactID: contact.ID,
		Channel:   p.Channel,
		Status:    store.StatusResolved,
		Archived:  true,
		Metadata: datatypes.JSONMap{
			store.MetaRemoteJID:    id.JID,
			store.MetaInstanceName: instance,
			store.MetaImported:     true,
			"origin":               "backfill",
		},
	}
}

// LiveMetadata fills the remote identifier and instance name of a live conversation.
// It returns false when nothing is missing.
func (p ArchivalPolicy) LiveMetadata(conv *store.Conversation, id identity.RemoteID, instance string) (datatypes.JSONMap, bool) {
	if conv.RemoteJID() != "" && conv.InstanceName() != "" {
		return nil, false
	}
	meta := datatypes.JSONMap{}
	for k, v := range conv.Metadata {
		meta[k] = v
	}
	if conv.RemoteJID() == "" {
		meta[store.MetaRemoteJID] = id.JID
	}
	if conv.InstanceName() == "" {
		meta[store.MetaInstanceName] = instance
	}
	return meta, true
}
