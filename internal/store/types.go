package store

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Connection states reported for an instance.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClosed     = "closed"
)

// Conversation statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
	StatusPending  = "pending"
)

// Message senders.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Metadata keys shared by contacts, conversations and messages.
const (
	MetaRemoteJID    = "remote_jid"
	MetaInstanceName = "instance_name"
	MetaIsGroup      = "is_group"
	MetaIsOpaque     = "is_opaque"
	MetaExternalID   = "external_id"
	MetaFromMe       = "from_me"
	MetaImported     = "imported"
	MetaSource       = "source"
)

// Instance is one connected messaging account.
type Instance struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	TenantID        string    `db:"tenant_id"`
	ConnectionState string    `db:"connection_state"`
	CreatedAt       time.Time `db:"created_at"`
}

// Contact is a remote counterpart, person or group.
type Contact struct {
	ID        string            `db:"id"`
	TenantID  string            `db:"tenant_id"`
	Name      string            `db:"name"`
	Phone     *string           `db:"phone"`
	AvatarURL string            `db:"avatar_url"`
	Metadata  datatypes.JSONMap `db:"metadata"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// RemoteJID returns the remote identifier stored in the contact metadata.
func (c *Contact) RemoteJID() string {
	return metaString(c.Metadata, MetaRemoteJID)
}

// PhoneNumber returns the phone or an empty string.
func (c *Contact) PhoneNumber() string {
	if c.Phone == nil {
		return ""
	}
	return *c.Phone
}

// Conversation binds a contact to an instance.
type Conversation struct {
	ID        string            `db:"id"`
	TenantID  string            `db:"tenant_id"`
	ContactID string            `db:"contact_id"`
	Channel   string            `db:"channel"`
	Status    string            `db:"status"`
	Archived  bool              `db:"archived"`
	Metadata  datatypes.JSONMap `db:"metadata"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
}

// RemoteJID returns the remote identifier stored in the conversation metadata.
func (c *Conversation) RemoteJID() string {
	return metaString(c.Metadata, MetaRemoteJID)
}

// InstanceName returns the instance name stored in the conversation metadata.
func (c *Conversation) InstanceName() string {
	return metaString(c.Metadata, MetaInstanceName)
}

// Message is one imported chat message. Messages are never updated.
type Message struct {
	ID             string            `db:"id"`
	ConversationID string            `db:"conversation_id"`
	Sender         string            `db:"sender"`
	Content        string            `db:"content"`
	ExternalID     string            `db:"external_id"`
	Metadata       datatypes.JSONMap `db:"metadata"`
	CreatedAt      time.Time         `db:"created_at"`
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Archived *bool
}

func metaString(m datatypes.JSONMap, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
