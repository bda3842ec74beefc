package identity

import (
	"strings"

	"gorm.io/datatypes"

	"chatsync/internal/store"
)

// Entry is a remote chat or contact record to resolve against local contacts.
type Entry struct {
	RemoteJID string
	Name      string
	Phone     string
}

// Action tells the caller what to do with a resolved entry.
type Action int

const (
	ActionSkip Action = iota
	ActionMatch
	ActionCreate
)

// Decision is the outcome of resolving one Entry.
type Decision struct {
	Action Action
	Remote RemoteID
	// Contact is the matched contact, or the contact to create.
	Contact *store.Contact
	// Rename is the better display name for a matched contact, empty when unchanged.
	Rename string
	// Metadata is the enriched metadata for a matched contact missing its remote identifier.
	Metadata datatypes.JSONMap
}

// Resolver matches remote identities to local contacts.
type Resolver struct {
	normalizer PhoneNormalizer
}

// NewResolver creates a Resolver using the given phone normalizer.
func NewResolver(n PhoneNormalizer) *Resolver {
	return &Resolver{normalizer: n}
}

// Normalizer returns the phone normalizer in use.
func (r *Resolver) Normalizer() PhoneNormalizer {
	return r.normalizer
}

// Index is an in-memory lookup of a tenant's contacts by remote identifier and phone variant.
type Index struct {
	normalizer PhoneNormalizer
	byJID      map[string]*store.Contact
	byPhone    map[string]*store.Contact
}

// NewIndex indexes contacts. Earlier contacts win on collisions.
func (r *Resolver) NewIndex(contacts []store.Contact) *Index {
	ix := &Index{
		normalizer: r.normalizer,
		byJID:      make(map[string]*store.Contact, len(contacts)),
		byPhone:    make(map[string]*store.Contact, len(contacts)*2),
	}
	for i := range contacts {
		ix.Add(&contacts[i])
	}
	return ix
}

// Add indexes c under its remote identifier and every phone variant.
func (ix *Index) Add(c *store.Contact) {
	id := Classify(c.RemoteJID())
	if id.Kind != KindInvalid {
		if _, ok := ix.byJID[id.JID]; !ok {
			ix.byJID[id.JID] = c
		}
	}

	phones := []string{c.PhoneNumber()}
	if id.Kind == KindDirect {
		phones = append(phones, id.User)
	}
	for _, p := range phones {
		for _, v := range ix.normalizer.Variants(p) {
			if _, ok := ix.byPhone[v]; !ok {
				ix.byPhone[v] = c
			}
		}
	}
}

// Lookup finds a contact by remote identifier first, then by phone variants.
func (ix *Index) Lookup(id RemoteID, phone string) *store.Contact {
	if id.JID != "" {
		if c, ok := ix.byJID[id.JID]; ok {
			return c
		}
	}
	for _, v := range ix.normalizer.Variants(phone) {
		if c, ok := ix.byPhone[v]; ok {
			return c
		}
	}
	return nil
}

// Len returns the number of distinct remote identifiers indexed.
func (ix *Index) Len() int {
	return len(ix.byJID)
}

// Resolve classifies e and decides whether it matches an indexed contact or needs a new one.
// The index is not modified; callers Add created contacts themselves.
func (r *Resolver) Resolve(ix *Index, tenantID string, e Entry) Decision {
	id := Classify(e.RemoteJID)
	if id.Kind == KindInvalid && e.Phone != "" {
		id = Classify(e.Phone)
	}
	if id.Kind == KindInvalid || id.Kind == KindBroadcast {
		return Decision{Action: ActionSkip, Remote: id}
	}

	phone := r.PhoneFor(id, e.Phone)
	if id.Kind == KindDirect {
		if canon := r.normalizer.Canonical(id.User); canon != "" {
			id.JID, id.User = JIDForPhone(canon), canon
		}
	}

	if c := ix.Lookup(id, phone); c != nil {
		d := Decision{Action: ActionMatch, Remote: id, Contact: c}
		if ShouldUpgradeName(c.Name, e.Name) {
			d.Rename = strings.TrimSpace(e.Name)
		}
		if c.RemoteJID() == "" {
			d.Metadata = mergeMetadata(c.Metadata, id)
		}
		return d
	}

	c := &store.Contact{
		TenantID: tenantID,
		Name:     BestName(e.Name, phone, id),
		Metadata: mergeMetadata(nil, id),
	}
	c.Metadata[store.MetaSource] = "history_sync"
	if phone != "" {
		c.Phone = &phone
	}
	return Decision{Action: ActionCreate, Remote: id, Contact: c}
}

// PhoneFor returns the canonical phone of an identifier, preferring an explicit phone.
// Groups never carry a phone.
func (r *Resolver) PhoneFor(id RemoteID, explicit string) string {
	switch id.Kind {
	case KindDirect:
		if explicit != "" {
			return r.normalizer.Canonical(explicit)
		}
		return r.normalizer.Canonical(id.User)
	case KindOpaque:
		if explicit != "" {
			return r.normalizer.Canonical(explicit)
		}
	}
	return ""
}

// ContactJID returns the remote identifier of a contact from its metadata or phone.
func (r *Resolver) ContactJID(c *store.Contact) RemoteID {
	if c == nil {
		return RemoteID{Kind: KindInvalid}
	}
	if jid := c.RemoteJID(); jid != "" {
		return Classify(jid)
	}
	if phone := r.normalizer.Canonical(c.PhoneNumber()); phone != "" {
		return Classify(JIDForPhone(phone))
	}
	return RemoteID{Kind: KindInvalid}
}

// ConversationJID returns the remote identifier of a conversation, falling back to its contact.
func (r *Resolver) ConversationJID(conv *store.Conversation, contact *store.Contact) RemoteID {
	if jid := conv.RemoteJID(); jid != "" {
		if id := Classify(jid); id.Kind != KindInvalid {
			return id
		}
	}
	return r.ContactJID(contact)
}

func mergeMetadata(existing datatypes.JSONMap, id RemoteID) datatypes.JSONMap {
	meta := datatypes.JSONMap{}
	for k, v := range existing {
		meta[k] = v
	}
	meta[store.MetaRemoteJID] = id.JID
	meta[store.MetaIsGroup] = id.Kind == KindGroup
	meta[store.MetaIsOpaque] = id.Kind == KindOpaque
	return meta
}
