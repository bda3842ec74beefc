package identity

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// Kind classifies a remote identifier.
type Kind int

const (
	KindInvalid Kind = iota
	KindDirect
	KindGroup
	KindOpaque
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindOpaque:
		return "opaque"
	case KindBroadcast:
		return "broadcast"
	default:
		return "invalid"
	}
}

// RemoteID is a classified remote identifier in canonical form.
type RemoteID struct {
	// JID is the canonical identifier with any device suffix removed.
	JID  string
	User string
	Kind Kind
}

// PhoneLess reports whether the identifier carries no phone number.
func (r RemoteID) PhoneLess() bool {
	return r.Kind == KindGroup || r.Kind == KindOpaque
}

// Classify parses a raw remote identifier. Bare phone numbers are treated as direct chats.
func Classify(raw string) RemoteID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RemoteID{Kind: KindInvalid}
	}

	if !strings.Contains(raw, "@") {
		digits := onlyDigits(raw)
		if digits == "" {
			return RemoteID{Kind: KindInvalid}
		}
		return RemoteID{JID: digits + "@" + types.DefaultUserServer, User: digits, Kind: KindDirect}
	}

	jid, err := types.ParseJID(raw)
	if err != nil || (jid.User == "" && jid.Server != types.BroadcastServer) {
		return RemoteID{Kind: KindInvalid}
	}
	jid = jid.ToNonAD()

	switch jid.Server {
	case types.GroupServer:
		return RemoteID{JID: jid.String(), User: jid.User, Kind: KindGroup}
	case types.BroadcastServer:
		return RemoteID{JID: jid.String(), User: jid.User, Kind: KindBroadcast}
	case types.HiddenUserServer, types.NewsletterServer:
		return RemoteID{JID: jid.String(), User: jid.User, Kind: KindOpaque}
	case types.DefaultUserServer, types.LegacyUserServer:
		jid.Server = types.DefaultUserServer
		return RemoteID{JID: jid.String(), User: jid.User, Kind: KindDirect}
	}

	if strings.HasSuffix(jid.Server, "lid") {
		return RemoteID{JID: jid.String(), User: jid.User, Kind: KindOpaque}
	}
	if isDigits(jid.User) {
		jid.Server = types.DefaultUserServer
		return RemoteID{JID: jid.String(), User: jid.User, Kind: KindDirect}
	}
	return RemoteID{JID: jid.String(), User: jid.User, Kind: KindOpaque}
}

// JIDForPhone builds the direct identifier of a canonical phone.
func JIDForPhone(phone string) string {
	digits := onlyDigits(phone)
	if digits == "" {
		return ""
	}
	return digits + "@" + types.DefaultUserServer
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
