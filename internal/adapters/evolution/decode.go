package evolution

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// envelopePaths are the wrappers seen around list responses across deployments.
var envelopePaths = []string{
	"messages.records",
	"data.records",
	"data.messages",
	"records",
	"messages",
	"chats",
	"contacts",
	"data",
	"response",
}

// extractItems returns the list carried by body whatever its envelope.
func extractItems(body []byte) []gjson.Result {
	if !gjson.ValidBytes(body) {
		return nil
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array()
	}
	for _, path := range envelopePaths {
		if v := root.Get(path); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}

// first returns the first non-empty string found at paths.
func first(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseChat(r gjson.Result) Chat {
	return Chat{
		RemoteJID:     first(r, "remoteJid", "id", "jid"),
		Name:          first(r, "name", "pushName", "subject"),
		ProfilePicURL: first(r, "profilePicUrl", "profilePictureUrl"),
		UnreadCount:   int(r.Get("unreadCount").Int()),
		UpdatedAt:     parseTimestamp(r.Get("updatedAt")),
	}
}

func parseContact(r gjson.Result) Contact {
	return Contact{
		RemoteJID:     first(r, "remoteJid", "id", "jid"),
		PushName:      first(r, "pushName", "name", "verifiedName", "notify"),
		Phone:         first(r, "phone", "number", "phoneNumber"),
		ProfilePicURL: first(r, "profilePicUrl", "profilePictureUrl"),
	}
}

func parseMessage(r gjson.Result) Message {
	ts := parseTimestamp(r.Get("messageTimestamp"))
	if ts == 0 {
		ts = parseTimestamp(r.Get("timestamp"))
	}
	return Message{
		ID:          first(r, "key.id", "id"),
		RemoteJID:   first(r, "key.remoteJid", "remoteJid"),
		FromMe:      r.Get("key.fromMe").Bool(),
		Participant: first(r, "key.participant", "participant"),
		PushName:    first(r, "pushName"),
		MessageType: first(r, "messageType"),
		Timestamp:   ts,
		Payload:     decodePayload(r.Get("message")),
	}
}

// parseTimestamp accepts numbers, numeric strings and protobuf Long objects ({low, high}).
func parseTimestamp(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	case gjson.JSON:
		if v.IsObject() && v.Get("low").Exists() {
			low := uint32(v.Get("low").Int())
			high := uint32(v.Get("high").Int())
			return int64(uint64(high)<<32 | uint64(low))
		}
	}
	return 0
}

// wrappers hold a nested message that should be decoded in place of the outer one.
var wrappers = []string{
	"ephemeralMessage.message",
	"viewOnceMessage.message",
	"viewOnceMessageV2.message",
	"viewOnceMessageV2Extension.message",
	"documentWithCaptionMessage.message",
	"editedMessage.message",
}

// decodePayload resolves a raw message object into its variant, in priority order.
func decodePayload(m gjson.Result) Payload {
	if !m.Exists() || !m.IsObject() {
		return OtherPayload{}
	}

	if s := first(m, "conversation"); s != "" {
		return TextPayload{Body: s}
	}
	if s := first(m, "extendedTextMessage.text"); s != "" {
		return ExtendedTextPayload{Text: s}
	}
	if v := m.Get("imageMessage"); v.Exists() {
		return ImagePayload{Caption: first(v, "caption")}
	}
	if v := m.Get("videoMessage"); v.Exists() {
		return VideoPayload{Caption: first(v, "caption")}
	}
	if v := m.Get("audioMessage"); v.Exists() {
		return AudioPayload{Seconds: int(v.Get("seconds").Int()), Voice: v.Get("ptt").Bool()}
	}
	if v := m.Get("documentMessage"); v.Exists() {
		return DocumentPayload{FileName: first(v, "fileName", "title"), Caption: first(v, "caption")}
	}
	if m.Get("stickerMessage").Exists() {
		return StickerPayload{}
	}
	for _, key := range []string{"locationMessage", "liveLocationMessage"} {
		if v := m.Get(key); v.Exists() {
			return LocationPayload{
				Name:      first(v, "name"),
				Address:   first(v, "address"),
				Latitude:  v.Get("degreesLatitude").Float(),
				Longitude: v.Get("degreesLongitude").Float(),
			}
		}
	}
	if v := m.Get("contactMessage"); v.Exists() {
		return ContactCardPayload{DisplayName: first(v, "displayName"), Count: 1}
	}
	if v := m.Get("contactsArrayMessage"); v.Exists() {
		return ContactCardPayload{DisplayName: first(v, "displayName"), Count: len(v.Get("contacts").Array())}
	}
	for _, path := range wrappers {
		if inner := m.Get(path); inner.Exists() {
			return decodePayload(inner)
		}
	}

	kind := ""
	m.ForEach(func(key, _ gjson.Result) bool {
		if key.String() != "messageContextInfo" {
			kind = key.String()
			return false
		}
		return true
	})
	return OtherPayload{Type: kind}
}
