package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/adapters/evolution"
)

// millisecondThreshold separates second epochs from millisecond epochs.
const millisecondThreshold = 1_000_000_000_000

// ExtractContent returns the textual content of a payload, or "" when it has none.
// Text wins over placeholders; media kinds fall back to a bracketed label.
func ExtractContent(p evolution.Payload) string {
	switch v := p.(type) {
	case evolution.TextPayload:
		return strings.TrimSpace(v.Body)
	case evolution.ExtendedTextPayload:
		return strings.TrimSpace(v.Text)
	case evolution.ImagePayload:
		return captionOr(v.Caption, "[Image]")
	case evolution.VideoPayload:
		return captionOr(v.Caption, "[Video]")
	case evolution.AudioPayload:
		if v.Seconds > 0 {
			return fmt.Sprintf("[Audio %ds]", v.Seconds)
		}
		return "[Audio]"
	case evolution.DocumentPayload:
		if c := strings.TrimSpace(v.Caption); c != "" {
			return c
		}
		if v.FileName != "" {
			return "[Document: " + v.FileName + "]"
		}
		return "[Document]"
	case evolution.StickerPayload:
		return "[Sticker]"
	case evolution.LocationPayload:
		switch {
		case v.Name != "":
			return "[Location: " + v.Name + "]"
		case v.Address != "":
			return "[Location: " + v.Address + "]"
		case v.Latitude != 0 || v.Longitude != 0:
			return "[Location: " + strconv.FormatFloat(v.Latitude, 'f', 6, 64) + ", " + strconv.FormatFloat(v.Longitude, 'f', 6, 64) + "]"
		}
		return "[Location]"
	case evolution.ContactCardPayload:
		if v.Count > 1 {
			return fmt.Sprintf("[Contacts: %d]", v.Count)
		}
		if v.DisplayName != "" {
			return "[Contact: " + v.DisplayName + "]"
		}
		return "[Contact]"
	default:
		return ""
	}
}

func captionOr(caption, placeholder string) string {
	if c := strings.TrimSpace(caption); c != "" {
		return c
	}
	return placeholder
}

// EpochToTime converts a remote epoch in seconds or milliseconds to UTC.
func EpochToTime(epoch int64) (time.Time, bool) {
	if epoch <= 0 {
		return time.Time{}, false
	}
	if epoch >= millisecondThreshold {
		return time.UnixMilli(epoch).UTC(), true
	}
	return time.Unix(epoch, 0).UTC(), true
}
