package identity

import (
	"strings"
	"unicode"
)

var placeholderNames = map[string]bool{
	"":             true,
	"~":            true,
	".":            true,
	"unknown":      true,
	"desconhecido": true,
	"null":         true,
	"undefined":    true,
	"no name":      true,
	"sem nome":     true,
	"contact":      true,
	"group":        true,
}

// IsPlaceholderName reports whether name carries no human identity: empty,
// purely numeric, a known placeholder, or a generated "Contact 1234" label.
func IsPlaceholderName(name string) bool {
	name = strings.TrimSpace(name)
	if placeholderNames[strings.ToLower(name)] {
		return true
	}
	if isPhoneLike(name) {
		return true
	}
	for _, prefix := range []string{"Contact ", "Group "} {
		if rest, ok := strings.CutPrefix(name, prefix); ok && isDigits(rest) {
			return true
		}
	}
	return strings.Contains(name, "@")
}

// IsHumanName reports whether name is a genuine display name.
func IsHumanName(name string) bool {
	if IsPlaceholderName(name) {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// ShouldUpgradeName reports whether stored may be replaced by remote.
// A good name is never replaced by a worse one.
func ShouldUpgradeName(stored, remote string) bool {
	remote = strings.TrimSpace(remote)
	return IsPlaceholderName(stored) && IsHumanName(remote) && strings.TrimSpace(stored) != remote
}

// PlaceholderName builds "Contact 1234" or "Group 1234" from the last digits of the identifier,
// or a bare "Contact" or "Group" when it has none.
func PlaceholderName(id RemoteID) string {
	prefix := "Contact"
	if id.Kind == KindGroup {
		prefix = "Group"
	}
	tail := onlyDigits(id.User)
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	if tail == "" {
		return prefix
	}
	return prefix + " " + tail
}

// BestName picks the remote push name, else the phone, else a placeholder.
func BestName(pushName, phone string, id RemoteID) string {
	if name := strings.TrimSpace(pushName); IsHumanName(name) {
		return name
	}
	if phone != "" {
		return phone
	}
	return PlaceholderName(id)
}

func isPhoneLike(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}
