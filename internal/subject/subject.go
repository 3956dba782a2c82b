// Package subject maps logical stream and group names onto NATS subjects and
// consumer names.
package subject

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

const (
	// maxTokenLen bounds a token so durable names ("<group>__<stream>") stay
	// well under the JetStream name limit.
	maxTokenLen = 64

	// keepLen is how much of the sanitized name survives in front of the hash suffix.
	keepLen = 40
)

// Token converts name into a single subject token that is also a valid
// JetStream consumer name fragment.
//
// Anything outside [A-Za-z0-9_-] becomes '_', which also keeps tokens valid
// as KV key segments. Whenever the result differs from name or is too long,
// an xxh3 suffix of the original name is appended so distinct names never
// share a token.
//
// Example:
//
//	Token("shopping_alice")   // "shopping_alice"
//	Token("team.a/list 1")    // "team_a_list_1-3f1c9a0d2e4b5c6a"
func Token(name string) string {
	sanitized, changed := sanitize(name)
	if !changed && len(sanitized) <= maxTokenLen && sanitized != "" {
		return sanitized
	}

	if len(sanitized) > keepLen {
		sanitized = sanitized[:keepLen]
	}

	return sanitized + "-" + strconv.FormatUint(xxh3.HashString(name), 16)
}

// Subject returns the subject carrying entries of stream under prefix.
//
// Each '.'-separated part of stream becomes its own token, so a pair key
// built by joining two tokens maps onto two subject levels.
func Subject(prefix, stream string) string {
	parts := strings.Split(stream, ".")
	for i, part := range parts {
		parts[i] = Token(part)
	}

	return prefix + "." + strings.Join(parts, ".")
}

// Filter returns the wildcard subject matching every stream under prefix.
func Filter(prefix string) string {
	return prefix + ".>"
}

// Durable returns the durable consumer name for group on stream.
func Durable(group, stream string) string {
	return Token(group) + "__" + Token(stream)
}

// RosterKey returns the KV key of an owner's membership in channel.
func RosterKey(channel, owner string) string {
	return Token(channel) + "." + Token(owner)
}

// RosterPrefix returns the KV key filter matching every member of channel.
func RosterPrefix(channel string) string {
	return Token(channel) + ".*"
}

func sanitize(name string) (string, bool) {
	var b strings.Builder
	b.Grow(len(name))

	changed := false
	for _, r := range name {
		if isTokenRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
			changed = true
		}
	}

	return b.String(), changed
}

// isTokenRune limits tokens to the intersection of what subjects, consumer
// names and KV keys accept.
func isTokenRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}
