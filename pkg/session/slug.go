// Copyright 2024-2026 Aiku AI

package session

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// AutoName returns a generated session name for callers that do not choose
// one.
func AutoName() string {
	return "autoId_" + uuid.NewString()
}

// Slugify derives a filesystem-safe identifier from a session name. Names
// made only of lower case letters, digits and underscores map to themselves.
// Every other name gets a short hash of the original appended after a dash,
// so a slug that maps to itself never contains a dash and distinct names
// never share a slug.
func Slugify(name string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(sb.String(), "-")
	if slug == "" {
		return "session-" + nameHash(name)
	}
	if slug == name && !strings.Contains(slug, "-") {
		return slug
	}
	return slug + "-" + nameHash(name)
}

func nameHash(name string) string {
	sum := blake3.Sum256([]byte(name))
	return hex.EncodeToString(sum[:4])
}
