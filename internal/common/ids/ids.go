// Package ids generates the short opaque identifiers used across Kagan.
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Length is the number of hex characters in a Kagan ID.
const Length = 8

var validID = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// New returns a new 8-hex-char identifier derived from a random UUID.
func New() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:Length]
}

// Valid reports whether s is a well-formed Kagan ID.
func Valid(s string) bool {
	return validID.MatchString(s)
}

// Short returns the first Length characters of id, for branch and path names.
func Short(id string) string {
	if len(id) <= Length {
		return id
	}
	return id[:Length]
}
