// Package chatid derives conversation identity from participant pairs.
package chatid

import (
	"strings"
)

// Separator joins the two participant ids. User ids never contain it.
const Separator = "_"

// CanonicalID returns the conversation id for the unordered pair (a, b).
// CanonicalID(a, b) == CanonicalID(b, a).
func CanonicalID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Participants splits a canonical id back into its sorted pair.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) {
		return "", "", false
	}
	return a, b, true
}

// ValidUserID reports whether id can take part in a canonical id and be
// used as a field name in the conversation document.
func ValidUserID(id string) bool {
	return id != "" && !strings.ContainsAny(id, Separator+".$")
}

// Matches reports whether conversationID belongs to the pair (a, b).
func Matches(conversationID, a, b string) bool {
	return conversationID == CanonicalID(a, b)
}
