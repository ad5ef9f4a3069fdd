// Package conversation derives canonical identifiers for two-party threads.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	// Prefix marks one-to-one conversations.
	Prefix = "private"
	// Separator joins the prefix and both participant ids.
	Separator = "_"

	reservedChars = "/.#$[]"
)

var (
	// ErrInvalidUserID reports an id that cannot take part in a conversation key.
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrInvalidConversationID reports a key that was not produced by Resolve.
	ErrInvalidConversationID = errors.New("invalid conversation id")
)

// ValidateUserID rejects ids that would make a conversation key ambiguous
// or that cannot be used as a single store path segment.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if strings.Contains(id, Separator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidUserID, id, Separator)
	}
	for _, r := range id {
		if strings.ContainsRune(reservedChars, r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains reserved character %q", ErrInvalidUserID, id, r)
		}
	}
	return nil
}

// Resolve returns "private_<min>_<max>" for the two ids, so Resolve(a, b)
// always equals Resolve(b, a).
func Resolve(a, b string) (string, error) {
	if err := ValidateUserID(a); err != nil {
		return "", err
	}
	if err := ValidateUserID(b); err != nil {
		return "", err
	}
	if b < a {
		a, b = b, a
	}
	return Prefix + Separator + a + Separator + b, nil
}

// MustResolve is Resolve for ids already known to be valid.
func MustResolve(a, b string) string {
	id, err := Resolve(a, b)
	if err != nil {
		panic(err)
	}
	return id
}

// Participants splits a conversation id back into its two ids, lowest first.
func Participants(conversationID string) (string, string, error) {
	parts := strings.Split(conversationID, Separator)
	if len(parts) != 3 || parts[0] != Prefix {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID)
	}
	a, b := parts[1], parts[2]
	if ValidateUserID(a) != nil || ValidateUserID(b) != nil || b < a {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationID)
	}
	return a, b, nil
}

// Involves reports whether userID is one of the conversation's participants.
func Involves(conversationID, userID string) bool {
	a, b, err := Participants(conversationID)
	if err != nil {
		return false
	}
	return a == userID || b == userID
}

// Peer returns the other participant of the conversation.
func Peer(conversationID, userID string) (string, bool) {
	a, b, err := Participants(conversationID)
	if err != nil {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}
