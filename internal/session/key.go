// Package session defines session identity for the relay. A session is one
// logical agent execution, identified by a clientID/requestID pair, and may
// span multiple physical upstream executions via resume aliasing.
package session

import (
	"fmt"
	"strings"
)

// Key identifies one logical session as "clientID:requestID". It is the
// partition key for the event log, the subscriber set, and the upstream
// subscription. Immutable once assigned.
type Key string

// NewKey builds a Key from its two components. It does not validate them;
// callers that touch storage must call ValidateID on each component first.
func NewKey(clientID, requestID string) Key {
	return Key(clientID + ":" + requestID)
}

// Split returns the clientID and requestID components. The second return is
// empty if the key has no separator.
func (k Key) Split() (clientID, requestID string) {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func (k Key) String() string { return string(k) }

// ValidateID rejects identifiers that could escape the storage directory or
// produce ambiguous keys. Only [A-Za-z0-9_.-] is accepted, and "." / ".."
// are rejected outright. Applied on both write and scan paths.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier is empty")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("identifier %q is reserved", id)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '_' || c == '.' || c == '-' {
			continue
		}
		return fmt.Errorf("identifier %q contains invalid character %q", id, c)
	}
	return nil
}

// ValidKey reports whether both components of the key pass ValidateID.
func ValidKey(k Key) bool {
	clientID, requestID := k.Split()
	return ValidateID(clientID) == nil && ValidateID(requestID) == nil
}
