package store

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength caps persisted human-readable messages.
const MaxMessageLength = 1024

// ValidateEvent checks the required fields of an audit event.
func ValidateEvent(e AuditEvent) error {
	if e.Display == "" {
		return fmt.Errorf("audit event: empty display")
	}
	if e.State == "" {
		return fmt.Errorf("audit event: empty state")
	}
	if e.Viewers < 0 {
		return fmt.Errorf("audit event: negative viewer count %d", e.Viewers)
	}
	return nil
}

// TruncateMessage shortens s to MaxMessageLength bytes on a rune boundary.
func TruncateMessage(s string) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= MaxMessageLength {
		return s
	}
	n := MaxMessageLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
