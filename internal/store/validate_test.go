package store

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name    string
		e       AuditEvent
		wantErr bool
	}{
		{"ok", AuditEvent{Display: ":1", State: "ready", Viewers: 2}, false},
		{"no display", AuditEvent{State: "ready"}, true},
		{"no state", AuditEvent{Display: ":1"}, true},
		{"negative viewers", AuditEvent{Display: ":1", State: "idle", Viewers: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEvent(tt.e)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncateMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
	}{
		{"short", "probe timed out", 15},
		{"exact", strings.Repeat("a", MaxMessageLength), MaxMessageLength},
		{"long", strings.Repeat("a", 5000), MaxMessageLength + 3},
		{"multibyte boundary", strings.Repeat("é", 600), MaxMessageLength + 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateMessage(tt.in)
			if len(got) > tt.max {
				t.Errorf("len = %d, want <= %d", len(got), tt.max)
			}
			if !utf8.ValidString(got) {
				t.Error("truncation split a rune")
			}
		})
	}
}

func TestGenNewID_TimeOrdered(t *testing.T) {
	a, b := GenNewID(), GenNewID()
	if a.Version() != 7 {
		t.Errorf("version = %d, want 7", a.Version())
	}
	if a.String() >= b.String() {
		t.Errorf("ids not increasing: %s then %s", a, b)
	}
}
