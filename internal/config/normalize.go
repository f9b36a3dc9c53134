package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxDisplayNumber bounds X display numbers accepted from config and hooks.
const MaxDisplayNumber = 9999

var displayRe = regexp.MustCompile(`^:?(\d{1,4})(?:\.0)?$`)

// NormalizeDisplayID converts a user- or gateway-provided display reference
// into the canonical X display name ":N".
//   - "1", ":1" and ":1.0" all become ":1"
//   - surrounding whitespace is ignored
//   - anything else (screens other than 0, host prefixes, names) is rejected
func NormalizeDisplayID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	m := displayRe.FindStringSubmatch(trimmed)
	if m == nil {
		return "", fmt.Errorf("invalid display %q: want :N", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > MaxDisplayNumber {
		return "", fmt.Errorf("invalid display %q: number out of range", raw)
	}
	return ":" + strconv.Itoa(n), nil
}

// DisplayNumber returns N for a canonical ":N" display ID.
func DisplayNumber(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, ":"))
	return n
}
