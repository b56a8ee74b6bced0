package helpers

import (
	"strings"
)

// NormalizeSubject reduces an email subject to its base form for thread
// matching, following the RFC 5256 base-subject algorithm:
// 1. Remove leading "Re:", "Fwd:", etc. (case-insensitive)
// 2. Remove leading/trailing whitespace
// 3. Repeat until no more prefixes can be removed
//
// Handled prefixes: Re, RE, re (Reply); Fw, FW, fw, Fwd, FWD, fwd, Forward
// (Forward), with or without bracketed counters like "Re[2]:".
// The result is uppercased, so matching is case-insensitive.
func NormalizeSubject(subject string) string {
	if subject == "" {
		return ""
	}

	// Uppercase for case-insensitive comparison
	normalized := strings.ToUpper(SanitizeUTF8(subject))

	// Keep removing prefixes until we can't remove any more
	changed := true
	for changed {
		changed = false
		old := normalized

		normalized = strings.TrimSpace(normalized)
		normalized = removeReplyPrefix(normalized)
		normalized = removeForwardPrefix(normalized)

		if old != normalized {
			changed = true
		}
	}

	return strings.TrimSpace(normalized)
}

// removeReplyPrefix removes reply prefixes like "Re:", "RE:", "Re[2]:", etc.
func removeReplyPrefix(s string) string {
	s = strings.TrimSpace(s)

	// Case already uppercased by caller
	if strings.HasPrefix(s, "RE:") {
		return strings.TrimSpace(s[3:])
	}

	// "Re[N]:" or "Re(N):" style prefixes
	if strings.HasPrefix(s, "RE[") || strings.HasPrefix(s, "RE(") {
		closeChar := ']'
		if s[2] == '(' {
			closeChar = ')'
		}

		closeIdx := strings.IndexRune(s[3:], closeChar)
		if closeIdx >= 0 {
			afterBracket := s[3+closeIdx+1:]
			if strings.HasPrefix(afterBracket, ":") {
				return strings.TrimSpace(afterBracket[1:])
			}
		}
	}

	return s
}

// removeForwardPrefix removes forward prefixes like "Fwd:", "FW:", "Forward:", etc.
func removeForwardPrefix(s string) string {
	s = strings.TrimSpace(s)

	prefixes := []string{
		"FWD:", "FW:", "FORWARD:",
	}

	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}

	return s
}
