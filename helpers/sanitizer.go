package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 strips invalid UTF-8 sequences and NULL bytes from sender-supplied
// text. Postgres text columns reject 0x00 even though it is a valid rune, and
// inbound mail regularly carries broken encodings, so everything headed for the
// database passes through here first.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	out := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			// DecodeRuneInString reports size 1 for a genuinely invalid byte,
			// as opposed to a literal U+FFFD in the input.
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		out = append(out, r)
	}
	return string(out)
}
