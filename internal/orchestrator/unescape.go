package orchestrator

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// decodeUnicodeEscapes replaces literal \uXXXX sequences in s with the
// characters they encode. The CLI occasionally leaves these sequences in
// text that already passed through JSON decoding, so the stored content
// would otherwise show escape codes instead of the real characters.
// Surrogate pairs are combined; malformed sequences are left as-is.
func decodeUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'u' {
			if r, size, ok := decodeEscapeAt(s, i); ok {
				b.WriteRune(r)
				i += size
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// decodeEscapeAt decodes the \uXXXX sequence starting at i, consuming a
// following low surrogate when the first unit is a high surrogate.
func decodeEscapeAt(s string, i int) (rune, int, bool) {
	if i+6 > len(s) {
		return 0, 0, false
	}
	u1, err := strconv.ParseUint(s[i+2:i+6], 16, 32)
	if err != nil {
		return 0, 0, false
	}

	r1 := rune(u1)
	if !utf16.IsSurrogate(r1) {
		return r1, 6, true
	}

	// High surrogate: needs a trailing \uXXXX low surrogate.
	if i+12 <= len(s) && s[i+6] == '\\' && s[i+7] == 'u' {
		if u2, err := strconv.ParseUint(s[i+8:i+12], 16, 32); err == nil {
			if combined := utf16.DecodeRune(r1, rune(u2)); combined != 0xFFFD {
				return combined, 12, true
			}
		}
	}

	// Unpaired surrogate, leave the sequence alone.
	return 0, 0, false
}
