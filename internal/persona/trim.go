package persona

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const minTrimLines = 4

// TrimQuotes removes the quoted history a mail client appends below a reply.
//
// When the last three non-blank lines start with the same marker rune (a rune
// that is not a letter, digit or space, like '>' or '|'), every trailing line
// with that marker is dropped together with the blank lines above it. Texts
// with fewer than four lines, or made only of marked lines, are returned
// unchanged. CRLF line endings are returned as LF. The result is stable:
// TrimQuotes(TrimQuotes(s)) == TrimQuotes(s).
func TrimQuotes(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for {
		trimmed := trimOnce(text)
		if trimmed == text {
			return text
		}
		text = trimmed
	}
}

func trimOnce(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < minTrimLines {
		return text
	}

	end := len(lines)
	for end > 0 && isBlank(lines[end-1]) {
		end--
	}
	if end < 3 {
		return text
	}

	marker, ok := quoteMarker(lines[end-1])
	if !ok {
		return text
	}
	for _, line := range lines[end-3 : end-1] {
		if m, ok := quoteMarker(line); !ok || m != marker {
			return text
		}
	}

	cut := end
	for cut > 0 {
		if m, ok := quoteMarker(lines[cut-1]); !ok || m != marker {
			break
		}
		cut--
	}
	for cut > 0 && isBlank(lines[cut-1]) {
		cut--
	}
	if cut == 0 {
		return text
	}

	return strings.Join(lines[:cut], "\n")
}

func quoteMarker(line string) (rune, bool) {
	r, _ := utf8.DecodeRuneInString(line)
	if r == utf8.RuneError || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
		return 0, false
	}
	return r, true
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
