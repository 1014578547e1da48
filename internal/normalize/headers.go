package normalize

import (
	"strings"
	"unicode"
)

// HeaderKey folds a header name into lower camel case, so "Message-ID"
// becomes "messageId" and "X-GM-THRID" becomes "xGmThrid".
func HeaderKey(name string) string {
	words := headerWords(name)
	var b strings.Builder
	for i, word := range words {
		lower := strings.ToLower(word)
		if i == 0 {
			b.WriteString(lower)
			continue
		}
		runes := []rune(lower)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

// headerWords splits on any non alphanumeric rune and on lower to upper
// case transitions.
func headerWords(name string) []string {
	var words []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(current) > 0 && unicode.IsLower(current[len(current)-1]) {
			flush()
		}
		current = append(current, r)
	}
	flush()
	return words
}

type headerSet map[string][]string

func (h headerSet) add(name, value string) {
	key := HeaderKey(name)
	if key == "" {
		return
	}
	h[key] = append(h[key], value)
}

func (h headerSet) first(key string) string {
	if values := h[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}
