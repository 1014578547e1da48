package normalize

import (
	"regexp"
	"strings"

	"github.io/infrasutra/mailsync/internal/store"
)

var displayAddress = regexp.MustCompile(`([^<]*)<([^>]+)>`)

// ParseAddress reads a single "Display Name <addr@host>" value. A missing
// display name leaves Name empty. A value without angle brackets, including
// a bare addr@host, yields an empty Address as well.
func ParseAddress(value string) store.Address {
	match := displayAddress.FindStringSubmatch(value)
	if match == nil {
		return store.Address{}
	}
	name := strings.TrimSpace(match[1])
	name = strings.Trim(name, `"`)
	return store.Address{Name: strings.TrimSpace(name), Address: match[2]}
}

// ParseAddressList splits a header value on top-level commas and parses each
// element with ParseAddress.
func ParseAddressList(value string) []store.Address {
	var addresses []store.Address
	for _, element := range splitAddresses(value) {
		if strings.TrimSpace(element) == "" {
			continue
		}
		addresses = append(addresses, ParseAddress(element))
	}
	return addresses
}

func splitAddresses(value string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	depth := 0
	for _, r := range value {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == '<' && !inQuotes:
			depth++
		case r == '>' && !inQuotes && depth > 0:
			depth--
		case r == ',' && !inQuotes && depth == 0:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	parts = append(parts, current.String())
	return parts
}
