package main

import "strings"

// parseContacts reads "number=name,number=name". Malformed pairs are
// skipped.
func parseContacts(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		number, name, ok := strings.Cut(pair, "=")
		number, name = strings.TrimSpace(number), strings.TrimSpace(name)
		if !ok || number == "" || name == "" {
			continue
		}
		out[number] = name
	}
	return out
}
