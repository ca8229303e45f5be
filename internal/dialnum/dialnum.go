// Package dialnum turns keypad input into dialable numbers.
//
// Normalization is a heuristic, not a numbering-plan check: it accepts
// strings that look like E.164 and expands bare 10-digit numbers with one
// of two fixed country codes. Numbers it accepts may still be rejected by
// the telephony provider.
package dialnum

import (
	"errors"
	"strings"
)

// MaxDigits is the longest dial string the keypad accepts.
const MaxDigits = 15

var (
	ErrInvalid = errors.New("dialnum: number is not dialable")
	ErrTooLong = errors.New("dialnum: number too long")
	ErrBadKey  = errors.New("dialnum: unsupported key")
)

// Policy selects the country codes used to expand bare 10-digit numbers.
type Policy struct {
	// MobileCode prefixes 10-digit numbers starting with 7, 8 or 9.
	MobileCode string
	// DefaultCode prefixes any other 10-digit number starting with 2-9.
	DefaultCode string
	MaxDigits   int
}

// DefaultPolicy matches the backend's expectations: Indian mobile numbers
// and North American numbers.
func DefaultPolicy() Policy {
	return Policy{MobileCode: "+91", DefaultCode: "+1", MaxDigits: MaxDigits}
}

func (p Policy) maxDigits() int {
	if p.MaxDigits <= 0 || p.MaxDigits > MaxDigits {
		return MaxDigits
	}
	return p.MaxDigits
}

// Clean strips everything except digits and a leading '+'.
func Clean(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize returns the canonical E.164 form of raw, or ErrInvalid.
func Normalize(raw string, p Policy) (string, error) {
	n := Clean(raw)

	if strings.HasPrefix(n, "+") {
		digits := n[1:]
		if len(digits) >= 10 && len(digits) <= 15 && allDigits(digits) {
			return n, nil
		}
		return "", ErrInvalid
	}

	if len(n) != 10 {
		return "", ErrInvalid
	}
	switch n[0] {
	case '7', '8', '9':
		return p.MobileCode + n, nil
	case '2', '3', '4', '5', '6':
		return p.DefaultCode + n, nil
	}
	return "", ErrInvalid
}

// Valid reports whether raw normalizes under p.
func Valid(raw string, p Policy) bool {
	_, err := Normalize(raw, p)
	return err == nil
}

// AppendKey adds one keypad key to current.
func AppendKey(current, key string, p Policy) (string, error) {
	if !IsKey(key) {
		return current, ErrBadKey
	}
	if len(current) >= p.maxDigits() {
		return current, ErrTooLong
	}
	return current + key, nil
}

// Backspace removes the last key from current.
func Backspace(current string) string {
	if current == "" {
		return ""
	}
	return current[:len(current)-1]
}

// Accept checks that an externally supplied number (e.g. picked from
// contacts) fits the keypad and normalizes. Formatting is stripped, so
// the result is what the keypad would hold.
func Accept(raw string, p Policy) (string, error) {
	n := Clean(raw)
	if len(n) > p.maxDigits() {
		return "", ErrTooLong
	}
	if !Valid(n, p) {
		return "", ErrInvalid
	}
	return n, nil
}

// IsKey reports whether key is a single keypad symbol.
func IsKey(key string) bool {
	if len(key) != 1 {
		return false
	}
	c := key[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#' || c == '+'
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
