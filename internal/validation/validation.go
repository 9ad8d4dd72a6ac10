// Package validation checks user-supplied location ids and search queries.
package validation

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrEmpty is returned when input is empty or whitespace-only after trim.
	ErrEmpty = errors.New("value is required")
	// ErrTooShort is returned when input length is below the minimum.
	ErrTooShort = errors.New("value too short")
	// ErrTooLong is returned when input length exceeds the maximum.
	ErrTooLong = errors.New("value too long")
	// ErrInvalidChars is returned when input contains disallowed characters.
	ErrInvalidChars = errors.New("value contains invalid characters")
)

// ValidateLocationID trims the input, enforces length bounds (minLen, maxLen in runes; 0 disables
// a bound) and restricts to letters, digits, hyphen, underscore, comma and dot. Comma and dot allow
// "lon,lat" coordinate ids. Returns the trimmed id; lowercasing is left to the caller.
func ValidateLocationID(input string, minLen, maxLen int) (string, error) {
	return validate(input, minLen, maxLen, isAllowedIDRune)
}

// ValidateQuery is ValidateLocationID for free-text city searches; spaces are also allowed.
func ValidateQuery(input string, minLen, maxLen int) (string, error) {
	return validate(input, minLen, maxLen, isAllowedQueryRune)
}

func validate(input string, minLen, maxLen int, allowed func(rune) bool) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrTooLong
	}
	for _, c := range r {
		if !allowed(c) {
			return "", ErrInvalidChars
		}
	}
	return s, nil
}

func isAllowedIDRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case '-', '_', ',', '.':
		return true
	}
	return false
}

func isAllowedQueryRune(r rune) bool {
	return isAllowedIDRune(r) || r == ' '
}
