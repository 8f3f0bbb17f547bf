package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooLong is returned when the city name exceeds the maximum length.
var ErrCityTooLong = errors.New("city too long")

// ErrCityInvalidChars is returned when the city contains disallowed characters.
var ErrCityInvalidChars = errors.New("city contains invalid characters")

// ErrThresholdInvalid is returned when a humidity threshold is not a number in [0,100].
var ErrThresholdInvalid = errors.New("humidity threshold must be a number between 0 and 100")

// ErrFlagInvalid is returned when a boolean query flag cannot be parsed.
var ErrFlagInvalid = errors.New("flag must be true or false")

// ValidateCity trims the input, enforces maxLen (in runes, 0 disables) and restricts
// to letters (Unicode), digits, space, comma, hyphen, apostrophe and period.
// The provider accepts "City,CC" forms, so the comma is allowed.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrCityEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '\'', '.':
		return true
	}
	return false
}

// ParseThreshold parses a humidity threshold. Empty input yields def.
func ParseThreshold(s string, def float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrThresholdInvalid
	}
	if err := ValidateThreshold(v); err != nil {
		return 0, err
	}
	return v, nil
}

// ValidateThreshold reports whether v is a usable humidity percentage.
func ValidateThreshold(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return ErrThresholdInvalid
	}
	return nil
}

// ParseFlag parses an optional boolean query flag. Empty input is false.
func ParseFlag(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, ErrFlagInvalid
	}
	return v, nil
}
