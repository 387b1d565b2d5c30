package datescan

import (
	"unicode"
	"unicode/utf8"
)

// DigitCheck reports whether the first n characters of s look numeric.
// The parser uses it to classify year and month candidates.
type DigitCheck func(s string, n int) bool

// LeadingDigit is the label scanner's historical digit check. Although it
// takes a count, it only ever inspects the first character: a leading digit
// is enough to return true, anything else returns false. Empty input and
// n <= 0 return false.
//
// Results match the deployed scanner, so a year token such as "1ABC" is
// accepted. Use AllDigits for the strict variant.
func LeadingDigit(s string, n int) bool {
	if n <= 0 || s == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsDigit(r)
}

// AllDigits reports whether s has at least n characters and the first n of
// them are all digits.
func AllDigits(s string, n int) bool {
	if n <= 0 {
		return false
	}
	seen := 0
	for _, r := range s {
		if seen == n {
			break
		}
		if !unicode.IsDigit(r) {
			return false
		}
		seen++
	}
	return seen == n
}
