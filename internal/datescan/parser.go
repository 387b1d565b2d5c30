/**
 * Date Scanner - heuristic year/month/day extraction from OCR tokens
 *
 * Labels print dates as three separate words: a 4-digit year, a 2-letter
 * month code and a day ("2020 JA 15"). The scanner walks the token
 * sequence once and returns the first triple it finds.
 */

package datescan

import "unicode/utf8"

// ParsedDate is the outcome of one scan. The zero value means no date was
// found.
type ParsedDate struct {
	Year      string `json:"year,omitempty"`
	MonthCode string `json:"monthCode,omitempty"`
	Month     string `json:"month,omitempty"`
	Day       string `json:"day,omitempty"`
}

// Found reports whether the scan matched a year/month/day triple.
func (d ParsedDate) Found() bool {
	return d.Year != ""
}

// Partial reports whether a triple was matched but its month code is not in
// the month table.
func (d ParsedDate) Partial() bool {
	return d.Found() && d.Month == UnknownMonth
}

// String renders the date as "YYYY-MM-DD", or "" when no date was found.
// The day is copied verbatim from the token and is not validated.
func (d ParsedDate) String() string {
	if !d.Found() {
		return ""
	}
	return d.Year + "-" + d.Month + "-" + d.Day
}

// Option configures a Parser.
type Option func(*Parser)

// WithDigitCheck replaces the digit predicate used to classify candidates.
func WithDigitCheck(check DigitCheck) Option {
	return func(p *Parser) {
		if check != nil {
			p.digitCheck = check
		}
	}
}

// WithRejectUnknownMonth makes an unknown month code disqualify the
// candidate instead of producing an UnknownMonth placeholder.
func WithRejectUnknownMonth() Option {
	return func(p *Parser) { p.rejectUnknownMonth = true }
}

// Parser scans token sequences for dates. It holds no per-scan state and is
// safe for concurrent use.
type Parser struct {
	digitCheck         DigitCheck
	rejectUnknownMonth bool
}

// NewParser creates a parser. Without options it uses LeadingDigit and
// renders unknown month codes as UnknownMonth.
func NewParser(opts ...Option) *Parser {
	p := &Parser{digitCheck: LeadingDigit}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse scans tokens with the default parser.
func Parse(tokens []string) ParsedDate {
	return defaultParser.Parse(tokens)
}

// Parse returns the first year/month/day triple in tokens, or the zero
// ParsedDate when there is none.
func (p *Parser) Parse(tokens []string) ParsedDate {
	for i, tok := range tokens {
		if !p.isYear(tok) {
			continue
		}

		monthCode, ok := tokenAt(tokens, i+1)
		if !ok || !p.isMonthCode(monthCode) {
			continue
		}

		month, known := LookupMonth(monthCode)
		if !known {
			if p.rejectUnknownMonth {
				continue
			}
			month = UnknownMonth
		}

		day, ok := tokenAt(tokens, i+2)
		if !ok {
			continue
		}

		return ParsedDate{
			Year:      tok,
			MonthCode: monthCode,
			Month:     month,
			Day:       day,
		}
	}
	return ParsedDate{}
}

func (p *Parser) isYear(tok string) bool {
	return utf8.RuneCountInString(tok) == 4 && p.digitCheck(tok, 4)
}

func (p *Parser) isMonthCode(tok string) bool {
	return utf8.RuneCountInString(tok) == 2 && !p.digitCheck(tok, 2)
}

// tokenAt is a bounds-checked index into tokens.
func tokenAt(tokens []string, i int) (string, bool) {
	if i < 0 || i >= len(tokens) {
		return "", false
	}
	return tokens[i], true
}
