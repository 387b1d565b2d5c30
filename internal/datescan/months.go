package datescan

import "sort"

// UnknownMonth is rendered in place of the numeric month when a month code
// is not present in the month table.
const UnknownMonth = "??"

// monthCodes maps the two-letter month codes printed on labels to their
// two-digit month number. OC/DC and NO/ND share a value, as printed on
// the labels.
var monthCodes = map[string]string{
	"JA": "01",
	"FE": "02",
	"MR": "03",
	"AL": "04",
	"MA": "05",
	"JN": "06",
	"JL": "07",
	"AU": "08",
	"SE": "09",
	"OC": "10",
	"DC": "10",
	"NO": "11",
	"ND": "11",
	"DE": "12",
}

// LookupMonth returns the two-digit month number for a month code.
// The lookup is case-sensitive; tokens are never normalized.
func LookupMonth(code string) (string, bool) {
	month, ok := monthCodes[code]
	return month, ok
}

// MonthCodes returns every known month code in lexical order.
func MonthCodes() []string {
	codes := make([]string, 0, len(monthCodes))
	for code := range monthCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
