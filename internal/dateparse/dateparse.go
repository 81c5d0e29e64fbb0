// Package dateparse turns free text found in bibliographies and web pages
// into a point in time. It tries, in order: a list of exact layouts, the
// format sniffing of araddon/dateparse, the same two on date-shaped
// fragments cut out of longer text, and finally natural-language parsing
// relative to a reference "now" through olebedev/when.
package dateparse

import (
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// dayFirstLayouts read ambiguous numeric dates as day-month-year, the way
// the bibliography feed writes them.
var dayFirstLayouts = []string{
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
}

var monthFirstLayouts = []string{
	"01-02-2006",
	"1-2-2006",
	"01/02/2006",
	"1/2/2006",
}

var unambiguousLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006-01",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"Monday, January 2, 2006",
	"Mon, 02 Jan 2006 15:04:05 MST",
	time.RFC1123Z,
}

// fragmentPatterns cut a date out of text like "Posted on March 4th, 2019 by admin".
var fragmentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)?`),
	regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}`),
	regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)? (?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,? \d{4}`),
	regexp.MustCompile(`\b\d{1,2}[./-]\d{1,2}[./-]\d{4}\b`),
	regexp.MustCompile(`\b\d{4}/\d{2}/\d{2}\b`),
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	ordinal    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)\b`)
)

// Parser implements the date-parsing collaborator used by the metadata and
// heuristics packages.
type Parser struct {
	layouts    []string
	monthFirst bool
	loc        *time.Location
	natural    *when.Parser
}

// Option tweaks a Parser.
type Option func(*Parser)

// WithMonthFirst reads 01-10-2004 as January 10th instead of October 1st.
func WithMonthFirst() Option {
	return func(p *Parser) {
		p.layouts = buildLayouts(true)
		p.monthFirst = true
	}
}

// New builds a Parser with day-first numeric dates and UTC.
func New(opts ...Option) *Parser {
	natural := when.New(nil)
	natural.Add(en.All...)
	natural.Add(common.All...)

	p := &Parser{
		layouts: buildLayouts(false),
		loc:     time.UTC,
		natural: natural,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func buildLayouts(monthFirst bool) []string {
	layouts := append([]string(nil), unambiguousLayouts...)
	if monthFirst {
		layouts = append(layouts, monthFirstLayouts...)
		return append(layouts, dayFirstLayouts...)
	}
	layouts = append(layouts, dayFirstLayouts...)
	return append(layouts, monthFirstLayouts...)
}

// Parse returns the time described by text, resolving relative expressions
// ("yesterday", "3 days ago") against now. ok is false when nothing in the
// text looks like a date.
func (p *Parser) Parse(text string, now time.Time) (t time.Time, ok bool) {
	// Both third-party parsers have panicked on odd inputs in the past; a bad
	// page must not take the run down.
	defer func() {
		if r := recover(); r != nil {
			t, ok = time.Time{}, false
		}
	}()

	s := normalize(text)
	if s == "" {
		return time.Time{}, false
	}

	if t, ok := p.parseExact(s); ok {
		return t, true
	}

	for _, re := range fragmentPatterns {
		for _, fragment := range re.FindAllString(s, -1) {
			if t, ok := p.parseExact(normalize(fragment)); ok {
				return t, true
			}
		}
	}

	res, err := p.natural.Parse(s, now.In(p.loc))
	if err != nil || res == nil {
		return time.Time{}, false
	}
	return res.Time.UTC(), true
}

// minYear rejects yearless matches: dateparse reads "4.5" or "12.5" as a
// day and month in year 0.
const minYear = 1970

func (p *Parser) parseExact(s string) (time.Time, bool) {
	for _, layout := range p.layouts {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil && t.Year() >= minYear {
			return t.UTC(), true
		}
	}
	// dateparse sniffs a wide range of formats but has no notion of prose, so
	// it only gets the whole string and the extracted fragments.
	if t, err := dateparse.ParseIn(s, p.loc, dateparse.PreferMonthFirst(p.monthFirst)); err == nil && t.Year() >= minYear {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func normalize(text string) string {
	s := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	return ordinal.ReplaceAllString(s, "$1")
}
