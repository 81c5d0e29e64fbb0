// Package heuristics recovers a title and a publish date from arbitrary HTML
// when no structured reference exists for a page.
package heuristics

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/BBlag/mp2stix/api/schemas"
)

// DateParser is the free-text date collaborator. ok is false for text that
// does not describe a date.
type DateParser interface {
	Parse(text string, now time.Time) (t time.Time, ok bool)
}

var lineBreaks = regexp.MustCompile(`[\r\n]+`)

// Extractor scores and parses probable title and publish-date markup.
type Extractor struct {
	rules  *compiledRules
	parser DateParser
	log    *zap.Logger
}

// NewExtractor compiles the rule set. A broken pattern is a configuration error.
func NewExtractor(rules Rules, parser DateParser, logger *zap.Logger) (*Extractor, error) {
	if parser == nil {
		return nil, fmt.Errorf("heuristics: a date parser is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	compiled, err := rules.compile()
	if err != nil {
		return nil, fmt.Errorf("heuristics: %w", err)
	}
	return &Extractor{
		rules:  compiled,
		parser: parser,
		log:    logger.Named("heuristics"),
	}, nil
}

// ParseDocument parses a page body into a node tree.
func ParseDocument(r io.Reader) (*html.Node, error) {
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return doc, nil
}

// Title returns the text of the first <title> element when it is longer than
// three characters, with line breaks folded into spaces and the length capped.
func (e *Extractor) Title(doc *html.Node) (string, bool) {
	node := htmlquery.FindOne(doc, "//title")
	if node == nil {
		return "", false
	}
	// The parser has already decoded entities in RCDATA.
	raw := htmlquery.InnerText(node)
	if utf8.RuneCountInString(strings.TrimSpace(raw)) <= 3 {
		return "", false
	}
	title := lineBreaks.ReplaceAllString(raw, " ")
	return truncateRunes(title, e.rules.maxTitleLength), true
}

// Date tries the ranked candidates in order and returns the first parsed
// date whose calendar day lies strictly before now's. Future-dated matches
// are almost always "today" widgets or upcoming-event banners. When nothing
// qualifies the epoch sentinel is returned.
func (e *Extractor) Date(doc *html.Node, now time.Time) time.Time {
	candidates := e.Candidates(doc)
	for i, c := range candidates {
		text := htmlquery.InnerText(c)
		t, ok := e.parser.Parse(text, now)
		if !ok {
			continue
		}
		if !beforeDay(t, now) {
			e.log.Debug("Rejected future-dated candidate", zap.String("text", text), zap.Time("parsed", t))
			continue
		}
		e.log.Debug("Accepted date candidate",
			zap.Int("rank", i),
			zap.Int("candidates", len(candidates)),
			zap.String("tag", c.Data),
			zap.Time("published", t))
		return t.UTC().Truncate(time.Second)
	}
	return schemas.Epoch
}

// Candidates collects, filters and ranks the elements that may hold the
// publish date. The slice is ordered by ascending rendered-text length.
func (e *Extractor) Candidates(doc *html.Node) []*html.Node {
	return rank(e.filter(dedupe(e.collect(doc))))
}

// collect gathers candidates in rule priority order.
func (e *Extractor) collect(doc *html.Node) []*html.Node {
	gq := goquery.NewDocumentFromNode(doc)
	var found []*html.Node

	for _, tag := range e.rules.dateTags {
		found = append(found, gq.Find(tag).Nodes...)
	}
	found = append(found, matchAttr(gq, "class", e.rules.class)...)
	found = append(found, matchAttr(gq, "id", e.rules.id)...)
	found = append(found, matchAttr(gq, "itemprop", e.rules.itemProp)...)
	for _, attr := range e.rules.datetimeAttributes {
		found = append(found, nonEmptyAttr(gq, attr)...)
	}
	found = append(found, e.textCandidates(doc)...)
	return found
}

// matchAttr returns the elements whose attr value matches re anywhere.
func matchAttr(gq *goquery.Document, attr string, re *regexp.Regexp) []*html.Node {
	if re == nil {
		return nil
	}
	return gq.Find("[" + attr + "]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return re.MatchString(s.AttrOr(attr, ""))
	}).Nodes
}

func nonEmptyAttr(gq *goquery.Document, attr string) []*html.Node {
	return gq.Find("[" + attr + "]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.AttrOr(attr, "")) != ""
	}).Nodes
}

// textCandidates returns the parents of single-line text nodes that announce
// a date ("Posted on ...").
func (e *Extractor) textCandidates(doc *html.Node) []*html.Node {
	if e.rules.text == nil {
		return nil
	}
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode &&
			!strings.Contains(n.Data, "\n") &&
			e.rules.text.MatchString(n.Data) &&
			n.Parent != nil && n.Parent.Type == html.ElementNode {
			out = append(out, n.Parent)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// filter drops the body element and anything living inside comment threads,
// sidebars, revision histories, related-article widgets and footers.
func (e *Extractor) filter(nodes []*html.Node) []*html.Node {
	kept := nodes[:0]
	for _, n := range nodes {
		if e.keep(n) {
			kept = append(kept, n)
		}
	}
	return kept
}

func (e *Extractor) keep(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Data == "body" {
		return false
	}
	for _, sub := range e.rules.excludeTagSubstrings {
		if strings.Contains(n.Data, sub) {
			return false
		}
	}
	for a := n.Parent; a != nil; a = a.Parent {
		if a.Type != html.ElementNode {
			continue
		}
		if e.rules.excludeAncestorTag != nil && e.rules.excludeAncestorTag.MatchString(a.Data) {
			return false
		}
		if a.Data != "body" && e.rules.excludeAncestorClass != nil &&
			e.rules.excludeAncestorClass.MatchString(htmlquery.SelectAttr(a, "class")) {
			return false
		}
	}
	return true
}

// dedupe keeps the first occurrence of each node.
func dedupe(nodes []*html.Node) []*html.Node {
	seen := make(map[*html.Node]struct{}, len(nodes))
	out := make([]*html.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// rank orders candidates by rendered-text length; compact date strings beat
// paragraphs that merely mention a date. Ties keep collection order.
func rank(nodes []*html.Node) []*html.Node {
	lengths := make(map[*html.Node]int, len(nodes))
	for _, n := range nodes {
		lengths[n] = utf8.RuneCountInString(htmlquery.InnerText(n))
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return lengths[nodes[i]] < lengths[nodes[j]]
	})
	return nodes
}

func beforeDay(t, now time.Time) bool {
	ty, tm, td := t.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC))
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
