package heuristics

import (
	"strings"
	"testing"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/config"
	"github.com/BBlag/mp2stix/internal/dateparse"
)

var refNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

// recordingParser answers from a fixed table and remembers what it was asked.
type recordingParser struct {
	answers map[string]time.Time
	asked   []string
}

func (p *recordingParser) Parse(text string, _ time.Time) (time.Time, bool) {
	p.asked = append(p.asked, text)
	t, ok := p.answers[strings.TrimSpace(text)]
	return t, ok
}

func mustParse(t *testing.T, page string) *html.Node {
	t.Helper()
	doc, err := ParseDocument(strings.NewReader(page))
	require.NoError(t, err)
	return doc
}

func newTestExtractor(t *testing.T, parser DateParser) *Extractor {
	t.Helper()
	if parser == nil {
		parser = dateparse.New()
	}
	e, err := NewExtractor(DefaultRules(), parser, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestNewExtractor(t *testing.T) {
	t.Parallel()

	t.Run("requires a parser", func(t *testing.T) {
		t.Parallel()
		_, err := NewExtractor(DefaultRules(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("rejects a broken pattern", func(t *testing.T) {
		t.Parallel()
		rules := DefaultRules()
		rules.ClassPattern = "meta|("
		_, err := NewExtractor(rules, dateparse.New(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "class")
	})
}

func TestRulesFromConfig(t *testing.T) {
	t.Parallel()
	rules := RulesFromConfig(config.HeuristicsConfig{
		ClassPattern:   "posted-on",
		MaxTitleLength: 42,
	})
	assert.Equal(t, "posted-on", rules.ClassPattern)
	assert.Equal(t, 42, rules.MaxTitleLength)
	assert.Equal(t, DefaultRules().IDPattern, rules.IDPattern, "unset fields keep their defaults")
	assert.Equal(t, []string{"time"}, rules.DateTags)
}

func TestTitle(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t, nil)

	testCases := []struct {
		name     string
		page     string
		expected string
		found    bool
	}{
		{"entities are decoded", `<html><head><title>Report &amp; Analysis</title></head></html>`, "Report & Analysis", true},
		{"line breaks fold into spaces", "<html><head><title>APT\r\nDeep Dive</title></head></html>", "APT Deep Dive", true},
		{"too short", `<html><head><title> abc </title></head></html>`, "", false},
		{"missing", `<html><body><p>nothing</p></body></html>`, "", false},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			title, ok := e.Title(mustParse(t, tt.page))
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, title)
		})
	}

	t.Run("long titles are capped", func(t *testing.T) {
		t.Parallel()
		long := strings.Repeat("ä", 700)
		title, ok := e.Title(mustParse(t, "<title>"+long+"</title>"))
		require.True(t, ok)
		assert.Equal(t, 500, len([]rune(title)))
	})
}

func TestCandidatesFiltering(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t, nil)

	page := `<html><body class="meta">
<div class="sidebar"><span class="date">2020-01-01</span></div>
<div class="sidebars"><span class="date">2020-02-02</span></div>
<aside><time>2020-03-03</time></aside>
<div class="comment-list"><p class="published">2020-04-04</p></div>
<related-item class="date">2020-05-05</related-item>
<article><time class="date">2019-03-05</time></article>
</body></html>`

	var texts []string
	for _, n := range e.Candidates(mustParse(t, page)) {
		texts = append(texts, htmlquery.InnerText(n))
	}

	assert.Equal(t, []string{"2019-03-05", "2020-02-02"}, texts,
		"body, sidebar, aside, comment and related-tag candidates are dropped and duplicates collapse")
}

func TestCandidatesRanking(t *testing.T) {
	t.Parallel()
	parser := &recordingParser{answers: map[string]time.Time{}}
	e := newTestExtractor(t, parser)

	page := `<html><body>
<p class="meta">Written by the research team in spring</p>
<span class="date">May 2019</span>
<div><span>posted 2017</span></div>
</body></html>`

	assert.Equal(t, schemas.Epoch, e.Date(mustParse(t, page), refNow))
	require.Len(t, parser.asked, 3)
	assert.Equal(t, []string{
		"May 2019",
		"posted 2017",
		"Written by the research team in spring",
	}, parser.asked, "shorter rendered text is tried first")
}

func TestDate(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(t, nil)

	testCases := []struct {
		name     string
		page     string
		expected time.Time
	}{
		{
			name:     "time element",
			page:     `<html><body><article><time>2019-03-05</time></article></body></html>`,
			expected: time.Date(2019, time.March, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "future dates are skipped",
			page:     `<html><body><time>2099-01-01</time><p class="date">March 3, 2019</p></body></html>`,
			expected: time.Date(2019, time.March, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "today is not accepted",
			page:     `<html><body><time>2024-06-15</time></body></html>`,
			expected: schemas.Epoch,
		},
		{
			name:     "only rendered text is parsed",
			page:     `<html><body><time datetime="2018-05-06T10:00:00Z"></time><p class="date">March 3, 2019</p></body></html>`,
			expected: time.Date(2019, time.March, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "short non-date widget does not beat a real date",
			page:     `<html><body><span class="meta-rating">4.5</span><time>March 3, 2019</time></body></html>`,
			expected: time.Date(2019, time.March, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "medium byline class",
			page:     `<html><body><p>An analysis</p><span class="av b aw ax bt">Mar 3, 2019</span></body></html>`,
			expected: time.Date(2019, time.March, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "nothing date-like",
			page:     `<html><body><p>hello world</p></body></html>`,
			expected: schemas.Epoch,
		},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.Date(mustParse(t, tt.page), refNow)
			assert.True(t, tt.expected.Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}
