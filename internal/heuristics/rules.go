package heuristics

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BBlag/mp2stix/internal/config"
)

// Rules is the tunable pattern set behind candidate collection and filtering.
// Patterns are RE2 expressions matched anywhere in the attribute value.
type Rules struct {
	DateTags                    []string
	ClassPattern                string
	IDPattern                   string
	ItemPropPattern             string
	DatetimeAttributes          []string
	TextPattern                 string
	ExcludeAncestorClassPattern string
	ExcludeAncestorTagPattern   string
	ExcludeTagSubstrings        []string
	MaxTitleLength              int
}

// DefaultRules returns the rule set tuned against common blog and vendor report layouts.
func DefaultRules() Rules {
	return Rules{
		DateTags:                    []string{"time"},
		ClassPattern:                `meta|published|time|date|header|heading|created|av b aw ax bt|card`,
		IDPattern:                   `authorposton|footer-info-lastmod|meta`,
		ItemPropPattern:             `datePublished|dateCreated`,
		DatetimeAttributes:          []string{"datetime_arg", "datetime"},
		TextPattern:                 `posted|published|edited`,
		ExcludeAncestorClassPattern: `revision|comment|sidebar(?:[^s]|$)|preview|related|footer|referenc`,
		ExcludeAncestorTagPattern:   `aside|revision|history`,
		ExcludeTagSubstrings:        []string{"related"},
		MaxTitleLength:              500,
	}
}

// RulesFromConfig overlays the configured overrides on top of DefaultRules.
func RulesFromConfig(cfg config.HeuristicsConfig) Rules {
	r := DefaultRules()
	if len(cfg.DateTags) > 0 {
		r.DateTags = cfg.DateTags
	}
	if cfg.ClassPattern != "" {
		r.ClassPattern = cfg.ClassPattern
	}
	if cfg.IDPattern != "" {
		r.IDPattern = cfg.IDPattern
	}
	if cfg.ItemPropPattern != "" {
		r.ItemPropPattern = cfg.ItemPropPattern
	}
	if len(cfg.DatetimeAttributes) > 0 {
		r.DatetimeAttributes = cfg.DatetimeAttributes
	}
	if cfg.TextPattern != "" {
		r.TextPattern = cfg.TextPattern
	}
	if cfg.ExcludeAncestorClassPattern != "" {
		r.ExcludeAncestorClassPattern = cfg.ExcludeAncestorClassPattern
	}
	if cfg.ExcludeAncestorTagPattern != "" {
		r.ExcludeAncestorTagPattern = cfg.ExcludeAncestorTagPattern
	}
	if len(cfg.ExcludeTagSubstrings) > 0 {
		r.ExcludeTagSubstrings = cfg.ExcludeTagSubstrings
	}
	if cfg.MaxTitleLength > 0 {
		r.MaxTitleLength = cfg.MaxTitleLength
	}
	return r
}

// compiledRules is Rules with every pattern compiled once.
type compiledRules struct {
	dateTags             []string
	class                *regexp.Regexp
	id                   *regexp.Regexp
	itemProp             *regexp.Regexp
	datetimeAttributes   []string
	text                 *regexp.Regexp
	excludeAncestorClass *regexp.Regexp
	excludeAncestorTag   *regexp.Regexp
	excludeTagSubstrings []string
	maxTitleLength       int
}

func (r Rules) compile() (*compiledRules, error) {
	c := &compiledRules{
		dateTags:             lowerAll(r.DateTags),
		datetimeAttributes:   lowerAll(r.DatetimeAttributes),
		excludeTagSubstrings: lowerAll(r.ExcludeTagSubstrings),
		maxTitleLength:       r.MaxTitleLength,
	}
	if c.maxTitleLength <= 0 {
		c.maxTitleLength = DefaultRules().MaxTitleLength
	}

	patterns := []struct {
		name    string
		pattern string
		dst     **regexp.Regexp
	}{
		{"class", r.ClassPattern, &c.class},
		{"id", r.IDPattern, &c.id},
		{"itemprop", r.ItemPropPattern, &c.itemProp},
		{"text", r.TextPattern, &c.text},
		{"exclude ancestor class", r.ExcludeAncestorClassPattern, &c.excludeAncestorClass},
		{"exclude ancestor tag", r.ExcludeAncestorTagPattern, &c.excludeAncestorTag},
	}
	for _, p := range patterns {
		if p.pattern == "" {
			continue
		}
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", p.name, p.pattern, err)
		}
		*p.dst = re
	}
	return c, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
