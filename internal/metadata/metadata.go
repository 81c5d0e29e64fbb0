// Package metadata recovers a title, a publish date and a short description
// for a reference URL, preferring the bibliography and falling back to the
// page itself.
package metadata

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/heuristics"
)

// Origin records which path produced the metadata.
type Origin string

const (
	OriginBibliography Origin = "bibliography"
	OriginPage         Origin = "page"
	OriginFallback     Origin = "fallback"
)

// Metadata is what a report is compiled from. Title is untrimmed; callers
// trim it for the report name and keep it as-is for the reference source name.
type Metadata struct {
	Title       string
	Published   time.Time
	Description string
	Origin      Origin
}

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// References looks up a bibliography entry by its exact URL.
type References interface {
	Lookup(url string) (feeds.Reference, bool)
}

// DefaultDocumentExtensions are never fetched; their metadata comes from the URL.
var DefaultDocumentExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".zip", ".rar", ".7z", ".gz", ".tar", ".exe", ".bin",
	".txt", ".rtf", ".odt",
}

var fileTitle = regexp.MustCompile(`.*/(.+?)\.[a-z0-9]{2,4}$`)

// Config tunes the live-fetch path.
type Config struct {
	MaxBodyBytes       int64
	DocumentExtensions []string
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Resolver implements the bibliography-then-page metadata lookup.
type Resolver struct {
	refs      References
	client    Doer
	extractor *heuristics.Extractor
	dates     heuristics.DateParser
	maxBody   int64
	docExts   map[string]struct{}
	now       func() time.Time
	log       *zap.Logger
}

// NewResolver wires the collaborators. refs may be nil for an empty bibliography.
func NewResolver(refs References, client Doer, extractor *heuristics.Extractor, dates heuristics.DateParser, cfg Config, logger *zap.Logger) (*Resolver, error) {
	if client == nil || extractor == nil || dates == nil {
		return nil, fmt.Errorf("metadata: client, extractor and date parser are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if refs == nil {
		refs = feeds.Bibliography{}
	}
	exts := cfg.DocumentExtensions
	if len(exts) == 0 {
		exts = DefaultDocumentExtensions
	}
	docExts := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		docExts[ext] = struct{}{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		refs:      refs,
		client:    client,
		extractor: extractor,
		dates:     dates,
		maxBody:   maxBody,
		docExts:   docExts,
		now:       now,
		log:       logger.Named("metadata"),
	}, nil
}

// SetReferences swaps the bibliography consulted before any page fetch.
// It must not be called while a Resolve is in flight.
func (r *Resolver) SetReferences(refs References) {
	if refs == nil {
		refs = feeds.Bibliography{}
	}
	r.refs = refs
}

// Resolve never fails: every error path degrades to URL-derived metadata.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) Metadata {
	if ref, ok := r.refs.Lookup(rawURL); ok {
		return r.FromReference(ref)
	}
	return r.fromPage(ctx, rawURL)
}

// FromReference builds metadata from a bibliography entry.
func (r *Resolver) FromReference(ref feeds.Reference) Metadata {
	published := schemas.Epoch
	if t, ok := r.dates.Parse(ref.Date, r.now()); ok {
		published = t.UTC().Truncate(time.Second)
	}

	return Metadata{
		Title:       stripBraces(ref.Title),
		Published:   published,
		Description: Describe(ref.Language, ref.Organization),
		Origin:      OriginBibliography,
	}
}

// Describe renders the "Language: ..." and "Organization: ..." lines of a
// report description, skipping empty values.
func Describe(language, organization string) string {
	var lines []string
	if language != "" {
		lines = append(lines, "Language: "+language)
	}
	if organization != "" {
		lines = append(lines, "Organization: "+organization)
	}
	return strings.Join(lines, "\n")
}

func (r *Resolver) fromPage(ctx context.Context, rawURL string) Metadata {
	if r.isDocument(rawURL) {
		return r.fallback(rawURL, "document extension")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return r.fallback(rawURL, err.Error())
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return r.fallback(rawURL, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return r.fallback(rawURL, fmt.Sprintf("status %d", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isHTML(ct) {
		return r.fallback(rawURL, "content type "+ct)
	}

	doc, err := heuristics.ParseDocument(io.LimitReader(resp.Body, r.maxBody))
	if err != nil {
		return r.fallback(rawURL, err.Error())
	}

	title, ok := r.extractor.Title(doc)
	if !ok {
		title = rawURL
	}
	return Metadata{
		Title:     title,
		Published: r.extractor.Date(doc, r.now()),
		Origin:    OriginPage,
	}
}

func (r *Resolver) fallback(rawURL, reason string) Metadata {
	r.log.Debug("Falling back to URL-derived metadata", zap.String("url", rawURL), zap.String("reason", reason))
	return Metadata{
		Title:     FallbackTitle(rawURL),
		Published: schemas.Epoch,
		Origin:    OriginFallback,
	}
}

func (r *Resolver) isDocument(rawURL string) bool {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	_, ok := r.docExts[strings.ToLower(path.Ext(p))]
	return ok
}

// FallbackTitle derives a title from the last path token of a URL, or returns
// the URL itself when that token is too short to be meaningful.
func FallbackTitle(rawURL string) string {
	m := fileTitle.FindStringSubmatch(rawURL)
	if m != nil && utf8.RuneCountInString(m[1]) > 3 {
		return m[1]
	}
	return rawURL
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// stripBraces removes one layer of BibTeX case-protecting braces.
func stripBraces(title string) string {
	title = strings.TrimPrefix(title, "{")
	return strings.TrimSuffix(title, "}")
}
