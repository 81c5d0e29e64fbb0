package feeds

import (
	"fmt"
	"io"
	"strings"

	"github.com/nickng/bibtex"
)

// Reference is the subset of a bibliography entry the graph build uses.
type Reference struct {
	URL          string
	Title        string
	Date         string
	Language     string
	Organization string
}

// Bibliography maps a reference URL to its entry. When a URL occurs twice the
// later entry wins.
type Bibliography map[string]Reference

// Lookup returns the entry for url, matched exactly.
func (b Bibliography) Lookup(url string) (Reference, bool) {
	ref, ok := b[url]
	return ref, ok
}

// DecodeBibliography parses a BibTeX document. Entries without a url field
// cannot be matched against anything and are skipped.
func DecodeBibliography(r io.Reader) (Bibliography, error) {
	parsed, err := bibtex.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bibtex: %w", err)
	}

	bib := make(Bibliography, len(parsed.Entries))
	for _, entry := range parsed.Entries {
		fields := make(map[string]string, len(entry.Fields))
		for name, value := range entry.Fields {
			if value == nil {
				continue
			}
			// String drops the delimiting braces; RawString would keep them.
			fields[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value.String())
		}
		// URLs never contain whitespace; drop any the tokenizer put back in.
		url := strings.Join(strings.Fields(fields["url"]), "")
		if url == "" {
			continue
		}
		bib[url] = Reference{
			URL:          url,
			Title:        fields["title"],
			Date:         fields["date"],
			Language:     fields["language"],
			Organization: fields["organization"],
		}
	}
	return bib, nil
}
