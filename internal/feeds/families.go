package feeds

import (
	"encoding/json"
	"fmt"
	"io"
)

// Family is one entry of the Malpedia family catalog.
type Family struct {
	// Key is the catalog key, e.g. "win.emotet". It becomes the malware name.
	Key         string   `json:"-"`
	CommonName  string   `json:"common_name"`
	AltNames    []string `json:"alt_names"`
	Description string   `json:"description"`
	Updated     string   `json:"updated"`
	URLs        []string `json:"urls"`
	Attribution []string `json:"attribution"`
}

// Catalog holds the families in the order the feed lists them.
type Catalog []Family

// DecodeFamilies streams the catalog object key by key so that the output
// follows the feed's own ordering rather than Go's map iteration.
func DecodeFamilies(r io.Reader) (Catalog, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var catalog Catalog
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read family key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v where a family key was expected", tok)
		}
		var family Family
		if err := dec.Decode(&family); err != nil {
			return nil, fmt.Errorf("failed to decode family %q: %w", key, err)
		}
		family.Key = key
		catalog = append(catalog, family)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return catalog, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	if got, ok := tok.(json.Delim); !ok || got != want {
		return fmt.Errorf("malformed catalog: expected %q, got %v", want, tok)
	}
	return nil
}
