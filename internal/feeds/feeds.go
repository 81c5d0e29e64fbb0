// Package feeds retrieves and decodes the three input catalogs: the Malpedia
// family catalog, the MISP threat-actor galaxy and the Malpedia bibliography.
package feeds

import (
	"errors"
	"fmt"
)

// Names used in errors and logs.
const (
	FeedFamilies     = "families"
	FeedMISP         = "misp"
	FeedBibliography = "bibliography"
)

// ErrFeedUnavailable is matched by every retrieval or decoding failure.
var ErrFeedUnavailable = errors.New("feed unavailable")

// FeedError names the feed that could not be loaded.
type FeedError struct {
	Feed string
	Err  error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("%s feed unavailable: %v", e.Feed, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *FeedError) Unwrap() []error {
	return []error{ErrFeedUnavailable, e.Err}
}

// Set is the decoded input of one run.
type Set struct {
	Families     Catalog
	Galaxy       Galaxy
	Bibliography Bibliography
}
