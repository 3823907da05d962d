// Package source defines the adapter contract every external listing
// source implements, API-driven and browser-driven alike. Adapters
// produce opaque RawListings page by page and know how to decode their
// own payloads back into extracted postings.
package source

import (
	"context"

	"jobflow/models"
)

// Query is one collection request scoped to a single source.
type Query struct {
	Terms      []string
	Location   string
	MaxResults int
}

// Adapter is the capability set {search, paginate, extract} for one
// source. Search returns the raw listings of one result page; pages are
// numbered from 1 and pagination order is preserved within a source.
// Past the last page Search returns an Exhausted error. Decode parses a
// raw listing payload produced by the same adapter.
//
// Failure contract: adapters surface models.Blocked for anti-automation
// responses, models.Transient for network/timeout failures and
// models.Exhausted at the end of results, never a bare error for those
// cases.
type Adapter interface {
	Name() string
	Search(ctx context.Context, q Query, page int) ([]models.RawListing, error)
	Decode(raw models.RawListing) ([]models.ExtractedPosting, error)
}
