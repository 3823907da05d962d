package models

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// RawListing is the opaque payload one source produced for one posting.
// It is immutable: extraction either consumes it or routes it to the
// error sink.
type RawListing struct {
	SourceID  string    `json:"source_id"`
	SourceURL string    `json:"source_url"`
	FetchedAt time.Time `json:"fetched_at"`
	Payload   []byte    `json:"payload"`
}

// EmploymentType is the closed set of contract kinds postings map into.
type EmploymentType string

const (
	EmploymentFullTime    EmploymentType = "full-time"
	EmploymentPartTime    EmploymentType = "part-time"
	EmploymentContract    EmploymentType = "contract"
	EmploymentUnspecified EmploymentType = "unspecified"
)

// Location is a posting location split into canonical parts. When the
// source text cannot be split it is preserved verbatim in Unparsed.
type Location struct {
	City     string `json:"city,omitempty"`
	Region   string `json:"region,omitempty"`
	Country  string `json:"country,omitempty"`
	IsRemote bool   `json:"is_remote"`
	Unparsed string `json:"unparsed,omitempty"`
}

// Salary is an annualized salary range. Min/Max are nil when the source
// text was unparsable; Currency is "unspecified" in that case.
type Salary struct {
	Min      *int   `json:"min,omitempty"`
	Max      *int   `json:"max,omitempty"`
	Currency string `json:"currency"`
}

// Posting is the canonical record produced by normalization and
// persisted by the importer. Only the dedup engine mutates it, when
// merging duplicate groups.
type Posting struct {
	Title          string         `json:"title"`
	Company        string         `json:"company"`
	Location       Location       `json:"location"`
	Salary         Salary         `json:"salary"`
	EmploymentType EmploymentType `json:"employment_type"`
	Description    string         `json:"description"`
	PostingURL     string         `json:"posting_url"`
	SourceIDs      []string       `json:"source_ids"`
	PostedAt       time.Time      `json:"posted_at"`
	CollectedAt    time.Time      `json:"collected_at"`
	Fingerprint    string         `json:"fingerprint"`
}

// ComputeFingerprint derives the dedup key from normalized title,
// company and location: lower-cased, whitespace-collapsed, sha1-hashed.
// Every posting gets exactly one non-empty fingerprint before entering
// deduplication.
func ComputeFingerprint(title, company string, loc Location) string {
	locKey := loc.City + " " + loc.Region + " " + loc.Country
	if locKey == "  " {
		locKey = loc.Unparsed
	}
	key := collapse(title) + "|" + collapse(company) + "|" + collapse(locKey)
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NonEmptyFields counts populated fields, used by the dedup tie-break
// and the quality monitor's completeness metric.
func (p *Posting) NonEmptyFields() int {
	n := 0
	if p.Title != "" {
		n++
	}
	if p.Company != "" {
		n++
	}
	if p.Location.City != "" || p.Location.Country != "" || p.Location.Unparsed != "" || p.Location.IsRemote {
		n++
	}
	if p.Salary.Min != nil || p.Salary.Max != nil {
		n++
	}
	if p.EmploymentType != "" && p.EmploymentType != EmploymentUnspecified {
		n++
	}
	if p.Description != "" {
		n++
	}
	if !p.PostedAt.IsZero() {
		n++
	}
	return n
}

// Complete reports whether the posting has all of title, company and
// location present.
func (p *Posting) Complete() bool {
	hasLocation := p.Location.City != "" || p.Location.Country != "" ||
		p.Location.Unparsed != "" || p.Location.IsRemote
	return p.Title != "" && p.Company != "" && hasLocation
}

// PostingBatch is a group of postings flowing between pipeline stages.
type PostingBatch struct {
	BatchID           string    `json:"batch_id"`
	RunID             string    `json:"run_id"`
	Entries           []Posting `json:"entries"`
	RecordCount       int       `json:"record_count"`
	DuplicatesRemoved int       `json:"duplicates_removed"`
	Timestamp         time.Time `json:"timestamp"`
	ProcessedAt       time.Time `json:"processed_at"`
}

// DuplicateGroup collects postings judged to represent the same
// real-world posting. It lives only for the duration of one batch's
// dedup pass.
type DuplicateGroup struct {
	Canonical *Posting
	Members   []*Posting
	Scores    []float64
}

// CollectionRequest describes one orchestrated collection run.
type CollectionRequest struct {
	QueryTerms     []string `json:"query_terms"`
	LocationFilter string   `json:"location_filter"`
	Sources        []string `json:"sources"`
	MaxResults     int      `json:"max_results_per_source"`
	Concurrency    int      `json:"concurrency_limit"`
}
