package models

import "time"

// ExtractedPosting is the intermediate record the extraction stage
// produces from one RawListing. Free-text fields are carried verbatim;
// normalization turns them into canonical types. Fields a source does
// not expose stay empty, never silently invented.
type ExtractedPosting struct {
	SourceID       string    `json:"source_id"`
	PostingURL     string    `json:"posting_url"`
	Title          string    `json:"title"`
	Company        string    `json:"company"`
	LocationText   string    `json:"location_text"`
	SalaryText     string    `json:"salary_text"`
	EmploymentText string    `json:"employment_text"`
	Description    string    `json:"description"`
	PostedText     string    `json:"posted_text"`
	FetchedAt      time.Time `json:"fetched_at"`
}
