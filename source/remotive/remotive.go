// Package remotive adapts the Remotive remote-jobs API. The API is a
// single unpaginated endpoint, so Search reports Exhausted for every
// page after the first.
package remotive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobflow/config"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/source"
)

const Name = "remotive"

type Adapter struct {
	cfg    config.SourceConfig
	client *http.Client
	pacer  *source.Pacer
	log    *logger.Log
}

func New(cfg config.SourceConfig, timeout time.Duration) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Adapter{
		cfg:    cfg,
		client: source.NewHTTPClient(cfg, timeout),
		pacer:  source.NewPacer(cfg),
		log:    logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return Name }

type remotiveJob struct {
	ID          int    `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	CompanyName string `json:"company_name"`
	Location    string `json:"candidate_required_location"`
	Salary      string `json:"salary"`
	JobType     string `json:"job_type"`
	Published   string `json:"publication_date"`
	Description string `json:"description"`
}

type remotiveResponse struct {
	JobCount int           `json:"job-count"`
	Jobs     []remotiveJob `json:"jobs"`
}

func (a *Adapter) Search(ctx context.Context, q source.Query, page int) ([]models.RawListing, error) {
	if page > 1 {
		return nil, models.Exhausted(Name)
	}

	if err := a.pacer.Wait(ctx); err != nil {
		return nil, models.Transient(Name, err)
	}

	params := url.Values{}
	if len(q.Terms) > 0 {
		params.Set("search", strings.Join(q.Terms, " "))
	}
	limit := a.cfg.PageSize
	if q.MaxResults > 0 && q.MaxResults < limit {
		limit = q.MaxResults
	}
	params.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, models.Transient(Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient(Name, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.Blocked(Name, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, models.Transient(Name, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, models.ParseFailure(Name, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var apiResp remotiveResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, models.ParseFailure(Name, err)
	}
	if len(apiResp.Jobs) == 0 {
		return nil, models.Exhausted(Name)
	}

	now := time.Now().UTC()
	listings := make([]models.RawListing, 0, len(apiResp.Jobs))
	for _, j := range apiResp.Jobs {
		payload, err := json.Marshal(j)
		if err != nil {
			a.log.WithComponent("remotive_source").WithError(err).Warn("failed to marshal listing")
			continue
		}
		listings = append(listings, models.RawListing{
			SourceID:  Name,
			SourceURL: j.URL,
			FetchedAt: now,
			Payload:   payload,
		})
	}

	return listings, nil
}

func (a *Adapter) Decode(raw models.RawListing) ([]models.ExtractedPosting, error) {
	var j remotiveJob
	if err := json.Unmarshal(raw.Payload, &j); err != nil {
		return nil, models.ParseFailure(Name, err)
	}
	if j.Title == "" && j.URL == "" {
		return nil, models.ParseFailure(Name, fmt.Errorf("payload missing title and url"))
	}

	location := j.Location
	if location == "" {
		location = "Remote"
	}

	return []models.ExtractedPosting{{
		SourceID:       Name,
		PostingURL:     raw.SourceURL,
		Title:          j.Title,
		Company:        j.CompanyName,
		LocationText:   location,
		SalaryText:     j.Salary,
		EmploymentText: j.JobType,
		Description:    j.Description,
		PostedText:     j.Published,
		FetchedAt:      raw.FetchedAt,
	}}, nil
}
