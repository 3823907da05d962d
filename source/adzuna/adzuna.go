// Package adzuna adapts the Adzuna public job search API to the source
// contract.
package adzuna

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

const Name = "adzuna"

type Adapter struct {
	cfg    config.SourceConfig
	client *http.Client
	pacer  *source.Pacer
	log    *logger.Log
}

func New(cfg config.SourceConfig, timeout time.Duration) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	if cfg.Country == "" {
		cfg.Country = "gb"
	}
	return &Adapter{
		cfg:    cfg,
		client: source.NewHTTPClient(cfg, timeout),
		pacer:  source.NewPacer(cfg),
		log:    logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return Name }

// adzunaResult mirrors a single Adzuna job listing.
type adzunaResult struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Company      adzunaCompany  `json:"company"`
	Location     adzunaLocation `json:"location"`
	SalaryMin    float64        `json:"salary_min"`
	SalaryMax    float64        `json:"salary_max"`
	RedirectURL  string         `json:"redirect_url"`
	Created      string         `json:"created"`
	ContractTime string         `json:"contract_time"`
	ContractType string         `json:"contract_type"`
}

type adzunaCompany struct {
	DisplayName string `json:"display_name"`
}

type adzunaLocation struct {
	DisplayName string `json:"display_name"`
}

type adzunaResponse struct {
	Results []adzunaResult `json:"results"`
	Count   int            `json:"count"`
}

// Search fetches one result page. Credentials are required; a missing
// key surfaces as Blocked so the registry suppresses the source instead
// of hammering an endpoint that will keep refusing.
func (a *Adapter) Search(ctx context.Context, q source.Query, page int) ([]models.RawListing, error) {
	if a.cfg.AppID == "" || a.cfg.AppKey == "" {
		return nil, models.Blocked(Name, fmt.Errorf("missing app credentials"))
	}
	if page > a.cfg.MaxPages {
		return nil, models.Exhausted(Name)
	}

	if err := a.pacer.Wait(ctx); err != nil {
		return nil, models.Transient(Name, err)
	}

	endpoint := fmt.Sprintf("%s/%s/search/%d", strings.TrimRight(a.cfg.BaseURL, "/"), a.cfg.Country, page)
	params := url.Values{}
	params.Set("app_id", a.cfg.AppID)
	params.Set("app_key", a.cfg.AppKey)
	params.Set("results_per_page", strconv.Itoa(a.cfg.PageSize))
	params.Set("what", strings.Join(q.Terms, " "))
	if q.Location != "" {
		params.Set("where", q.Location)
	}
	params.Set("content-type", "application/json")
	params.Set("sort_by", "date")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
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
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.Blocked(Name, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, models.Transient(Name, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, models.ParseFailure(Name, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var apiResp adzunaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, models.ParseFailure(Name, err)
	}
	if len(apiResp.Results) == 0 {
		return nil, models.Exhausted(Name)
	}

	now := time.Now().UTC()
	listings := make([]models.RawListing, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		payload, err := json.Marshal(r)
		if err != nil {
			a.log.WithComponent("adzuna_source").WithError(err).Warn("failed to marshal listing")
			continue
		}
		sourceURL := r.RedirectURL
		if sourceURL == "" {
			sourceURL = fmt.Sprintf("adzuna:%s", r.ID)
		}
		listings = append(listings, models.RawListing{
			SourceID:  Name,
			SourceURL: sourceURL,
			FetchedAt: now,
			Payload:   payload,
		})
	}

	if len(apiResp.Results) < a.cfg.PageSize {
		// Short page: downstream keeps these listings, the next Search
		// call reports Exhausted via the page bound.
		a.log.WithComponent("adzuna_source").WithFields(logger.Fields{
			"page":    page,
			"results": len(apiResp.Results),
		}).Debug("short page, source nearly exhausted")
	}

	return listings, nil
}

// Decode parses one listing payload produced by Search.
func (a *Adapter) Decode(raw models.RawListing) ([]models.ExtractedPosting, error) {
	var r adzunaResult
	if err := json.Unmarshal(raw.Payload, &r); err != nil {
		return nil, models.ParseFailure(Name, err)
	}
	if r.Title == "" && r.RedirectURL == "" {
		return nil, models.ParseFailure(Name, fmt.Errorf("payload missing title and url"))
	}

	salaryText := ""
	if r.SalaryMin > 0 || r.SalaryMax > 0 {
		salaryText = fmt.Sprintf("%.0f - %.0f", r.SalaryMin, r.SalaryMax)
	}

	employment := r.ContractTime
	if employment == "" {
		employment = r.ContractType
	}

	return []models.ExtractedPosting{{
		SourceID:       Name,
		PostingURL:     raw.SourceURL,
		Title:          r.Title,
		Company:        r.Company.DisplayName,
		LocationText:   r.Location.DisplayName,
		SalaryText:     salaryText,
		EmploymentText: employment,
		Description:    r.Description,
		PostedText:     r.Created,
		FetchedAt:      raw.FetchedAt,
	}}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
