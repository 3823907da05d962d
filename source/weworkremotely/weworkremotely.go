// Package weworkremotely scrapes the We Work Remotely listing pages.
// The board has no API, so the adapter walks the HTML with colly and
// emits one raw listing per job card.
package weworkremotely

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"jobflow/config"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/source"
)

const Name = "weworkremotely"

type Adapter struct {
	cfg   config.SourceConfig
	pacer *source.Pacer
	log   *logger.Log

	timeout time.Duration
}

func New(cfg config.SourceConfig, timeout time.Duration) *Adapter {
	return &Adapter{
		cfg:     cfg,
		pacer:   source.NewPacer(cfg),
		log:     logger.GetLogger(),
		timeout: timeout,
	}
}

func (a *Adapter) Name() string { return Name }

// jobCard is the extraction unit carried in the raw payload. Listing
// pages only carry these fields; descriptions live on detail pages that
// are intentionally not crawled here.
type jobCard struct {
	Title    string `json:"title"`
	Company  string `json:"company"`
	Region   string `json:"region"`
	URL      string `json:"url"`
	Category string `json:"category"`
}

// Search fetches the listing page. The board serves all current
// listings on one page per category, so pagination ends after page 1.
func (a *Adapter) Search(ctx context.Context, q source.Query, page int) ([]models.RawListing, error) {
	if page > 1 {
		return nil, models.Exhausted(Name)
	}

	if err := a.pacer.Wait(ctx); err != nil {
		return nil, models.Transient(Name, err)
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(a.timeout)
	if len(a.cfg.UserAgents) > 0 {
		c.UserAgent = a.cfg.UserAgents[0]
	}

	var cards []jobCard
	var fetchErr error

	c.OnHTML("section.jobs li", func(e *colly.HTMLElement) {
		href := e.ChildAttr("a[href]", "href")
		if href == "" || strings.Contains(href, "view-all") {
			return
		}
		card := jobCard{
			Title:    strings.TrimSpace(e.ChildText("span.title")),
			Company:  strings.TrimSpace(e.ChildText("span.company")),
			Region:   strings.TrimSpace(e.ChildText("span.region")),
			URL:      e.Request.AbsoluteURL(href),
			Category: strings.TrimSpace(e.ChildText("span.category")),
		}
		if card.Title == "" {
			return
		}
		if !matchesQuery(card, q) {
			return
		}
		cards = append(cards, card)
	})

	c.OnError(func(resp *colly.Response, err error) {
		switch {
		case resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests):
			fetchErr = models.Blocked(Name, fmt.Errorf("status %d", resp.StatusCode))
		default:
			fetchErr = models.Transient(Name, err)
		}
	})

	c.Context = ctx

	if err := c.Visit(a.cfg.BaseURL); err != nil && fetchErr == nil {
		fetchErr = models.Transient(Name, err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if len(cards) == 0 {
		return nil, models.Exhausted(Name)
	}

	now := time.Now().UTC()
	listings := make([]models.RawListing, 0, len(cards))
	for _, card := range cards {
		payload, err := json.Marshal(card)
		if err != nil {
			a.log.WithComponent("weworkremotely_source").WithError(err).Warn("failed to marshal job card")
			continue
		}
		listings = append(listings, models.RawListing{
			SourceID:  Name,
			SourceURL: card.URL,
			FetchedAt: now,
			Payload:   payload,
		})
	}

	return listings, nil
}

func (a *Adapter) Decode(raw models.RawListing) ([]models.ExtractedPosting, error) {
	var card jobCard
	if err := json.Unmarshal(raw.Payload, &card); err != nil {
		return nil, models.ParseFailure(Name, err)
	}
	if card.Title == "" || card.URL == "" {
		return nil, models.ParseFailure(Name, fmt.Errorf("job card missing title or url"))
	}

	region := card.Region
	if region == "" {
		region = "Remote"
	}

	return []models.ExtractedPosting{{
		SourceID:     Name,
		PostingURL:   raw.SourceURL,
		Title:        card.Title,
		Company:      card.Company,
		LocationText: region,
		Description:  card.Category,
		FetchedAt:    raw.FetchedAt,
	}}, nil
}

// matchesQuery filters cards against the request terms; an empty query
// keeps everything.
func matchesQuery(card jobCard, q source.Query) bool {
	if len(q.Terms) == 0 {
		return true
	}
	haystack := strings.ToLower(card.Title + " " + card.Company + " " + card.Category)
	for _, term := range q.Terms {
		if strings.Contains(haystack, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
