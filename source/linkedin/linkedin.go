// Package linkedin collects public job-search results by driving a
// headless browser session over the Chrome DevTools Protocol. The board
// renders listings client-side and challenges plain HTTP clients, so
// the adapter navigates a real page and reads the rendered cards. It
// still satisfies the same search/paginate/extract contract as every
// other source.
package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"jobflow/config"
	"jobflow/logger"
	"jobflow/models"
	"jobflow/source"
)

const Name = "linkedin"

const cardsPerPage = 25

// extractCardsJS reads the rendered job cards out of the DOM. Evaluated
// via Runtime.evaluate with returnByValue.
const extractCardsJS = `JSON.stringify((() => {
	const cards = document.querySelectorAll('ul.jobs-search__results-list li');
	return Array.from(cards).map(li => ({
		title: (li.querySelector('h3')?.innerText || '').trim(),
		company: (li.querySelector('h4')?.innerText || '').trim(),
		location: (li.querySelector('.job-search-card__location')?.innerText || '').trim(),
		url: li.querySelector('a.base-card__full-link')?.href || '',
		posted: li.querySelector('time')?.getAttribute('datetime') || ''
	})).filter(c => c.title && c.url);
})())`

const challengeProbeJS = `JSON.stringify(
	document.title.toLowerCase().includes('security verification') ||
	document.querySelector('#captcha-internal') !== null ||
	document.body.innerText.toLowerCase().includes('unusual activity')
)`

type Adapter struct {
	cfg   config.SourceConfig
	pacer *source.Pacer
	log   *logger.Log

	timeout     time.Duration
	settleDelay time.Duration
}

func New(cfg config.SourceConfig, timeout time.Duration) *Adapter {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 4
	}
	return &Adapter{
		cfg:         cfg,
		pacer:       source.NewPacer(cfg),
		log:         logger.GetLogger(),
		timeout:     timeout,
		settleDelay: 3 * time.Second,
	}
}

func (a *Adapter) Name() string { return Name }

type jobCard struct {
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location"`
	URL      string `json:"url"`
	Posted   string `json:"posted"`
}

func (a *Adapter) searchURL(q source.Query, page int) string {
	params := url.Values{}
	params.Set("keywords", strings.Join(q.Terms, " "))
	if q.Location != "" {
		params.Set("location", q.Location)
	}
	if page > 1 {
		params.Set("start", fmt.Sprintf("%d", (page-1)*cardsPerPage))
	}
	return "https://www.linkedin.com/jobs/search?" + params.Encode()
}

func (a *Adapter) Search(ctx context.Context, q source.Query, page int) ([]models.RawListing, error) {
	if page > a.cfg.MaxPages {
		return nil, models.Exhausted(Name)
	}

	if err := a.pacer.Wait(ctx); err != nil {
		return nil, models.Transient(Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	session, err := newCDPSession(ctx, a.cfg.DevToolsURL)
	if err != nil {
		return nil, models.Transient(Name, err)
	}
	defer session.close()

	if err := session.navigate(ctx, a.searchURL(q, page), a.settleDelay); err != nil {
		return nil, models.Transient(Name, err)
	}

	var challengeJSON string
	if err := session.evaluate(ctx, challengeProbeJS, &challengeJSON); err != nil {
		return nil, models.Transient(Name, err)
	}
	if challengeJSON == "true" {
		return nil, models.Blocked(Name, fmt.Errorf("challenge page served"))
	}

	var cardsJSON string
	if err := session.evaluate(ctx, extractCardsJS, &cardsJSON); err != nil {
		return nil, models.Transient(Name, err)
	}
	var cards []jobCard
	if err := json.Unmarshal([]byte(cardsJSON), &cards); err != nil {
		return nil, models.ParseFailure(Name, err)
	}
	if len(cards) == 0 {
		return nil, models.Exhausted(Name)
	}

	now := time.Now().UTC()
	listings := make([]models.RawListing, 0, len(cards))
	for _, card := range cards {
		payload, err := json.Marshal(card)
		if err != nil {
			a.log.WithComponent("linkedin_source").WithError(err).Warn("failed to marshal job card")
			continue
		}
		listings = append(listings, models.RawListing{
			SourceID:  Name,
			SourceURL: stripTracking(card.URL),
			FetchedAt: now,
			Payload:   payload,
		})
	}

	a.log.WithComponent("linkedin_source").WithFields(logger.Fields{
		"page":  page,
		"cards": len(listings),
	}).Info("rendered page extracted")

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

	return []models.ExtractedPosting{{
		SourceID:     Name,
		PostingURL:   raw.SourceURL,
		Title:        card.Title,
		Company:      card.Company,
		LocationText: card.Location,
		PostedText:   card.Posted,
		FetchedAt:    raw.FetchedAt,
	}}, nil
}

// stripTracking drops query parameters from posting URLs; they carry
// per-session tracking tokens that would defeat URL-based dedup.
func stripTracking(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
