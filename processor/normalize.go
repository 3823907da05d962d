package processor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"jobflow/models"
)

// hoursPerYear converts hourly rates to annual figures.
const hoursPerYear = 2080

var (
	amountRe = regexp.MustCompile(`(?i)([0-9]+(?:,[0-9]{3})*(?:\.[0-9]+)?)\s*(k)?`)
	hourlyRe = regexp.MustCompile(`(?i)(/\s*hr|/\s*hour|per\s+hour|an\s+hour|hourly)`)
	agoRe    = regexp.MustCompile(`(?i)([0-9]+)\s*(minute|hour|day|week|month)s?\s+ago`)
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02 Jan 2006",
	"Jan 2, 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// Normalize converts one extracted posting into the canonical record.
// It never fails: unparsable fields degrade to their zero/unspecified
// forms and the fingerprint is always populated.
func Normalize(e models.ExtractedPosting) models.Posting {
	collectedAt := e.FetchedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now().UTC()
	}

	p := models.Posting{
		Title:          strings.TrimSpace(e.Title),
		Company:        strings.TrimSpace(e.Company),
		Location:       ParseLocation(e.LocationText),
		Salary:         ParseSalary(e.SalaryText),
		EmploymentType: ParseEmployment(e.EmploymentText),
		Description:    strings.TrimSpace(e.Description),
		PostingURL:     strings.TrimSpace(e.PostingURL),
		SourceIDs:      []string{e.SourceID},
		PostedAt:       ParseDate(e.PostedText, collectedAt),
		CollectedAt:    collectedAt,
	}
	p.Fingerprint = models.ComputeFingerprint(p.Title, p.Company, p.Location)
	return p
}

// ParseSalary extracts an annualized range from free-form salary text.
// Hourly rates are annualized at 2080 hours. Text with no parsable
// amount ("competitive", "DOE") yields nil bounds and an unspecified
// currency.
func ParseSalary(text string) models.Salary {
	s := models.Salary{Currency: "unspecified"}
	t := strings.TrimSpace(text)
	if t == "" {
		return s
	}

	lower := strings.ToLower(t)
	hourly := hourlyRe.MatchString(lower)

	var amounts []int
	for _, m := range amountRe.FindAllStringSubmatch(t, 2) {
		numStr := strings.ReplaceAll(m[1], ",", "")
		value, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			continue
		}
		if strings.EqualFold(m[2], "k") {
			value *= 1000
		}
		if hourly {
			value *= hoursPerYear
		}
		amounts = append(amounts, int(value+0.5))
	}
	if len(amounts) == 0 {
		return s
	}

	min := amounts[0]
	max := min
	if len(amounts) > 1 {
		max = amounts[1]
	}
	if max < min {
		min, max = max, min
	}
	s.Min = &min
	s.Max = &max
	if c := detectCurrency(lower); c != "" {
		s.Currency = c
	}
	return s
}

func detectCurrency(lower string) string {
	switch {
	case strings.Contains(lower, "$") || strings.Contains(lower, "usd"):
		return "USD"
	case strings.Contains(lower, "£") || strings.Contains(lower, "gbp"):
		return "GBP"
	case strings.Contains(lower, "€") || strings.Contains(lower, "eur"):
		return "EUR"
	}
	return ""
}

var remoteMarkers = []string{"remote", "anywhere", "work from home", "worldwide", "distributed"}

// ParseLocation splits free-form location text into city/region/country.
// Text that cannot be split is preserved verbatim in Unparsed so no
// information is lost.
func ParseLocation(text string) models.Location {
	t := strings.TrimSpace(text)
	if t == "" {
		return models.Location{}
	}

	loc := models.Location{}
	lower := strings.ToLower(t)
	for _, marker := range remoteMarkers {
		if strings.Contains(lower, marker) {
			loc.IsRemote = true
			break
		}
	}

	var parts []string
	for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '/' || r == '|' }) {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), "-"))
		if part == "" || isRemoteMarker(part) {
			continue
		}
		parts = append(parts, strings.TrimSpace(part))
	}

	switch len(parts) {
	case 0:
		// Pure remote text like "Remote" or "Anywhere".
	case 1:
		// A lone segment could be a city or a country; keep it verbatim.
		loc.Unparsed = parts[0]
	case 2:
		loc.City = parts[0]
		loc.Country = parts[1]
	default:
		loc.City = parts[0]
		loc.Region = strings.Join(parts[1:len(parts)-1], ", ")
		loc.Country = parts[len(parts)-1]
	}
	return loc
}

func isRemoteMarker(part string) bool {
	lower := strings.ToLower(part)
	for _, marker := range remoteMarkers {
		if lower == marker {
			return true
		}
	}
	return false
}

// ParseDate parses absolute and relative posting dates. Unparsable text
// falls back to the collection time.
func ParseDate(text string, fallback time.Time) time.Time {
	t := strings.TrimSpace(text)
	if t == "" {
		return fallback
	}

	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, t); err == nil {
			return parsed.UTC()
		}
	}

	lower := strings.ToLower(t)
	if lower == "today" || lower == "just now" {
		return fallback
	}
	if lower == "yesterday" {
		return fallback.Add(-24 * time.Hour)
	}
	if m := agoRe.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			var unit time.Duration
			switch m[2] {
			case "minute":
				unit = time.Minute
			case "hour":
				unit = time.Hour
			case "day":
				unit = 24 * time.Hour
			case "week":
				unit = 7 * 24 * time.Hour
			case "month":
				unit = 30 * 24 * time.Hour
			}
			return fallback.Add(-time.Duration(n) * unit)
		}
	}
	return fallback
}

// ParseEmployment maps free-form contract text onto the closed
// employment type set.
func ParseEmployment(text string) models.EmploymentType {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case lower == "":
		return models.EmploymentUnspecified
	case strings.Contains(lower, "full"):
		return models.EmploymentFullTime
	case strings.Contains(lower, "part"):
		return models.EmploymentPartTime
	case strings.Contains(lower, "contract"), strings.Contains(lower, "temp"),
		strings.Contains(lower, "freelance"), strings.Contains(lower, "intern"):
		return models.EmploymentContract
	case strings.Contains(lower, "permanent"):
		return models.EmploymentFullTime
	}
	return models.EmploymentUnspecified
}
