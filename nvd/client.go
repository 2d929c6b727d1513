package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/product"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the NVD CVE API 2.0 endpoint.
	DefaultBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	// DefaultPageSize is the maximum page size the API accepts.
	DefaultPageSize = 2000
	// DefaultWindowDays is used when Fetch is called with a non-positive window.
	DefaultWindowDays = 7

	// The API rejects publication ranges longer than 120 days.
	maxWindowDays = 120
	queryTimeLayout = "2006-01-02T15:04:05.000"
	maxTitleLength  = 120
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	PageSize   int
	HTTPClient *http.Client
	// Limiter paces page requests. Defaults follow the public NVD limits:
	// 5 requests per 30s without a key, 50 with one.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Now     func() time.Time
}

// Client fetches recently published CVEs from NVD.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
	now        func() time.Time
}

// NewClient creates a new NVD client
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		pageSize:   opts.PageSize,
		httpClient: opts.HTTPClient,
		limiter:    opts.Limiter,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pageSize <= 0 || c.pageSize > DefaultPageSize {
		c.pageSize = DefaultPageSize
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.limiter == nil {
		every := 6 * time.Second
		if c.apiKey != "" {
			every = 600 * time.Millisecond
		}
		c.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("source", string(feed.SourceRichFeed))
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Name implements feed.Adapter.
func (c *Client) Name() string {
	return string(feed.SourceRichFeed)
}

// Fetch implements feed.Adapter. It returns every CVE published in the last
// windowDays, following pagination until totalResults is reached. Individual
// entries that fail to parse are logged and skipped.
func (c *Client) Fetch(ctx context.Context, windowDays int) ([]feed.Advisory, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if windowDays > maxWindowDays {
		windowDays = maxWindowDays
	}
	end := c.now().UTC()
	start := end.AddDate(0, 0, -windowDays)

	var advisories []feed.Advisory
	skipped := 0
	startIndex := 0
	for {
		page, err := c.fetchPage(ctx, start, end, startIndex)
		if err != nil {
			return nil, err
		}

		for _, raw := range page.Vulnerabilities {
			adv, err := ParseVulnerability(raw)
			if err != nil {
				skipped++
				c.log.Warn("Skipping malformed NVD entry", "error", err)
				continue
			}
			advisories = append(advisories, adv)
		}

		startIndex += len(page.Vulnerabilities)
		if len(page.Vulnerabilities) == 0 || startIndex >= page.TotalResults {
			break
		}
	}

	c.log.Debug("NVD fetch complete", "advisories", len(advisories), "skipped", skipped, "window_days", windowDays)
	return advisories, nil
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, startIndex int) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", feed.ErrFeedUnavailable, err)
	}

	q := url.Values{}
	q.Set("pubStartDate", start.Format(queryTimeLayout))
	q.Set("pubEndDate", end.Format(queryTimeLayout))
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request error: %v", feed.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: received status code %d from NVD API", feed.ErrFeedUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", feed.ErrFeedUnavailable, err)
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal JSON: %v", feed.ErrFeedUnavailable, err)
	}
	return &page, nil
}

// ParseVulnerability decodes one "vulnerabilities" array item into an
// advisory. Items that do not match the schema or lack an id or publication
// date are rejected with feed.ErrMalformedEntry.
func ParseVulnerability(raw json.RawMessage) (feed.Advisory, error) {
	var item DefCVEItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return feed.Advisory{}, fmt.Errorf("%w: %v", feed.ErrMalformedEntry, err)
	}
	cve := item.CVE
	if strings.TrimSpace(cve.ID) == "" {
		return feed.Advisory{}, fmt.Errorf("%w: missing cve id", feed.ErrMalformedEntry)
	}
	published, err := parseTimestamp(cve.Published)
	if err != nil {
		return feed.Advisory{}, fmt.Errorf("%w: %s: bad published date %q", feed.ErrMalformedEntry, cve.ID, cve.Published)
	}

	adv := feed.Advisory{
		ID:               cve.ID,
		Description:      englishDescription(cve.Descriptions),
		AffectedProducts: affectedProducts(cve.Configurations),
		PublishedDate:    published,
		References:       referenceURLs(cve.References),
		Source:           feed.SourceRichFeed,
	}
	adv.CVSSScore, adv.Severity = bestCVSS(cve.Metrics)

	adv.Title = summarize(adv.Description)
	if cve.CisaVulnerabilityName != nil && *cve.CisaVulnerabilityName != "" {
		adv.Title = *cve.CisaVulnerabilityName
	}
	if adv.Title == "" {
		adv.Title = cve.ID
	}

	if cve.CisaExploitAdd != nil {
		if added, err := parseTimestamp(*cve.CisaExploitAdd); err == nil {
			adv.Exploited = true
			adv.ExploitedDate = &added
		}
	}
	return adv, nil
}

// bestCVSS picks the newest CVSS schema version present, preferring the
// NVD "Primary" metric within a version.
func bestCVSS(m Metrics) (float64, string) {
	for _, metrics := range [][]CvssMetric{m.CvssMetricV40, m.CvssMetricV31, m.CvssMetricV30, m.CvssMetricV2} {
		if len(metrics) == 0 {
			continue
		}
		chosen := metrics[0]
		for _, metric := range metrics {
			if strings.EqualFold(metric.Type, "Primary") {
				chosen = metric
				break
			}
		}
		severity := chosen.CvssData.BaseSeverity
		if severity == "" {
			severity = chosen.BaseSeverity
		}
		if severity == "" {
			severity = feed.SeverityForScore(chosen.CvssData.BaseScore)
		}
		return chosen.CvssData.BaseScore, strings.ToLower(severity)
	}
	return 0, ""
}

func affectedProducts(configs []Config) []string {
	seen := make(map[string]struct{})
	var products []string
	for _, cfg := range configs {
		for _, node := range cfg.Nodes {
			for _, match := range node.CpeMatch {
				if !match.Vulnerable {
					continue
				}
				name, ok := product.FromCPE(match.Criteria)
				if !ok {
					continue
				}
				if _, dup := seen[name]; dup {
					continue
				}
				seen[name] = struct{}{}
				products = append(products, name)
			}
		}
	}
	return products
}

func englishDescription(descs []LangString) string {
	for _, d := range descs {
		if d.Lang == "en" {
			return strings.TrimSpace(d.Value)
		}
	}
	return ""
}

func referenceURLs(refs []Reference) []string {
	urls := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// summarize returns the first sentence of desc, truncated to maxTitleLength runes.
func summarize(desc string) string {
	if i := strings.Index(desc, ". "); i > 0 {
		desc = desc[:i]
	}
	desc = strings.TrimSuffix(strings.TrimSpace(desc), ".")
	if utf8.RuneCountInString(desc) <= maxTitleLength {
		return desc
	}
	runes := []rune(desc)
	return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{queryTimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
