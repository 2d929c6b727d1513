// Package kev fetches the CISA Known Exploited Vulnerabilities catalog and
// maps it into feed advisories.
package kev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/product"
)

const (
	// DefaultURL is the public JSON feed of the KEV catalog.
	DefaultURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

	// Listed CVEs carry no score of their own; these defaults apply until the
	// rich feed supplies real metrics.
	DefaultSeverity  = feed.SeverityHigh
	DefaultCVSSScore = 7.5

	dateLayout = "2006-01-02"
)

// Catalog is the top-level KEV document. Rows are decoded one at a time so a
// single bad row does not discard the whole catalog.
type Catalog struct {
	Title           string            `json:"title"`
	CatalogVersion  string            `json:"catalogVersion"`
	DateReleased    string            `json:"dateReleased"`
	Count           int               `json:"count"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// Entry is a single row of the KEV catalog.
type Entry struct {
	CVEID                      string   `json:"cveID"`
	VendorProject              string   `json:"vendorProject"`
	Product                    string   `json:"product"`
	VulnerabilityName          string   `json:"vulnerabilityName"`
	DateAdded                  string   `json:"dateAdded"`
	ShortDescription           string   `json:"shortDescription"`
	RequiredAction             string   `json:"requiredAction"`
	DueDate                    string   `json:"dueDate"`
	KnownRansomwareCampaignUse string   `json:"knownRansomwareCampaignUse"`
	Notes                      string   `json:"notes"`
	CWEs                       []string `json:"cwes,omitempty"`
}

// Client downloads the KEV catalog.
type Client struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient returns a client for url, or DefaultURL when url is empty.
func NewClient(url string, httpClient *http.Client, logger *slog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		httpClient: httpClient,
		log:        logger.With("source", string(feed.SourceExploitedList)),
	}
}

// Name implements feed.Adapter.
func (c *Client) Name() string {
	return string(feed.SourceExploitedList)
}

// Fetch implements feed.Adapter. The KEV feed has no publication window, so
// windowDays is ignored and the full catalog is returned every time.
func (c *Client) Fetch(ctx context.Context, _ int) ([]feed.Advisory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request error: %v", feed.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: received status code %d from KEV feed", feed.ErrFeedUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", feed.ErrFeedUnavailable, err)
	}

	var catalog Catalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal JSON: %v", feed.ErrFeedUnavailable, err)
	}

	advisories := make([]feed.Advisory, 0, len(catalog.Vulnerabilities))
	for _, raw := range catalog.Vulnerabilities {
		adv, err := ParseEntry(raw)
		if err != nil {
			c.log.Warn("Skipping malformed KEV entry", "error", err)
			continue
		}
		advisories = append(advisories, adv)
	}

	c.log.Debug("KEV fetch complete", "catalog_version", catalog.CatalogVersion, "advisories", len(advisories))
	return advisories, nil
}

// ParseEntry maps one KEV row into an exploited advisory.
func ParseEntry(raw json.RawMessage) (feed.Advisory, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return feed.Advisory{}, fmt.Errorf("%w: %v", feed.ErrMalformedEntry, err)
	}
	if strings.TrimSpace(e.CVEID) == "" {
		return feed.Advisory{}, fmt.Errorf("%w: missing cveID", feed.ErrMalformedEntry)
	}

	adv := feed.Advisory{
		ID:          e.CVEID,
		Title:       strings.TrimSpace(e.VulnerabilityName),
		Description: strings.TrimSpace(e.ShortDescription),
		Severity:    DefaultSeverity,
		CVSSScore:   DefaultCVSSScore,
		Exploited:   true,
		Source:      feed.SourceExploitedList,
	}
	if name := productName(e.VendorProject, e.Product); name != "" {
		adv.AffectedProducts = []string{name}
	}

	if e.DateAdded != "" {
		added, err := time.Parse(dateLayout, strings.TrimSpace(e.DateAdded))
		if err != nil {
			return feed.Advisory{}, fmt.Errorf("%w: %s: bad dateAdded %q", feed.ErrMalformedEntry, e.CVEID, e.DateAdded)
		}
		adv.PublishedDate = added
		adv.ExploitedDate = &added
	}
	return adv, nil
}

func productName(vendor, prod string) string {
	v := product.Normalize(vendor)
	p := product.Normalize(prod)
	if p == "" {
		return ""
	}
	if v == "" || v == p || strings.HasPrefix(p, v+" ") {
		return p
	}
	return v + " " + p
}
