// Package feed defines the advisory shape shared by every threat-intel source
// and the concurrent fetch join used at the start of each ingestion cycle.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source identifies which feed produced an advisory.
type Source string

const (
	SourceRichFeed      Source = "rich-feed"
	SourceExploitedList Source = "exploited-list"
)

// Severity levels stored on catalog entries.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// DefaultTimeout bounds a single adapter fetch.
const DefaultTimeout = 30 * time.Second

var (
	// ErrFeedUnavailable marks a network, timeout or non-2xx failure of one adapter.
	ErrFeedUnavailable = errors.New("feed unavailable")
	// ErrMalformedEntry marks a single advisory that failed parsing or validation.
	ErrMalformedEntry = errors.New("malformed feed entry")
)

// Advisory is the common raw shape both adapters map their payloads into.
type Advisory struct {
	ID               string
	Title            string
	Description      string
	Severity         string
	CVSSScore        float64
	Exploited        bool
	AffectedProducts []string
	PublishedDate    time.Time
	ExploitedDate    *time.Time
	References       []string
	Source           Source
}

// Adapter fetches advisories from one external source.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, windowDays int) ([]Advisory, error)
}

// Result is the outcome of one adapter within a FetchAll join.
type Result struct {
	Source     string
	Advisories []Advisory
	Err        error
	Duration   time.Duration
}

// FetchAll runs every adapter concurrently, each under its own timeout.
// A failing adapter contributes zero advisories and never cancels its
// siblings; results come back in adapter order.
func FetchAll(ctx context.Context, logger *slog.Logger, adapters []Adapter, windowDays int, timeout time.Duration) []Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]Result, len(adapters))
	var g errgroup.Group
	for i, adapter := range adapters {
		g.Go(func() error {
			start := time.Now()
			fetchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			advisories, err := adapter.Fetch(fetchCtx, windowDays)
			res := Result{Source: adapter.Name(), Duration: time.Since(start)}
			if err != nil {
				if !errors.Is(err, ErrFeedUnavailable) {
					err = fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, adapter.Name(), err)
				}
				res.Err = err
				logger.Error("Feed fetch failed", "source", adapter.Name(), "error", err, "duration", res.Duration)
			} else {
				res.Advisories = advisories
				logger.Info("Feed fetched", "source", adapter.Name(), "advisories", len(advisories), "duration", res.Duration)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// SeverityForScore maps a CVSS base score onto the catalog severity scale.
func SeverityForScore(score float64) string {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
