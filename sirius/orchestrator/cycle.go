package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/catalog"
	"github.com/SiriusScan/threat-intel/sirius/events"
	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// FeedReport is one adapter's outcome within a cycle.
type FeedReport struct {
	Source     string `json:"source"`
	Fetched    int    `json:"fetched"`
	Stored     int    `json:"stored"`
	Rejected   int    `json:"rejected"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// CorrelationReport totals the per-user passes of a cycle.
type CorrelationReport struct {
	SnapshotSize int `json:"snapshotSize"`
	Users        int `json:"users"`
	UsersFailed  int `json:"usersFailed"`
	Matched      int `json:"matched"`
	Written      int `json:"written"`
	Failed       int `json:"failed"`
}

// Report summarizes one ingestion cycle.
type Report struct {
	CycleID     string            `json:"cycleId"`
	Trigger     string            `json:"trigger"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Feeds       []FeedReport      `json:"feeds"`
	Pruned      int64             `json:"pruned"`
	Correlation CorrelationReport `json:"correlation"`
}

// runCycle executes ingest, prune and correlate. It never returns early on a
// partial failure and always leaves the orchestrator idle.
func (o *Orchestrator) runCycle(ctx context.Context, trigger string) *Report {
	report := &Report{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: o.now(),
	}
	log := o.log.With("cycle_id", report.CycleID)
	defer o.setState(ctx, StateIdle)

	log.Info("Ingestion cycle started", "trigger", trigger)
	o.publishStatus(ctx, o.Status())
	o.record(ctx, events.Event{
		EventType:  models.EventTypeCycleStarted,
		Severity:   models.SeverityInfo,
		Title:      "Threat-intel ingestion cycle started",
		Metadata:   map[string]interface{}{"trigger": trigger},
		EntityType: models.EntityTypeCycle,
		EntityID:   report.CycleID,
	})

	report.Feeds = o.ingest(ctx, report.CycleID)
	report.Pruned = o.prune(ctx, report.CycleID)

	o.setState(ctx, StateCorrelating)
	report.Correlation = o.correlate(ctx, report.CycleID)

	report.FinishedAt = o.now()
	log.Info("Ingestion cycle completed",
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"pruned", report.Pruned,
		"users", report.Correlation.Users,
		"correlations_written", report.Correlation.Written,
	)
	o.record(ctx, events.Event{
		EventType:  models.EventTypeCycleCompleted,
		Severity:   models.SeverityInfo,
		Title:      "Threat-intel ingestion cycle completed",
		Metadata:   reportMetadata(report),
		EntityType: models.EntityTypeCycle,
		EntityID:   report.CycleID,
	})

	for _, sink := range o.sinks {
		if err := sink.PublishCycle(ctx, report.CycleID, report.StartedAt, report); err != nil {
			log.Warn("Failed to publish cycle report", "error", err)
		}
	}
	return report
}

func (o *Orchestrator) ingest(ctx context.Context, cycleID string) []FeedReport {
	results := feed.FetchAll(ctx, o.log, o.adapters, o.cfg.WindowDays, o.cfg.FeedTimeout)

	// Exploited-list writes go last so that a new CVE present in both feeds is
	// created from the richer record.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Source != string(feed.SourceExploitedList) && results[j].Source == string(feed.SourceExploitedList)
	})

	reports := make([]FeedReport, 0, len(results))
	var total catalog.BatchResult
	for _, res := range results {
		fr := FeedReport{
			Source:     res.Source,
			Fetched:    len(res.Advisories),
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			fr.Error = res.Err.Error()
			o.record(ctx, events.Event{
				Subcomponent: res.Source,
				EventType:    models.EventTypeFeedUnavailable,
				Severity:     models.SeverityWarning,
				Title:        fmt.Sprintf("Feed %s unavailable", res.Source),
				Description:  res.Err.Error(),
				EntityType:   models.EntityTypeFeed,
				EntityID:     res.Source,
				Metadata:     map[string]interface{}{"cycle_id": cycleID},
			})
			reports = append(reports, fr)
			continue
		}

		batch := o.catalog.UpsertBatch(ctx, res.Advisories)
		fr.Stored, fr.Rejected, fr.Failed = batch.Stored, batch.Rejected, batch.Failed
		total.Stored += batch.Stored
		total.Rejected += batch.Rejected
		total.Failed += batch.Failed
		reports = append(reports, fr)
	}

	o.record(ctx, events.Event{
		EventType:  models.EventTypeCatalogUpdated,
		Severity:   models.SeverityInfo,
		Title:      "Threat-intel catalog updated",
		EntityType: models.EntityTypeCycle,
		EntityID:   cycleID,
		Metadata: map[string]interface{}{
			"stored":   total.Stored,
			"rejected": total.Rejected,
			"failed":   total.Failed,
		},
	})
	return reports
}

func (o *Orchestrator) prune(ctx context.Context, cycleID string) int64 {
	if o.cfg.RetentionDays <= 0 {
		return 0
	}
	cutoff := o.now().AddDate(0, 0, -o.cfg.RetentionDays)
	n, err := o.catalog.Prune(ctx, cutoff)
	if err != nil {
		o.log.Error("Failed to prune catalog", "cycle_id", cycleID, "error", err)
		return 0
	}
	if n > 0 {
		o.record(ctx, events.Event{
			EventType:  models.EventTypeCatalogPruned,
			Severity:   models.SeverityInfo,
			Title:      "Expired catalog entries removed",
			EntityType: models.EntityTypeCycle,
			EntityID:   cycleID,
			Metadata:   map[string]interface{}{"pruned": n, "cutoff": cutoff.Format(time.RFC3339)},
		})
	}
	return n
}

// correlate fans out one pass per user over a snapshot taken once, up front.
func (o *Orchestrator) correlate(ctx context.Context, cycleID string) CorrelationReport {
	var rep CorrelationReport
	log := o.log.With("cycle_id", cycleID)

	since := o.now().AddDate(0, 0, -o.cfg.CorrelationWindowDays)
	snapshot, err := o.catalog.PublishedSince(ctx, since)
	if err != nil {
		log.Error("Failed to snapshot catalog, skipping correlation", "error", err)
		return rep
	}
	rep.SnapshotSize = len(snapshot)

	users, err := o.users.Users(ctx)
	if err != nil {
		log.Error("Failed to list users, skipping correlation", "error", err)
		return rep
	}
	rep.Users = len(users)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, user := range users {
		g.Go(func() error {
			sum, err := o.correlator.Run(ctx, user, snapshot)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.UsersFailed++
				log.Error("Correlation pass failed", "user_id", user.ID, "error", err)
				return nil
			}
			rep.Matched += sum.Matched
			rep.Written += sum.Written
			rep.Failed += sum.Failed
			return nil
		})
	}
	_ = g.Wait()

	o.record(ctx, events.Event{
		EventType:  models.EventTypeCorrelationFinished,
		Severity:   models.SeverityInfo,
		Title:      "Correlation finished",
		EntityType: models.EntityTypeCycle,
		EntityID:   cycleID,
		Metadata: map[string]interface{}{
			"users":        rep.Users,
			"users_failed": rep.UsersFailed,
			"written":      rep.Written,
			"failed":       rep.Failed,
		},
	})
	return rep
}

func (o *Orchestrator) record(ctx context.Context, e events.Event) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Record(ctx, e); err != nil {
		o.log.Warn("Failed to record event", "event_type", e.EventType, "error", err)
	}
}

func reportMetadata(r *Report) map[string]interface{} {
	feeds := make(map[string]interface{}, len(r.Feeds))
	for _, f := range r.Feeds {
		if f.Error != "" {
			feeds[f.Source] = "unavailable"
			continue
		}
		feeds[f.Source] = f.Stored
	}
	return map[string]interface{}{
		"trigger":     r.Trigger,
		"duration_ms": r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		"feeds":       feeds,
		"pruned":      r.Pruned,
		"users":       r.Correlation.Users,
		"written":     r.Correlation.Written,
	}
}
