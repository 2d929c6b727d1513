package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/catalog"
	"github.com/SiriusScan/threat-intel/sirius/correlation"
	"github.com/SiriusScan/threat-intel/sirius/events"
	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/inventory"
	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"github.com/SiriusScan/threat-intel/sirius/postgres/postgrestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var fixedNow = time.Date(2024, 3, 1, 10, 17, 0, 0, time.UTC)

// staticAdapter returns a fixed result.
type staticAdapter struct {
	name       string
	advisories []feed.Advisory
	err        error
	calls      atomic.Int32
}

func (a *staticAdapter) Name() string { return a.name }

func (a *staticAdapter) Fetch(ctx context.Context, windowDays int) ([]feed.Advisory, error) {
	a.calls.Add(1)
	return a.advisories, a.err
}

// blockingAdapter holds its fetch open until released.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newBlockingAdapter() *blockingAdapter {
	return &blockingAdapter{started: make(chan struct{}), release: make(chan struct{})}
}

func (a *blockingAdapter) Name() string { return "blocking" }

func (a *blockingAdapter) Fetch(ctx context.Context, windowDays int) ([]feed.Advisory, error) {
	a.calls.Add(1)
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeCatalog struct {
	mu       sync.Mutex
	upserted int
}

func (c *fakeCatalog) UpsertBatch(_ context.Context, advisories []feed.Advisory) catalog.BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserted += len(advisories)
	return catalog.BatchResult{Stored: len(advisories)}
}

func (c *fakeCatalog) PublishedSince(context.Context, time.Time) ([]models.CatalogEntry, error) {
	return nil, nil
}

func (c *fakeCatalog) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeDirectory []models.User

func (d fakeDirectory) Users(context.Context) ([]models.User, error) { return d, nil }

type nopCorrelator struct{}

func (nopCorrelator) Run(_ context.Context, user models.User, _ []models.CatalogEntry) (correlation.Summary, error) {
	return correlation.Summary{UserID: user.ID}, nil
}

type memorySink struct {
	mu       sync.Mutex
	statuses []Status
	reports  []*Report
}

func (s *memorySink) PublishStatus(_ context.Context, status any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status.(Status))
	return nil
}

func (s *memorySink) PublishCycle(_ context.Context, _ string, _ time.Time, report any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report.(*Report))
	return nil
}

func newFakeOrchestrator(adapters ...feed.Adapter) *Orchestrator {
	return New(Options{
		Adapters:   adapters,
		Catalog:    &fakeCatalog{},
		Users:      fakeDirectory{{ID: "U"}},
		Correlator: nopCorrelator{},
		Now:        func() time.Time { return fixedNow },
	})
}

func TestRunCycleEndToEnd(t *testing.T) {
	t.Log("\n🔍 Testing full ingestion cycle...")

	db := postgrestest.Open(t)
	ctx := context.Background()

	inv := inventory.NewRepository(db)
	require.NoError(t, inv.AddUser(ctx, models.User{ID: "U", Email: "u@example.com"}))
	for _, scan := range []models.InventoryScan{
		{UserID: "U", EndpointID: "E1", ScannedAt: fixedNow.Add(-time.Hour), Software: []models.SoftwareRow{{Name: "Widgetpro", Version: "2.0"}}},
		{UserID: "U", EndpointID: "E2", ScannedAt: fixedNow.Add(-time.Hour), Software: []models.SoftwareRow{{Name: "Calculator", Version: "1.0"}}},
	} {
		require.NoError(t, inv.RecordScan(ctx, &scan))
	}

	published := fixedNow.AddDate(0, 0, -3)
	rich := &staticAdapter{name: string(feed.SourceRichFeed), advisories: []feed.Advisory{{
		ID:               "CVE-2024-0001",
		Title:            "WidgetPro remote code execution",
		Severity:         "critical",
		CVSSScore:        9.8,
		AffectedProducts: []string{"acme widgetpro"},
		PublishedDate:    published,
		Source:           feed.SourceRichFeed,
	}}}
	kev := &staticAdapter{name: string(feed.SourceExploitedList), advisories: []feed.Advisory{{
		ID:               "cve-2024-0001",
		Title:            "Acme WidgetPro Command Injection",
		Severity:         feed.SeverityHigh,
		CVSSScore:        7.5,
		Exploited:        true,
		AffectedProducts: []string{"acme widgetpro"},
		PublishedDate:    published,
		ExploitedDate:    &published,
		Source:           feed.SourceExploitedList,
	}}}

	writer := correlation.NewWriter(db)
	recorder := events.NewRecorder(db)
	sink := &memorySink{}
	o := New(Options{
		// exploited list listed first; the cycle still applies it last
		Adapters:   []feed.Adapter{kev, rich},
		Catalog:    catalog.NewRepository(db, nil),
		Users:      inv,
		Correlator: correlation.NewEngine(inventory.NewAggregator(inv, 0, nil), writer, nil),
		Events:     recorder,
		Status:     sink,
		CycleSinks: []CycleSink{sink},
		Config:     Config{RetentionDays: 90},
		Now:        func() time.Time { return fixedNow },
	})

	for i := 0; i < 2; i++ {
		report, err := o.RunCycle(ctx)
		require.NoError(t, err)
		require.Len(t, report.Feeds, 2)
		assert.Equal(t, string(feed.SourceRichFeed), report.Feeds[0].Source)
		assert.Equal(t, 1, report.Correlation.Users)
		assert.Equal(t, 1, report.Correlation.Written)
	}

	n, err := writer.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "two cycles must not duplicate the correlation")

	got, err := writer.Get(ctx, "U", "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, got.ImpactedEndpoints)
	assert.Equal(t, 100, got.RiskScore)
	assert.True(t, got.ThreatDetails.KEVListed)

	entry, err := catalog.NewRepository(db, nil).Get(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, "critical", entry.Severity)
	assert.Equal(t, 9.8, entry.CVSSScore)
	assert.True(t, entry.Exploited)

	status := o.Status()
	assert.False(t, status.IsRunning)
	require.NotNil(t, status.LastIngestionTime)

	sink.mu.Lock()
	assert.Len(t, sink.reports, 2)
	assert.Equal(t, StateIdle, sink.statuses[len(sink.statuses)-1].State)
	sink.mu.Unlock()

	completed, total, err := recorder.GetEvents(ctx, events.EventFilters{EventType: models.EventTypeCycleCompleted})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, models.EntityTypeCycle, completed[0].EntityType)

	t.Log("\n✅ Full ingestion cycle test passed")
}

func TestFeedFailureDoesNotAbortCycle(t *testing.T) {
	db := postgrestest.Open(t)
	ctx := context.Background()

	rich := &staticAdapter{name: string(feed.SourceRichFeed), advisories: []feed.Advisory{{
		ID: "CVE-2024-0002", Severity: "medium", CVSSScore: 5.0, PublishedDate: fixedNow, Source: feed.SourceRichFeed,
	}}}
	kev := &staticAdapter{name: string(feed.SourceExploitedList), err: errors.New("connection refused")}

	recorder := events.NewRecorder(db)
	cat := catalog.NewRepository(db, nil)
	o := New(Options{
		Adapters:   []feed.Adapter{rich, kev},
		Catalog:    cat,
		Users:      fakeDirectory{},
		Correlator: nopCorrelator{},
		Events:     recorder,
		Now:        func() time.Time { return fixedNow },
	})

	report, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Feeds, 2)
	assert.Equal(t, 1, report.Feeds[0].Stored)
	assert.Contains(t, report.Feeds[1].Error, "connection refused")

	_, err = cat.Get(ctx, "CVE-2024-0002")
	assert.NoError(t, err)

	unavailable, total, err := recorder.GetEvents(ctx, events.EventFilters{EventType: models.EventTypeFeedUnavailable})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, string(feed.SourceExploitedList), unavailable[0].EntityID)
	assert.Equal(t, models.SeverityWarning, unavailable[0].Severity)
}

func TestSecondManualTriggerRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocking := newBlockingAdapter()
	o := newFakeOrchestrator(blocking)
	ctx := context.Background()

	require.NoError(t, o.TriggerManualIngestion(ctx))
	<-blocking.started

	assert.True(t, o.Status().IsRunning)
	assert.True(t, o.Status().IsIngesting)

	err := o.TriggerManualIngestion(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = o.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(blocking.release)
	o.Wait()

	assert.Equal(t, int32(1), blocking.calls.Load())
	status := o.Status()
	assert.False(t, status.IsRunning)
	assert.Equal(t, StateIdle, status.State)
	require.NotNil(t, status.LastIngestionTime)
}

func TestManualTriggerSurvivesCallerCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocking := newBlockingAdapter()
	o := newFakeOrchestrator(blocking)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.TriggerManualIngestion(ctx))
	<-blocking.started
	cancel()

	// the fetch is still waiting on release rather than the cancelled context
	time.Sleep(20 * time.Millisecond)
	assert.True(t, o.Status().IsRunning)

	close(blocking.release)
	o.Wait()
	assert.False(t, o.Status().IsRunning)
}

func TestBusyScheduledTickIsSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocking := newBlockingAdapter()
	o := newFakeOrchestrator(blocking)
	ctx := context.Background()

	require.NoError(t, o.TriggerManualIngestion(ctx))
	<-blocking.started

	before := o.Status()
	o.tick(ctx)
	after := o.Status()
	assert.Equal(t, before, after)

	close(blocking.release)
	o.Wait()
	assert.Equal(t, int32(1), blocking.calls.Load(), "busy tick must not start a cycle")
}

func TestSchedulerFiresOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &staticAdapter{name: "static"}
	o := New(Options{
		Adapters:   []feed.Adapter{adapter},
		Catalog:    &fakeCatalog{},
		Users:      fakeDirectory{},
		Correlator: nopCorrelator{},
		Config:     Config{Interval: 20 * time.Millisecond},
	})

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	assert.Error(t, o.Start(ctx), "second Start must fail")

	require.Eventually(t, func() bool { return adapter.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, o.Status().NextIngestion)

	o.Stop()
	o.Wait()
	assert.Nil(t, o.Status().NextIngestion)

	// Stop is idempotent
	o.Stop()
}

func TestNextTick(t *testing.T) {
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), NextTick(fixedNow, time.Hour))
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), NextTick(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), time.Hour))

	est := time.FixedZone("EST", -5*60*60)
	assert.Equal(t, time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC), NextTick(time.Date(2024, 3, 1, 10, 30, 0, 0, est), time.Hour))
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), NextTick(fixedNow, 0))
}

func TestTriggerHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &staticAdapter{name: "static"}
	o := newFakeOrchestrator(adapter)
	handle := o.TriggerHandler(context.Background())

	handle("not json")
	o.Wait()
	assert.Zero(t, adapter.calls.Load())

	handle(`{"requestedBy":"ui"}`)
	o.Wait()
	assert.Equal(t, int32(1), adapter.calls.Load())
}

func TestShutdownRefusesNewCycles(t *testing.T) {
	defer goleak.VerifyNone(t)

	blocking := newBlockingAdapter()
	o := newFakeOrchestrator(blocking)
	ctx := context.Background()

	require.NoError(t, o.TriggerManualIngestion(ctx))
	<-blocking.started

	stopped := make(chan struct{})
	go func() {
		o.Shutdown()
		close(stopped)
	}()

	// a trigger racing the shutdown is refused instead of joining the wait
	assert.Eventually(t, func() bool {
		return errors.Is(o.TriggerManualIngestion(ctx), ErrShuttingDown)
	}, time.Second, 5*time.Millisecond)

	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a cycle was still running")
	default:
	}

	close(blocking.release)
	<-stopped

	_, err := o.RunCycle(ctx)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, int32(1), blocking.calls.Load())
	assert.False(t, o.Status().IsRunning)
}

func TestTriggerHandlerIgnoresMessagesAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	adapter := &staticAdapter{name: "static"}
	o := newFakeOrchestrator(adapter)

	ctx, cancel := context.WithCancel(context.Background())
	handle := o.TriggerHandler(ctx)
	cancel()

	handle(`{"requestedBy":"ui"}`)
	o.Wait()
	assert.Zero(t, adapter.calls.Load())
	assert.Equal(t, StateIdle, o.Status().State)
}
