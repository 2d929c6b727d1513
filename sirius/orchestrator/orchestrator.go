// Package orchestrator owns the ingestion cadence and runs full
// ingest-then-correlate cycles, at most one at a time per process.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/catalog"
	"github.com/SiriusScan/threat-intel/sirius/correlation"
	"github.com/SiriusScan/threat-intel/sirius/events"
	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/inventory"
	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
)

// ErrAlreadyRunning is returned when a cycle is requested while one is active.
var ErrAlreadyRunning = errors.New("ingestion already running")

// ErrShuttingDown is returned for cycles requested after Shutdown began.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// State is the orchestrator's position in the cycle state machine.
type State string

const (
	StateIdle        State = "idle"
	StateIngesting   State = "ingesting"
	StateCorrelating State = "correlating"
)

// Trigger names what started a cycle.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerCommand   = "command"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultWindowDays            = 7
	DefaultCorrelationWindowDays = 30
	DefaultInterval              = time.Hour
	DefaultWorkers               = 4
)

// Config tunes a cycle.
type Config struct {
	// WindowDays is the publication window requested from windowed feeds.
	WindowDays int
	// FeedTimeout bounds each adapter fetch.
	FeedTimeout time.Duration
	// CorrelationWindowDays selects the catalog snapshot correlated each cycle.
	CorrelationWindowDays int
	// RetentionDays prunes catalog entries older than this. Zero disables pruning.
	RetentionDays int
	// Interval is the scheduler cadence, aligned to UTC boundaries.
	Interval time.Duration
	// Workers bounds concurrent per-user correlation passes.
	Workers int
}

// CatalogStore is the catalog surface a cycle needs.
type CatalogStore interface {
	UpsertBatch(ctx context.Context, advisories []feed.Advisory) catalog.BatchResult
	PublishedSince(ctx context.Context, since time.Time) ([]models.CatalogEntry, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Correlator runs one user's correlation pass.
type Correlator interface {
	Run(ctx context.Context, user models.User, snapshot []models.CatalogEntry) (correlation.Summary, error)
}

// EventRecorder stores audit events.
type EventRecorder interface {
	Record(ctx context.Context, e events.Event) (*models.Event, error)
}

// StatusSink receives every status change.
type StatusSink interface {
	PublishStatus(ctx context.Context, status any) error
}

// CycleSink receives the report of every finished cycle.
type CycleSink interface {
	PublishCycle(ctx context.Context, cycleID string, startedAt time.Time, report any) error
}

// Options wires an Orchestrator. Events, Status and CycleSinks are optional.
type Options struct {
	Adapters   []feed.Adapter
	Catalog    CatalogStore
	Users      inventory.Directory
	Correlator Correlator
	Events     EventRecorder
	Status     StatusSink
	CycleSinks []CycleSink
	Config     Config
	Logger     *slog.Logger
	Now        func() time.Time
}

// Status is the externally visible orchestrator state.
type Status struct {
	IsRunning         bool       `json:"isRunning"`
	IsIngesting       bool       `json:"isIngesting"`
	State             State      `json:"state"`
	LastIngestionTime *time.Time `json:"lastIngestionTime,omitempty"`
	NextIngestion     *time.Time `json:"nextIngestion,omitempty"`
}

// Orchestrator is constructed once per process and shared by pointer.
type Orchestrator struct {
	adapters   []feed.Adapter
	catalog    CatalogStore
	users      inventory.Directory
	correlator Correlator
	events     EventRecorder
	status     StatusSink
	sinks      []CycleSink
	cfg        Config
	log        *slog.Logger
	now        func() time.Time

	mu            sync.Mutex
	state         State
	lastIngestion time.Time
	nextIngestion time.Time
	stop          chan struct{}
	done          chan struct{}
	closing       bool

	cycles sync.WaitGroup
}

// New returns an idle Orchestrator.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = feed.DefaultTimeout
	}
	if cfg.CorrelationWindowDays <= 0 {
		cfg.CorrelationWindowDays = DefaultCorrelationWindowDays
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		adapters:   opts.Adapters,
		catalog:    opts.Catalog,
		users:      opts.Users,
		correlator: opts.Correlator,
		events:     opts.Events,
		status:     opts.Status,
		sinks:      opts.CycleSinks,
		cfg:        cfg,
		log:        logger.With("component", "orchestrator"),
		now:        now,
		state:      StateIdle,
	}
}

// TriggerManualIngestion starts a cycle in the background. It returns
// ErrAlreadyRunning without side effects if a cycle is active. The cycle is
// detached from ctx cancellation and always runs to completion.
func (o *Orchestrator) TriggerManualIngestion(ctx context.Context) error {
	if err := o.begin(); err != nil {
		return err
	}
	go func() {
		defer o.cycles.Done()
		o.runCycle(context.WithoutCancel(ctx), TriggerManual)
	}()
	return nil
}

// RunCycle runs one cycle synchronously.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.cycles.Done()
	return o.runCycle(context.WithoutCancel(ctx), TriggerCommand), nil
}

// Wait blocks until every started cycle has finished.
func (o *Orchestrator) Wait() {
	o.cycles.Wait()
}

// Shutdown stops the scheduler, refuses every later cycle request and
// waits for the active cycle to finish.
func (o *Orchestrator) Shutdown() {
	o.Stop()
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cycles.Wait()
}

// Status returns a snapshot of the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() Status {
	s := Status{
		IsRunning:   o.state != StateIdle,
		IsIngesting: o.state == StateIngesting,
		State:       o.state,
	}
	if !o.lastIngestion.IsZero() {
		t := o.lastIngestion
		s.LastIngestionTime = &t
	}
	if !o.nextIngestion.IsZero() {
		t := o.nextIngestion
		s.NextIngestion = &t
	}
	return s
}

// begin moves Idle to Ingesting and registers the cycle with Wait.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return ErrShuttingDown
	}
	if o.state != StateIdle {
		return ErrAlreadyRunning
	}
	o.state = StateIngesting
	o.cycles.Add(1)
	return nil
}

func (o *Orchestrator) setState(ctx context.Context, s State) {
	o.mu.Lock()
	o.state = s
	if s == StateIdle {
		o.lastIngestion = o.now()
	}
	status := o.statusLocked()
	o.mu.Unlock()

	o.publishStatus(ctx, status)
}

func (o *Orchestrator) publishStatus(ctx context.Context, status Status) {
	if o.status == nil {
		return
	}
	if err := o.status.PublishStatus(ctx, status); err != nil {
		o.log.Warn("Failed to publish status", "error", err)
	}
}
