// Package pipeline is the learning loop orchestrator. It ingests
// interaction events, keeps the phase counters, and threshold-gates the
// analysis phases that consume the vault, goal store, and audit log.
//
// Ingestion never blocks on analysis: Observe appends the event, bumps
// the counters, and enqueues any due phases onto a bounded task queue
// drained by a single scheduler goroutine. The single consumer also
// serializes phase runs per vault, so two phases never mutate state
// concurrently.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/goals"
	"github.com/chittyos/chittydna/internal/remote"
	"github.com/chittyos/chittydna/internal/secrets"
	"github.com/chittyos/chittydna/internal/storage"
	"github.com/chittyos/chittydna/internal/vault"
)

const instrumentationName = "github.com/chittyos/chittydna/internal/pipeline"

// failureWindow is how many recent outcomes the failure-density
// override considers.
const failureWindow = 10

// Errors for pipeline operations.
var (
	// ErrInvalidKind is returned for events with an unknown kind.
	ErrInvalidKind = errors.New("pipeline: invalid event kind")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("pipeline: scheduler already running")

	// ErrNotRunning is returned when Stop is called before Start.
	ErrNotRunning = errors.New("pipeline: scheduler not running")
)

// Config configures the pipeline.
type Config struct {
	// Window is how many recent events each phase reads.
	Window int

	// ReflectEvery triggers reflection every N events.
	ReflectEvery int

	// SynthesizeEvery triggers goal synthesis every N events.
	SynthesizeEvery int

	// ProposeEvery triggers workflow proposal every N events.
	ProposeEvery int

	// MinProposalConfidence filters proposals below this confidence.
	MinProposalConfidence float64

	// QueueSize bounds the deferred task queue. Overflow drops the task
	// rather than blocking Observe.
	QueueSize int
}

// DefaultConfig returns the cadence the learning loop is tuned for:
// reflect every 10 events, synthesize every 25, propose every 50.
func DefaultConfig() *Config {
	return &Config{
		Window:                100,
		ReflectEvery:          10,
		SynthesizeEvery:       25,
		ProposeEvery:          50,
		MinProposalConfidence: 0.75,
		QueueSize:             64,
	}
}

// ReflectResult reports one reflection pass.
type ReflectResult struct {
	Skipped      bool `json:"skipped"`
	WindowSize   int  `json:"window_size"`
	GoalsCreated int  `json:"goals_created"`
	GoalsUpdated int  `json:"goals_updated"`
}

// SynthesizeResult reports one synthesis pass.
type SynthesizeResult struct {
	Skipped  bool            `json:"skipped"`
	Clusters []goals.Cluster `json:"clusters"`
	Merged   int             `json:"merged"`
	Archived []string        `json:"archived"`
}

// ProposeResult reports one proposal pass.
type ProposeResult struct {
	Skipped    bool     `json:"skipped"`
	Candidates int      `json:"candidates"`
	Accepted   []string `json:"accepted"`
}

// SyncResult reports one sync pass. Remote failures never surface as
// errors; they are collected here.
type SyncResult struct {
	Registered        int      `json:"registered"`
	CommunityPatterns int      `json:"community_patterns"`
	ToolsDiscovered   int      `json:"tools_discovered"`
	PendingFlushed    int      `json:"pending_flushed"`
	Skipped           bool     `json:"skipped,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// Service is the pipeline orchestrator.
type Service interface {
	// Observe ingests one event. It appends to the durable log, bumps
	// the counters, enqueues any due phases, and returns immediately.
	Observe(ctx context.Context, event Event) error

	// Reflect accrues insights onto matching goals or creates new ones
	// from the recent event window. force bypasses the trigger check.
	Reflect(ctx context.Context, force bool) (*ReflectResult, error)

	// Synthesize runs overlap analysis, merges near-duplicate goals,
	// and archives stale ones. force bypasses the trigger check.
	Synthesize(ctx context.Context, force bool) (*SynthesizeResult, error)

	// Propose extracts candidate workflows from the recent window and
	// keeps those meeting the confidence floor. force bypasses the
	// trigger check.
	Propose(ctx context.Context, force bool) (*ProposeResult, error)

	// Sync shares hash-only learned items with the remote collaborators.
	// Caller-invoked only, never event-triggered, and never raises:
	// remote failures land in the result's Errors list and the pending
	// queue.
	Sync(ctx context.Context) *SyncResult

	// CurrentState returns a copy of the persisted pipeline state.
	CurrentState(ctx context.Context) (*State, error)

	// RecentEvents returns the last n events from the durable log.
	RecentEvents(ctx context.Context, n int) ([]Event, error)

	// Start launches the scheduler goroutine that drains the task queue.
	Start(ctx context.Context) error

	// Stop halts the scheduler and waits for the in-flight phase.
	Stop() error
}

type phaseKind string

const (
	phaseReflect    phaseKind = "reflect"
	phaseSynthesize phaseKind = "synthesize"
	phasePropose    phaseKind = "propose"
)

type task struct {
	phase phaseKind
}

// service implements Service.
type service struct {
	config   *Config
	backend  storage.Backend
	vault    vault.Vault
	goals    *goals.Store
	synth    *goals.Synthesizer
	auditLog *audit.Log
	scrubber secrets.Scrubber
	remote   remote.Client
	pending  *remote.PendingQueue
	logger   *zap.Logger

	meter          metric.Meter
	eventCounter   metric.Int64Counter
	phaseCounter   metric.Int64Counter
	droppedCounter metric.Int64Counter

	// stateMu guards the persisted state and the outcome ring.
	stateMu sync.Mutex
	state   *State
	loaded  bool

	// outcomes is a ring of recent failure flags for the density
	// override. In-memory only; it resets on restart.
	outcomes [failureWindow]bool
	outcomeN int

	// runMu guards the scheduler lifecycle.
	runMu   sync.Mutex
	running bool
	tasks   chan task
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates the pipeline. The remote client and pending queue may be
// nil for local-only deployments; Sync then reports a single error and
// does nothing else.
func New(cfg *Config, backend storage.Backend, vlt vault.Vault, goalStore *goals.Store, synth *goals.Synthesizer, auditLog *audit.Log, scrubber secrets.Scrubber, remoteClient remote.Client, pending *remote.PendingQueue, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Window < 1 {
		return nil, fmt.Errorf("pipeline: window must be >= 1, got %d", cfg.Window)
	}
	if cfg.ReflectEvery < 1 || cfg.SynthesizeEvery < 1 || cfg.ProposeEvery < 1 {
		return nil, errors.New("pipeline: phase cadences must be >= 1")
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("pipeline: queue size must be >= 1, got %d", cfg.QueueSize)
	}
	if backend == nil {
		return nil, errors.New("pipeline: storage backend is required")
	}
	if vlt == nil {
		return nil, errors.New("pipeline: vault is required")
	}
	if goalStore == nil {
		return nil, errors.New("pipeline: goal store is required")
	}
	if synth == nil {
		return nil, errors.New("pipeline: synthesizer is required")
	}
	if auditLog == nil {
		return nil, errors.New("pipeline: audit log is required")
	}
	if scrubber == nil {
		scrubber = &secrets.NoopScrubber{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		backend:  backend,
		vault:    vlt,
		goals:    goalStore,
		synth:    synth,
		auditLog: auditLog,
		scrubber: scrubber,
		remote:   remoteClient,
		pending:  pending,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
		tasks:    make(chan task, cfg.QueueSize),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.eventCounter, err = s.meter.Int64Counter(
		"chittydna.pipeline.events_total",
		metric.WithDescription("Events observed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		s.logger.Warn("failed to create event counter", zap.Error(err))
	}

	s.phaseCounter, err = s.meter.Int64Counter(
		"chittydna.pipeline.phase_runs_total",
		metric.WithDescription("Analysis phase executions"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create phase counter", zap.Error(err))
	}

	s.droppedCounter, err = s.meter.Int64Counter(
		"chittydna.pipeline.dropped_tasks_total",
		metric.WithDescription("Phase tasks dropped on queue overflow"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn("failed to create dropped-task counter", zap.Error(err))
	}
}

// loadStateLocked loads the persisted state once. Callers hold stateMu.
func (s *service) loadStateLocked() (*State, error) {
	if s.loaded {
		return s.state, nil
	}
	data, err := s.backend.ReadFile(StatePath)
	if errors.Is(err, storage.ErrNotFound) {
		s.state = &State{}
		s.loaded = true
		return s.state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: read state: %w", err)
	}
	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("pipeline: parse state: %w", err)
	}
	s.state = state
	s.loaded = true
	return state, nil
}

// saveStateLocked persists the state synchronously. Callers hold
// stateMu.
func (s *service) saveStateLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("pipeline: marshal state: %w", err)
	}
	if err := s.backend.WriteFileAtomic(StatePath, data, 0600); err != nil {
		return fmt.Errorf("pipeline: write state: %w", err)
	}
	return nil
}

// CurrentState returns a copy of the persisted pipeline state.
func (s *service) CurrentState(ctx context.Context) (*State, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	state, err := s.loadStateLocked()
	if err != nil {
		return nil, err
	}
	copied := *state
	return &copied, nil
}

// scrub redacts secrets from the event's free-text fields.
func (s *service) scrub(event *Event) int {
	findings := 0
	if event.Context != "" {
		res := s.scrubber.Scrub(event.Context)
		event.Context = res.Scrubbed
		findings += res.TotalFindings
	}
	for key, value := range event.Metadata {
		res := s.scrubber.Scrub(value)
		if res.TotalFindings > 0 {
			event.Metadata[key] = res.Scrubbed
			findings += res.TotalFindings
		}
	}
	return findings
}

// Observe ingests one event and returns without waiting for any phase.
func (s *service) Observe(ctx context.Context, event Event) error {
	if !ValidKind(event.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, event.Kind)
	}
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if findings := s.scrub(&event); findings > 0 {
		s.logger.Warn("redacted secrets from event",
			zap.String("event_id", event.ID),
			zap.Int("findings", findings))
	}

	line, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("pipeline: marshal event: %w", err)
	}
	if err := s.backend.AppendLine(EventLogPath, line); err != nil {
		return fmt.Errorf("pipeline: append event: %w", err)
	}

	s.stateMu.Lock()
	state, err := s.loadStateLocked()
	if err != nil {
		s.stateMu.Unlock()
		return err
	}
	state.EventCount++
	count := state.EventCount
	s.outcomes[s.outcomeN%failureWindow] = event.failed()
	s.outcomeN++
	densityOverride := s.failureDensityLocked()
	if err := s.saveStateLocked(); err != nil {
		s.stateMu.Unlock()
		return err
	}
	s.stateMu.Unlock()

	s.appendAuditEntry(ctx, &event)
	if s.eventCounter != nil {
		s.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", event.Kind)))
	}

	if count%s.config.ReflectEvery == 0 || densityOverride {
		s.enqueue(task{phase: phaseReflect})
	}
	if count%s.config.SynthesizeEvery == 0 {
		s.enqueue(task{phase: phaseSynthesize})
	}
	if count%s.config.ProposeEvery == 0 {
		s.enqueue(task{phase: phasePropose})
	}
	return nil
}

// failureDensityLocked reports whether more than half of the recent
// outcome window is failures. Callers hold stateMu.
func (s *service) failureDensityLocked() bool {
	if s.outcomeN < failureWindow {
		return false
	}
	failures := 0
	for _, failed := range s.outcomes {
		if failed {
			failures++
		}
	}
	return failures > failureWindow/2
}

// appendAuditEntry records the observation. Tool events carry a
// hash-only pattern reference and an outcome.
func (s *service) appendAuditEntry(ctx context.Context, event *Event) {
	entry := audit.Entry{
		Timestamp: event.Timestamp,
		Event:     event.Kind,
	}
	if event.ToolName != "" {
		entry.Event = audit.EventToolInvocation
		entry.PatternHash = audit.HashPattern(event.ToolName)
		if event.failed() {
			entry.Outcome = "failure"
		} else if event.Success != nil || event.Kind == KindToolPost {
			entry.Outcome = "success"
		}
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		s.logger.Warn("audit append failed for event",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// RecentEvents returns the last n events, oldest first.
func (s *service) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	lines, err := s.backend.ReadLines(EventLogPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: read event log: %w", err)
	}

	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// enqueue hands a task to the scheduler without blocking. Overflow
// drops the task; the next cadence boundary re-triggers the phase.
func (s *service) enqueue(t task) {
	select {
	case s.tasks <- t:
	default:
		if s.droppedCounter != nil {
			s.droppedCounter.Add(context.Background(), 1)
		}
		s.logger.Warn("phase task queue full, dropping task",
			zap.String("phase", string(t.phase)))
	}
}
