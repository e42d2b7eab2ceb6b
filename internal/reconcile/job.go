// ABOUTME: Reconciliation sweep comparing local instances with the gateway
// ABOUTME: Classifies orphans, drift and stale instances and repairs them through the instance service

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/telemetry"
)

// ErrSweepInProgress is returned when a sweep is requested while another runs.
var ErrSweepInProgress = errors.New("reconciliation sweep already in progress")

// Kind classifies one instance in a sweep.
type Kind string

const (
	KindOK        Kind = "ok"
	KindOrphan    Kind = "orphan"
	KindAmbiguous Kind = "ambiguous"
	KindDrift     Kind = "drift"
	KindStale     Kind = "stale"
)

// OrphanPolicy decides what happens to an instance the gateway no longer knows.
type OrphanPolicy string

const (
	// OrphanMarkDeleted keeps the row in deleted status.
	OrphanMarkDeleted OrphanPolicy = "mark_deleted"
	// OrphanHardDelete removes the row after the audited transition.
	OrphanHardDelete OrphanPolicy = "hard_delete"
)

// Valid reports whether p is a known policy.
func (p OrphanPolicy) Valid() bool {
	return p == OrphanMarkDeleted || p == OrphanHardDelete
}

// Actions recorded on findings.
const (
	ActionNone        = "none"
	ActionSkipped     = "skipped"
	ActionFlagged     = "flagged"
	ActionWouldDelete = "would_delete"
	ActionMarkDeleted = "marked_deleted"
	ActionHardDeleted = "hard_deleted"
	ActionWouldFix    = "would_correct"
	ActionCorrected   = "corrected"
	ActionFailed      = "failed"
)

// Finding is the verdict for one instance.
type Finding struct {
	InstanceID   string           `json:"instance_id"`
	ExternalName string           `json:"external_name"`
	Kind         Kind             `json:"kind"`
	Status       lifecycle.Status `json:"status"`
	Observed     string           `json:"observed,omitempty"`
	NewStatus    lifecycle.Status `json:"new_status,omitempty"`
	Action       string           `json:"action"`
	Resolved     bool             `json:"resolved"`
	Error        string           `json:"error,omitempty"`
}

// Report summarizes a sweep.
type Report struct {
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Findings   []Finding `json:"findings"`
}

// Count returns the number of findings of kind k.
func (r *Report) Count(k Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// UnresolvedOrphans returns how many orphans are still present. In a dry run
// that is every orphan found.
func (r *Report) UnresolvedOrphans() int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == KindOrphan && !f.Resolved {
			n++
		}
	}
	return n
}

// Unresolved returns how many findings still need attention: orphans left in
// place, instances the gateway could not answer for, and failed repairs.
func (r *Report) Unresolved() int {
	n := 0
	for _, f := range r.Findings {
		switch {
		case f.Kind == KindOrphan && !f.Resolved,
			f.Kind == KindAmbiguous,
			f.Action == ActionFailed:
			n++
		}
	}
	return n
}

// Clean reports whether the sweep found nothing to do.
func (r *Report) Clean() bool {
	for _, f := range r.Findings {
		if f.Kind != KindOK {
			return false
		}
	}
	return true
}

// Instances is the part of the instance service a sweep uses.
type Instances interface {
	Get(ctx context.Context, id string) (*store.Instance, error)
	List(ctx context.Context, f store.InstanceFilter) ([]*store.Instance, error)
	Apply(ctx context.Context, id string, ev lifecycle.Event, origin instance.Origin) (*instance.Outcome, error)
	Purge(ctx context.Context, id string) error
	Policy() lifecycle.Policy
}

// StatusFetcher reads instance state from the gateway.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, name string) (gwclient.ConnectionState, error)
}

// Config configures a Job.
type Config struct {
	Service Instances
	Gateway StatusFetcher

	OrphanPolicy OrphanPolicy  // default mark_deleted
	StaleAfter   time.Duration // default 15m
	Concurrency  int           // default 4

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Options narrows a single run.
type Options struct {
	DryRun     bool
	InstanceID string // only this instance when set
}

// Job runs reconciliation sweeps. Sweeps never overlap.
type Job struct {
	svc         Instances
	gw          StatusFetcher
	policy      OrphanPolicy
	staleAfter  time.Duration
	concurrency int
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time

	running sync.Mutex
}

// NewJob creates a Job.
func NewJob(cfg Config) *Job {
	if !cfg.OrphanPolicy.Valid() {
		cfg.OrphanPolicy = OrphanMarkDeleted
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Job{
		svc:         cfg.Service,
		gw:          cfg.Gateway,
		policy:      cfg.OrphanPolicy,
		staleAfter:  cfg.StaleAfter,
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "reconcile"),
		now:         cfg.Now,
	}
}

// Run performs one sweep. It returns ErrSweepInProgress without doing
// anything if another sweep holds the job.
func (j *Job) Run(ctx context.Context, opts Options) (*Report, error) {
	if !j.running.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer j.running.Unlock()

	start := j.now()
	report := &Report{DryRun: opts.DryRun, StartedAt: start}
	logger := j.logger.With("dry_run", opts.DryRun)

	targets, err := j.targets(ctx, opts.InstanceID)
	if err != nil {
		return nil, err
	}
	logger.Info("reconciliation sweep started", "instances", len(targets))

	findings := make([]Finding, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for i, inst := range targets {
		g.Go(func() error {
			findings[i] = j.check(gctx, inst, opts.DryRun)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(findings, func(a, b int) bool {
		return findings[a].ExternalName < findings[b].ExternalName
	})
	report.Findings = findings
	report.FinishedAt = j.now()

	for _, f := range findings {
		if f.Kind != KindOK {
			j.metrics.RecordFinding(ctx, string(f.Kind), opts.DryRun)
		}
	}
	j.metrics.RecordSweep(ctx, report.FinishedAt.Sub(start), opts.DryRun)

	logger.Info("reconciliation sweep finished",
		"instances", len(findings),
		"orphans", report.Count(KindOrphan),
		"drift", report.Count(KindDrift),
		"stale", report.Count(KindStale),
		"ambiguous", report.Count(KindAmbiguous),
		"unresolved_orphans", report.UnresolvedOrphans(),
		"unresolved", report.Unresolved(),
		"duration", report.FinishedAt.Sub(start),
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (j *Job) targets(ctx context.Context, id string) ([]*store.Instance, error) {
	if id != "" {
		inst, err := j.svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status == lifecycle.StatusDeleted {
			return nil, nil
		}
		return []*store.Instance{inst}, nil
	}
	list, err := j.svc.List(ctx, store.InstanceFilter{ExcludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	return list, nil
}

func (j *Job) check(ctx context.Context, inst *store.Instance, dryRun bool) Finding {
	f := Finding{
		InstanceID:   inst.ID,
		ExternalName: inst.ExternalName,
		Status:       inst.Status,
		Kind:         KindOK,
		Action:       ActionNone,
	}
	logger := j.logger.With("instance_id", inst.ID, "external_name", inst.ExternalName, "dry_run", dryRun)

	state, err := j.gw.FetchStatus(ctx, inst.ExternalName)
	switch {
	case errors.Is(err, gwclient.ErrNotFound):
		f.Kind = KindOrphan
		f.Observed = "not_found"
		j.fixOrphan(ctx, logger, inst, &f, dryRun)
		return f
	case err != nil:
		// unknown is not the same as gone
		f.Kind = KindAmbiguous
		f.Action = ActionSkipped
		f.Error = err.Error()
		logger.Warn("gateway status unknown, skipping", "error", err)
		return f
	}
	f.Observed = string(state)

	if ev, ok := observedEvent(inst.Status, state); ok {
		res := lifecycle.Transition(inst.State(), ev, j.svc.Policy())
		if res.Changed() {
			f.Kind = KindDrift
			f.NewStatus = res.Next
			j.fixDrift(ctx, logger, inst, ev, &f, dryRun)
			return f
		}
	}

	if inst.Status.Transitional() && j.stale(inst) {
		f.Kind = KindStale
		f.Action = ActionFlagged
		logger.Warn("instance stuck in transitional status", "status", inst.Status, "last_gateway_seen_at", inst.LastGatewaySeenAt)
	}
	return f
}

// observedEvent maps a gateway state to the event a sweep would feed the
// state machine. A gateway that is connecting while pairing is waiting on a
// scan, which only the QR poll can tell apart, so it is not drift.
func observedEvent(status lifecycle.Status, state gwclient.ConnectionState) (lifecycle.Event, bool) {
	switch state {
	case gwclient.StateOpen:
		return lifecycle.GatewayReportsConnected(), true
	case gwclient.StateConnecting:
		if status == lifecycle.StatusInitializing || status == lifecycle.StatusQRPending {
			return lifecycle.Event{}, false
		}
		return lifecycle.GatewayReportsConnecting(), true
	default:
		return lifecycle.GatewayReportsDisconnected(), true
	}
}

func (j *Job) stale(inst *store.Instance) bool {
	last := inst.UpdatedAt
	if inst.LastGatewaySeenAt != nil && inst.LastGatewaySeenAt.After(last) {
		last = *inst.LastGatewaySeenAt
	}
	return j.now().Sub(last) > j.staleAfter
}

func (j *Job) fixOrphan(ctx context.Context, logger *slog.Logger, inst *store.Instance, f *Finding, dryRun bool) {
	f.NewStatus = lifecycle.StatusDeleted
	if dryRun {
		f.Action = ActionWouldDelete
		logger.Info("orphan found", "status", inst.Status)
		return
	}

	out, err := j.svc.Apply(ctx, inst.ID, lifecycle.DeleteRequested(lifecycle.ReasonOrphan), instance.Origin{
		Actor: store.ActorSystem,
		Details: map[string]any{
			"trigger":  "reconcile",
			"policy":   string(j.policy),
			"snapshot": snapshot(inst),
		},
	})
	if err != nil {
		f.Action = ActionFailed
		f.Error = err.Error()
		logger.Error("removing orphan failed", "error", err)
		return
	}
	f.NewStatus = out.Instance.Status
	f.Action = ActionMarkDeleted
	f.Resolved = out.Instance.Status == lifecycle.StatusDeleted

	if j.policy == OrphanHardDelete && f.Resolved {
		if err := j.svc.Purge(ctx, inst.ID); err != nil {
			f.Error = err.Error()
			logger.Error("purging orphan failed", "error", err)
			return
		}
		f.Action = ActionHardDeleted
	}
	logger.Info("orphan removed", "previous_status", inst.Status, "action", f.Action)
}

func (j *Job) fixDrift(ctx context.Context, logger *slog.Logger, inst *store.Instance, ev lifecycle.Event, f *Finding, dryRun bool) {
	if dryRun {
		f.Action = ActionWouldFix
		logger.Info("drift found", "status", inst.Status, "observed", f.Observed, "would_become", f.NewStatus)
		return
	}

	out, err := j.svc.Apply(ctx, inst.ID, ev, instance.Origin{
		Actor:   store.ActorSystem,
		Action:  store.AuditDriftCorrected,
		Details: map[string]any{"trigger": "reconcile", "observed": f.Observed},
	})
	if err != nil {
		f.Action = ActionFailed
		f.Error = err.Error()
		logger.Error("correcting drift failed", "error", err)
		return
	}
	f.NewStatus = out.Instance.Status
	f.Action = ActionCorrected
	f.Resolved = true
	logger.Info("drift corrected", "from", inst.Status, "to", out.Instance.Status, "observed", f.Observed)
}

// snapshot captures the instance as it was before a repair.
func snapshot(inst *store.Instance) map[string]any {
	s := map[string]any{
		"status":        string(inst.Status),
		"external_name": inst.ExternalName,
		"version":       inst.Version,
		"updated_at":    inst.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if inst.LastError != "" {
		s["last_error"] = inst.LastError
	}
	if inst.LastGatewaySeenAt != nil {
		s["last_gateway_seen_at"] = inst.LastGatewaySeenAt.UTC().Format(time.RFC3339)
	}
	return s
}
