// ABOUTME: Serialized mutation path for channel instances
// ABOUTME: Evaluates the state machine, runs gateway effects, persists by CAS, audits and publishes

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/telemetry"
)

var (
	// ErrUnknownInstance is returned when the instance does not exist locally.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInvalidTransition is returned when a user operation does not apply
	// to the instance's current status.
	ErrInvalidTransition = errors.New("operation not allowed in current status")
	// ErrInvalidName is returned for external names the gateway would reject.
	ErrInvalidName = errors.New("invalid external name")
)

const (
	// maxCASAttempts bounds re-evaluation after a concurrent write from
	// another process.
	maxCASAttempts = 5
	// seenTouchInterval limits how often an unchanged observation writes
	// last_gateway_seen_at.
	seenTouchInterval = time.Minute
)

var externalNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Gateway is the subset of the gateway client the mutation path drives.
type Gateway interface {
	Create(ctx context.Context, name string, cfg gwclient.CreateConfig) (*gwclient.InstanceRef, error)
	Delete(ctx context.Context, name string) error
}

// AuditRecorder accepts audit entries without blocking.
type AuditRecorder interface {
	Record(e store.AuditEntry) bool
}

// Change describes one persisted transition.
type Change struct {
	Instance *store.Instance // state after the transition
	Event    lifecycle.Event
	Result   lifecycle.Result
	Actor    store.ActorType
}

// Publisher is told about every persisted transition, in commit order per
// instance.
type Publisher interface {
	Publish(c Change)
}

// Origin identifies who asked for a transition and carries extra audit
// details.
type Origin struct {
	Actor   store.ActorType
	Action  store.AuditAction // optional override of the derived action
	Details map[string]any
}

// Outcome is the result of Apply.
type Outcome struct {
	Instance *store.Instance
	Result   lifecycle.Result
	// Persisted is true when a transition was written.
	Persisted bool
}

// Options configures a Service.
type Options struct {
	Store     store.InstanceStore
	Gateway   Gateway
	Audit     AuditRecorder
	Publisher Publisher
	Policy    lifecycle.Policy

	// WebhookURL and WebhookEvents are sent to the gateway on create when the
	// instance has no webhook URL of its own.
	WebhookURL    string
	WebhookEvents []string

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service owns every status change of every instance.
type Service struct {
	store     store.InstanceStore
	gateway   Gateway
	audit     AuditRecorder
	publisher Publisher
	policy    lifecycle.Policy

	webhookURL    string
	webhookEvents []string

	locks   *keyedMutex
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:         opts.Store,
		gateway:       opts.Gateway,
		audit:         opts.Audit,
		publisher:     opts.Publisher,
		policy:        opts.Policy,
		webhookURL:    opts.WebhookURL,
		webhookEvents: opts.WebhookEvents,
		locks:         newKeyedMutex(),
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "instance"),
		now:           opts.Now,
	}
}

// Policy returns the transition policy in effect.
func (s *Service) Policy() lifecycle.Policy { return s.policy }

// Apply feeds ev to the instance's state machine under the instance lock.
// Gateway effects that must precede the commit (create, delete) run first; if
// they fail nothing is persisted and the error is returned.
func (s *Service) Apply(ctx context.Context, id string, ev lifecycle.Event, origin Origin) (*Outcome, error) {
	release := s.locks.lock(id)
	defer release()

	return s.applyLocked(ctx, id, ev, origin)
}

// ApplyDue applies the event time alone produces (QR expiry), if any.
func (s *Service) ApplyDue(ctx context.Context, id string) (*Outcome, error) {
	release := s.locks.lock(id)
	defer release()

	inst, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	due, ok := lifecycle.DueEvent(inst.State(), s.now())
	if !ok {
		return &Outcome{Instance: inst, Result: lifecycle.Transition(inst.State(), lifecycle.Event{}, s.policy)}, nil
	}
	return s.applyLocked(ctx, id, due, Origin{Actor: store.ActorSystem})
}

func (s *Service) applyLocked(ctx context.Context, id string, ev lifecycle.Event, origin Origin) (*Outcome, error) {
	for conflicts := 0; ; {
		inst, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.now()

		// an expired code is retired before anything else looks at the state
		if due, ok := lifecycle.DueEvent(inst.State(), now); ok && ev.Kind != lifecycle.EventQRExpired {
			if _, err := s.commit(ctx, inst, due, Origin{Actor: store.ActorSystem}, now); err != nil {
				if errors.Is(err, store.ErrStatusConflict) && conflicts < maxCASAttempts {
					conflicts++
					continue
				}
				return nil, err
			}
			continue
		}

		out, err := s.commit(ctx, inst, ev, origin, now)
		if errors.Is(err, store.ErrStatusConflict) && conflicts < maxCASAttempts {
			conflicts++
			s.logger.Debug("status changed underneath, re-evaluating", "instance_id", id, "event", ev.Kind)
			continue
		}
		if err != nil {
			return nil, err
		}

		if out.Result.Has(lifecycle.EffectReinitialize) {
			reinit, err := s.applyLocked(ctx, id, lifecycle.CreateRequested(), Origin{
				Actor:   store.ActorSystem,
				Details: map[string]any{"trigger": "auto_reinitialize"},
			})
			if err != nil {
				// the disconnect is committed; a user Connect can retry pairing
				s.logger.Warn("auto reinitialize failed", "instance_id", id, "error", err)
				return out, nil
			}
			return reinit, nil
		}
		return out, nil
	}
}

// commit evaluates ev against inst and, if anything changes, persists it.
func (s *Service) commit(ctx context.Context, inst *store.Instance, ev lifecycle.Event, origin Origin, now time.Time) (*Outcome, error) {
	res := lifecycle.Transition(inst.State(), ev, s.policy)
	out := &Outcome{Instance: inst, Result: res}

	if !res.Changed() {
		if observedAtGateway(ev) && seenStale(inst.LastGatewaySeenAt, now) {
			if err := s.store.TouchGatewaySeen(ctx, inst.ID, now); err != nil {
				s.logger.Warn("failed to record gateway contact", "instance_id", inst.ID, "error", err)
			} else {
				inst.LastGatewaySeenAt = &now
			}
		}
		return out, nil
	}

	if res.Has(lifecycle.EffectCreateAtGateway) {
		if err := s.createAtGateway(ctx, inst); err != nil {
			return nil, err
		}
	}
	if res.Has(lifecycle.EffectDeleteAtGateway) {
		if err := s.deleteAtGateway(ctx, inst); err != nil {
			return nil, err
		}
	}

	upd := store.StatusUpdate{
		Status:    res.Next,
		QR:        res.NextQR(inst.QR, ev, now),
		LastError: inst.LastError,
		At:        now,
	}
	switch {
	case res.Next == lifecycle.StatusError:
		upd.LastError = res.Reason
	case res.From == lifecycle.StatusError:
		upd.LastError = ""
	}
	if observedAtGateway(ev) {
		upd.SeenAt = &now
	}

	if err := s.store.CompareAndSetStatus(ctx, inst.ID, inst.Status, inst.Version, upd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, inst.ID)
		}
		return nil, err
	}

	next := *inst
	next.Status = upd.Status
	next.QR = upd.QR
	next.LastError = upd.LastError
	if upd.SeenAt != nil {
		next.LastGatewaySeenAt = upd.SeenAt
	}
	next.Version++
	next.UpdatedAt = now

	out.Instance = &next
	out.Persisted = true

	s.metrics.RecordTransition(ctx, string(res.From), string(res.Next), string(origin.Actor))
	s.recordAudit(&next, ev, res, origin)
	if s.publisher != nil {
		s.publisher.Publish(Change{Instance: &next, Event: ev, Result: res, Actor: origin.Actor})
	}

	attrs := []any{
		"instance_id", inst.ID,
		"from", res.From,
		"to", res.Next,
		"event", ev.Kind,
		"actor", origin.Actor,
	}
	switch {
	case res.Has(lifecycle.EffectLogDrift):
		s.logger.Warn("instance missing at gateway, local record corrected", attrs...)
	case res.Has(lifecycle.EffectEmitError):
		s.logger.Error("instance moved to error", append(attrs, "reason", res.Reason)...)
	default:
		s.logger.Info("instance transitioned", attrs...)
	}

	return out, nil
}

func (s *Service) createAtGateway(ctx context.Context, inst *store.Instance) error {
	if s.gateway == nil {
		return errors.New("no gateway configured")
	}

	cfg := gwclient.CreateConfig{
		WebhookURL:    inst.Config.WebhookURL,
		WebhookEvents: s.webhookEvents,
		Extra:         inst.Config.Extra,
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = s.webhookURL
	}

	_, err := s.gateway.Create(ctx, inst.ExternalName, cfg)
	if errors.Is(err, gwclient.ErrNameConflict) {
		// the gateway still holds the instance from an earlier pairing
		s.logger.Info("instance already registered at gateway, reusing", "instance_id", inst.ID, "external_name", inst.ExternalName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating %q at gateway: %w", inst.ExternalName, err)
	}
	return nil
}

func (s *Service) deleteAtGateway(ctx context.Context, inst *store.Instance) error {
	if s.gateway == nil {
		return errors.New("no gateway configured")
	}

	err := s.gateway.Delete(ctx, inst.ExternalName)
	if errors.Is(err, gwclient.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %q at gateway: %w", inst.ExternalName, err)
	}
	return nil
}

func (s *Service) recordAudit(inst *store.Instance, ev lifecycle.Event, res lifecycle.Result, origin Origin) {
	if s.audit == nil {
		return
	}

	details := map[string]any{
		"event": string(ev.Kind),
		"from":  string(res.From),
		"to":    string(res.Next),
	}
	if res.Reason != "" {
		details["reason"] = res.Reason
	}
	if inst.QR != nil && res.Has(lifecycle.EffectStoreQR) {
		details["qr_expires_at"] = inst.QR.ExpiresAt.UTC().Format(time.RFC3339)
	}
	maps.Copy(details, origin.Details)

	s.audit.Record(store.AuditEntry{
		InstanceID: inst.ID,
		Action:     auditAction(ev, res, origin),
		ActorType:  origin.Actor,
		Details:    details,
	})
}

func auditAction(ev lifecycle.Event, res lifecycle.Result, origin Origin) store.AuditAction {
	switch {
	case origin.Action != "":
		return origin.Action
	case ev.Kind == lifecycle.EventDeleteRequested && ev.Reason == lifecycle.ReasonOrphan:
		return store.AuditOrphanRemoved
	case res.Next == lifecycle.StatusDeleted:
		return store.AuditInstanceDeleted
	case ev.Kind == lifecycle.EventResetRequested:
		return store.AuditInstanceReset
	case res.Has(lifecycle.EffectLogDrift):
		return store.AuditDriftCorrected
	case res.From == res.Next && res.Has(lifecycle.EffectStoreQR):
		return store.AuditQRRotated
	default:
		return store.AuditStatusChanged
	}
}

// observedAtGateway reports whether ev came from a successful gateway contact.
func observedAtGateway(ev lifecycle.Event) bool {
	switch ev.Kind {
	case lifecycle.EventQRIssued,
		lifecycle.EventGatewayConnecting,
		lifecycle.EventGatewayConnected,
		lifecycle.EventGatewayDisconnected,
		lifecycle.EventNotFoundAtGateway:
		return true
	}
	return false
}

func seenStale(seen *time.Time, now time.Time) bool {
	return seen == nil || now.Sub(*seen) >= seenTouchInterval
}

func (s *Service) load(ctx context.Context, id string) (*store.Instance, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", id, err)
	}
	return inst, nil
}

// CreateRequest describes a new instance.
type CreateRequest struct {
	OrganizationID string
	ChannelType    store.ChannelType
	ExternalName   string // generated when empty
	Config         store.InstanceConfig
}

// Create inserts a new disconnected instance. Pairing starts with Connect.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Instance, error) {
	if req.OrganizationID == "" {
		return nil, errors.New("organization id is required")
	}
	if req.ChannelType == "" {
		req.ChannelType = store.ChannelWhatsApp
	}

	id := uuid.New().String()
	name := strings.TrimSpace(req.ExternalName)
	if name == "" {
		name = generateExternalName(req.OrganizationID, id)
	}
	if !externalNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	now := s.now().UTC()
	inst := &store.Instance{
		ID:             id,
		OrganizationID: req.OrganizationID,
		ChannelType:    req.ChannelType,
		ExternalName:   name,
		Status:         lifecycle.StatusDisconnected,
		Config:         req.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	if s.audit != nil {
		s.audit.Record(store.AuditEntry{
			InstanceID: inst.ID,
			Action:     store.AuditInstanceCreated,
			ActorType:  store.ActorUser,
			Details: map[string]any{
				"organization_id": inst.OrganizationID,
				"channel_type":    string(inst.ChannelType),
				"external_name":   inst.ExternalName,
			},
		})
	}
	s.logger.Info("instance created", "instance_id", inst.ID, "external_name", inst.ExternalName)
	return inst, nil
}

// Connect registers the instance at the gateway and starts pairing.
func (s *Service) Connect(ctx context.Context, id string) (*store.Instance, error) {
	out, err := s.Apply(ctx, id, lifecycle.CreateRequested(), Origin{Actor: store.ActorUser})
	if err != nil {
		return nil, err
	}
	if !out.Result.Matched {
		return nil, fmt.Errorf("%w: cannot connect from %s", ErrInvalidTransition, out.Instance.Status)
	}
	return out.Instance, nil
}

// Delete removes the instance at the gateway and marks it deleted. Deleting
// an already deleted instance succeeds.
func (s *Service) Delete(ctx context.Context, id string) (*store.Instance, error) {
	out, err := s.Apply(ctx, id, lifecycle.DeleteRequested(lifecycle.ReasonUserRequest), Origin{Actor: store.ActorUser})
	if err != nil {
		return nil, err
	}
	return out.Instance, nil
}

// Reset moves an instance out of error so it can be connected again.
func (s *Service) Reset(ctx context.Context, id string) (*store.Instance, error) {
	out, err := s.Apply(ctx, id, lifecycle.ResetRequested(), Origin{Actor: store.ActorUser})
	if err != nil {
		return nil, err
	}
	if !out.Result.Matched {
		return nil, fmt.Errorf("%w: reset only applies to error, instance is %s", ErrInvalidTransition, out.Instance.Status)
	}
	return out.Instance, nil
}

// Purge removes the row of a deleted instance.
func (s *Service) Purge(ctx context.Context, id string) error {
	release := s.locks.lock(id)
	defer release()

	inst, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != lifecycle.StatusDeleted {
		return fmt.Errorf("%w: purge requires deleted, instance is %s", ErrInvalidTransition, inst.Status)
	}
	if err := s.store.DeleteInstance(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("purging instance %s: %w", id, err)
	}
	return nil
}

// Get returns the instance. An expired QR code is never returned.
func (s *Service) Get(ctx context.Context, id string) (*store.Instance, error) {
	inst, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.QR.Expired(s.now()) {
		inst.QR = nil
	}
	return inst, nil
}

// GetByExternalName resolves a gateway instance name to the local record.
func (s *Service) GetByExternalName(ctx context.Context, channelType store.ChannelType, name string) (*store.Instance, error) {
	inst, err := s.store.GetInstanceByExternalName(ctx, channelType, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownInstance, channelType, name)
	}
	return inst, err
}

// List returns instances matching f.
func (s *Service) List(ctx context.Context, f store.InstanceFilter) ([]*store.Instance, error) {
	list, err := s.store.ListInstances(ctx, f)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, inst := range list {
		if inst.QR.Expired(now) {
			inst.QR = nil
		}
	}
	return list, nil
}

func generateExternalName(orgID, id string) string {
	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, orgID)
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	if prefix == "" {
		prefix = "inst"
	}
	return prefix + "-" + strings.ReplaceAll(id, "-", "")[:12]
}
