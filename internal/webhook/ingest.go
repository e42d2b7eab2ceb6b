// ABOUTME: Authenticates, parses and deduplicates gateway webhook deliveries
// ABOUTME: Maps accepted deliveries onto lifecycle events applied through the instance service

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2b"

	"github.com/2389/pairline/internal/dedupe"
	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/telemetry"
)

var (
	// ErrInvalidAuth is returned when a delivery carries no valid token or signature.
	ErrInvalidAuth = errors.New("invalid webhook credentials")

	// ErrMalformedPayload is returned when a delivery cannot be parsed.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrInFlight is returned for a redelivery that arrives while an earlier
	// copy is still being applied. The sender should retry it later.
	ErrInFlight = errors.New("webhook delivery still being processed")
)

// Outcome is what happened to a delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Result describes a processed delivery.
type Result struct {
	Outcome    Outcome `json:"result"`
	Event      string  `json:"event,omitempty"`
	InstanceID string  `json:"instance_id,omitempty"`
	Status     string  `json:"status,omitempty"`
	// Reason explains an ignored or rejected delivery.
	Reason string `json:"reason,omitempty"`
}

// Credentials are the authentication material presented with a delivery.
type Credentials struct {
	Token     string
	Signature string // "sha256=<hex>" of the raw body
}

// Secrets authenticate deliveries for one channel type. A delivery passes if
// it matches either the token or the signing secret.
type Secrets struct {
	Token         string
	SigningSecret string
}

// Applier is the part of the instance service the ingestor drives.
type Applier interface {
	GetByExternalName(ctx context.Context, channelType store.ChannelType, name string) (*store.Instance, error)
	Apply(ctx context.Context, id string, ev lifecycle.Event, origin instance.Origin) (*instance.Outcome, error)
}

// Options configures an Ingestor.
type Options struct {
	Service Applier
	Secrets map[store.ChannelType]Secrets

	DedupeTTL    time.Duration // default 10m
	DedupeSize   int           // default 10000
	DedupeBucket time.Duration // default 1m
	// QRTTL is the lifetime given to codes pushed by the gateway, which does
	// not say how long they last.
	QRTTL time.Duration // default 60s

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Ingestor processes webhook deliveries.
type Ingestor struct {
	svc     Applier
	secrets map[store.ChannelType]Secrets
	seen    *dedupe.Cache
	bucket  time.Duration
	qrTTL   time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewIngestor creates an Ingestor. Call Close to stop its dedupe sweeper.
func NewIngestor(opts Options) *Ingestor {
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 10000
	}
	if opts.DedupeBucket <= 0 {
		opts.DedupeBucket = time.Minute
	}
	if opts.QRTTL <= 0 {
		opts.QRTTL = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Ingestor{
		svc:     opts.Service,
		secrets: opts.Secrets,
		seen: dedupe.New(opts.DedupeTTL, opts.DedupeSize,
			dedupe.WithClock(opts.Now),
			dedupe.WithSweepInterval(opts.DedupeTTL/2)),
		bucket:   opts.DedupeBucket,
		qrTTL:    opts.QRTTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "webhook"),
		now:      opts.Now,
		inflight: make(map[string]struct{}),
	}
}

// Close releases the dedupe cache.
func (i *Ingestor) Close() {
	i.seen.Close()
}

// Ingest authenticates raw, maps it to a lifecycle event and applies it at
// most once. Authentication happens before anything else is read.
func (i *Ingestor) Ingest(ctx context.Context, channelType store.ChannelType, raw []byte, creds Credentials) (Result, error) {
	res, err := i.ingest(ctx, channelType, raw, creds)
	outcome := string(res.Outcome)
	if err != nil && res.Outcome == "" {
		outcome = "error"
	}
	i.metrics.RecordWebhook(ctx, string(channelType), outcome)
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, channelType store.ChannelType, raw []byte, creds Credentials) (Result, error) {
	if !i.authenticate(channelType, raw, creds) {
		return Result{Outcome: OutcomeRejected, Reason: "invalid_auth"}, ErrInvalidAuth
	}

	d, err := parse(raw)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: "malformed_payload"}, err
	}
	res := Result{Event: d.name}

	ev, ok, err := i.mapEvent(d)
	if err != nil {
		res.Outcome = OutcomeRejected
		res.Reason = "malformed_payload"
		return res, err
	}
	if !ok {
		i.logger.Debug("ignoring webhook event", "event", d.name, "instance", d.instance)
		res.Outcome = OutcomeIgnored
		res.Reason = "unhandled_event"
		return res, nil
	}

	key := i.dedupeKey(d, raw)
	switch i.claim(key) {
	case claimDuplicate:
		i.logger.Debug("duplicate webhook delivery", "event", d.name, "instance", d.instance, "key", key)
		res.Outcome = OutcomeDuplicate
		return res, nil
	case claimBusy:
		i.logger.Debug("redelivery while first copy is in flight", "event", d.name, "instance", d.instance, "key", key)
		res.Outcome = OutcomeRejected
		res.Reason = "in_flight"
		return res, ErrInFlight
	}
	defer i.release(key)

	inst, err := i.svc.GetByExternalName(ctx, channelType, d.instance)
	if errors.Is(err, instance.ErrUnknownInstance) {
		i.logger.Info("webhook for unknown instance", "channel_type", channelType, "instance", d.instance, "event", d.name)
		res.Outcome = OutcomeIgnored
		res.Reason = "unknown_instance"
		return res, nil
	}
	if err != nil {
		i.seen.Forget(key)
		return res, fmt.Errorf("resolve instance %q: %w", d.instance, err)
	}
	res.InstanceID = inst.ID

	details := map[string]any{"webhook_event": d.name}
	if d.eventID != "" {
		details["event_id"] = d.eventID
	}
	out, err := i.svc.Apply(ctx, inst.ID, ev, instance.Origin{Actor: store.ActorWebhook, Details: details})
	if err != nil {
		i.seen.Forget(key)
		if errors.Is(err, instance.ErrUnknownInstance) {
			res.Outcome = OutcomeIgnored
			res.Reason = "unknown_instance"
			return res, nil
		}
		return res, fmt.Errorf("apply %s to %s: %w", ev.Kind, inst.ID, err)
	}

	res.Outcome = OutcomeAccepted
	res.Status = string(out.Instance.Status)
	i.logger.Debug("webhook applied",
		"instance_id", inst.ID,
		"event", d.name,
		"status", out.Instance.Status,
		"persisted", out.Persisted,
	)
	return res, nil
}

type claimResult int

const (
	claimed claimResult = iota
	claimDuplicate
	claimBusy
)

// claim marks key as seen and in flight. A key already applied is a
// duplicate; a key still being applied is busy, since that copy may yet fail
// and be forgotten.
func (i *Ingestor) claim(key string) claimResult {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.inflight[key]; ok {
		return claimBusy
	}
	if i.seen.CheckAndMark(key) {
		return claimDuplicate
	}
	i.inflight[key] = struct{}{}
	return claimed
}

func (i *Ingestor) release(key string) {
	i.mu.Lock()
	delete(i.inflight, key)
	i.mu.Unlock()
}

func (i *Ingestor) authenticate(channelType store.ChannelType, raw []byte, creds Credentials) bool {
	s, ok := i.secrets[channelType]
	if !ok {
		return false
	}
	if s.Token != "" && creds.Token != "" &&
		subtle.ConstantTimeCompare([]byte(s.Token), []byte(creds.Token)) == 1 {
		return true
	}
	if s.SigningSecret != "" && creds.Signature != "" {
		return validSignature(s.SigningSecret, raw, creds.Signature)
	}
	return false
}

func validSignature(secret string, raw []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for raw under secret.
func Sign(secret string, raw []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type delivery struct {
	name     string // normalized event name
	instance string
	eventID  string
	sentAt   time.Time // zero when the envelope has no date_time
	data     gjson.Result
}

// parse reads the envelope {event, instance, data, eventId?, date_time?}. The gateway
// sends instance either as a name or as an object.
func parse(raw []byte) (delivery, error) {
	if !gjson.ValidBytes(raw) {
		return delivery{}, fmt.Errorf("%w: not valid JSON", ErrMalformedPayload)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return delivery{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	d := delivery{
		name:    normalizeEvent(root.Get("event").String()),
		eventID: firstString(root, "eventId", "event_id", "id"),
		sentAt:  parseSentAt(root),
		data:    root.Get("data"),
	}
	inst := root.Get("instance")
	if inst.IsObject() {
		d.instance = firstString(inst, "instanceName", "name")
	} else {
		d.instance = inst.String()
	}
	if d.instance == "" {
		d.instance = firstString(d.data, "instance", "instanceName")
	}

	if d.name == "" {
		return delivery{}, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}
	if d.instance == "" {
		return delivery{}, fmt.Errorf("%w: missing instance", ErrMalformedPayload)
	}
	return d, nil
}

// parseSentAt reads date_time as RFC 3339 or as epoch seconds or milliseconds.
func parseSentAt(root gjson.Result) time.Time {
	v := root.Get("date_time")
	if !v.Exists() {
		v = root.Get("dateTime")
	}
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		if n > 0 {
			return time.Unix(n, 0).UTC()
		}
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// normalizeEvent folds CONNECTION_UPDATE and connection.update together.
func normalizeEvent(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", ".")
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// mapEvent translates a delivery. ok is false for events pairline does not
// act on.
func (i *Ingestor) mapEvent(d delivery) (lifecycle.Event, bool, error) {
	switch d.name {
	case "connection.update":
		raw := firstString(d.data, "state", "status", "connection")
		if raw == "" {
			return lifecycle.Event{}, false, fmt.Errorf("%w: connection.update without state", ErrMalformedPayload)
		}
		switch gwclient.ParseConnectionState(raw) {
		case gwclient.StateOpen:
			return lifecycle.GatewayReportsConnected(), true, nil
		case gwclient.StateConnecting:
			return lifecycle.GatewayReportsConnecting(), true, nil
		default:
			return lifecycle.GatewayReportsDisconnected(), true, nil
		}

	case "qrcode.updated":
		code := firstString(d.data, "qrcode.code", "qrcode.pairingCode", "code", "qrcode.base64")
		if code == "" {
			return lifecycle.Event{}, false, fmt.Errorf("%w: qrcode.updated without code", ErrMalformedPayload)
		}
		return lifecycle.QRIssued(code, i.qrTTL), true, nil

	case "instance.deleted", "remove.instance":
		return lifecycle.NotFoundAtGateway(), true, nil

	case "logout.instance":
		return lifecycle.GatewayReportsDisconnected(), true, nil
	}
	return lifecycle.Event{}, false, nil
}

// dedupeKey prefers the gateway's event id. Without one, identical bodies for
// the same instance within one time bucket are the same delivery. The bucket
// comes from the envelope's date_time when present, so a redelivery arriving
// later still lands in it.
func (i *Ingestor) dedupeKey(d delivery, raw []byte) string {
	if d.eventID != "" {
		return "id:" + d.instance + ":" + d.eventID
	}
	sum := blake2b.Sum256(raw)
	at := d.sentAt
	if at.IsZero() {
		at = i.now()
	}
	bucket := at.Truncate(i.bucket).Unix()
	return "h:" + d.instance + ":" + hex.EncodeToString(sum[:16]) + ":" + strconv.FormatInt(bucket, 10)
}
