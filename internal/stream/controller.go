// ABOUTME: Watch sessions and per-instance watchers that poll the gateway under the rate guard
// ABOUTME: Translates gateway observations into lifecycle events applied on the serialized path

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/rateguard"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/telemetry"
)

// Poller is the read side of the gateway.
type Poller interface {
	FetchStatus(ctx context.Context, name string) (gwclient.ConnectionState, error)
	FetchQR(ctx context.Context, name string) (*gwclient.QRCode, error)
}

// Options configures a Controller.
type Options struct {
	Service *instance.Service
	Gateway Poller
	Guard   *rateguard.Guard
	Hub     *Hub

	// IdleTimeout ends a watcher after this long without a status change.
	IdleTimeout time.Duration
	// MaxWait is how long a watcher waits for its next poll slot before the
	// attempt counts as denied.
	MaxWait time.Duration
	// MaxDenials consecutive denied slots end the watch with rate_limited. A
	// denied watcher retries after at most MaxWait.
	MaxDenials int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// WatchRequest asks for a live view of one instance.
type WatchRequest struct {
	InstanceID     string
	OrganizationID string // when set, the instance must belong to it
	// Follow keeps the session open after the instance connects.
	Follow bool
	// LastEventID is the last sequence the client saw, for resume.
	LastEventID string
}

type watcher struct {
	instanceID string
	cancel     context.CancelFunc
	sessions   int
	followers  int
	retired    bool
}

// Controller owns watch sessions and the watchers behind them.
type Controller struct {
	svc         *instance.Service
	gw          Poller
	guard       *rateguard.Guard
	hub         *Hub
	idleTimeout time.Duration
	maxWait     time.Duration
	maxDenials  int
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	watchers map[string]*watcher
	rootCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}
	if opts.MaxDenials <= 0 {
		opts.MaxDenials = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		svc:         opts.Service,
		gw:          opts.Gateway,
		guard:       opts.Guard,
		hub:         opts.Hub,
		idleTimeout: opts.IdleTimeout,
		maxWait:     opts.MaxWait,
		maxDenials:  opts.MaxDenials,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "stream"),
		watchers:    make(map[string]*watcher),
		rootCtx:     ctx,
		stop:        cancel,
	}
}

// Session is one subscriber's stream of push events.
type Session struct {
	ID         string
	InstanceID string

	out    chan PushEvent
	quit   chan struct{}
	once   sync.Once
	follow bool
}

// Events returns the event channel. It is closed when the session ends.
func (s *Session) Events() <-chan PushEvent { return s.out }

// Close ends the session.
func (s *Session) Close() {
	s.once.Do(func() { close(s.quit) })
}

// Watch opens a session on an instance. The first events are either the
// replay after LastEventID or a snapshot of the current state.
func (c *Controller) Watch(ctx context.Context, req WatchRequest) (*Session, error) {
	inst, err := c.svc.Get(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if req.OrganizationID != "" && inst.OrganizationID != req.OrganizationID {
		return nil, fmt.Errorf("%w: %s", instance.ErrUnknownInstance, req.InstanceID)
	}

	permit, err := c.guard.AcquireSession(inst.OrganizationID)
	if err != nil {
		c.logger.Warn("session denied", "instance_id", inst.ID, "organization_id", inst.OrganizationID, "error", err)
		return nil, err
	}

	after, _ := strconv.ParseUint(req.LastEventID, 10, 64)
	sub, replay, gap := c.hub.Subscribe(inst.ID, after)

	// read again so the snapshot is not older than the subscription; the
	// sequence is taken first so it never covers a newer commit
	seq := c.hub.Sequence(inst.ID)
	inst, err = c.svc.Get(ctx, req.InstanceID)
	if err != nil {
		c.hub.Unsubscribe(sub)
		permit.Release()
		return nil, err
	}

	watch := !inst.Status.Terminal() && (req.Follow || inst.Status != lifecycle.StatusConnected)

	var initial []PushEvent
	var start uint64
	if after > 0 && !gap && watch {
		initial = replay
		start = after
	} else {
		initial = []PushEvent{c.hub.Snapshot(inst, seq)}
	}

	s := &Session{
		ID:         sub.ID,
		InstanceID: inst.ID,
		out:        make(chan PushEvent, 16),
		quit:       make(chan struct{}),
		follow:     req.Follow,
	}

	var w *watcher
	if watch {
		w = c.attach(inst.ID, req.Follow)
	}

	c.logger.Debug("session opened",
		"instance_id", inst.ID,
		"session_id", s.ID,
		"follow", req.Follow,
		"resume_from", after,
		"replayed", len(initial),
	)

	go c.runSession(ctx, s, sub, w, permit, initial, watch, start)
	return s, nil
}

func (c *Controller) runSession(ctx context.Context, s *Session, sub *Subscription, w *watcher, permit *rateguard.SessionPermit, initial []PushEvent, watch bool, start uint64) {
	defer func() {
		c.hub.Unsubscribe(sub)
		if w != nil {
			c.detach(w, s.follow)
		}
		permit.Release()
		close(s.out)
		c.logger.Debug("session closed", "instance_id", s.InstanceID, "session_id", s.ID)
	}()

	last := start
	// send delivers ev and reports whether the session continues.
	send := func(ev PushEvent) bool {
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		}
		if ev.Sequence > last {
			last = ev.Sequence
		}
		if ev.Terminal() {
			return false
		}
		return s.follow || ev.Data.Status != lifecycle.StatusConnected
	}

	for _, ev := range initial {
		if !send(ev) {
			return
		}
	}
	if !watch {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if last > 0 && ev.Sequence > last+1 {
				// this subscriber fell behind and the hub dropped events
				if !c.catchUp(s, ev, last, send) {
					return
				}
				if ev.Sequence <= last {
					continue
				}
			}
			if !send(ev) {
				return
			}
		}
	}
}

// catchUp fills the gap before ev from the replay ring, or with a snapshot
// when the ring no longer has it.
func (c *Controller) catchUp(s *Session, ev PushEvent, last uint64, send func(PushEvent) bool) bool {
	missed, ok := c.hub.Since(s.InstanceID, last)
	if ok {
		for _, m := range missed {
			if m.Sequence >= ev.Sequence {
				break
			}
			if !send(m) {
				return false
			}
		}
		return true
	}

	seq := c.hub.Sequence(s.InstanceID)
	inst, err := c.svc.Get(c.rootCtx, s.InstanceID)
	if err != nil {
		c.logger.Error("snapshot for lagging session failed", "instance_id", s.InstanceID, "error", err)
		return false
	}
	return send(c.hub.Snapshot(inst, seq))
}

func (c *Controller) attach(instanceID string, follow bool) *watcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.watchers[instanceID]
	if !ok || w.retired {
		ctx, cancel := context.WithCancel(c.rootCtx)
		w = &watcher{instanceID: instanceID, cancel: cancel}
		c.watchers[instanceID] = w
		c.wg.Add(1)
		go c.runWatcher(ctx, w)
	}
	w.sessions++
	if follow {
		w.followers++
	}
	return w
}

func (c *Controller) detach(w *watcher, follow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w.sessions--
	if follow {
		w.followers--
	}
	if w.sessions <= 0 {
		c.retireLocked(w)
	}
}

// retireLocked stops w and removes it so the next session starts a fresh one.
func (c *Controller) retireLocked(w *watcher) {
	w.retired = true
	w.cancel()
	if c.watchers[w.instanceID] == w {
		delete(c.watchers, w.instanceID)
	}
}

// Watchers returns the number of running watchers.
func (c *Controller) Watchers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

func (c *Controller) runWatcher(ctx context.Context, w *watcher) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.retireLocked(w)
		c.mu.Unlock()
	}()

	id := w.instanceID
	logger := c.logger.With("instance_id", id)
	logger.Debug("watcher started")

	lastChange := time.Now()
	denials := 0
	// set when the last code expired; the next poll asks for a code directly
	requestQR := false

	for ctx.Err() == nil {
		if time.Since(lastChange) > c.idleTimeout {
			logger.Info("watcher idle, closing sessions", "idle_timeout", c.idleTimeout)
			c.hub.Evict(id)
			return
		}

		if out, err := c.svc.ApplyDue(ctx, id); err != nil {
			c.watcherFailed(ctx, logger, id, err)
			return
		} else if out.Persisted {
			lastChange = time.Now()
			if out.Result.Has(lifecycle.EffectRequestQR) {
				requestQR = true
			}
		}

		permit, err := c.guard.AcquirePoll(ctx, id, c.maxWait)
		if err != nil {
			var denied *rateguard.DeniedError
			if !errors.As(err, &denied) {
				return
			}
			denials++
			if denials >= c.maxDenials {
				logger.Warn("poll slots repeatedly denied, ending watch", "denials", denials)
				c.emitTerminal(id, rateguard.ReasonRateLimited)
				return
			}
			if !sleepCtx(ctx, min(denied.RetryAfter, c.maxWait)) {
				return
			}
			continue
		}
		denials = 0

		inst, err := c.svc.Get(ctx, id)
		if err != nil {
			permit.Done(nil)
			c.watcherFailed(ctx, logger, id, err)
			return
		}

		out, err := c.poll(ctx, inst, permit, requestQR && inst.Status == lifecycle.StatusInitializing)
		requestQR = false
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, instance.ErrUnknownInstance) {
				c.watcherFailed(ctx, logger, id, err)
				return
			}
			logger.Warn("applying observation failed", "error", err)
			continue
		}
		if out.Persisted {
			lastChange = time.Now()
		}

		if c.done(w, out.Instance.Status) {
			logger.Debug("watcher finished", "status", out.Instance.Status)
			return
		}
	}
}

// done reports whether the watcher has nothing left to do. The decision and
// the removal happen under one lock so a new session never joins a watcher
// that is about to exit.
func (c *Controller) done(w *watcher, status lifecycle.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case status.Terminal():
	case status == lifecycle.StatusConnected && w.followers == 0:
	default:
		return false
	}
	c.retireLocked(w)
	return true
}

func (c *Controller) watcherFailed(ctx context.Context, logger *slog.Logger, id string, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, instance.ErrUnknownInstance) {
		// a watched instance vanished from the store underneath us
		logger.Error("watched instance no longer exists", "error", err)
		c.emitTerminal(id, lifecycle.ReasonNotFound)
		return
	}
	logger.Error("watcher failed", "error", err)
	c.emitTerminal(id, lifecycle.ReasonInternal)
}

func (c *Controller) emitTerminal(id, reason string) {
	data := EventData{InstanceID: id, Reason: reason}
	if inst, err := c.svc.Get(c.rootCtx, id); err == nil {
		data.Status = inst.Status
	}
	c.hub.Emit(EventError, data)
}

type observation struct {
	event lifecycle.Event
	ok    bool
}

// poll observes the gateway under permit and applies what it saw. With
// qrOnly the status call is skipped and only a fresh pairing code is fetched.
func (c *Controller) poll(ctx context.Context, inst *store.Instance, permit *rateguard.Permit, qrOnly bool) (*instance.Outcome, error) {
	key := inst.ID
	if qrOnly {
		key += "/qr"
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if qrOnly {
			return c.observeQR(ctx, inst, false)
		}
		return c.observe(ctx, inst)
	})
	if err != nil {
		if ctx.Err() != nil {
			permit.Done(nil)
			return nil, ctx.Err()
		}
		failures := permit.Done(err)
		c.logger.Warn("gateway poll failed",
			"instance_id", inst.ID,
			"failures", failures,
			"next_interval", c.guard.Interval(inst.ID),
			"error", err,
		)
		return c.svc.Apply(ctx, inst.ID, lifecycle.GatewayUnreachable(failures), instance.Origin{
			Actor:   store.ActorSystem,
			Details: map[string]any{"failures": failures},
		})
	}
	permit.Done(nil)

	obs := v.(observation)
	if !obs.ok {
		return &instance.Outcome{Instance: inst}, nil
	}
	return c.svc.Apply(ctx, inst.ID, obs.event, instance.Origin{Actor: store.ActorSystem})
}

// observe maps what the gateway reports onto a lifecycle event.
func (c *Controller) observe(ctx context.Context, inst *store.Instance) (observation, error) {
	state, err := c.gw.FetchStatus(ctx, inst.ExternalName)
	if errors.Is(err, gwclient.ErrNotFound) {
		return observation{event: lifecycle.NotFoundAtGateway(), ok: true}, nil
	}
	if err != nil {
		return observation{}, err
	}

	pairing := inst.Status == lifecycle.StatusInitializing || inst.Status == lifecycle.StatusQRPending

	switch state {
	case gwclient.StateOpen:
		return observation{event: lifecycle.GatewayReportsConnected(), ok: true}, nil
	case gwclient.StateConnecting:
		if pairing {
			return c.observeQR(ctx, inst, true)
		}
		return observation{event: lifecycle.GatewayReportsConnecting(), ok: true}, nil
	default:
		if pairing {
			return c.observeQR(ctx, inst, false)
		}
		return observation{event: lifecycle.GatewayReportsDisconnected(), ok: true}, nil
	}
}

func (c *Controller) observeQR(ctx context.Context, inst *store.Instance, connecting bool) (observation, error) {
	qr, err := c.gw.FetchQR(ctx, inst.ExternalName)
	switch {
	case err == nil:
		return observation{event: lifecycle.QRIssued(qr.Code, qr.TTL), ok: true}, nil
	case errors.Is(err, gwclient.ErrNotReady):
		// no code while connecting means the code was scanned
		if connecting && inst.Status == lifecycle.StatusQRPending {
			return observation{event: lifecycle.GatewayReportsConnecting(), ok: true}, nil
		}
		return observation{}, nil
	case errors.Is(err, gwclient.ErrNotFound):
		return observation{event: lifecycle.NotFoundAtGateway(), ok: true}, nil
	default:
		return observation{}, err
	}
}

// Refresh serves an explicit poll request. It polls when a slot is free right
// now and otherwise returns the last known state.
func (c *Controller) Refresh(ctx context.Context, id string) (*store.Instance, error) {
	inst, err := c.svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	permit, err := c.guard.AcquirePoll(ctx, id, 0)
	if err != nil {
		if errors.Is(err, rateguard.ErrRateLimited) {
			return inst, nil
		}
		return nil, err
	}

	out, err := c.poll(ctx, inst, permit, false)
	if err != nil {
		if errors.Is(err, instance.ErrUnknownInstance) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("refresh failed, serving cached state", "instance_id", id, "error", err)
		return c.svc.Get(ctx, id)
	}
	return out.Instance, nil
}

// Close stops every watcher and waits for them to exit.
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
