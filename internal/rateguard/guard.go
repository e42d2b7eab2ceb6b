// ABOUTME: Per-instance poll slot spacing with exponential backoff and per-org session caps
// ABOUTME: All retry state lives here so watchers never run their own retry loops

package rateguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/2389/pairline/internal/telemetry"
)

var (
	// ErrRateLimited is wrapped by *DeniedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrTooManySessions is returned when an organization is at its session cap.
	ErrTooManySessions = errors.New("too many live sessions for organization")
)

// ReasonRateLimited is the stable reason code carried by a denial.
const ReasonRateLimited = "rate_limited"

// DeniedError is returned when no poll slot is available within the
// caller's wait budget.
type DeniedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", e.Reason, e.RetryAfter.Round(time.Millisecond))
}

func (e *DeniedError) Is(target error) bool { return target == ErrRateLimited }

// Options configures a Guard.
type Options struct {
	// PollFloor is the minimum spacing between polls of one instance.
	PollFloor time.Duration
	// PollCeiling caps the spacing after repeated failures.
	PollCeiling time.Duration
	// MaxSessionsPerOrg caps concurrent live sessions. Zero means unlimited.
	MaxSessionsPerOrg int
	Metrics           *telemetry.Metrics
	Logger            *slog.Logger
}

type pollState struct {
	limiter  *rate.Limiter
	backoff  *backoff.ExponentialBackOff
	interval time.Duration
	failures int
	lastUsed time.Time
}

// Guard hands out poll slots and session permits.
type Guard struct {
	floor   time.Duration
	ceiling time.Duration
	maxSess int
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	polls     map[string]*pollState
	sessions  map[string]int
	lastPrune time.Time
}

// New creates a Guard.
func New(opts Options) *Guard {
	if opts.PollFloor <= 0 {
		opts.PollFloor = 2 * time.Second
	}
	if opts.PollCeiling < opts.PollFloor {
		opts.PollCeiling = opts.PollFloor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{
		floor:    opts.PollFloor,
		ceiling:  opts.PollCeiling,
		maxSess:  opts.MaxSessionsPerOrg,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "rateguard"),
		polls:    make(map[string]*pollState),
		sessions: make(map[string]int),
	}
}

// Permit is a granted poll slot. Report the outcome with Done.
type Permit struct {
	g          *Guard
	instanceID string
	once       sync.Once
	failures   int
}

// AcquirePoll grants the next poll slot for instanceID if it opens within
// maxWait, sleeping until it does. Otherwise it returns a *DeniedError
// without consuming the slot.
func (g *Guard) AcquirePoll(ctx context.Context, instanceID string, maxWait time.Duration) (*Permit, error) {
	now := time.Now()

	g.mu.Lock()
	g.pruneLocked(now)
	st := g.stateLocked(instanceID, now)
	res := st.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if !res.OK() || delay > maxWait {
		res.CancelAt(now)
		g.mu.Unlock()
		g.metrics.RecordPollDenied(ctx)
		return nil, &DeniedError{Reason: ReasonRateLimited, RetryAfter: delay}
	}
	st.lastUsed = now.Add(delay)
	g.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			g.mu.Lock()
			res.Cancel()
			g.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	return &Permit{g: g, instanceID: instanceID}, nil
}

// Done reports the outcome of the gateway call made under the permit. A
// non-nil err widens the slot spacing; nil resets it to the floor. It returns
// the number of consecutive failures for the instance. Only the first call
// has an effect.
func (p *Permit) Done(err error) int {
	p.once.Do(func() {
		p.failures = p.g.report(p.instanceID, err)
	})
	return p.failures
}

func (g *Guard) report(instanceID string, err error) int {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateLocked(instanceID, now)
	if err == nil {
		st.failures = 0
		st.backoff.Reset()
	} else {
		st.failures++
	}
	st.interval = st.backoff.NextBackOff()
	st.limiter.SetLimitAt(now, rate.Every(st.interval))

	if err != nil {
		g.logger.Debug("poll backoff widened",
			"instance_id", instanceID,
			"failures", st.failures,
			"interval", st.interval,
		)
	}
	return st.failures
}

// Interval returns the current slot spacing for instanceID.
func (g *Guard) Interval(instanceID string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.polls[instanceID]; ok {
		return st.interval
	}
	return g.floor
}

// Failures returns the consecutive failure count for instanceID.
func (g *Guard) Failures(instanceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.polls[instanceID]; ok {
		return st.failures
	}
	return 0
}

func (g *Guard) stateLocked(instanceID string, now time.Time) *pollState {
	if st, ok := g.polls[instanceID]; ok {
		return st
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     g.floor,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         g.ceiling,
	}
	b.Reset()
	// the first interval is the floor; failures continue the sequence from there
	interval := b.NextBackOff()

	st := &pollState{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		backoff:  b,
		interval: interval,
		lastUsed: now,
	}
	g.polls[instanceID] = st
	return st
}

// pruneLocked drops poll state that has been idle long enough that the
// limiter would grant immediately anyway.
func (g *Guard) pruneLocked(now time.Time) {
	if now.Sub(g.lastPrune) < time.Minute {
		return
	}
	g.lastPrune = now

	idle := 2 * g.ceiling
	if idle < time.Minute {
		idle = time.Minute
	}
	for id, st := range g.polls {
		if st.failures == 0 && now.Sub(st.lastUsed) > idle {
			delete(g.polls, id)
		}
	}
}

// SessionPermit holds one live session slot for an organization.
type SessionPermit struct {
	g     *Guard
	orgID string
	once  sync.Once
}

// AcquireSession takes a live session slot for orgID.
func (g *Guard) AcquireSession(orgID string) (*SessionPermit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxSess > 0 && g.sessions[orgID] >= g.maxSess {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, g.maxSess)
	}
	g.sessions[orgID]++
	g.metrics.SessionOpened(context.Background())
	return &SessionPermit{g: g, orgID: orgID}, nil
}

// Release returns the slot. Calling it more than once is safe.
func (p *SessionPermit) Release() {
	p.once.Do(func() {
		p.g.mu.Lock()
		defer p.g.mu.Unlock()
		if p.g.sessions[p.orgID] <= 1 {
			delete(p.g.sessions, p.orgID)
		} else {
			p.g.sessions[p.orgID]--
		}
		p.g.metrics.SessionClosed(context.Background())
	})
}

// ActiveSessions returns the live session count for orgID.
func (g *Guard) ActiveSessions(orgID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[orgID]
}
