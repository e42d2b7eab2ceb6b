// ABOUTME: Pure transition function for channel instance connection state
// ABOUTME: Maps (state, event, policy) to next status, effects and QR invalidation

package lifecycle

import (
	"slices"
	"time"
)

// DefaultMaxFailures is used when Policy.MaxFailures is unset.
const DefaultMaxFailures = 3

// QR is a pairing code issued by the gateway.
type QR struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code is no longer valid at now.
func (q *QR) Expired(now time.Time) bool {
	return q != nil && !now.Before(q.ExpiresAt)
}

// State is the part of an instance the machine reads.
type State struct {
	Status Status
	QR     *QR
}

// Policy tunes the configurable transitions.
type Policy struct {
	// MaxFailures is the number of consecutive unreachable reports that move
	// an instance into error.
	MaxFailures int
	// AutoReinitialize requests a new pairing after the gateway reports a
	// connected instance as disconnected.
	AutoReinitialize bool
}

func (p Policy) maxFailures() int {
	if p.MaxFailures <= 0 {
		return DefaultMaxFailures
	}
	return p.MaxFailures
}

// Result is the outcome of a transition.
type Result struct {
	From     Status
	Next     Status
	Effects  []Effect
	ExpireQR bool
	// Matched is false when the pair is not in the table (or is a replay of
	// something already applied). The state is then unchanged.
	Matched bool
	// Reason carries the stable reason code for EffectEmitError and drift.
	Reason string
}

// Has reports whether the result includes effect e.
func (r Result) Has(e Effect) bool {
	return slices.Contains(r.Effects, e)
}

// Changed reports whether the externally visible state moves: a new status,
// a rotated QR code or an invalidated one.
func (r Result) Changed() bool {
	if !r.Matched {
		return false
	}
	return r.From != r.Next || r.Has(EffectStoreQR)
}

// NextQR computes the QR to persist after the transition. A QR only exists in
// qr_pending.
func (r Result) NextQR(current *QR, ev Event, now time.Time) *QR {
	if !r.Matched {
		return current
	}
	if r.Next != StatusQRPending {
		return nil
	}
	if r.Has(EffectStoreQR) {
		return &QR{Code: ev.QRCode, IssuedAt: now, ExpiresAt: now.Add(ev.QRTTL)}
	}
	if r.ExpireQR {
		return nil
	}
	return current
}

func noop(s State) Result {
	return Result{From: s.Status, Next: s.Status}
}

func to(s State, next Status, effects ...Effect) Result {
	return Result{From: s.Status, Next: next, Effects: effects, Matched: true, ExpireQR: s.QR != nil && next != StatusQRPending}
}

// Transition evaluates one event against the current state.
func Transition(s State, ev Event, p Policy) Result {
	if s.Status == StatusDeleted {
		return noop(s)
	}

	switch ev.Kind {
	case EventDeleteRequested:
		r := to(s, StatusDeleted)
		if ev.Reason != ReasonOrphan {
			r.Effects = []Effect{EffectDeleteAtGateway}
		}
		r.Reason = ev.Reason
		return r

	case EventResetRequested:
		if s.Status == StatusError {
			return to(s, StatusDisconnected)
		}
		return noop(s)
	}

	if s.Status == StatusError {
		return noop(s)
	}

	switch ev.Kind {
	case EventCreateRequested:
		if s.Status == StatusDisconnected {
			return to(s, StatusInitializing, EffectCreateAtGateway)
		}

	case EventQRIssued:
		if ev.QRCode == "" {
			return noop(s)
		}
		switch s.Status {
		case StatusInitializing, StatusConnecting:
			return to(s, StatusQRPending, EffectStoreQR)
		case StatusQRPending:
			if s.QR != nil && s.QR.Code == ev.QRCode {
				return noop(s)
			}
			return to(s, StatusQRPending, EffectStoreQR)
		}

	case EventQRExpired:
		if s.Status == StatusQRPending {
			r := to(s, StatusInitializing, EffectRequestQR)
			r.ExpireQR = true
			return r
		}

	case EventGatewayConnecting:
		if s.Status == StatusQRPending {
			return to(s, StatusConnecting)
		}

	case EventGatewayConnected:
		switch s.Status {
		case StatusDisconnected, StatusInitializing, StatusQRPending, StatusConnecting:
			return to(s, StatusConnected)
		}

	case EventGatewayDisconnected:
		switch s.Status {
		case StatusConnected:
			r := to(s, StatusDisconnected)
			if p.AutoReinitialize {
				r.Effects = []Effect{EffectReinitialize}
			}
			return r
		case StatusConnecting:
			return to(s, StatusDisconnected)
		}

	case EventGatewayUnreachable:
		if ev.Failures >= p.maxFailures() {
			r := to(s, StatusError, EffectEmitError)
			r.Reason = ReasonGatewayUnreachable
			return r
		}

	case EventNotFoundAtGateway:
		if s.Status != StatusDisconnected {
			r := to(s, StatusDisconnected, EffectLogDrift)
			r.Reason = ReasonNotFound
			return r
		}
	}

	return noop(s)
}

// DueEvent returns the event time alone produces for s, if any. A qr_pending
// instance whose code has expired yields QRExpired so the stale code is never
// served.
func DueEvent(s State, now time.Time) (Event, bool) {
	if s.Status == StatusQRPending && s.QR.Expired(now) {
		return QRExpired(), true
	}
	return Event{}, false
}
