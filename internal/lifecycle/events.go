// ABOUTME: Closed set of lifecycle statuses, events and side effects
// ABOUTME: Constructors keep event payloads well-formed at the boundaries

package lifecycle

import "time"

// Status is the locally mirrored connection state of an instance.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusInitializing Status = "initializing"
	StatusQRPending    Status = "qr_pending"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDeleted      Status = "deleted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDisconnected,
	StatusInitializing,
	StatusQRPending,
	StatusConnecting,
	StatusConnected,
	StatusError,
	StatusDeleted,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether automatic events are ignored in this status.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusDeleted
}

// Transitional reports whether the status is a waypoint of the pairing
// handshake and should not persist for long without gateway contact.
func (s Status) Transitional() bool {
	return s == StatusInitializing || s == StatusQRPending || s == StatusConnecting
}

// EventKind tags an Event.
type EventKind string

const (
	EventCreateRequested     EventKind = "create_requested"
	EventQRIssued            EventKind = "qr_issued"
	EventQRExpired           EventKind = "qr_expired"
	EventGatewayConnecting   EventKind = "gateway_connecting"
	EventGatewayConnected    EventKind = "gateway_connected"
	EventGatewayDisconnected EventKind = "gateway_disconnected"
	EventGatewayUnreachable  EventKind = "gateway_unreachable"
	EventDeleteRequested     EventKind = "delete_requested"
	EventNotFoundAtGateway   EventKind = "not_found_at_gateway"
	EventResetRequested      EventKind = "reset_requested"
)

// AllEventKinds lists every event kind.
var AllEventKinds = []EventKind{
	EventCreateRequested,
	EventQRIssued,
	EventQRExpired,
	EventGatewayConnecting,
	EventGatewayConnected,
	EventGatewayDisconnected,
	EventGatewayUnreachable,
	EventDeleteRequested,
	EventNotFoundAtGateway,
	EventResetRequested,
}

// Stable reason codes carried by events, audit details and push errors.
const (
	ReasonGatewayUnreachable = "gateway_unreachable"
	ReasonRateLimited        = "rate_limited"
	ReasonNotFound           = "not_found"
	ReasonOrphan             = "orphan"
	ReasonUserRequest        = "user_request"
	ReasonGatewayDeleted     = "gateway_deleted"
	ReasonInternal           = "internal"
)

// Event is one observation or request fed into Transition.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	QRCode   string
	QRTTL    time.Duration
	Failures int
	Reason   string
}

func CreateRequested() Event { return Event{Kind: EventCreateRequested} }

// QRIssued reports a pairing code valid for ttl.
func QRIssued(code string, ttl time.Duration) Event {
	return Event{Kind: EventQRIssued, QRCode: code, QRTTL: ttl}
}

func QRExpired() Event                  { return Event{Kind: EventQRExpired} }
func GatewayReportsConnecting() Event   { return Event{Kind: EventGatewayConnecting} }
func GatewayReportsConnected() Event    { return Event{Kind: EventGatewayConnected} }
func GatewayReportsDisconnected() Event { return Event{Kind: EventGatewayDisconnected} }

// GatewayUnreachable reports the number of consecutive failed gateway calls.
func GatewayUnreachable(failures int) Event {
	return Event{Kind: EventGatewayUnreachable, Failures: failures, Reason: ReasonGatewayUnreachable}
}

// DeleteRequested asks for the instance to be removed. A reason of
// ReasonOrphan means the gateway no longer knows the instance, so no gateway
// delete is issued.
func DeleteRequested(reason string) Event {
	return Event{Kind: EventDeleteRequested, Reason: reason}
}

func NotFoundAtGateway() Event { return Event{Kind: EventNotFoundAtGateway, Reason: ReasonNotFound} }
func ResetRequested() Event    { return Event{Kind: EventResetRequested} }

// Effect is a side effect the caller must perform for a transition.
type Effect string

const (
	// EffectCreateAtGateway registers the instance with the gateway before the
	// transition is persisted.
	EffectCreateAtGateway Effect = "create_at_gateway"
	// EffectDeleteAtGateway removes the instance from the gateway before the
	// transition is persisted.
	EffectDeleteAtGateway Effect = "delete_at_gateway"
	EffectStoreQR         Effect = "store_qr"
	// EffectRequestQR makes the watcher's next poll fetch a fresh QR code
	// without asking for the connection state first.
	EffectRequestQR Effect = "request_qr"
	// EffectReinitialize queues a CreateRequested after a disconnect.
	EffectReinitialize Effect = "reinitialize"
	EffectLogDrift     Effect = "log_drift"
	// EffectEmitError surfaces a terminal error to subscribers.
	EffectEmitError Effect = "emit_error"
)
