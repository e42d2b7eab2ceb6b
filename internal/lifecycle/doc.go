// Package lifecycle holds the channel instance state machine.
//
// # Overview
//
// Transition is a pure function: given the current State, an Event and a
// Policy it returns the next status, the side effects the caller must run and
// whether the QR code is invalidated. Nothing in this package performs I/O.
// Every path that mutates an instance (poller, webhook, reconciliation, user
// actions) funnels its observations through Transition so there is exactly
// one interpretation of what an event means.
//
// # States
//
//	disconnected -> initializing -> qr_pending -> connecting -> connected
//
// plus the terminal states error (left only through ResetRequested or
// DeleteRequested) and deleted (never left).
//
// # Events
//
// Events are a closed set built with the constructors in events.go:
//
//	lifecycle.QRIssued("2@abc...", 60*time.Second)
//	lifecycle.GatewayUnreachable(3)
//	lifecycle.DeleteRequested(lifecycle.ReasonOrphan)
//
// Pairs missing from the table are no-ops: Result.Matched is false and the
// status is unchanged. Replaying an event that already took effect is also a
// no-op, which makes webhook redelivery and poll/webhook races harmless.
package lifecycle
