// Package webhook ingests status pushes from the channel gateway.
//
// A delivery is authenticated (shared token or HMAC-SHA256 body signature)
// before its body is parsed or any instance is looked up. Accepted deliveries
// are mapped onto lifecycle events and applied through the instance service
// at most once, keyed by the gateway's event id or, failing that, a content
// hash within a time bucket taken from the envelope's date_time. A copy that
// arrives while an earlier one is still being applied is refused with
// ErrInFlight so the sender retries it.
package webhook
