// Package stream turns gateway observations into live push events.
//
// # Overview
//
// A Controller runs at most one watcher per instance no matter how many
// sessions observe it, so the gateway sees one poll per floor interval.
// Watchers apply what they observe through the instance service; the Hub
// then fans the resulting changes out to every session.
//
// # Resume
//
// Events carry a per-instance sequence. A client reconnecting with the last
// sequence it saw gets the buffered events after it, or a snapshot of the
// current state when they are no longer buffered.
package stream
