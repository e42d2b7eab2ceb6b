// Package dedupe holds a bounded, time-limited set of delivery keys used to
// apply each inbound webhook at most once.
package dedupe
