// Package telemetry defines the OpenTelemetry instruments pairline records
// and a Prometheus-backed meter provider to expose them.
package telemetry
