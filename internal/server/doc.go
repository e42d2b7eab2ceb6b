// Package server assembles the pairline engine and serves it.
//
// # Overview
//
// Core wires the store, gateway client, audit sink, rate guard, event hub,
// instance service, stream controller, webhook ingestor and reconcile job
// from a config.Config. Server exposes a Core over HTTP (chi) and, when
// configured, a gRPC health endpoint and a Tailscale listener.
//
// # Routes
//
//	GET    /health                      liveness
//	GET    /health/ready                store reachability
//	POST   /webhooks/{channelType}      gateway deliveries, per-channel secret
//	GET    /api/instances               list (scoped to the token's organization)
//	POST   /api/instances               create
//	GET    /api/instances/{id}          get
//	DELETE /api/instances/{id}          delete
//	POST   /api/instances/{id}/connect  start pairing
//	POST   /api/instances/{id}/reset    leave the error status
//	POST   /api/instances/{id}/refresh  poll the gateway now
//	GET    /api/instances/{id}/audit    audit trail
//	GET    /api/instances/{id}/events   watch session over SSE
//	GET    /api/instances/{id}/ws       watch session over WebSocket
//	POST   /api/reconcile               reconciliation sweep (admin)
package server
