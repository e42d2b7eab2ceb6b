// Package gwclient is a thin, typed client for the external channel gateway.
//
// Each call carries a hard timeout and is attempted once. Failures are
// classified into a small set of sentinel errors so callers can tell a
// missing instance (ErrNotFound) from an unreachable gateway
// (ErrGatewayUnavailable). A transport error or timeout is never reported
// as ErrNotFound.
package gwclient
