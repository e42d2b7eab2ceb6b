// ABOUTME: HTTP API handlers for channel instances, audit trail and reconciliation
// ABOUTME: Maps engine sentinel errors to JSON error responses with stable codes

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/pairline/internal/auth"
	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/rateguard"
	"github.com/2389/pairline/internal/reconcile"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/stream"
	"github.com/2389/pairline/internal/webhook"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// api serves the HTTP routes on top of a Core.
type api struct {
	instances *instance.Service
	streams   *stream.Controller
	webhooks  *webhook.Ingestor
	reconcile *reconcile.Job
	store     store.Store
	logger    *slog.Logger
}

// CreateInstanceRequest is the JSON request body for POST /api/instances.
type CreateInstanceRequest struct {
	OrganizationID string               `json:"organization_id,omitempty"`
	ChannelType    string               `json:"channel_type,omitempty"`
	ExternalName   string               `json:"external_name,omitempty"`
	Config         store.InstanceConfig `json:"config"`
}

// QRResponse is the pairing code of an instance in qr_pending.
type QRResponse struct {
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstanceResponse is the JSON form of a channel instance.
type InstanceResponse struct {
	ID                string               `json:"id"`
	OrganizationID    string               `json:"organization_id"`
	ChannelType       string               `json:"channel_type"`
	ExternalName      string               `json:"external_name"`
	Status            lifecycle.Status     `json:"status"`
	QR                *QRResponse          `json:"qr,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
	LastGatewaySeenAt *time.Time           `json:"last_gateway_seen_at,omitempty"`
	Config            store.InstanceConfig `json:"config"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// ListInstancesResponse is the JSON response for GET /api/instances.
type ListInstancesResponse struct {
	Instances []InstanceResponse `json:"instances"`
}

// AuditEntryResponse is one audit entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	ActorType  string         `json:"actor_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}

// AuditResponse is the JSON response for GET /api/instances/{id}/audit.
type AuditResponse struct {
	InstanceID string               `json:"instance_id"`
	Entries    []AuditEntryResponse `json:"entries"`
}

func toInstanceResponse(inst *store.Instance) InstanceResponse {
	resp := InstanceResponse{
		ID:                inst.ID,
		OrganizationID:    inst.OrganizationID,
		ChannelType:       string(inst.ChannelType),
		ExternalName:      inst.ExternalName,
		Status:            inst.Status,
		LastError:         inst.LastError,
		LastGatewaySeenAt: inst.LastGatewaySeenAt,
		Config:            inst.Config,
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
	}
	if inst.QR != nil {
		resp.QR = &QRResponse{Code: inst.QR.Code, IssuedAt: inst.QR.IssuedAt, ExpiresAt: inst.QR.ExpiresAt}
	}
	return resp
}

// handleCreateInstance creates a disconnected instance in the caller's organization.
func (a *api) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	caller := auth.FromContext(r.Context())
	org := caller.Scope()
	switch {
	case org == "" && req.OrganizationID == "":
		a.sendJSONError(w, http.StatusBadRequest, "invalid_request", "organization_id is required")
		return
	case org == "":
		org = req.OrganizationID
	case req.OrganizationID != "" && req.OrganizationID != org:
		a.sendJSONError(w, http.StatusForbidden, "forbidden", "cannot create instances for another organization")
		return
	}

	inst, err := a.instances.Create(r.Context(), instance.CreateRequest{
		OrganizationID: org,
		ChannelType:    store.ChannelType(strings.ToLower(req.ChannelType)),
		ExternalName:   req.ExternalName,
		Config:         req.Config,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.logger.Info("instance created via api", "instance_id", inst.ID, "subject", caller.Subject)
	a.writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

// handleListInstances lists instances visible to the caller.
func (a *api) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	caller := auth.FromContext(r.Context())

	f := store.InstanceFilter{
		OrganizationID: caller.Scope(),
		ChannelType:    store.ChannelType(q.Get("channel_type")),
		ExcludeDeleted: q.Get("include_deleted") != "true",
	}
	if f.OrganizationID == "" {
		f.OrganizationID = q.Get("organization_id")
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status := lifecycle.Status(strings.TrimSpace(part))
			if !status.Valid() {
				a.sendJSONError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", part))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			a.sendJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := a.instances.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := ListInstancesResponse{Instances: make([]InstanceResponse, 0, len(list))}
	for _, inst := range list {
		resp.Instances = append(resp.Instances, toInstanceResponse(inst))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// loadInstance resolves {id} and checks the caller may see it. Instances of
// other organizations are reported as not found.
func (a *api) loadInstance(w http.ResponseWriter, r *http.Request) (*store.Instance, bool) {
	id := chi.URLParam(r, "id")
	inst, err := a.instances.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	if !auth.FromContext(r.Context()).CanAccess(inst.OrganizationID) {
		a.writeError(w, r, fmt.Errorf("%w: %s", instance.ErrUnknownInstance, id))
		return nil, false
	}
	return inst, true
}

func (a *api) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.loadInstance(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// instanceOp adapts a service operation into a handler that returns the
// resulting instance.
func (a *api) instanceOp(op string, fn func(ctx context.Context, id string) (*store.Instance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := a.loadInstance(w, r)
		if !ok {
			return
		}
		updated, err := fn(r.Context(), inst.ID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.logger.Debug("instance operation",
			"op", op,
			"instance_id", inst.ID,
			"from", inst.Status,
			"to", updated.Status,
		)
		a.writeJSON(w, http.StatusOK, toInstanceResponse(updated))
	}
}

// handleAudit returns the audit trail of an instance, newest first.
func (a *api) handleAudit(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.loadInstance(w, r)
	if !ok {
		return
	}

	f := store.AuditFilter{InstanceID: &inst.ID}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			a.sendJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := a.store.ListAuditLog(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := AuditResponse{InstanceID: inst.ID, Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			ID:         e.ID,
			Action:     string(e.Action),
			ActorType:  string(e.ActorType),
			OccurredAt: e.OccurredAt,
			Details:    e.Details,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// handleReconcile runs a sweep and returns its report.
func (a *api) handleReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := reconcile.Options{InstanceID: q.Get("instance")}
	if s := q.Get("dry_run"); s != "" {
		dry, err := strconv.ParseBool(s)
		if err != nil {
			a.sendJSONError(w, http.StatusBadRequest, "invalid_request", "dry_run must be a boolean")
			return
		}
		opts.DryRun = dry
	}

	report, err := a.reconcile.Run(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.logger.Info("reconcile sweep requested",
		"subject", auth.FromContext(r.Context()).Subject,
		"dry_run", opts.DryRun,
		"findings", len(report.Findings),
		"unresolved_orphans", report.UnresolvedOrphans(),
		"unresolved", report.Unresolved(),
	)
	a.writeJSON(w, http.StatusOK, report)
}

// handleHealth returns 200 OK if the server is alive.
func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (a *api) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// errorStatus maps an engine error to an HTTP status and stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, instance.ErrUnknownInstance), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, instance.ErrInvalidName):
		return http.StatusBadRequest, "invalid_name"
	case errors.Is(err, instance.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrDuplicateName), errors.Is(err, gwclient.ErrNameConflict):
		return http.StatusConflict, "duplicate_name"
	case errors.Is(err, reconcile.ErrSweepInProgress):
		return http.StatusConflict, "sweep_in_progress"
	case errors.Is(err, rateguard.ErrTooManySessions), errors.Is(err, rateguard.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, gwclient.ErrGatewayUnavailable), errors.Is(err, gwclient.ErrNotFound):
		return http.StatusBadGateway, "gateway_unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "gateway_unreachable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError writes err as a JSON error. Internal errors are logged and
// their message is not exposed.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	if status == http.StatusTooManyRequests {
		var denied *rateguard.DeniedError
		if errors.As(err, &denied) && denied.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(denied.RetryAfter.Seconds()))))
		}
	}
	a.sendJSONError(w, status, code, msg)
}

// sendJSONError writes a JSON error response.
func (a *api) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
