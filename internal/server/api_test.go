// ABOUTME: Tests for the HTTP API routes, auth scoping and error mapping
// ABOUTME: Runs the real router over a Core assembled from the mock store and fake gateway

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairline/internal/audit"
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

const (
	testSecret       = "test-secret-key-that-is-32-bytes!"
	testWebhookToken = "hook-token"
)

type harness struct {
	core     *Core
	store    *store.MockStore
	gw       *gwclient.FakeGateway
	verifier *auth.JWTVerifier
	handler  http.Handler
}

type harnessOptions struct {
	maxSessions int
	noAuth      bool
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := testLogger()

	st := store.NewMockStore()
	gw := gwclient.NewFakeGateway()
	sink := audit.NewSink(st, audit.Options{Logger: logger})
	guard := rateguard.New(rateguard.Options{
		PollFloor:         10 * time.Millisecond,
		PollCeiling:       40 * time.Millisecond,
		MaxSessionsPerOrg: opts.maxSessions,
		Logger:            logger,
	})
	hub := stream.NewHub(32, nil, logger)
	svc := instance.NewService(instance.Options{
		Store:     st,
		Gateway:   gw,
		Audit:     sink,
		Publisher: hub,
		Policy:    lifecycle.Policy{MaxFailures: 3},
		Logger:    logger,
	})

	core := &Core{
		Store:     st,
		Audit:     sink,
		Guard:     guard,
		Hub:       hub,
		Instances: svc,
		Streams: stream.NewController(stream.Options{
			Service:     svc,
			Gateway:     gw,
			Guard:       guard,
			Hub:         hub,
			IdleTimeout: time.Minute,
			MaxWait:     time.Second,
			Logger:      logger,
		}),
		Webhooks: webhook.NewIngestor(webhook.Options{
			Service: svc,
			Secrets: map[store.ChannelType]webhook.Secrets{
				store.ChannelWhatsApp: {Token: testWebhookToken},
			},
			Logger: logger,
		}),
		Reconcile: reconcile.NewJob(reconcile.Config{
			Service: svc,
			Gateway: gw,
			Logger:  logger,
		}),
	}
	t.Cleanup(func() { _ = core.Close(context.Background()) })

	h := &harness{core: core, store: st, gw: gw}
	handlerOpts := HandlerOptions{Logger: logger}
	if !opts.noAuth {
		verifier, err := auth.NewJWTVerifier([]byte(testSecret))
		require.NoError(t, err)
		h.verifier = verifier
		handlerOpts.Verifier = verifier
	}
	h.handler = NewHandler(core, handlerOpts)
	return h
}

func (h *harness) token(t *testing.T, subject, org, role string) string {
	t.Helper()
	tok, err := h.verifier.Generate(subject, org, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) member(t *testing.T, org string) string {
	return h.token(t, "user-"+org, org, auth.RoleMember)
}

func (h *harness) admin(t *testing.T) string {
	return h.token(t, "ops", "", auth.RoleAdmin)
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) create(t *testing.T, token string, req CreateInstanceRequest) InstanceResponse {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/instances", token, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst InstanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inst))
	return inst
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(t, http.MethodGet, "/api/instances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec)["error"])
	assert.Equal(t, 0, h.store.CallCount())
}

func TestAPI_CreateListGet(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tok := h.member(t, "org-1")

	created := h.create(t, tok, CreateInstanceRequest{ExternalName: "salon-main"})
	assert.Equal(t, "org-1", created.OrganizationID)
	assert.Equal(t, "whatsapp", created.ChannelType)
	assert.Equal(t, lifecycle.StatusDisconnected, created.Status)

	rec := h.do(t, http.MethodGet, "/api/instances", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListInstancesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Instances, 1)
	assert.Equal(t, created.ID, list.Instances[0].ID)

	rec = h.do(t, http.MethodGet, "/api/instances/"+created.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// other organizations neither list nor see it
	other := h.member(t, "org-2")
	rec = h.do(t, http.MethodGet, "/api/instances", other, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Empty(t, list.Instances)

	rec = h.do(t, http.MethodGet, "/api/instances/"+created.ID, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec)["error"])

	// admins see everything
	rec = h.do(t, http.MethodGet, "/api/instances/"+created.ID, h.admin(t), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_CreateValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name     string
		token    string
		body     CreateInstanceRequest
		wantCode int
		wantErr  string
	}{
		{"admin without organization", h.admin(t), CreateInstanceRequest{}, http.StatusBadRequest, "invalid_request"},
		{"member for another organization", h.member(t, "org-1"), CreateInstanceRequest{OrganizationID: "org-2"}, http.StatusForbidden, "forbidden"},
		{"bad external name", h.member(t, "org-1"), CreateInstanceRequest{ExternalName: "has spaces!"}, http.StatusBadRequest, "invalid_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/instances", tt.token, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec)["error"])
		})
	}

	h.create(t, h.admin(t), CreateInstanceRequest{OrganizationID: "org-9", ExternalName: "dup"})
	rec := h.do(t, http.MethodPost, "/api/instances", h.member(t, "org-9"), CreateInstanceRequest{ExternalName: "dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_name", decodeError(t, rec)["error"])
}

func TestAPI_ConnectResetDelete(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tok := h.member(t, "org-1")
	inst := h.create(t, tok, CreateInstanceRequest{ExternalName: "front-desk"})

	rec := h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got InstanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, lifecycle.StatusInitializing, got.Status)
	assert.True(t, h.gw.Has("front-desk"))

	rec = h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeError(t, rec)["error"])

	rec = h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/reset", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/instances/"+inst.ID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, lifecycle.StatusDeleted, got.Status)
	assert.False(t, h.gw.Has("front-desk"))

	// deleted instances drop out of the default listing
	rec = h.do(t, http.MethodGet, "/api/instances", tok, nil)
	var list ListInstancesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Empty(t, list.Instances)
}

func TestAPI_ConnectGatewayDown(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tok := h.member(t, "org-1")
	inst := h.create(t, tok, CreateInstanceRequest{})

	h.gw.Fail("Create", gwclient.ErrGatewayUnavailable)
	rec := h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "gateway_unreachable", decodeError(t, rec)["error"])

	rec = h.do(t, http.MethodGet, "/api/instances/"+inst.ID, tok, nil)
	var got InstanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, lifecycle.StatusDisconnected, got.Status, "failed effect must not persist a transition")
}

func TestAPI_Refresh(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tok := h.member(t, "org-1")
	inst := h.create(t, tok, CreateInstanceRequest{ExternalName: "refresh-me"})
	h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	h.gw.SetState("refresh-me", gwclient.StateOpen)

	rec := h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/refresh", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got InstanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, lifecycle.StatusConnected, got.Status)
}

func TestAPI_Audit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tok := h.member(t, "org-1")
	inst := h.create(t, tok, CreateInstanceRequest{})
	h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	require.NoError(t, h.core.Audit.Flush(context.Background()))

	rec := h.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/audit", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AuditResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, inst.ID, resp.InstanceID)
	require.Len(t, resp.Entries, 2)

	actions := []string{resp.Entries[0].Action, resp.Entries[1].Action}
	assert.Contains(t, actions, string(store.AuditInstanceCreated))
	assert.Contains(t, actions, string(store.AuditStatusChanged))

	rec = h.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/audit", h.member(t, "org-2"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Reconcile(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tok := h.member(t, "org-1")
	inst := h.create(t, tok, CreateInstanceRequest{ExternalName: "gone"})
	h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	h.gw.Remove("gone")

	rec := h.do(t, http.MethodPost, "/api/reconcile", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "members cannot sweep")

	rec = h.do(t, http.MethodPost, "/api/reconcile?dry_run=true", h.admin(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report reconcile.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.True(t, report.DryRun)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, reconcile.KindOrphan, report.Findings[0].Kind)
	assert.Equal(t, 1, report.UnresolvedOrphans())

	rec = h.do(t, http.MethodGet, "/api/instances/"+inst.ID, tok, nil)
	var got InstanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, lifecycle.StatusInitializing, got.Status, "dry run must not mutate")

	rec = h.do(t, http.MethodPost, "/api/reconcile?instance="+inst.ID, h.admin(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 0, report.UnresolvedOrphans())

	rec = h.do(t, http.MethodPost, "/api/reconcile?dry_run=maybe", h.admin(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AuthDisabledActsAsAdmin(t *testing.T) {
	h := newHarness(t, harnessOptions{noAuth: true})

	rec := h.do(t, http.MethodPost, "/api/instances", "", CreateInstanceRequest{OrganizationID: "org-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/reconcile?dry_run=true", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantErr  string
	}{
		{fmt.Errorf("get: %w", instance.ErrUnknownInstance), http.StatusNotFound, "not_found"},
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{instance.ErrInvalidName, http.StatusBadRequest, "invalid_name"},
		{instance.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{store.ErrDuplicateName, http.StatusConflict, "duplicate_name"},
		{gwclient.ErrNameConflict, http.StatusConflict, "duplicate_name"},
		{reconcile.ErrSweepInProgress, http.StatusConflict, "sweep_in_progress"},
		{rateguard.ErrTooManySessions, http.StatusTooManyRequests, "rate_limited"},
		{&rateguard.DeniedError{Reason: "rate_limited", RetryAfter: time.Second}, http.StatusTooManyRequests, "rate_limited"},
		{fmt.Errorf("create: %w", gwclient.ErrGatewayUnavailable), http.StatusBadGateway, "gateway_unreachable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			code, name := errorStatus(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, name)
		})
	}
}
