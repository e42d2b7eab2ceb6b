// ABOUTME: Tests for the SSE and WebSocket watch transports
// ABOUTME: Drives a pairing to connected through the fake gateway and checks what clients receive

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/stream"
)

type sseEvent struct {
	id   string
	typ  string
	data stream.PushEvent
}

// readSSE parses events from body onto a channel that closes at EOF.
func readSSE(t *testing.T, body io.Reader) <-chan sseEvent {
	t.Helper()
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data); err != nil {
					return
				}
			case line == "" && cur.typ != "":
				out <- cur
				cur = sseEvent{}
			}
		}
	}()
	return out
}

func nextSSE(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func (h *harness) pairing(t *testing.T, tok, name string) InstanceResponse {
	t.Helper()
	inst := h.create(t, tok, CreateInstanceRequest{ExternalName: name})
	rec := h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/connect", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return inst
}

func openSSE(t *testing.T, ctx context.Context, url, tok string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestEvents_SSEUntilConnected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	tok := h.member(t, "org-1")
	inst := h.pairing(t, tok, "sse-pair")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openSSE(t, ctx, srv.URL+"/api/instances/"+inst.ID+"/events", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)

	first := nextSSE(t, events)
	assert.Equal(t, string(stream.EventStatusUpdate), first.typ)
	assert.True(t, first.data.Data.Snapshot)
	assert.Equal(t, lifecycle.StatusInitializing, first.data.Data.Status)
	assert.Equal(t, "1", first.id)

	h.gw.SetState("sse-pair", gwclient.StateOpen)

	connected := nextSSE(t, events)
	assert.Equal(t, lifecycle.StatusConnected, connected.data.Data.Status)
	assert.Equal(t, "2", connected.id)

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should end once connected")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after connected")
	}
}

func TestEvents_SSEResumeAfterLastEventID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	tok := h.member(t, "org-1")
	inst := h.pairing(t, tok, "sse-resume")
	h.gw.SetState("sse-resume", gwclient.StateOpen)

	rec := h.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/refresh", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openSSE(t, ctx, srv.URL+"/api/instances/"+inst.ID+"/events?follow=true&last_event_id=1", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	ev := nextSSE(t, events)
	assert.Equal(t, "2", ev.id)
	assert.False(t, ev.data.Data.Snapshot, "resume replays instead of snapshotting")
	assert.Equal(t, lifecycle.StatusConnected, ev.data.Data.Status)
}

func TestEvents_UnknownInstance(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(t, http.MethodGet, "/api/instances/missing/events", h.member(t, "org-1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_SessionCap(t *testing.T) {
	h := newHarness(t, harnessOptions{maxSessions: 1})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	tok := h.member(t, "org-1")
	inst := h.pairing(t, tok, "capped")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openSSE(t, ctx, srv.URL+"/api/instances/"+inst.ID+"/events?follow=true", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nextSSE(t, readSSE(t, resp.Body))

	rec := h.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/events", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec)["error"])

	rec = h.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/ws", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "denied before the upgrade")
}

func TestWebSocket_UntilConnected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	tok := h.member(t, "org-1")
	inst := h.pairing(t, tok, "ws-pair")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/instances/" + inst.ID + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first stream.PushEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.True(t, first.Data.Snapshot)
	assert.Equal(t, lifecycle.StatusInitializing, first.Data.Status)

	h.gw.SetState("ws-pair", gwclient.StateOpen)

	var connected stream.PushEvent
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, lifecycle.StatusConnected, connected.Data.Status)
	assert.Equal(t, uint64(2), connected.Sequence)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_RequiresToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/instances/any/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
