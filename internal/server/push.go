// ABOUTME: Push transports for watch sessions: Server-Sent Events and WebSocket
// ABOUTME: Both carry the same sequenced events and resume from the last seen sequence

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pairline/internal/stream"
)

const (
	// sseKeepalive is how often an idle SSE stream gets a comment line.
	sseKeepalive = 15 * time.Second

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// any origin may watch with a valid bearer token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchRequest builds the watch request shared by both transports.
func watchRequest(r *http.Request, instanceID, org string) stream.WatchRequest {
	q := r.URL.Query()
	last := r.Header.Get("Last-Event-ID")
	if last == "" {
		last = q.Get("last_event_id")
	}
	follow, _ := strconv.ParseBool(q.Get("follow"))
	return stream.WatchRequest{
		InstanceID:     instanceID,
		OrganizationID: org,
		Follow:         follow,
		LastEventID:    last,
	}
}

// handleEvents streams an instance's push events as SSE.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.loadInstance(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSONError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	sess, err := a.streams.Watch(r.Context(), watchRequest(r, inst.ID, inst.OrganizationID))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer sess.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if err := a.writeSSEEvent(w, ev); err != nil {
				a.logger.Debug("sse write failed", "instance_id", inst.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single push event. The id line carries the
// sequence so browsers resume with Last-Event-ID.
func (a *api) writeSSEEvent(w http.ResponseWriter, ev stream.PushEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
	return err
}

// handleWebSocket streams an instance's push events over a WebSocket.
// Inbound messages are ignored; the read side only detects disconnects.
func (a *api) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	inst, ok := a.loadInstance(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// open the session first so a denial is still a plain HTTP error
	sess, err := a.streams.Watch(ctx, watchRequest(r, inst.ID, inst.OrganizationID))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer sess.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		a.logger.Debug("websocket upgrade failed", "instance_id", inst.ID, "error", err)
		return
	}

	pc := &pushConn{conn: conn, sess: sess}
	go pc.writePump(cancel)
	pc.readPump()
}

// pushConn pumps session events to one WebSocket client.
type pushConn struct {
	conn *websocket.Conn
	sess *stream.Session
}

// writePump sends events until the session ends, then closes the socket
// normally so the client does not reconnect for a terminal event.
func (c *pushConn) writePump(done context.CancelFunc) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		done()
	}()

	for {
		select {
		case ev, ok := <-c.sess.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the socket until the client goes away, then ends the
// session.
func (c *pushConn) readPump() {
	defer c.sess.Close()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
