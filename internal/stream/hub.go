// ABOUTME: Per-instance fan-out of push events with sequence numbers and a replay ring
// ABOUTME: Slow subscribers drop events and recover them from the ring by sequence

package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/store"
	"github.com/2389/pairline/internal/telemetry"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
	// defaultReplayBuffer is how many events per instance are kept for resume.
	defaultReplayBuffer = 128
)

// EventType is the kind of a push event.
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventQRUpdate     EventType = "qr_update"
	EventError        EventType = "error"
)

// QRPayload is the pairing code carried by a qr_update.
type QRPayload struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventData is the body of a push event.
type EventData struct {
	InstanceID string           `json:"instance_id"`
	Status     lifecycle.Status `json:"status"`
	QR         *QRPayload       `json:"qr,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Snapshot   bool             `json:"snapshot,omitempty"`
}

// PushEvent is one message on a watch stream. Sequence increases by one per
// instance for every published event; snapshots reuse the latest sequence.
type PushEvent struct {
	Type     EventType `json:"type"`
	Sequence uint64    `json:"sequence"`
	Data     EventData `json:"data"`
}

// Terminal reports whether no further events follow for the instance.
func (e PushEvent) Terminal() bool {
	return e.Type == EventError || e.Data.Status.Terminal()
}

type topic struct {
	seq  uint64
	ring []PushEvent // oldest first, at most replay entries
	subs map[string]chan PushEvent
	// final is set once the instance is deleted; nothing follows it.
	final bool
}

// Hub fans push events out to subscribers of an instance.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	replay  int
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewHub creates a hub keeping replay events per instance for resume.
func NewHub(replay int, metrics *telemetry.Metrics, logger *slog.Logger) *Hub {
	if replay <= 0 {
		replay = defaultReplayBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:  make(map[string]*topic),
		replay:  replay,
		metrics: metrics,
		logger:  logger.With("component", "hub"),
	}
}

// Subscription is one subscriber's view of an instance's events.
type Subscription struct {
	ID         string
	InstanceID string
	C          <-chan PushEvent
}

// Publish implements instance.Publisher.
func (h *Hub) Publish(c instance.Change) {
	data := dataFor(c.Instance)
	typ := EventStatusUpdate
	switch {
	case c.Result.Has(lifecycle.EffectEmitError):
		typ = EventError
		data.Reason = c.Result.Reason
	case data.QR != nil:
		typ = EventQRUpdate
	case c.Result.Reason != "":
		data.Reason = c.Result.Reason
	}
	h.Emit(typ, data)
}

// Emit assigns the next sequence to an event and delivers it.
func (h *Hub) Emit(typ EventType, data EventData) PushEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(data.InstanceID)
	t.seq++
	ev := PushEvent{Type: typ, Sequence: t.seq, Data: data}

	t.ring = append(t.ring, ev)
	if len(t.ring) > h.replay {
		t.ring = t.ring[len(t.ring)-h.replay:]
	}

	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			h.metrics.RecordDroppedEvent(context.Background())
			h.logger.Debug("dropped event for slow subscriber",
				"instance_id", data.InstanceID,
				"sub_id", id,
				"sequence", ev.Sequence)
		}
	}

	if data.Status == lifecycle.StatusDeleted {
		t.final = true
	}
	h.pruneLocked(data.InstanceID, t)
	return ev
}

// Subscribe registers a subscriber for instanceID. If after is non-zero the
// buffered events with a greater sequence are returned for replay; gap is true
// when they are no longer all available (or after is from an earlier process)
// and the caller must send a snapshot instead.
func (h *Hub) Subscribe(instanceID string, after uint64) (sub *Subscription, replay []PushEvent, gap bool) {
	ch := make(chan PushEvent, subscriberBufferSize)
	id := uuid.New().String()

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(instanceID)
	t.subs[id] = ch
	replay, gap = t.since(after)

	h.logger.Debug("subscriber added", "instance_id", instanceID, "sub_id", id)
	return &Subscription{ID: id, InstanceID: instanceID, C: ch}, replay, gap
}

// Since returns buffered events with a sequence greater than after. ok is
// false when some of them are gone.
func (h *Hub) Since(instanceID string, after uint64) ([]PushEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.topics[instanceID]
	if !ok {
		return nil, after == 0
	}
	replay, gap := t.since(after)
	return replay, !gap
}

// Sequence returns the latest sequence published for instanceID.
func (h *Hub) Sequence(instanceID string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[instanceID]; ok {
		return t.seq
	}
	return 0
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[sub.InstanceID]
	if !ok {
		return
	}
	ch, ok := t.subs[sub.ID]
	if !ok {
		return
	}
	delete(t.subs, sub.ID)
	close(ch)
	h.pruneLocked(sub.InstanceID, t)

	h.logger.Debug("subscriber removed", "instance_id", sub.InstanceID, "sub_id", sub.ID)
}

// Evict closes every subscription of instanceID. Sessions see their channel
// close and end.
func (h *Hub) Evict(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[instanceID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	h.pruneLocked(instanceID, t)
}

// Subscribers returns the number of live subscriptions for instanceID.
func (h *Hub) Subscribers(instanceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[instanceID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.topics {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
	h.logger.Debug("hub closed")
}

// Topics returns the number of instances the hub holds state for.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// pruneLocked drops t once nobody listens and it has nothing worth resuming:
// the instance was deleted, or nothing was ever published for it.
func (h *Hub) pruneLocked(instanceID string, t *topic) {
	if len(t.subs) > 0 || (!t.final && t.seq > 0) {
		return
	}
	if h.topics[instanceID] == t {
		delete(h.topics, instanceID)
		h.logger.Debug("topic dropped", "instance_id", instanceID)
	}
}

func (h *Hub) topicLocked(instanceID string) *topic {
	t, ok := h.topics[instanceID]
	if !ok {
		t = &topic{subs: make(map[string]chan PushEvent)}
		h.topics[instanceID] = t
	}
	return t
}

func (t *topic) since(after uint64) ([]PushEvent, bool) {
	if after == 0 {
		return nil, false
	}
	if after > t.seq {
		// sequence from before a restart
		return nil, true
	}
	if after == t.seq {
		return nil, false
	}
	if len(t.ring) == 0 || t.ring[0].Sequence > after+1 {
		return nil, true
	}

	out := make([]PushEvent, 0, t.seq-after)
	for _, ev := range t.ring {
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out, false
}

func dataFor(inst *store.Instance) EventData {
	data := EventData{
		InstanceID: inst.ID,
		Status:     inst.Status,
	}
	if inst.QR != nil && inst.Status == lifecycle.StatusQRPending {
		data.QR = &QRPayload{Code: inst.QR.Code, ExpiresAt: inst.QR.ExpiresAt.UTC()}
	}
	if inst.Status == lifecycle.StatusError && inst.LastError != "" {
		data.Reason = inst.LastError
	}
	return data
}

// Snapshot builds an event describing inst, stamped with seq. seq must be read
// from Sequence before inst was loaded, so any event committed after the load
// carries a greater sequence and is still delivered.
func (h *Hub) Snapshot(inst *store.Instance, seq uint64) PushEvent {
	data := dataFor(inst)
	data.Snapshot = true

	typ := EventStatusUpdate
	switch {
	case data.QR != nil:
		typ = EventQRUpdate
	case inst.Status == lifecycle.StatusError:
		typ = EventError
	}
	return PushEvent{Type: typ, Sequence: seq, Data: data}
}
