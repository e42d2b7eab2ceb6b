// ABOUTME: Tests for the push event hub
// ABOUTME: Covers sequencing, replay and gap detection, slow subscribers and event typing

package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/store"
)

func emitN(h *Hub, id string, n int) {
	for range n {
		h.Emit(EventStatusUpdate, EventData{InstanceID: id, Status: lifecycle.StatusInitializing})
	}
}

func TestHub_SequencePerInstance(t *testing.T) {
	h := NewHub(8, nil, nil)

	a := h.Emit(EventStatusUpdate, EventData{InstanceID: "a"})
	b := h.Emit(EventStatusUpdate, EventData{InstanceID: "b"})
	a2 := h.Emit(EventStatusUpdate, EventData{InstanceID: "a"})

	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(1), b.Sequence)
	assert.Equal(t, uint64(2), a2.Sequence)
	assert.Equal(t, uint64(2), h.Sequence("a"))
	assert.Equal(t, uint64(0), h.Sequence("unknown"))
}

func TestHub_SubscribeDelivers(t *testing.T) {
	h := NewHub(8, nil, nil)
	sub, replay, gap := h.Subscribe("a", 0)
	assert.Empty(t, replay)
	assert.False(t, gap)

	h.Emit(EventQRUpdate, EventData{InstanceID: "a", Status: lifecycle.StatusQRPending})
	h.Emit(EventStatusUpdate, EventData{InstanceID: "b"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, EventQRUpdate, ev.Type)
		assert.Equal(t, uint64(1), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, sub.C, "events for other instances are not delivered")

	h.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
	h.Unsubscribe(sub)
}

func TestHub_ReplayAfterSequence(t *testing.T) {
	h := NewHub(8, nil, nil)
	emitN(h, "a", 5)

	_, replay, gap := h.Subscribe("a", 3)
	require.False(t, gap)
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(4), replay[0].Sequence)
	assert.Equal(t, uint64(5), replay[1].Sequence)

	_, replay, gap = h.Subscribe("a", 5)
	assert.False(t, gap)
	assert.Empty(t, replay)
}

func TestHub_GapWhenRingOverflowed(t *testing.T) {
	h := NewHub(4, nil, nil)
	emitN(h, "a", 10)

	_, _, gap := h.Subscribe("a", 5)
	assert.True(t, gap, "event 6 is no longer buffered")

	_, replay, gap := h.Subscribe("a", 6)
	assert.False(t, gap)
	assert.Len(t, replay, 4)

	_, _, gap = h.Subscribe("a", 42)
	assert.True(t, gap, "sequence from an earlier process")

	_, ok := h.Since("never-seen", 3)
	assert.False(t, ok)
	_, ok = h.Since("never-seen", 0)
	assert.True(t, ok)
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(256, nil, nil)
	sub, _, _ := h.Subscribe("a", 0)

	done := make(chan struct{})
	go func() {
		emitN(h, "a", subscriberBufferSize+20)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow subscriber")
	}
	assert.Len(t, sub.C, subscriberBufferSize)

	missed, ok := h.Since("a", subscriberBufferSize)
	require.True(t, ok)
	assert.Len(t, missed, 20)
}

func TestHub_EvictClosesSubscribers(t *testing.T) {
	h := NewHub(8, nil, nil)
	s1, _, _ := h.Subscribe("a", 0)
	s2, _, _ := h.Subscribe("a", 0)
	other, _, _ := h.Subscribe("b", 0)
	assert.Equal(t, 2, h.Subscribers("a"))

	h.Evict("a")

	_, open := <-s1.C
	assert.False(t, open)
	_, open = <-s2.C
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("a"))
	assert.Equal(t, 1, h.Subscribers("b"))

	h.Unsubscribe(s1)
	h.Close()
	_, open = <-other.C
	assert.False(t, open)
}

func TestHub_PublishTypesEvents(t *testing.T) {
	h := NewHub(8, nil, nil)
	sub, _, _ := h.Subscribe("i-1", 0)
	expires := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)

	h.Publish(instance.Change{
		Instance: &store.Instance{ID: "i-1", Status: lifecycle.StatusQRPending, QR: &lifecycle.QR{Code: "c", ExpiresAt: expires}},
		Result:   lifecycle.Result{Next: lifecycle.StatusQRPending, Matched: true, Effects: []lifecycle.Effect{lifecycle.EffectStoreQR}},
	})
	h.Publish(instance.Change{
		Instance: &store.Instance{ID: "i-1", Status: lifecycle.StatusError, LastError: lifecycle.ReasonGatewayUnreachable},
		Result:   lifecycle.Result{Next: lifecycle.StatusError, Matched: true, Effects: []lifecycle.Effect{lifecycle.EffectEmitError}, Reason: lifecycle.ReasonGatewayUnreachable},
	})
	h.Publish(instance.Change{
		Instance: &store.Instance{ID: "i-1", Status: lifecycle.StatusDisconnected},
		Result:   lifecycle.Result{Next: lifecycle.StatusDisconnected, Matched: true, Reason: lifecycle.ReasonNotFound},
	})

	qr := <-sub.C
	assert.Equal(t, EventQRUpdate, qr.Type)
	require.NotNil(t, qr.Data.QR)
	assert.Equal(t, "c", qr.Data.QR.Code)
	assert.Equal(t, expires, qr.Data.QR.ExpiresAt)
	assert.False(t, qr.Terminal())

	errEv := <-sub.C
	assert.Equal(t, EventError, errEv.Type)
	assert.Equal(t, lifecycle.ReasonGatewayUnreachable, errEv.Data.Reason)
	assert.True(t, errEv.Terminal())

	drift := <-sub.C
	assert.Equal(t, EventStatusUpdate, drift.Type)
	assert.Equal(t, lifecycle.ReasonNotFound, drift.Data.Reason)
}

func TestHub_Snapshot(t *testing.T) {
	h := NewHub(8, nil, nil)
	emitN(h, "i-1", 3)

	snap := h.Snapshot(&store.Instance{ID: "i-1", Status: lifecycle.StatusConnected}, h.Sequence("i-1"))
	assert.Equal(t, EventStatusUpdate, snap.Type)
	assert.Equal(t, uint64(3), snap.Sequence)
	assert.True(t, snap.Data.Snapshot)

	snap = h.Snapshot(&store.Instance{ID: "i-1", Status: lifecycle.StatusError, LastError: "rate_limited"}, 1)
	assert.Equal(t, EventError, snap.Type)
	assert.Equal(t, "rate_limited", snap.Data.Reason)
	assert.Equal(t, uint64(1), snap.Sequence)
}

func TestHub_DropsTopicOfDeletedInstance(t *testing.T) {
	h := NewHub(8, nil, nil)
	emitN(h, "kept", 2)
	sub, _, _ := h.Subscribe("gone", 0)
	h.Emit(EventStatusUpdate, EventData{InstanceID: "gone", Status: lifecycle.StatusConnected})
	require.Equal(t, 2, h.Topics())

	h.Emit(EventStatusUpdate, EventData{InstanceID: "gone", Status: lifecycle.StatusDeleted})
	assert.Equal(t, 2, h.Topics(), "kept while someone still listens")
	<-sub.C
	final := <-sub.C
	assert.Equal(t, lifecycle.StatusDeleted, final.Data.Status)

	h.Unsubscribe(sub)
	assert.Equal(t, 1, h.Topics())
	assert.Equal(t, uint64(0), h.Sequence("gone"))

	// a deletion nobody watches is dropped at once
	h.Emit(EventStatusUpdate, EventData{InstanceID: "unwatched", Status: lifecycle.StatusDeleted})
	assert.Equal(t, 1, h.Topics())

	// a live instance keeps its ring for resume after its last subscriber leaves
	live, _, _ := h.Subscribe("kept", 0)
	h.Unsubscribe(live)
	assert.Equal(t, 1, h.Topics())
	assert.Equal(t, uint64(2), h.Sequence("kept"))

	// a snapshot-only session leaves nothing behind
	snapOnly, _, _ := h.Subscribe("quiet", 0)
	h.Unsubscribe(snapOnly)
	assert.Equal(t, 1, h.Topics())
}
