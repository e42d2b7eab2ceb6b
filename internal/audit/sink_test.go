// ABOUTME: Tests for the asynchronous audit sink
// ABOUTME: Covers ordering, flush barrier, drops on a full buffer and failed writes

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairline/internal/store"
)

type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	written []string
}

func (b *blockingWriter) AppendAuditLog(ctx context.Context, e *store.AuditEntry) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, e.InstanceID)
	return nil
}

func TestSink_WritesInOrder(t *testing.T) {
	st := store.NewMockStore()
	sink := NewSink(st, Options{})
	defer sink.Close()

	for _, action := range []store.AuditAction{store.AuditInstanceCreated, store.AuditStatusChanged, store.AuditQRRotated} {
		require.True(t, sink.Record(store.AuditEntry{
			InstanceID: "inst-1",
			Action:     action,
			ActorType:  store.ActorSystem,
		}))
	}
	require.NoError(t, sink.Flush(context.Background()))

	entries, err := st.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// newest first
	assert.Equal(t, store.AuditQRRotated, entries[0].Action)
	assert.Equal(t, store.AuditInstanceCreated, entries[2].Action)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.OccurredAt.IsZero())
	}
}

func TestSink_RecordNeverBlocks(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	sink := NewSink(w, Options{Buffer: 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			sink.Record(store.AuditEntry{InstanceID: "inst-1", Action: store.AuditStatusChanged, ActorType: store.ActorWebhook})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled writer")
	}

	// one entry in flight at the writer, two buffered, the rest dropped
	assert.GreaterOrEqual(t, sink.Dropped(), int64(7))

	close(w.release)
	sink.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, int64(10), int64(len(w.written))+sink.Dropped())
}

func TestSink_FailedWriteIsCountedNotReturned(t *testing.T) {
	st := store.NewMockStore()
	st.FailAudit(errors.New("disk full"))

	sink := NewSink(st, Options{})
	defer sink.Close()

	assert.True(t, sink.Record(store.AuditEntry{InstanceID: "inst-1", Action: store.AuditStatusChanged, ActorType: store.ActorSystem}))
	require.NoError(t, sink.Flush(context.Background()))
	assert.Equal(t, int64(1), sink.Failed())
}

func TestSink_CloseDrainsAndRejectsLater(t *testing.T) {
	st := store.NewMockStore()
	sink := NewSink(st, Options{})

	for range 5 {
		sink.Record(store.AuditEntry{InstanceID: "inst-1", Action: store.AuditStatusChanged, ActorType: store.ActorUser})
	}
	sink.Close()
	sink.Close()

	assert.Equal(t, 5, st.Calls("AppendAuditLog"))
	assert.False(t, sink.Record(store.AuditEntry{InstanceID: "inst-1"}))
	assert.NoError(t, sink.Flush(context.Background()))
}

func TestSink_FlushHonorsContext(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	sink := NewSink(w, Options{})
	defer func() {
		close(w.release)
		sink.Close()
	}()

	sink.Record(store.AuditEntry{InstanceID: "inst-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sink.Flush(ctx), context.DeadlineExceeded)
}
