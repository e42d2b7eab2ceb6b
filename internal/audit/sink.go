// ABOUTME: Asynchronous append-only audit sink in front of the audit store
// ABOUTME: Record never blocks; a full buffer or failed write is logged and dropped

package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairline/internal/store"
)

// Writer persists audit entries.
type Writer interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Options configures a Sink.
type Options struct {
	Buffer       int           // pending entries before drops, default 1024
	WriteTimeout time.Duration // per entry, default 5s
	Logger       *slog.Logger
}

type request struct {
	entry *store.AuditEntry
	done  chan struct{} // set for flush barriers
}

// Sink buffers entries and writes them from a single goroutine, so entries
// for one instance are stored in the order they were recorded.
type Sink struct {
	w       Writer
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan request
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewSink starts a sink writing to w.
func NewSink(w Writer, opts Options) *Sink {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Sink{
		w:       w,
		timeout: opts.WriteTimeout,
		logger:  opts.Logger.With("component", "audit"),
		queue:   make(chan request, opts.Buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record queues e. It stamps ID and OccurredAt when unset and returns false
// if the entry was dropped.
func (s *Sink) Record(e store.AuditEntry) bool {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(&e, "sink closed")
		return false
	}

	select {
	case s.queue <- request{entry: &e}:
		return true
	default:
		s.drop(&e, "buffer full")
		return false
	}
}

// Flush waits until every entry recorded before the call has been written
// (or has failed).
func (s *Sink) Flush(ctx context.Context) error {
	done := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- request{done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
}

// Dropped returns how many entries were never written because the buffer
// was full or the sink closed.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Failed returns how many writes the store rejected.
func (s *Sink) Failed() int64 { return s.failed.Load() }

func (s *Sink) run() {
	defer s.wg.Done()

	for req := range s.queue {
		if req.done != nil {
			close(req.done)
			continue
		}
		s.write(req.entry)
	}
}

func (s *Sink) write(e *store.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.w.AppendAuditLog(ctx, e); err != nil {
		s.failed.Add(1)
		s.logger.Error("audit write failed",
			"audit_id", e.ID,
			"instance_id", e.InstanceID,
			"action", e.Action,
			"error", err,
		)
	}
}

func (s *Sink) drop(e *store.AuditEntry, why string) {
	s.dropped.Add(1)
	s.logger.Error("audit entry dropped",
		"reason", why,
		"instance_id", e.InstanceID,
		"action", e.Action,
		"actor", e.ActorType,
	)
}
