// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory instances and audit log with call counting for spy assertions

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairline/internal/lifecycle"
)

// MockStore is an in-memory Store implementation for testing.
// Every method call is counted so tests can assert a path never touched
// persistence.
type MockStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance // keyed by instance ID
	audit     []AuditEntry
	calls     map[string]int
	auditErr  error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		instances: make(map[string]*Instance),
		calls:     make(map[string]int),
	}
}

// CallCount returns the total number of store calls made so far.
func (m *MockStore) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// Calls returns how many times the named method was called.
func (m *MockStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// FailAudit makes AppendAuditLog return err until reset with nil.
func (m *MockStore) FailAudit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditErr = err
}

func cloneInstance(inst *Instance) *Instance {
	c := *inst
	if inst.QR != nil {
		qr := *inst.QR
		c.QR = &qr
	}
	if inst.LastGatewaySeenAt != nil {
		t := *inst.LastGatewaySeenAt
		c.LastGatewaySeenAt = &t
	}
	return &c
}

// CreateInstance stores a new instance.
func (m *MockStore) CreateInstance(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateInstance"]++

	for _, existing := range m.instances {
		if existing.ChannelType == inst.ChannelType && existing.ExternalName == inst.ExternalName {
			return ErrDuplicateName
		}
	}
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *MockStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetInstance"]++

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

// GetInstanceByExternalName retrieves an instance by channel type and name.
func (m *MockStore) GetInstanceByExternalName(ctx context.Context, channelType ChannelType, name string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetInstanceByExternalName"]++

	for _, inst := range m.instances {
		if inst.ChannelType == channelType && inst.ExternalName == name {
			return cloneInstance(inst), nil
		}
	}
	return nil, ErrNotFound
}

// ListInstances returns instances matching the filter, oldest first.
func (m *MockStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListInstances"]++

	var out []*Instance
	for _, inst := range m.instances {
		if f.OrganizationID != "" && inst.OrganizationID != f.OrganizationID {
			continue
		}
		if f.ChannelType != "" && inst.ChannelType != f.ChannelType {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inst.Status) {
			continue
		}
		if f.ExcludeDeleted && inst.Status == lifecycle.StatusDeleted {
			continue
		}
		out = append(out, cloneInstance(inst))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CompareAndSetStatus applies a status write if status and version still match.
func (m *MockStore) CompareAndSetStatus(ctx context.Context, id string, expected lifecycle.Status, expectedVersion int64, upd StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CompareAndSetStatus"]++

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.Status != expected || inst.Version != expectedVersion {
		return ErrStatusConflict
	}

	if upd.At.IsZero() {
		upd.At = time.Now()
	}
	inst.Status = upd.Status
	inst.QR = nil
	if upd.QR != nil {
		qr := *upd.QR
		inst.QR = &qr
	}
	inst.LastError = upd.LastError
	if upd.SeenAt != nil {
		t := *upd.SeenAt
		inst.LastGatewaySeenAt = &t
	}
	inst.Version++
	inst.UpdatedAt = upd.At
	return nil
}

// TouchGatewaySeen records gateway contact.
func (m *MockStore) TouchGatewaySeen(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TouchGatewaySeen"]++

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.LastGatewaySeenAt = &at
	return nil
}

// DeleteInstance removes an instance.
func (m *MockStore) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["DeleteInstance"]++

	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)
	return nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["AppendAuditLog"]++

	if m.auditErr != nil {
		return m.auditErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListAuditLog"]++

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.InstanceID != nil && e.InstanceID != *f.InstanceID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.ActorType != nil && e.ActorType != *f.ActorType {
			continue
		}
		if f.Since != nil && e.OccurredAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.OccurredAt.After(*f.Until) {
			continue
		}
		entries = append(entries, e)
		if len(entries) >= normalizeAuditLimit(f.Limit) {
			break
		}
	}
	return entries, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
