// ABOUTME: In-memory gateway for tests, mirroring the Client method set
// ABOUTME: Scriptable states, QR codes and failures with per-method call counts

package gwclient

import (
	"context"
	"sync"
	"time"
)

// FakeGateway is an in-memory stand-in for the gateway. The zero value is not
// usable; call NewFakeGateway.
type FakeGateway struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	calls     map[string]int
	errs      map[string]error
	delay     time.Duration
}

type fakeInstance struct {
	state  ConnectionState
	qr     string
	qrTTL  time.Duration
	config CreateConfig
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		instances: make(map[string]*fakeInstance),
		calls:     make(map[string]int),
		errs:      make(map[string]error),
	}
}

// Put registers name with the given state, as if created out of band.
func (f *FakeGateway) Put(name string, state ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = &fakeInstance{state: state, qrTTL: time.Minute}
}

// SetState changes the reported state of name.
func (f *FakeGateway) SetState(name string, state ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		inst.state = state
	}
}

// SetQR sets the pairing code served for name.
func (f *FakeGateway) SetQR(name, code string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		inst.qr = code
		inst.qrTTL = ttl
	}
}

// Remove deletes name as if removed out of band.
func (f *FakeGateway) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, name)
}

// Has reports whether name exists.
func (f *FakeGateway) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[name]
	return ok
}

// Config returns the create config name was registered with.
func (f *FakeGateway) Config(name string) CreateConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		return inst.config
	}
	return CreateConfig{}
}

// Fail makes every call to method ("Create", "Delete", "FetchStatus",
// "FetchQR") return err until cleared with nil.
func (f *FakeGateway) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// SetDelay makes every call block for d (or until ctx ends).
func (f *FakeGateway) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many times method was called.
func (f *FakeGateway) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (f *FakeGateway) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *FakeGateway) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	delay := f.delay
	err := f.errs[method]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Create registers name. An existing name is a conflict.
func (f *FakeGateway) Create(ctx context.Context, name string, cfg CreateConfig) (*InstanceRef, error) {
	if err := f.enter(ctx, "Create"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[name]; ok {
		return nil, ErrNameConflict
	}
	f.instances[name] = &fakeInstance{state: StateConnecting, qrTTL: time.Minute, config: cfg}
	return &InstanceRef{Name: name, ExternalID: "ext-" + name, Status: "created"}, nil
}

// Delete removes name.
func (f *FakeGateway) Delete(ctx context.Context, name string) error {
	if err := f.enter(ctx, "Delete"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[name]; !ok {
		return ErrNotFound
	}
	delete(f.instances, name)
	return nil
}

// FetchStatus returns the scripted state of name.
func (f *FakeGateway) FetchStatus(ctx context.Context, name string) (ConnectionState, error) {
	if err := f.enter(ctx, "FetchStatus"); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return "", ErrNotFound
	}
	return inst.state, nil
}

// FetchQR returns the scripted code of name.
func (f *FakeGateway) FetchQR(ctx context.Context, name string) (*QRCode, error) {
	if err := f.enter(ctx, "FetchQR"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return nil, ErrNotFound
	}
	if inst.qr == "" || inst.state == StateOpen {
		return nil, ErrNotReady
	}
	return &QRCode{Code: inst.qr, TTL: inst.qrTTL}, nil
}
