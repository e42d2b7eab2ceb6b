// ABOUTME: Tests for watch sessions, watchers and explicit refresh
// ABOUTME: Drives the QR pairing flow against the fake gateway with short intervals

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairline/internal/gwclient"
	"github.com/2389/pairline/internal/instance"
	"github.com/2389/pairline/internal/lifecycle"
	"github.com/2389/pairline/internal/rateguard"
	"github.com/2389/pairline/internal/store"
)

type fixture struct {
	ctrl  *Controller
	svc   *instance.Service
	hub   *Hub
	guard *rateguard.Guard
	store *store.MockStore
	gw    *gwclient.FakeGateway
}

type fixtureOptions struct {
	floor       time.Duration
	ceiling     time.Duration
	maxSessions int
	maxWait     time.Duration
	maxDenials  int
	idle        time.Duration
	// wrapStore lets a test intercept the service's store reads.
	wrapStore func(store.InstanceStore) store.InstanceStore
}

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()
	if o.floor == 0 {
		o.floor = 10 * time.Millisecond
	}
	if o.ceiling == 0 {
		o.ceiling = 4 * o.floor
	}
	if o.maxWait == 0 {
		o.maxWait = time.Second
	}

	f := &fixture{
		store: store.NewMockStore(),
		gw:    gwclient.NewFakeGateway(),
		hub:   NewHub(64, nil, nil),
	}
	f.guard = rateguard.New(rateguard.Options{
		PollFloor:         o.floor,
		PollCeiling:       o.ceiling,
		MaxSessionsPerOrg: o.maxSessions,
	})
	var st store.InstanceStore = f.store
	if o.wrapStore != nil {
		st = o.wrapStore(f.store)
	}
	f.svc = instance.NewService(instance.Options{
		Store:     st,
		Gateway:   f.gw,
		Publisher: f.hub,
		Policy:    lifecycle.Policy{MaxFailures: 3},
	})
	f.ctrl = NewController(Options{
		Service:     f.svc,
		Gateway:     f.gw,
		Guard:       f.guard,
		Hub:         f.hub,
		IdleTimeout: o.idle,
		MaxWait:     o.maxWait,
		MaxDenials:  o.maxDenials,
	})
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) seed(t *testing.T, name string, status lifecycle.Status) *store.Instance {
	t.Helper()
	now := time.Now().UTC()
	inst := &store.Instance{
		ID:             "id-" + name,
		OrganizationID: "org-1",
		ChannelType:    store.ChannelWhatsApp,
		ExternalName:   name,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))
	return inst
}

func nextEvent(t *testing.T, s *Session) PushEvent {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "session ended early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return PushEvent{}
	}
}

func waitEnded(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("session did not end")
		}
	}
}

func TestWatch_QRPairingFlow(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusInitializing)
	f.gw.Put("acme", gwclient.StateConnecting)
	f.gw.SetQR("acme", "2@first", time.Minute)

	s, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID})
	require.NoError(t, err)

	snap := nextEvent(t, s)
	assert.True(t, snap.Data.Snapshot)
	assert.Equal(t, lifecycle.StatusInitializing, snap.Data.Status)

	qr := nextEvent(t, s)
	assert.Equal(t, EventQRUpdate, qr.Type)
	require.NotNil(t, qr.Data.QR)
	assert.Equal(t, "2@first", qr.Data.QR.Code)
	assert.Equal(t, uint64(1), qr.Sequence)

	// the code was scanned: gateway still connecting but has no code to offer
	f.gw.SetQR("acme", "", 0)
	connecting := nextEvent(t, s)
	assert.Equal(t, lifecycle.StatusConnecting, connecting.Data.Status)
	assert.Nil(t, connecting.Data.QR)

	f.gw.SetState("acme", gwclient.StateOpen)
	connected := nextEvent(t, s)
	assert.Equal(t, lifecycle.StatusConnected, connected.Data.Status)
	assert.Equal(t, uint64(3), connected.Sequence)

	waitEnded(t, s)
	assert.Eventually(t, func() bool { return f.ctrl.Watchers() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.guard.ActiveSessions("org-1"))

	stored, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusConnected, stored.Status)
	assert.NotNil(t, stored.LastGatewaySeenAt)
}

func TestWatch_PollFloorHoldsAcrossSubscribers(t *testing.T) {
	f := newFixture(t, fixtureOptions{floor: 100 * time.Millisecond})
	inst := f.seed(t, "acme", lifecycle.StatusDisconnected)
	f.gw.Put("acme", gwclient.StateClose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for range 5 {
		_, err := f.ctrl.Watch(ctx, WatchRequest{InstanceID: inst.ID, Follow: true})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.ctrl.Watchers())

	time.Sleep(350 * time.Millisecond)
	calls := f.gw.Calls("FetchStatus")
	assert.GreaterOrEqual(t, calls, 1)
	assert.LessOrEqual(t, calls, 5, "one watcher polls at the floor regardless of subscribers")

	cancel()
	assert.Eventually(t, func() bool { return f.ctrl.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatch_SessionCapDeniesWithoutGatewayCalls(t *testing.T) {
	f := newFixture(t, fixtureOptions{maxSessions: 1})
	inst := f.seed(t, "acme", lifecycle.StatusInitializing)
	f.gw.Put("acme", gwclient.StateConnecting)

	held, err := f.guard.AcquireSession("org-1")
	require.NoError(t, err)
	defer held.Release()

	_, err = f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID})
	require.ErrorIs(t, err, rateguard.ErrTooManySessions)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.gw.TotalCalls())
	assert.Equal(t, 0, f.ctrl.Watchers())
}

func TestWatch_DeniedSlotsEndWithRateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{floor: time.Second, maxWait: 5 * time.Millisecond, maxDenials: 3})
	inst := f.seed(t, "acme", lifecycle.StatusInitializing)
	f.gw.Put("acme", gwclient.StateConnecting)

	// someone else just polled this instance
	_, err := f.guard.AcquirePoll(context.Background(), inst.ID, 0)
	require.NoError(t, err)

	s, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID})
	require.NoError(t, err)

	nextEvent(t, s) // snapshot
	ev := nextEvent(t, s)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, rateguard.ReasonRateLimited, ev.Data.Reason)
	waitEnded(t, s)

	assert.Equal(t, 0, f.gw.TotalCalls())
}

func TestWatch_UnreachableGatewayMovesToError(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusQRPending)
	f.gw.Fail("FetchStatus", gwclient.ErrGatewayUnavailable)

	s, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID, Follow: true})
	require.NoError(t, err)

	nextEvent(t, s) // snapshot
	ev := nextEvent(t, s)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, lifecycle.StatusError, ev.Data.Status)
	assert.Equal(t, lifecycle.ReasonGatewayUnreachable, ev.Data.Reason)
	waitEnded(t, s)

	assert.Equal(t, 3, f.gw.Calls("FetchStatus"))
	stored, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusError, stored.Status)
	assert.Equal(t, lifecycle.ReasonGatewayUnreachable, stored.LastError)
}

func TestWatch_ConnectedWithoutFollowIsSnapshotOnly(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusConnected)

	s, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID})
	require.NoError(t, err)

	ev := nextEvent(t, s)
	assert.Equal(t, lifecycle.StatusConnected, ev.Data.Status)
	waitEnded(t, s)

	assert.Equal(t, 0, f.gw.TotalCalls())
	assert.Equal(t, 0, f.ctrl.Watchers())
}

func TestWatch_OrganizationMismatchIsUnknown(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusConnected)

	_, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID, OrganizationID: "org-2"})
	require.ErrorIs(t, err, instance.ErrUnknownInstance)

	_, err = f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: "missing"})
	require.ErrorIs(t, err, instance.ErrUnknownInstance)
}

func TestWatch_ResumeReplaysAndGapSendsSnapshot(t *testing.T) {
	f := newFixture(t, fixtureOptions{floor: time.Hour})
	inst := f.seed(t, "acme", lifecycle.StatusInitializing)
	f.gw.Put("acme", gwclient.StateClose)

	for range 4 {
		f.hub.Emit(EventStatusUpdate, EventData{InstanceID: inst.ID, Status: lifecycle.StatusInitializing})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := f.ctrl.Watch(ctx, WatchRequest{InstanceID: inst.ID, Follow: true, LastEventID: "2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nextEvent(t, s).Sequence)
	assert.Equal(t, uint64(4), nextEvent(t, s).Sequence)

	s2, err := f.ctrl.Watch(ctx, WatchRequest{InstanceID: inst.ID, Follow: true, LastEventID: "999"})
	require.NoError(t, err)
	snap := nextEvent(t, s2)
	assert.True(t, snap.Data.Snapshot)
	assert.Equal(t, uint64(4), snap.Sequence)

	s.Close()
	s2.Close()
	waitEnded(t, s)
	waitEnded(t, s2)
}

// racingStore commits a change right after one armed read returns, so the
// caller holds a row that is already stale.
type racingStore struct {
	store.InstanceStore
	mu     sync.Mutex
	reads  int
	fireAt int
	commit func()
}

func (r *racingStore) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	inst, err := r.InstanceStore.GetInstance(ctx, id)

	r.mu.Lock()
	r.reads++
	fire := r.reads == r.fireAt && r.commit != nil
	r.mu.Unlock()

	if fire {
		r.commit()
	}
	return inst, err
}

func TestWatch_ExpiredQRFetchesCodeDirectly(t *testing.T) {
	f := newFixture(t, fixtureOptions{floor: time.Hour})
	now := time.Now().UTC()
	inst := &store.Instance{
		ID:             "id-acme",
		OrganizationID: "org-1",
		ChannelType:    store.ChannelWhatsApp,
		ExternalName:   "acme",
		Status:         lifecycle.StatusQRPending,
		QR:             &lifecycle.QR{Code: "2@old", IssuedAt: now.Add(-time.Minute), ExpiresAt: now.Add(-time.Second)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))
	f.gw.Put("acme", gwclient.StateConnecting)
	f.gw.SetQR("acme", "2@new", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := f.ctrl.Watch(ctx, WatchRequest{InstanceID: inst.ID})
	require.NoError(t, err)

	snap := nextEvent(t, s)
	assert.Nil(t, snap.Data.QR, "an expired code is never shown")

	expired := nextEvent(t, s)
	assert.Equal(t, lifecycle.StatusInitializing, expired.Data.Status)

	fresh := nextEvent(t, s)
	assert.Equal(t, EventQRUpdate, fresh.Type)
	require.NotNil(t, fresh.Data.QR)
	assert.Equal(t, "2@new", fresh.Data.QR.Code)

	assert.Equal(t, 1, f.gw.Calls("FetchQR"))
	assert.Equal(t, 0, f.gw.Calls("FetchStatus"), "the expiry poll goes straight to the code")

	s.Close()
	waitEnded(t, s)
}

func TestWatch_SnapshotNeverHidesLaterCommit(t *testing.T) {
	racing := &racingStore{}
	f := newFixture(t, fixtureOptions{
		floor:     time.Hour,
		wrapStore: func(s store.InstanceStore) store.InstanceStore { racing.InstanceStore = s; return racing },
	})
	inst := f.seed(t, "acme", lifecycle.StatusDisconnected)

	// Watch reads the instance twice; connect commits between the second
	// read and the snapshot.
	racing.fireAt = 2
	racing.commit = func() {
		_, err := f.svc.Connect(context.Background(), inst.ID)
		assert.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := f.ctrl.Watch(ctx, WatchRequest{InstanceID: inst.ID, Follow: true})
	require.NoError(t, err)

	snap := nextEvent(t, s)
	require.True(t, snap.Data.Snapshot)
	assert.Equal(t, lifecycle.StatusDisconnected, snap.Data.Status)
	assert.Equal(t, uint64(0), snap.Sequence, "stale snapshot must not claim the newer sequence")

	ev := nextEvent(t, s)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, lifecycle.StatusInitializing, ev.Data.Status)

	s.Close()
	waitEnded(t, s)
}

func TestWatch_IdleTimeoutEndsSessions(t *testing.T) {
	f := newFixture(t, fixtureOptions{idle: 50 * time.Millisecond})
	inst := f.seed(t, "acme", lifecycle.StatusDisconnected)
	f.gw.Put("acme", gwclient.StateClose)

	s, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID, Follow: true})
	require.NoError(t, err)

	nextEvent(t, s)
	waitEnded(t, s)
	assert.Eventually(t, func() bool { return f.ctrl.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatch_CloseReleasesEverything(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusDisconnected)
	f.gw.Put("acme", gwclient.StateClose)

	s, err := f.ctrl.Watch(context.Background(), WatchRequest{InstanceID: inst.ID, Follow: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.guard.ActiveSessions("org-1"))

	s.Close()
	waitEnded(t, s)

	assert.Eventually(t, func() bool {
		return f.ctrl.Watchers() == 0 && f.guard.ActiveSessions("org-1") == 0 && f.hub.Subscribers(inst.ID) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRefresh_RapidCallsHonorFloor(t *testing.T) {
	f := newFixture(t, fixtureOptions{floor: 500 * time.Millisecond})
	inst := f.seed(t, "acme", lifecycle.StatusConnected)
	f.gw.Put("acme", gwclient.StateOpen)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.ctrl.Refresh(context.Background(), inst.ID)
			assert.NoError(t, err)
			assert.Equal(t, lifecycle.StatusConnected, got.Status)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, f.gw.Calls("FetchStatus"), 2)
}

func TestRefresh_NotFoundCorrectsDrift(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusConnected)

	got, err := f.ctrl.Refresh(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDisconnected, got.Status)
}

func TestRefresh_GatewayDownServesCachedState(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inst := f.seed(t, "acme", lifecycle.StatusConnected)
	f.gw.Fail("FetchStatus", gwclient.ErrGatewayUnavailable)

	got, err := f.ctrl.Refresh(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusConnected, got.Status)
	assert.Equal(t, 1, f.guard.Failures(inst.ID))

	_, err = f.ctrl.Refresh(context.Background(), "missing")
	require.ErrorIs(t, err, instance.ErrUnknownInstance)
}
