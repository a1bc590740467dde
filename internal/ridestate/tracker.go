package ridestate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/rest"
)

// Bus is the slice of the transport session the tracker needs. Handlers are
// invoked sequentially in arrival order, so applies never interleave.
type Bus interface {
	Subscribe(name events.Name, h func(payload any)) (cancel func())
	OnResumed(h func()) (cancel func())
	Publish(name events.Name, payload any) error
}

// Fetcher pulls an authoritative ride snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, rideID string) (models.Ride, error)
}

// ChangeListener observes published views and the effects of the transition
// that produced them.
type ChangeListener func(View, []Effect)

// Tracker owns one Machine per ride id. Each ride's state is owned
// exclusively here; everything else reads immutable Views. A single mutex
// serializes all applies, which together with the bus's in-order dispatch
// gives the run-to-completion model the machine expects.
type Tracker struct {
	bus     Bus
	fetcher Fetcher
	log     *slog.Logger

	mu        sync.Mutex
	machines  map[string]*Machine
	pending   *Machine        // passenger request in flight, ride id not yet known
	rejoin    map[string]bool // ride ids whose room join never reached the backend
	listeners []ChangeListener
	cancels   []func()
}

func NewTracker(bus Bus, fetcher Fetcher, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		bus:      bus,
		fetcher:  fetcher,
		log:      log,
		machines: make(map[string]*Machine),
		rejoin:   make(map[string]bool),
	}
}

// Start registers the persistent subscriptions. They are keyed by event
// name and live until Close; they are not recreated on state changes.
func (t *Tracker) Start() {
	sub := func(name events.Name, h func(payload any)) {
		t.cancels = append(t.cancels, t.bus.Subscribe(name, h))
	}
	sub(events.RideRequestAccepted, func(p any) { t.onRideEvent(EvMatchFound, p) })
	sub(events.NoDriverFound, func(p any) { t.onRideEvent(EvNoMatch, p) })
	sub(events.RideCancelledByDriver, func(p any) { t.onRideEvent(EvCancelledByDriver, p) })
	sub(events.RideCancelledByPassenger, func(p any) { t.onRideEvent(EvCancelledByPassenger, p) })
	sub(events.RideStatusUpdated, t.onStatusUpdated)
	sub(events.DriverLocationForRide, t.onLocation)
	sub(events.DriverLocationBroadcast, t.onLocation)
	t.cancels = append(t.cancels, t.bus.OnResumed(func() {
		// The session re-joins rooms itself, but only the ones whose join
		// it saw; joins that failed while disconnected are retried here.
		// What neither can repair is the events missed while disconnected,
		// so refetch snapshots as well.
		t.retryJoins()
		t.Repair(context.Background())
	}))
}

func (t *Tracker) Close() {
	t.mu.Lock()
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (t *Tracker) OnChange(l ChangeListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// BeginRequest starts tracking a passenger ride whose id the backend has
// not assigned yet. The machine binds to the real id on the first push
// event that references it.
func (t *Tracker) BeginRequest() View {
	t.mu.Lock()
	m := NewMachine("", t.log)
	effects := m.Apply(Event{Kind: EvRequestSubmitted})
	t.pending = m
	v := m.View()
	listeners := t.listeners
	t.mu.Unlock()
	notify(listeners, v, effects)
	return v
}

// Track starts tracking a known ride id (driver side, or a passenger
// re-opening the app mid-ride) and bootstraps state from a snapshot.
func (t *Tracker) Track(ctx context.Context, rideID string) (View, error) {
	t.mu.Lock()
	if _, ok := t.machines[rideID]; !ok {
		t.machines[rideID] = NewMachine(rideID, t.log)
		t.joinRoomLocked(rideID)
	}
	t.mu.Unlock()
	return t.Refresh(ctx, rideID)
}

// Refresh re-fetches the authoritative snapshot for one tracked ride and
// folds it in. NotFound drives the machine to its terminal unknown outcome.
func (t *Tracker) Refresh(ctx context.Context, rideID string) (View, error) {
	snap, err := t.fetcher.Fetch(ctx, rideID)
	if err != nil {
		if errors.Is(err, rest.ErrRideNotFound) {
			t.apply(rideID, Event{Kind: EvRideGone})
		}
		v, _ := t.ViewOf(rideID)
		return v, err
	}
	return t.apply(rideID, Event{Kind: EvSnapshotFetched, Snapshot: &snap}), nil
}

// Fold hands a client-local event (requestSubmitted is handled by
// BeginRequest; this is for cancellations and driver status changes) to the
// ride's machine.
func (t *Tracker) Fold(rideID string, ev Event) View {
	return t.apply(rideID, ev)
}

// ViewOf returns the published snapshot for a ride, if tracked.
func (t *Tracker) ViewOf(rideID string) (View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.machines[rideID]; ok {
		return m.View(), true
	}
	if t.pending != nil && rideID == "" {
		return t.pending.View(), true
	}
	return View{}, false
}

// ActiveRides is the set of ride ids still considered non-terminal. This is
// exactly the set whose interest must be re-established after a reconnect.
func (t *Tracker) ActiveRides() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.machines))
	for id, m := range t.machines {
		if !m.State().Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// Resubscribe re-joins the ride room of every non-terminal ride, once each.
// Used when tracking moves to a freshly-created session; for a reconnect of
// the same session the room set is re-issued by the session itself.
func (t *Tracker) Resubscribe() {
	for _, id := range t.ActiveRides() {
		t.mu.Lock()
		t.joinRoomLocked(id)
		t.mu.Unlock()
	}
}

// joinRoomLocked publishes interest in a ride's room. A join that never
// reached the backend also never entered the session's rejoin set, so the
// failure is remembered and retried after the next resume.
func (t *Tracker) joinRoomLocked(rideID string) {
	if err := t.bus.Publish(events.JoinRoom, events.RoomPayload{Room: rideRoom(rideID)}); err != nil {
		t.log.Warn("room join failed, retrying on resume", "ride_id", rideID, "error", err)
		t.rejoin[rideID] = true
		return
	}
	delete(t.rejoin, rideID)
}

func (t *Tracker) retryJoins() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.rejoin))
	for id := range t.rejoin {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.mu.Lock()
		t.joinRoomLocked(id)
		t.mu.Unlock()
	}
}

// Repair refetches a snapshot for every non-terminal ride.
func (t *Tracker) Repair(ctx context.Context) {
	for _, id := range t.ActiveRides() {
		if _, err := t.Refresh(ctx, id); err != nil {
			t.log.Warn("snapshot repair failed", "ride_id", id, "error", err)
		}
	}
}

func (t *Tracker) apply(rideID string, ev Event) View {
	t.mu.Lock()
	m := t.resolveLocked(rideID, ev.Kind)
	if m == nil {
		t.mu.Unlock()
		t.log.Debug("event for untracked ride dropped", "ride_id", rideID, "event", ev.Kind.String())
		return View{}
	}
	effects := m.Apply(ev)
	v := m.View()
	listeners := t.listeners
	t.mu.Unlock()

	notify(listeners, v, effects)
	for _, e := range effects {
		if e.Kind == EffectUnsubscribe {
			t.mu.Lock()
			delete(t.rejoin, e.RideID)
			t.mu.Unlock()
			_ = t.bus.Publish(events.LeaveRoom, events.RoomPayload{Room: rideRoom(e.RideID)})
		}
	}
	return v
}

// resolveLocked finds the machine for a ride id, binding the pending
// passenger machine when its backend-assigned id first shows up.
func (t *Tracker) resolveLocked(rideID string, kind EventKind) *Machine {
	if rideID == "" {
		return t.pending
	}
	if m, ok := t.machines[rideID]; ok {
		return m
	}
	if t.pending != nil && bindableEvent(kind) {
		m := t.pending
		m.bind(rideID)
		t.pending = nil
		t.machines[rideID] = m
		t.joinRoomLocked(rideID)
		return m
	}
	return nil
}

// bindableEvent lists the first events a searching passenger can see for
// its not-yet-identified ride.
func bindableEvent(kind EventKind) bool {
	switch kind {
	case EvMatchFound, EvNoMatch, EvCancelledByPassenger, EvSnapshotFetched:
		return true
	}
	return false
}

func notify(listeners []ChangeListener, v View, effects []Effect) {
	for _, l := range listeners {
		l(v, effects)
	}
}

func (t *Tracker) onRideEvent(kind EventKind, payload any) {
	p, ok := payload.(events.RideEventPayload)
	if !ok {
		return
	}
	t.apply(p.RideID, Event{Kind: kind, DriverID: p.DriverID, Version: p.Version})
}

func (t *Tracker) onStatusUpdated(payload any) {
	p, ok := payload.(events.StatusPayload)
	if !ok {
		return
	}
	status, ok := p.Canonical()
	if !ok {
		// Decode validates this already; belt for handlers fed directly.
		return
	}
	kind, ok := eventForStatus(status)
	if !ok {
		return
	}
	t.apply(p.RideID, Event{Kind: kind, DriverID: p.DriverID, Version: p.Version})
}

func (t *Tracker) onLocation(payload any) {
	p, ok := payload.(events.LocationPayload)
	if !ok || p.RideID == "" {
		return
	}
	fix := p.Fix
	t.apply(p.RideID, Event{Kind: EvLocationUpdate, Fix: &fix})
}

// eventForStatus translates an authoritative status broadcast into the
// machine input that reaches it. Cancellations via status updates originate
// from the driver; passenger cancellations arrive on their own event.
func eventForStatus(status models.Status) (EventKind, bool) {
	switch status {
	case models.StatusAccepted:
		return EvMatchFound, true
	case models.StatusPickedUp:
		return EvPickupConfirmed, true
	case models.StatusInProgress:
		return EvTripStarted, true
	case models.StatusCompleted:
		return EvTripCompleted, true
	case models.StatusCancelled:
		return EvCancelledByDriver, true
	default:
		return 0, false
	}
}

func rideRoom(rideID string) string { return "ride:" + rideID }
