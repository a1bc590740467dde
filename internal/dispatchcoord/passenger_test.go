package dispatchcoord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/rest"
	"github.com/example/ridesync/internal/ridestate"
)

// coordBus fakes the transport session for both coordinators and the
// tracker they fold through.
type coordBus struct {
	mu        sync.Mutex
	handlers  map[events.Name][]func(any)
	published []busFrame
	pubErr    error
}

type busFrame struct {
	name    events.Name
	payload any
}

func newCoordBus() *coordBus {
	return &coordBus{handlers: make(map[events.Name][]func(any))}
}

func (b *coordBus) Subscribe(name events.Name, h func(any)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
	return func() {}
}

func (b *coordBus) OnResumed(h func()) func() { return func() {} }

func (b *coordBus) Publish(name events.Name, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, busFrame{name, payload})
	return nil
}

func (b *coordBus) emit(name events.Name, payload any) {
	b.mu.Lock()
	hs := append([]func(any){}, b.handlers[name]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

func (b *coordBus) setPubErr(err error) {
	b.mu.Lock()
	b.pubErr = err
	b.mu.Unlock()
}

func (b *coordBus) framesOf(name events.Name) []busFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busFrame
	for _, f := range b.published {
		if f.name == name {
			out = append(out, f)
		}
	}
	return out
}

// trackFetcher serves canned snapshots to the tracker.
type trackFetcher struct {
	mu    sync.Mutex
	rides map[string]models.Ride
}

func (f *trackFetcher) Fetch(_ context.Context, rideID string) (models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rides[rideID]; ok {
		return r, nil
	}
	return models.Ride{}, rest.ErrRideNotFound
}

func estimateREST(t *testing.T, est models.Estimate) *rest.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rides/estimate" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(est)
	}))
	t.Cleanup(srv.Close)
	return rest.NewClient(srv.URL, "tok")
}

func newTestPassenger(t *testing.T, bus *coordBus) (*Passenger, *ridestate.Tracker) {
	t.Helper()
	tracker := ridestate.NewTracker(bus, &trackFetcher{rides: map[string]models.Ride{}}, nil)
	tracker.Start()
	t.Cleanup(tracker.Close)
	restc := estimateREST(t, models.Estimate{Fare: 12.5, DurationSeconds: 600, DistanceMeters: 4000})
	p := NewPassenger(bus, restc, tracker, "p1", 0, nil)
	p.Start()
	t.Cleanup(p.Close)
	return p, tracker
}

func TestPassenger_RequestRequiresEstimate(t *testing.T) {
	p, _ := newTestPassenger(t, newCoordBus())

	p.OpenPanel()
	if err := p.RequestRide(); !errors.Is(err, ErrNoEstimate) {
		t.Fatalf("err = %v, want ErrNoEstimate", err)
	}
}

func TestPassenger_RequestFlow(t *testing.T) {
	bus := newCoordBus()
	p, tracker := newTestPassenger(t, bus)

	p.OpenPanel()
	est, err := p.SetRoute(context.Background(), models.Coord{Lat: 1}, models.Coord{Lat: 2})
	if err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if est.Fare != 12.5 {
		t.Fatalf("estimate = %+v", est)
	}
	if p.State() != PassengerEstimateReady {
		t.Fatalf("state = %s, want estimate_ready", p.State())
	}

	if err := p.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}
	if p.State() != PassengerRequesting {
		t.Fatalf("state = %s, want requesting", p.State())
	}

	reqs := bus.framesOf(events.RequestRide)
	if len(reqs) != 1 {
		t.Fatalf("requestRide frames = %d, want 1", len(reqs))
	}
	payload := reqs[0].payload.(events.RideRequestPayload)
	if payload.PassengerID != "p1" || payload.Estimate.Fare != 12.5 {
		t.Fatalf("payload = %+v", payload)
	}

	// The pending ride is searching until the backend names it.
	if v, ok := tracker.ViewOf(""); !ok || v.State != ridestate.StateSearching {
		t.Fatalf("pending view = %+v ok=%v, want searching", v, ok)
	}
}

func TestPassenger_AcceptedSettlesRequest(t *testing.T) {
	bus := newCoordBus()
	p, tracker := newTestPassenger(t, bus)

	p.OpenPanel()
	if _, err := p.SetRoute(context.Background(), models.Coord{Lat: 1}, models.Coord{Lat: 2}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if err := p.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}

	bus.emit(events.RideRequestAccepted, events.RideEventPayload{RideID: "r1", DriverID: "d1", Version: 2})

	if got := p.ActiveRide(); got != "r1" {
		t.Fatalf("active ride = %q, want r1", got)
	}
	if p.State() != PassengerNotRequesting {
		t.Fatalf("state = %s, want not_requesting", p.State())
	}
	if v, ok := tracker.ViewOf("r1"); !ok || v.State != ridestate.StateAccepted {
		t.Fatalf("tracked view = %+v ok=%v, want accepted", v, ok)
	}
}

func TestPassenger_NoDriverReopensPanel(t *testing.T) {
	bus := newCoordBus()
	p, _ := newTestPassenger(t, bus)

	p.OpenPanel()
	if _, err := p.SetRoute(context.Background(), models.Coord{Lat: 1}, models.Coord{Lat: 2}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if err := p.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}

	bus.emit(events.NoDriverFound, events.RideEventPayload{RideID: "r1", Version: 2})

	if p.State() != PassengerPanelOpen {
		t.Fatalf("state = %s, want panel_open for a re-search", p.State())
	}
	// The cleared panel demands a fresh estimate before re-requesting.
	if err := p.RequestRide(); !errors.Is(err, ErrNoEstimate) {
		t.Fatalf("err = %v, want ErrNoEstimate", err)
	}
}

func TestPassenger_CancelIsIdempotent(t *testing.T) {
	bus := newCoordBus()
	p, _ := newTestPassenger(t, bus)

	p.OpenPanel()
	if _, err := p.SetRoute(context.Background(), models.Coord{Lat: 1}, models.Coord{Lat: 2}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if err := p.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}

	if err := p.CancelRideRequest(); err != nil {
		t.Fatalf("CancelRideRequest: %v", err)
	}
	// A double tap.
	if err := p.CancelRideRequest(); err != nil {
		t.Fatalf("second CancelRideRequest: %v", err)
	}

	if got := len(bus.framesOf(events.CancelRideRequest)); got != 1 {
		t.Fatalf("cancel frames = %d, want exactly 1", got)
	}
}

func TestPassenger_CancelWithoutRequest(t *testing.T) {
	p, _ := newTestPassenger(t, newCoordBus())

	if err := p.CancelRideRequest(); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}

func TestPassenger_SearchTimeoutReopensPanel(t *testing.T) {
	bus := newCoordBus()
	tracker := ridestate.NewTracker(bus, &trackFetcher{rides: map[string]models.Ride{}}, nil)
	tracker.Start()
	t.Cleanup(tracker.Close)
	restc := estimateREST(t, models.Estimate{Fare: 5})
	p := NewPassenger(bus, restc, tracker, "p1", 30*time.Millisecond, nil)
	p.Start()
	t.Cleanup(p.Close)

	p.OpenPanel()
	if _, err := p.SetRoute(context.Background(), models.Coord{Lat: 1}, models.Coord{Lat: 2}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if err := p.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for p.State() != PassengerPanelOpen {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, search timeout never fired", p.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
