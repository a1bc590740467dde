package sim

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ridesync/internal/dispatchcoord"
	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/rest"
	"github.com/example/ridesync/internal/ridestate"
	"github.com/example/ridesync/internal/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestFullRideLifecycle drives the real client stack end to end against the
// in-process backend: driver goes online, passenger requests, driver
// accepts, the trip runs to completion, and both sides converge.
func TestFullRideLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	mgr := transport.NewManager(transport.Options{
		WSURL:            wsURL,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
		MaxAttempts:      5,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}, discardLogger())
	ctx := context.Background()
	log := discardLogger()

	// Driver side.
	driverSess, err := mgr.Connect(ctx, mustToken(t, "d1", "driver"))
	if err != nil {
		t.Fatalf("driver connect: %v", err)
	}
	t.Cleanup(driverSess.Disconnect)
	driverRest := rest.NewClient(httpSrv.URL, mustToken(t, "d1", "driver"))
	driverFetch := &rest.SnapshotFetcher{Client: driverRest, Retries: 3, Delay: 10 * time.Millisecond, Log: log}
	driverTracker := ridestate.NewTracker(driverSess, driverFetch, log)
	driverTracker.Start()
	t.Cleanup(driverTracker.Close)

	drv := dispatchcoord.NewDriver(driverSess, driverTracker, "d1", 0, true, log)
	drv.Start()
	t.Cleanup(drv.Close)
	drv.OnOffer(func(o *dispatchcoord.Offer) {
		if o == nil {
			return
		}
		if err := drv.Accept(ctx); err != nil {
			t.Errorf("accept: %v", err)
		}
	})

	if err := driverRest.SetAvailability(ctx, "d1", true); err != nil {
		t.Fatalf("availability: %v", err)
	}
	if err := driverSess.Publish(events.DriverLocationUpdate, events.LocationPayload{
		DriverID: "d1",
		Fix:      models.DriverFix{Coord: models.Coord{Lat: 10.001, Lon: 10}, Seq: 1},
	}); err != nil {
		t.Fatalf("location publish: %v", err)
	}
	waitFor(t, "driver in geo index", func() bool {
		near := s.geo.Nearby(10, 10, 1)
		return len(near) == 1 && near[0].Loc.Lat == 10.001
	})

	// Passenger side.
	paxSess, err := mgr.Connect(ctx, mustToken(t, "p1", "passenger"))
	if err != nil {
		t.Fatalf("passenger connect: %v", err)
	}
	t.Cleanup(paxSess.Disconnect)
	paxRest := rest.NewClient(httpSrv.URL, mustToken(t, "p1", "passenger"))
	paxFetch := &rest.SnapshotFetcher{Client: paxRest, Retries: 3, Delay: 10 * time.Millisecond, Log: log}
	paxTracker := ridestate.NewTracker(paxSess, paxFetch, log)
	paxTracker.Start()
	t.Cleanup(paxTracker.Close)

	var mu sync.Mutex
	var effects []ridestate.Effect
	paxTracker.OnChange(func(_ ridestate.View, fx []ridestate.Effect) {
		mu.Lock()
		effects = append(effects, fx...)
		mu.Unlock()
	})

	pax := dispatchcoord.NewPassenger(paxSess, paxRest, paxTracker, "p1", 0, log)
	pax.Start()
	t.Cleanup(pax.Close)

	pax.OpenPanel()
	if _, err := pax.SetRoute(ctx, models.Coord{Lat: 10, Lon: 10}, models.Coord{Lat: 10.1, Lon: 10}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if err := pax.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}

	// The driver auto-accepts; both sides converge on accepted.
	waitFor(t, "passenger sees acceptance", func() bool { return pax.ActiveRide() != "" })
	rideID := pax.ActiveRide()
	waitFor(t, "passenger view accepted", func() bool {
		v, ok := paxTracker.ViewOf(rideID)
		return ok && v.State == ridestate.StateAccepted && v.DriverID == "d1"
	})
	waitFor(t, "driver tracks the ride", func() bool {
		ids := driverTracker.ActiveRides()
		return len(ids) == 1 && ids[0] == rideID
	})

	// A tagged fix reaches the passenger's view.
	if err := driverSess.Publish(events.DriverLocationUpdate, events.LocationPayload{
		RideID:   rideID,
		DriverID: "d1",
		Fix:      models.DriverFix{Coord: models.Coord{Lat: 10.002, Lon: 10}, Seq: 2},
	}); err != nil {
		t.Fatalf("location publish: %v", err)
	}
	waitFor(t, "passenger sees driver location", func() bool {
		v, _ := paxTracker.ViewOf(rideID)
		return v.Location != nil && v.Location.Seq == 2
	})

	// Driver walks the ride to completion over REST.
	for _, st := range []models.Status{models.StatusPickedUp, models.StatusInProgress, models.StatusCompleted} {
		if _, err := driverRest.UpdateRideStatus(ctx, rideID, st, 0); err != nil {
			t.Fatalf("UpdateRideStatus(%s): %v", st, err)
		}
	}

	waitFor(t, "passenger view completed", func() bool {
		v, _ := paxTracker.ViewOf(rideID)
		return v.State == ridestate.StateCompleted
	})
	if ids := paxTracker.ActiveRides(); len(ids) != 0 {
		t.Fatalf("active rides = %v, want none after completion", ids)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawSummary bool
	for _, e := range effects {
		if e.Kind == ridestate.EffectNavigate && e.Target == ridestate.ScreenSummary {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatal("completion never navigated to the ride summary")
	}
}

// TestPassengerCancelMidSearch covers the cancel race: the offer is pending
// at a driver when the passenger gives up.
func TestPassengerCancelMidSearch(t *testing.T) {
	s, st := newTestServer(t)
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	mgr := transport.NewManager(transport.Options{
		WSURL:            wsURL,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}, discardLogger())
	ctx := context.Background()
	log := discardLogger()

	// The driver connects but never answers the offer.
	driverSess, err := mgr.Connect(ctx, mustToken(t, "d1", "driver"))
	if err != nil {
		t.Fatalf("driver connect: %v", err)
	}
	t.Cleanup(driverSess.Disconnect)
	offerCleared := make(chan struct{}, 4)
	idleDriver := dispatchcoord.NewDriver(driverSess, nil, "d1", 0, false, log)
	idleDriver.Start()
	t.Cleanup(idleDriver.Close)
	idleDriver.OnOffer(func(o *dispatchcoord.Offer) {
		if o == nil {
			offerCleared <- struct{}{}
		}
	})

	driverRest := rest.NewClient(httpSrv.URL, mustToken(t, "d1", "driver"))
	if err := driverRest.SetAvailability(ctx, "d1", true); err != nil {
		t.Fatalf("availability: %v", err)
	}
	if err := driverSess.Publish(events.DriverLocationUpdate, events.LocationPayload{
		DriverID: "d1",
		Fix:      models.DriverFix{Coord: models.Coord{Lat: 10.001, Lon: 10}, Seq: 1},
	}); err != nil {
		t.Fatalf("location publish: %v", err)
	}
	waitFor(t, "driver in geo index", func() bool { return len(s.geo.Nearby(10, 10, 1)) == 1 })

	paxSess, err := mgr.Connect(ctx, mustToken(t, "p1", "passenger"))
	if err != nil {
		t.Fatalf("passenger connect: %v", err)
	}
	t.Cleanup(paxSess.Disconnect)
	paxRest := rest.NewClient(httpSrv.URL, mustToken(t, "p1", "passenger"))
	paxFetch := &rest.SnapshotFetcher{Client: paxRest, Retries: 3, Delay: 10 * time.Millisecond, Log: log}
	paxTracker := ridestate.NewTracker(paxSess, paxFetch, log)
	paxTracker.Start()
	t.Cleanup(paxTracker.Close)
	pax := dispatchcoord.NewPassenger(paxSess, paxRest, paxTracker, "p1", 0, log)
	pax.Start()
	t.Cleanup(pax.Close)

	pax.OpenPanel()
	if _, err := pax.SetRoute(ctx, models.Coord{Lat: 10, Lon: 10}, models.Coord{Lat: 10.1, Lon: 10}); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	if err := pax.RequestRide(); err != nil {
		t.Fatalf("RequestRide: %v", err)
	}

	waitFor(t, "offer reaches the driver", func() bool { return idleDriver.Pending() != nil })
	if err := pax.CancelRideRequest(); err != nil {
		t.Fatalf("CancelRideRequest: %v", err)
	}

	// The driver's prompt clears even though they never responded.
	select {
	case <-offerCleared:
	case <-time.After(5 * time.Second):
		t.Fatal("driver prompt never cleared after passenger cancel")
	}
	waitFor(t, "ride cancelled server-side", func() bool {
		ride, err := st.GetRide(st.lastSaved())
		return err == nil && ride.Status == models.StatusCancelled && ride.CancelReason == models.CancelPassenger
	})
}
