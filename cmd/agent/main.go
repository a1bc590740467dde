// Command agent runs a scripted passenger and driver pair against a
// running simulator, exercising the full engine: session handshake,
// availability, matching, acceptance, status progression, and completion.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/example/ridesync/internal/config"
	"github.com/example/ridesync/internal/dispatchcoord"
	"github.com/example/ridesync/internal/logging"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/publisher"
	"github.com/example/ridesync/internal/rest"
	"github.com/example/ridesync/internal/ridestate"
	"github.com/example/ridesync/internal/transport"
)

type tickSource struct {
	start models.Coord
}

func (t *tickSource) Subscribe() (<-chan models.Coord, func(), error) {
	ch := make(chan models.Coord)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		c := t.start
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.Lat += 0.0005
				select {
				case ch <- c:
				case <-done:
					return
				}
			}
		}
	}()
	var once bool
	return ch, func() {
		if !once {
			once = true
			close(done)
		}
	}, nil
}

func mintToken(base, identity, role string) (string, error) {
	body, _ := json.Marshal(map[string]string{"identity": identity, "role": role})
	resp, err := http.Post(base+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token mint: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func main() {
	flag.Parse()
	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewTextLogger(cfg.LogLevel)
	ctx := context.Background()

	passengerTok, err := mintToken(cfg.APIBaseURL, "p-demo", "passenger")
	if err != nil {
		log.Fatalf("passenger token: %v", err)
	}
	driverTok, err := mintToken(cfg.APIBaseURL, "d-demo", "driver")
	if err != nil {
		log.Fatalf("driver token: %v", err)
	}

	mgr := transport.NewManager(transport.Options{
		WSURL:            cfg.WSURL,
		InitialBackoff:   cfg.ReconnectInitialBackoff,
		MaxBackoff:       cfg.ReconnectMaxBackoff,
		MaxAttempts:      cfg.ReconnectMaxAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	}, logger)

	// Driver side.
	driverSess, err := mgr.Connect(ctx, driverTok)
	if err != nil {
		log.Fatalf("driver connect: %v", err)
	}
	driverRest := rest.NewClient(cfg.APIBaseURL, driverTok)
	driverFetch := &rest.SnapshotFetcher{Client: driverRest, Retries: cfg.SnapshotRetries, Delay: cfg.SnapshotRetryDelay, Log: logger}
	driverTracker := ridestate.NewTracker(driverSess, driverFetch, logging.Component(logger, "driver-tracker"))
	driverTracker.Start()
	pub := publisher.New(driverSess, driverRest, &tickSource{start: models.Coord{Lat: 51.50, Lon: -0.12}},
		"d-demo", cfg.LocationInterval, cfg.LocationMinDisplacement, logging.Component(logger, "publisher"))
	drv := dispatchcoord.NewDriver(driverSess, driverTracker, "d-demo", cfg.OfferTimeout, cfg.PublishDriverReject, logging.Component(logger, "driver"))
	drv.Start()
	drv.OnOffer(func(o *dispatchcoord.Offer) {
		if o == nil {
			return
		}
		logger.Info("offer received, accepting", "ride_id", o.RideID)
		if err := drv.Accept(ctx); err != nil {
			logger.Error("accept failed", "error", err)
		}
		pub.SetActiveRide(o.RideID)
	})
	if err := pub.SetAvailability(ctx, true); err != nil {
		log.Fatalf("availability: %v", err)
	}

	// Passenger side.
	paxSess, err := mgr.Connect(ctx, passengerTok)
	if err != nil {
		log.Fatalf("passenger connect: %v", err)
	}
	paxRest := rest.NewClient(cfg.APIBaseURL, passengerTok)
	paxFetch := &rest.SnapshotFetcher{Client: paxRest, Retries: cfg.SnapshotRetries, Delay: cfg.SnapshotRetryDelay, Log: logger}
	paxTracker := ridestate.NewTracker(paxSess, paxFetch, logging.Component(logger, "passenger-tracker"))
	paxTracker.Start()
	pax := dispatchcoord.NewPassenger(paxSess, paxRest, paxTracker, "p-demo", cfg.SearchTimeout, logging.Component(logger, "passenger"))
	pax.Start()

	done := make(chan struct{})
	paxTracker.OnChange(func(v ridestate.View, effects []ridestate.Effect) {
		logger.Info("passenger ride state", "ride_id", v.RideID, "state", v.State.String())
		for _, e := range effects {
			logger.Info("effect", "kind", e.Kind, "target", e.Target)
		}
		if v.State == ridestate.StateCompleted {
			close(done)
		}
	})

	// Wait for the driver's first location fix to land in the geo index.
	time.Sleep(2 * time.Second)

	pax.OpenPanel()
	est, err := pax.SetRoute(ctx, models.Coord{Lat: 51.50, Lon: -0.12}, models.Coord{Lat: 51.52, Lon: -0.10})
	if err != nil {
		log.Fatalf("estimate: %v", err)
	}
	logger.Info("estimate", "fare", est.Fare, "duration_s", est.DurationSeconds)
	if err := pax.RequestRide(); err != nil {
		log.Fatalf("request: %v", err)
	}

	// Driver walks the ride through its lifecycle once accepted.
	go func() {
		var rideID string
		for rideID == "" {
			time.Sleep(500 * time.Millisecond)
			ids := driverTracker.ActiveRides()
			if len(ids) > 0 {
				rideID = ids[0]
			}
		}
		for _, st := range []models.Status{models.StatusPickedUp, models.StatusInProgress, models.StatusCompleted} {
			time.Sleep(2 * time.Second)
			if _, err := driverRest.UpdateRideStatus(ctx, rideID, st, 0); err != nil {
				logger.Error("status update failed", "status", st, "error", err)
				return
			}
			logger.Info("driver advanced ride", "ride_id", rideID, "status", st)
		}
	}()

	select {
	case <-done:
		logger.Info("ride completed, demo finished")
	case <-time.After(60 * time.Second):
		logger.Error("demo timed out")
	}

	_ = pub.SetAvailability(ctx, false)
	driverSess.Disconnect()
	paxSess.Disconnect()
}
