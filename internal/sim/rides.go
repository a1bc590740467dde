package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/observability"
)

var errConflict = errors.New("ride already taken")

func newID() string { return uuid.NewString() }

func userRoom(id string) string { return "user:" + id }
func rideRoom(id string) string { return "ride:" + id }

// createAndMatch creates a ride for a request and offers it to the nearest
// available driver. One active ride per passenger: a second request while
// one is live is rejected outright.
func (s *Server) createAndMatch(req events.RideRequestPayload) {
	if _, exists := s.store.ActiveRideFor(req.PassengerID); exists {
		s.log.Warn("ride request rejected, active ride exists", "passenger_id", req.PassengerID)
		return
	}

	now := time.Now()
	ride := models.Ride{
		ID:               newID(),
		Status:           models.StatusSearching,
		PassengerID:      req.PassengerID,
		Origin:           req.Origin,
		Destination:      req.Destination,
		FareEstimate:     req.Estimate.Fare,
		DurationEstimate: req.Estimate.DurationSeconds,
		DistanceEstimate: req.Estimate.DistanceMeters,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveRide(&ride); err != nil {
		s.log.Error("ride save failed", "error", err)
		return
	}
	s.offerToNearest(ride, nil)
}

// offerToNearest picks the closest available driver not in exclude and
// sends the trip request to their channel. A driver already holding an
// active ride is never a candidate, one ride per driver at a time.
func (s *Server) offerToNearest(ride models.Ride, exclude map[string]bool) {
	cands := s.geo.Nearby(ride.Origin.Lat, ride.Origin.Lon, 8)

	s.mu.Lock()
	var chosen *models.Driver
	for i := range cands {
		if exclude[cands[i].ID] || cands[i].ID == ride.PassengerID {
			continue
		}
		if _, onTrip := s.busy[cands[i].ID]; onTrip {
			continue
		}
		chosen = &cands[i]
		break
	}
	if chosen != nil {
		s.offers[ride.ID] = chosen.ID
	}
	s.mu.Unlock()
	if chosen == nil {
		s.finishNoMatch(ride)
		return
	}

	observability.MatchesTotal.Inc()
	s.hub.SendTo(chosen.ID, events.TripRequest, events.TripRequestPayload{
		RideID:      ride.ID,
		PassengerID: ride.PassengerID,
		Origin:      ride.Origin,
		Destination: ride.Destination,
		Estimate: models.Estimate{
			Fare:            ride.FareEstimate,
			DurationSeconds: ride.DurationEstimate,
			DistanceMeters:  ride.DistanceEstimate,
		},
		Version: ride.Version,
	})
}

func (s *Server) finishNoMatch(ride models.Ride) {
	ride.Status = models.StatusCancelled
	ride.CancelReason = models.CancelNoDriver
	ride.Version++
	ride.UpdatedAt = time.Now()
	_ = s.store.UpdateRide(&ride)
	s.mu.Lock()
	delete(s.offers, ride.ID)
	s.mu.Unlock()
	s.hub.SendTo(ride.PassengerID, events.NoDriverFound, events.RideEventPayload{RideID: ride.ID, Version: ride.Version})
}

// acceptRide is the backend arbitration point: the first valid accept wins,
// everyone else gets a conflict. A driver mid-ride cannot take a second
// one. The fare hold and the fan-out run outside the lock; a slow payment
// call or a stalled socket must not stall unrelated rides.
func (s *Server) acceptRide(rideID, driverID string) (models.Ride, error) {
	s.mu.Lock()
	ride, err := s.store.GetRide(rideID)
	if err != nil {
		s.mu.Unlock()
		return models.Ride{}, err
	}
	if ride.Status != models.StatusSearching {
		s.mu.Unlock()
		return models.Ride{}, errConflict
	}
	if held, onTrip := s.busy[driverID]; onTrip {
		s.mu.Unlock()
		s.log.Warn("accept refused, driver already on a ride",
			"ride_id", rideID, "driver_id", driverID, "active_ride_id", held)
		return models.Ride{}, errConflict
	}

	ride.DriverID = driverID
	ride.Status = models.StatusAccepted
	ride.Version++
	ride.UpdatedAt = time.Now()
	if err := s.store.UpdateRide(&ride); err != nil {
		s.mu.Unlock()
		return models.Ride{}, err
	}
	delete(s.offers, rideID)
	s.busy[driverID] = rideID
	s.mu.Unlock()

	if s.fares != nil {
		if holdID, err := s.fares.Hold(context.Background(), int64(ride.FareEstimate*100), "usd", ride.PassengerID); err == nil {
			s.mu.Lock()
			s.holds[rideID] = holdID
			s.mu.Unlock()
		} else {
			s.log.Warn("fare hold failed", "ride_id", rideID, "error", err)
		}
	}

	accepted := events.RideEventPayload{RideID: ride.ID, DriverID: driverID, Version: ride.Version}
	s.hub.SendTo(ride.PassengerID, events.RideRequestAccepted, accepted)
	s.hub.SendTo(driverID, events.RideRequestAccepted, accepted)
	s.hub.Broadcast(rideRoom(ride.ID), events.RideRequestAccepted, accepted)
	return ride, nil
}

// rejectRide clears the outstanding offer and retries the next nearest
// driver, excluding the one who declined.
func (s *Server) rejectRide(rideID, driverID string) {
	s.mu.Lock()
	offered, ok := s.offers[rideID]
	if ok && offered == driverID {
		delete(s.offers, rideID)
	}
	s.mu.Unlock()
	if !ok || offered != driverID {
		return
	}
	ride, err := s.store.GetRide(rideID)
	if err != nil || ride.Status != models.StatusSearching {
		return
	}
	s.offerToNearest(ride, map[string]bool{driverID: true})
}

// cancelByPassenger handles cancelRideRequest. Idempotent: cancelling a
// terminal ride is a no-op.
func (s *Server) cancelByPassenger(rideID, passengerID string) {
	if rideID == "" {
		active, ok := s.store.ActiveRideFor(passengerID)
		if !ok {
			return
		}
		rideID = active.ID
	}

	s.mu.Lock()
	ride, err := s.store.GetRide(rideID)
	if err != nil || ride.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	offeredDriver := s.offers[rideID]
	delete(s.offers, rideID)

	ride.Status = models.StatusCancelled
	ride.CancelReason = models.CancelPassenger
	ride.Version++
	ride.UpdatedAt = time.Now()
	_ = s.store.UpdateRide(&ride)
	if ride.DriverID != "" {
		delete(s.busy, ride.DriverID)
	}
	holdID := s.holds[rideID]
	delete(s.holds, rideID)
	s.mu.Unlock()

	if holdID != "" && s.fares != nil {
		if err := s.fares.Release(context.Background(), holdID); err != nil {
			s.log.Warn("fare release failed", "ride_id", rideID, "error", err)
		}
	}

	payload := events.RideEventPayload{RideID: rideID, Version: ride.Version}
	if offeredDriver != "" {
		// Offer still pending: the driver's prompt must clear even though
		// they never responded.
		s.hub.SendTo(offeredDriver, events.TripRequestCancelled, payload)
	}
	if ride.DriverID != "" {
		s.hub.SendTo(ride.DriverID, events.RideCancelledByPassenger, payload)
	}
	s.hub.Broadcast(rideRoom(rideID), events.RideCancelledByPassenger, payload)
	s.hub.SendTo(ride.PassengerID, events.RideCancelledByPassenger, payload)
}

// updateStatus applies a driver-initiated status change and broadcasts the
// committed result.
func (s *Server) updateStatus(rideID, actorID, rawStatus string) (models.Ride, error) {
	status, ok := models.CanonicalStatus(rawStatus)
	if !ok {
		return models.Ride{}, fmt.Errorf("unknown status %q", rawStatus)
	}

	s.mu.Lock()
	ride, err := s.store.GetRide(rideID)
	if err != nil {
		s.mu.Unlock()
		return models.Ride{}, err
	}
	if ride.DriverID != actorID {
		s.mu.Unlock()
		return models.Ride{}, fmt.Errorf("not the assigned driver")
	}
	if ride.Status.Terminal() {
		s.mu.Unlock()
		return models.Ride{}, errConflict
	}
	if !statusChangeAllowed(ride.Status, status) {
		s.mu.Unlock()
		return models.Ride{}, fmt.Errorf("cannot go from %s to %s", ride.Status, status)
	}

	ride.Status = status
	if status == models.StatusCancelled {
		ride.CancelReason = models.CancelDriver
	}
	ride.Version++
	ride.UpdatedAt = time.Now()
	if err := s.store.UpdateRide(&ride); err != nil {
		s.mu.Unlock()
		return models.Ride{}, err
	}
	holdID := s.holds[rideID]
	if status.Terminal() {
		delete(s.holds, rideID)
		delete(s.busy, ride.DriverID)
	}
	s.mu.Unlock()

	if holdID != "" && s.fares != nil {
		switch status {
		case models.StatusCompleted:
			if err := s.fares.Capture(context.Background(), holdID); err != nil {
				s.log.Warn("fare capture failed", "ride_id", rideID, "error", err)
			}
		case models.StatusCancelled:
			if err := s.fares.Release(context.Background(), holdID); err != nil {
				s.log.Warn("fare release failed", "ride_id", rideID, "error", err)
			}
		}
	}

	if status == models.StatusCancelled {
		payload := events.RideEventPayload{RideID: rideID, DriverID: actorID, Version: ride.Version}
		s.hub.SendTo(ride.PassengerID, events.RideCancelledByDriver, payload)
		s.hub.Broadcast(rideRoom(rideID), events.RideCancelledByDriver, payload)
	} else {
		payload := events.StatusPayload{RideID: rideID, DriverID: ride.DriverID, Status: string(status), Version: ride.Version}
		s.hub.SendTo(ride.PassengerID, events.RideStatusUpdated, payload)
		s.hub.Broadcast(rideRoom(rideID), events.RideStatusUpdated, payload)
	}
	return ride, nil
}

// statusChangeAllowed is the backend's view of legal driver-initiated
// moves; the client machine enforces the richer table.
func statusChangeAllowed(from, to models.Status) bool {
	switch to {
	case models.StatusPickedUp:
		return from == models.StatusAccepted
	case models.StatusInProgress:
		return from == models.StatusAccepted || from == models.StatusPickedUp
	case models.StatusCompleted:
		return from == models.StatusInProgress
	case models.StatusCancelled:
		return !from.Terminal()
	default:
		return false
	}
}

func (s *Server) setAvailability(driverID string, available bool) {
	s.mu.Lock()
	was := s.availability[driverID]
	s.availability[driverID] = available
	loc := s.lastLoc[driverID]
	s.mu.Unlock()

	if available {
		s.geo.Upsert(models.Driver{ID: driverID, Loc: loc, Available: true})
		if !was {
			observability.DriversOnline.Inc()
		}
		return
	}
	s.geo.Remove(driverID)
	if was {
		observability.DriversOnline.Dec()
	}
}

// onDriverLocation ingests a driver fix: update the geo index, mirror to
// kafka when configured, and fan out to the ride's passengers.
func (s *Server) onDriverLocation(p events.LocationPayload) {
	s.mu.Lock()
	s.lastLoc[p.DriverID] = p.Fix.Coord
	available := s.availability[p.DriverID]
	s.mu.Unlock()

	if available {
		s.geo.Upsert(models.Driver{ID: p.DriverID, Loc: p.Fix.Coord, Available: true})
	}
	if s.mirror != nil {
		if err := s.mirror.Publish(p); err != nil {
			s.log.Warn("kafka mirror failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if p.RideID != "" {
		ride, err := s.store.GetRide(p.RideID)
		if err != nil || ride.Status.Terminal() {
			return
		}
		s.hub.Broadcast(rideRoom(p.RideID), events.DriverLocationForRide, p)
		s.hub.SendTo(ride.PassengerID, events.DriverLocationForRide, p)
	}
}
