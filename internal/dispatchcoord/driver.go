package dispatchcoord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/ridestate"
)

// Offer is a pending match offer shown to the driver. Only one is displayed
// at a time; the backend's newest live offer wins.
type Offer struct {
	RideID      string
	PassengerID string
	Origin      models.Coord
	Destination models.Coord
	Estimate    models.Estimate
	ReceivedAt  time.Time
}

// OfferListener receives the offer to prompt for, or nil to clear the
// prompt.
type OfferListener func(*Offer)

// Driver handles the inbound-offer side of dispatch for one driver
// identity.
type Driver struct {
	bus     Bus
	tracker *ridestate.Tracker
	id      string
	log     *slog.Logger

	offerTimeout  time.Duration
	publishReject bool

	mu          sync.Mutex
	pending     *Offer
	provisional *Offer // accepted optimistically, awaiting backend confirmation
	listener    OfferListener
	offerTimer  *time.Timer
	cancels     []func()
}

func NewDriver(bus Bus, tracker *ridestate.Tracker, driverID string, offerTimeout time.Duration, publishReject bool, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		bus:           bus,
		tracker:       tracker,
		id:            driverID,
		offerTimeout:  offerTimeout,
		publishReject: publishReject,
		log:           log,
	}
}

func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels,
		d.bus.Subscribe(events.TripRequest, d.onTripRequest),
		d.bus.Subscribe(events.TripRequestCancelled, d.onTripRequestCancelled),
		d.bus.Subscribe(events.RideRequestAccepted, d.onAcceptedBroadcast),
	)
}

func (d *Driver) Close() {
	d.mu.Lock()
	cancels := d.cancels
	d.cancels = nil
	d.stopOfferTimerLocked()
	d.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// OnOffer registers the UI prompt callback.
func (d *Driver) OnOffer(l OfferListener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

func (d *Driver) Pending() *Offer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return nil
	}
	o := *d.pending
	return &o
}

// onTripRequest holds the inbound offer as pending. An offer for a
// different ride replaces the one on display; a duplicate for the same ride
// refreshes silently.
func (d *Driver) onTripRequest(payload any) {
	p, ok := payload.(events.TripRequestPayload)
	if !ok {
		return
	}
	offer := &Offer{
		RideID:      p.RideID,
		PassengerID: p.PassengerID,
		Origin:      p.Origin,
		Destination: p.Destination,
		Estimate:    p.Estimate,
		ReceivedAt:  time.Now(),
	}

	d.mu.Lock()
	samePending := d.pending != nil && d.pending.RideID == p.RideID
	if samePending {
		d.pending = offer
		d.mu.Unlock()
		return
	}
	if d.pending != nil {
		d.log.Info("pending offer replaced", "old_ride", d.pending.RideID, "new_ride", p.RideID)
	}
	d.pending = offer
	d.startOfferTimerLocked(p.RideID)
	listener := d.listener
	d.mu.Unlock()

	if listener != nil {
		listener(offer)
	}
}

// Accept clears the prompt optimistically and emits a single acceptance
// event; the backend is the final arbiter and will contradict via a
// follow-up event if the ride went elsewhere.
func (d *Driver) Accept(ctx context.Context) error {
	d.mu.Lock()
	offer := d.pending
	if offer == nil {
		d.mu.Unlock()
		return nil
	}
	d.pending = nil
	d.provisional = offer
	d.stopOfferTimerLocked()
	listener := d.listener
	d.mu.Unlock()

	if listener != nil {
		listener(nil)
	}

	err := d.bus.Publish(events.DriverAcceptsRide, events.OfferResponsePayload{RideID: offer.RideID, DriverID: d.id})
	if err != nil {
		// Roll the optimistic clear back; the prompt returns.
		d.mu.Lock()
		if d.pending == nil {
			d.pending = offer
			d.provisional = nil
		}
		restored := d.pending
		d.mu.Unlock()
		if listener != nil && restored != nil {
			listener(restored)
		}
		return err
	}

	// Begin tracking; the snapshot fetch reconciles the optimistic state.
	if d.tracker != nil {
		if _, err := d.tracker.Track(ctx, offer.RideID); err != nil {
			d.log.Warn("ride tracking bootstrap failed", "ride_id", offer.RideID, "error", err)
		}
	}
	return nil
}

// Reject clears the local prompt. Whether the backend hears about it is
// configuration: the source app never wired an explicit reject event.
func (d *Driver) Reject() {
	d.mu.Lock()
	offer := d.pending
	d.pending = nil
	d.stopOfferTimerLocked()
	listener := d.listener
	d.mu.Unlock()

	if offer == nil {
		return
	}
	if listener != nil {
		listener(nil)
	}
	if d.publishReject {
		if err := d.bus.Publish(events.DriverRejectsRide, events.OfferResponsePayload{RideID: offer.RideID, DriverID: d.id}); err != nil {
			d.log.Warn("reject event not sent", "ride_id", offer.RideID, "error", err)
		}
	}
}

// onTripRequestCancelled clears the prompt when the passenger cancels while
// the offer is still pending, even if the driver has not responded.
func (d *Driver) onTripRequestCancelled(payload any) {
	p, ok := payload.(events.RideEventPayload)
	if !ok {
		return
	}
	d.mu.Lock()
	cleared := false
	if d.pending != nil && d.pending.RideID == p.RideID {
		d.pending = nil
		d.stopOfferTimerLocked()
		cleared = true
	}
	if d.provisional != nil && d.provisional.RideID == p.RideID {
		d.provisional = nil
	}
	listener := d.listener
	d.mu.Unlock()

	if cleared && listener != nil {
		listener(nil)
	}
}

// onAcceptedBroadcast reconciles the optimistic accept with the backend's
// decision: confirmation drops the provisional record, a different winner
// rolls it back.
func (d *Driver) onAcceptedBroadcast(payload any) {
	p, ok := payload.(events.RideEventPayload)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.provisional == nil || d.provisional.RideID != p.RideID {
		return
	}
	if p.DriverID == d.id {
		d.provisional = nil
		return
	}
	d.log.Info("accept lost to another driver", "ride_id", p.RideID, "winner", p.DriverID)
	d.provisional = nil
}

// The source app had no offer timeout; expiry just clears the prompt
// locally, like an unspoken reject.
func (d *Driver) startOfferTimerLocked(rideID string) {
	d.stopOfferTimerLocked()
	if d.offerTimeout <= 0 {
		return
	}
	d.offerTimer = time.AfterFunc(d.offerTimeout, func() {
		d.mu.Lock()
		cleared := false
		if d.pending != nil && d.pending.RideID == rideID {
			d.pending = nil
			cleared = true
		}
		listener := d.listener
		d.mu.Unlock()
		if cleared {
			d.log.Info("pending offer expired", "ride_id", rideID)
			if listener != nil {
				listener(nil)
			}
		}
	})
}

func (d *Driver) stopOfferTimerLocked() {
	if d.offerTimer != nil {
		d.offerTimer.Stop()
		d.offerTimer = nil
	}
}
