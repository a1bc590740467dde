// Package dispatchcoord orchestrates the two halves of the matching
// transaction: the passenger's request→search→match flow and the driver's
// inbound-offer→accept/reject flow. Both coordinators fold outcomes through
// the ride tracker; neither mutates ride state directly.
package dispatchcoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/rest"
	"github.com/example/ridesync/internal/ridestate"
)

// Bus is the slice of the transport session the coordinators use.
type Bus interface {
	Subscribe(name events.Name, h func(payload any)) (cancel func())
	Publish(name events.Name, payload any) error
}

type PassengerState int

const (
	PassengerNotRequesting PassengerState = iota
	PassengerPanelOpen
	PassengerEstimateReady
	PassengerRequesting
)

func (s PassengerState) String() string {
	switch s {
	case PassengerNotRequesting:
		return "not_requesting"
	case PassengerPanelOpen:
		return "panel_open"
	case PassengerEstimateReady:
		return "estimate_ready"
	case PassengerRequesting:
		return "requesting"
	default:
		return "unknown"
	}
}

var (
	ErrNoEstimate     = errors.New("ride request requires a computed estimate")
	ErrNotCancellable = errors.New("no cancellable ride request")
)

// Passenger drives the request side of dispatch for one passenger identity.
type Passenger struct {
	bus     Bus
	restc   *rest.Client
	tracker *ridestate.Tracker
	id      string
	log     *slog.Logger

	searchTimeout time.Duration

	mu          sync.Mutex
	state       PassengerState
	origin      models.Coord
	destination models.Coord
	estimate    *models.Estimate
	activeRide  string
	cancelSent  bool
	searchTimer *time.Timer
	cancels     []func()
}

func NewPassenger(bus Bus, restc *rest.Client, tracker *ridestate.Tracker, passengerID string, searchTimeout time.Duration, log *slog.Logger) *Passenger {
	if log == nil {
		log = slog.Default()
	}
	return &Passenger{
		bus:           bus,
		restc:         restc,
		tracker:       tracker,
		id:            passengerID,
		searchTimeout: searchTimeout,
		log:           log,
	}
}

func (p *Passenger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels,
		p.bus.Subscribe(events.NoDriverFound, func(any) { p.onSearchFailed() }),
		p.bus.Subscribe(events.RideRequestAccepted, p.onAccepted),
	)
	p.tracker.OnChange(p.onRideChange)
}

func (p *Passenger) Close() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.stopSearchTimerLocked()
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (p *Passenger) State() PassengerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ActiveRide is the ride currently being tracked, if any.
func (p *Passenger) ActiveRide() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeRide
}

func (p *Passenger) OpenPanel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PassengerNotRequesting {
		p.state = PassengerPanelOpen
	}
}

func (p *Passenger) ClosePanel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PassengerPanelOpen || p.state == PassengerEstimateReady {
		p.clearPanelLocked()
	}
}

// SetRoute computes the estimate for a prospective trip. Only after this
// succeeds can a ride be requested.
func (p *Passenger) SetRoute(ctx context.Context, origin, destination models.Coord) (models.Estimate, error) {
	p.mu.Lock()
	if p.state == PassengerNotRequesting {
		p.state = PassengerPanelOpen
	}
	if p.state != PassengerPanelOpen && p.state != PassengerEstimateReady {
		st := p.state
		p.mu.Unlock()
		return models.Estimate{}, fmt.Errorf("cannot set route in state %s", st)
	}
	p.mu.Unlock()

	est, err := p.restc.Estimate(ctx, origin, destination)
	if err != nil {
		return models.Estimate{}, err
	}

	p.mu.Lock()
	p.origin = origin
	p.destination = destination
	p.estimate = &est
	p.state = PassengerEstimateReady
	p.mu.Unlock()
	return est, nil
}

// RequestRide submits the request with the estimate snapshot computed for
// the current destination. Permitted only from EstimateReady.
func (p *Passenger) RequestRide() error {
	p.mu.Lock()
	if p.state != PassengerEstimateReady || p.estimate == nil {
		p.mu.Unlock()
		return ErrNoEstimate
	}
	payload := events.RideRequestPayload{
		PassengerID: p.id,
		Origin:      p.origin,
		Destination: p.destination,
		Estimate:    *p.estimate,
	}
	p.mu.Unlock()

	if err := p.bus.Publish(events.RequestRide, payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.state = PassengerRequesting
	p.cancelSent = false
	p.activeRide = ""
	p.startSearchTimerLocked()
	p.mu.Unlock()

	p.tracker.BeginRequest()
	return nil
}

// CancelRideRequest is the only client path that emits a cancellation. It
// is idempotent against duplicate taps: once the ride is terminal or a
// cancel is already in flight, further calls are no-ops.
func (p *Passenger) CancelRideRequest() error {
	p.mu.Lock()
	if p.cancelSent {
		p.mu.Unlock()
		return nil
	}
	rideID := p.activeRide
	requesting := p.state == PassengerRequesting
	p.mu.Unlock()

	if rideID != "" {
		if v, ok := p.tracker.ViewOf(rideID); ok && v.State.Terminal() {
			return nil
		}
	} else if !requesting {
		return ErrNotCancellable
	}

	err := p.bus.Publish(events.CancelRideRequest, events.CancelPayload{RideID: rideID, PassengerID: p.id})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cancelSent = true
	p.stopSearchTimerLocked()
	p.mu.Unlock()
	return nil
}

// onSearchFailed handles noDriverFound and the local search timeout: back
// to an open panel with estimate and destination cleared, so the user
// re-searches.
func (p *Passenger) onSearchFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PassengerRequesting {
		return
	}
	p.clearPanelLocked()
	p.state = PassengerPanelOpen
}

func (p *Passenger) onAccepted(payload any) {
	ev, ok := payload.(events.RideEventPayload)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PassengerRequesting {
		return
	}
	p.activeRide = ev.RideID
	p.state = PassengerNotRequesting
	p.estimate = nil
	p.stopSearchTimerLocked()
}

// onRideChange resets coordinator state once a tracked ride terminates.
func (p *Passenger) onRideChange(v ridestate.View, _ []ridestate.Effect) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !v.State.Terminal() {
		return
	}
	if v.RideID == p.activeRide || p.state == PassengerRequesting {
		if v.State == ridestate.StateCancelled && v.CancelReason == models.CancelNoDriver {
			// handled by onSearchFailed semantics: re-open the panel
			p.clearPanelLocked()
			p.state = PassengerPanelOpen
		} else {
			p.clearPanelLocked()
		}
		p.activeRide = ""
	}
}

func (p *Passenger) clearPanelLocked() {
	p.state = PassengerNotRequesting
	p.estimate = nil
	p.destination = models.Coord{}
	p.origin = models.Coord{}
	p.stopSearchTimerLocked()
}

// The source app had no client-side search timeout; this feeds the same
// path as noDriverFound without touching the machine's transition table.
func (p *Passenger) startSearchTimerLocked() {
	p.stopSearchTimerLocked()
	if p.searchTimeout <= 0 {
		return
	}
	p.searchTimer = time.AfterFunc(p.searchTimeout, func() {
		p.log.Info("ride search timed out", "timeout", p.searchTimeout)
		p.onSearchFailed()
	})
}

func (p *Passenger) stopSearchTimerLocked() {
	if p.searchTimer != nil {
		p.searchTimer.Stop()
		p.searchTimer = nil
	}
}
