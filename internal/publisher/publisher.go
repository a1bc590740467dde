// Package publisher converts a driver's availability toggle and live
// position stream into throttled driverLocationUpdate events. Sends are
// gated on availability and connectivity; fixes that cannot go out are
// dropped, not buffered, because a stale buffered fix is worse than a gap.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/observability"
	"github.com/example/ridesync/internal/rest"
)

// Sender is the slice of the transport session the publisher needs.
type Sender interface {
	Publish(name events.Name, payload any) error
	Connected() bool
}

// Source is the platform position watch. Subscribe starts delivering fixes
// until the returned stop func is called; each Subscribe yields a fresh
// stream (re-arming after foreground transitions, per the mobile platform's
// behavior of not guaranteeing continuity across them).
type Source interface {
	Subscribe() (fixes <-chan models.Coord, stop func(), err error)
}

type Publisher struct {
	session  Sender
	restc    *rest.Client
	source   Source
	driverID string
	log      *slog.Logger

	interval        time.Duration
	minDisplacement float64

	mu         sync.Mutex
	available  bool
	foreground bool
	activeRide string
	seq        int64
	lastSent   models.Coord
	lastSentAt time.Time
	haveLast   bool
	stopWatch  func()
}

func New(session Sender, restc *rest.Client, source Source, driverID string, interval time.Duration, minDisplacement float64, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Publisher{
		session:         session,
		restc:           restc,
		source:          source,
		driverID:        driverID,
		interval:        interval,
		minDisplacement: minDisplacement,
		foreground:      true,
		log:             log,
	}
}

// SetActiveRide tags outgoing fixes with the ride currently being served so
// the backend can fan them out to that ride's passenger.
func (p *Publisher) SetActiveRide(rideID string) {
	p.mu.Lock()
	p.activeRide = rideID
	p.mu.Unlock()
}

func (p *Publisher) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// SetAvailability flips the driver online/offline. Going offline emits the
// unavailable event immediately and tears the watch down; going online
// starts the watch and sends the first fix eagerly.
func (p *Publisher) SetAvailability(ctx context.Context, available bool) error {
	p.mu.Lock()
	if p.available == available {
		p.mu.Unlock()
		return nil
	}
	p.available = available
	p.mu.Unlock()

	if err := p.restc.SetAvailability(ctx, p.driverID, available); err != nil {
		p.mu.Lock()
		p.available = !available
		p.mu.Unlock()
		return err
	}

	if available {
		p.armWatch()
		return nil
	}

	p.disarmWatch()
	if err := p.session.Publish(events.DriverSetUnavailable, events.DriverUnavailablePayload{DriverID: p.driverID}); err != nil {
		// Offline is already persisted via REST; the event is advisory.
		p.log.Warn("unavailable event not sent", "error", err)
	}
	return nil
}

// EnterForeground re-arms the watch rather than assuming the background
// stream survived, and forces one immediate fresh fix.
func (p *Publisher) EnterForeground() {
	p.mu.Lock()
	p.foreground = true
	wasAvailable := p.available
	p.haveLast = false
	p.mu.Unlock()
	if wasAvailable {
		p.armWatch()
	}
}

func (p *Publisher) EnterBackground() {
	p.mu.Lock()
	p.foreground = false
	p.mu.Unlock()
	p.disarmWatch()
}

func (p *Publisher) Close() {
	p.disarmWatch()
}

func (p *Publisher) armWatch() {
	p.disarmWatch()
	fixes, stop, err := p.source.Subscribe()
	if err != nil {
		p.log.Error("position watch failed to start", "error", err)
		return
	}
	p.mu.Lock()
	p.stopWatch = stop
	p.haveLast = false
	p.mu.Unlock()
	go p.watchLoop(fixes)
}

func (p *Publisher) disarmWatch() {
	p.mu.Lock()
	stop := p.stopWatch
	p.stopWatch = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Publisher) watchLoop(fixes <-chan models.Coord) {
	for c := range fixes {
		p.handleFix(c)
	}
}

// handleFix applies the throttle: the first fix after (re)arming goes out
// immediately, then a send is triggered by elapsed interval or by minimum
// displacement, whichever fires first.
func (p *Publisher) handleFix(c models.Coord) {
	p.mu.Lock()
	if !p.available {
		p.mu.Unlock()
		observability.LocationsSkipped.WithLabelValues("unavailable").Inc()
		return
	}
	if !p.session.Connected() {
		p.mu.Unlock()
		observability.LocationsSkipped.WithLabelValues("disconnected").Inc()
		return
	}
	send := !p.haveLast ||
		time.Since(p.lastSentAt) >= p.interval ||
		geo.Distance(p.lastSent, c) >= p.minDisplacement
	if !send {
		p.mu.Unlock()
		observability.LocationsSkipped.WithLabelValues("throttled").Inc()
		return
	}
	p.seq++
	payload := events.LocationPayload{
		RideID:   p.activeRide,
		DriverID: p.driverID,
		Fix:      models.DriverFix{Coord: c, Seq: p.seq},
	}
	p.lastSent = c
	p.lastSentAt = time.Now()
	p.haveLast = true
	p.mu.Unlock()

	if err := p.session.Publish(events.DriverLocationUpdate, payload); err != nil {
		p.log.Warn("location publish failed", "seq", payload.Fix.Seq, "error", err)
		observability.LocationsSkipped.WithLabelValues("publish_error").Inc()
		return
	}
	observability.LocationsPublished.Inc()
}
