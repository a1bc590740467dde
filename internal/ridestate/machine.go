// Package ridestate holds the core of the sync engine: a pure,
// participant-agnostic state machine for one ride's lifecycle, and a tracker
// that owns the live machine instances. The machine performs no I/O; it
// folds events into the next canonical state and emits side-effect
// instructions for the caller to execute.
package ridestate

import (
	"log/slog"

	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/observability"
)

type State int

const (
	StateIdle State = iota
	StateSearching
	StateAccepted
	StatePickedUp
	StateInProgress
	StateCompleted
	StateCancelled
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateAccepted:
		return "accepted"
	case StatePickedUp:
		return "picked_up"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Terminal states are absorbing: every later event for the ride is a no-op.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateUnknown
}

func stateForStatus(st models.Status) State {
	switch st {
	case models.StatusSearching:
		return StateSearching
	case models.StatusAccepted:
		return StateAccepted
	case models.StatusPickedUp:
		return StatePickedUp
	case models.StatusInProgress:
		return StateInProgress
	case models.StatusCompleted:
		return StateCompleted
	case models.StatusCancelled:
		return StateCancelled
	default:
		return StateUnknown
	}
}

type EventKind int

const (
	EvRequestSubmitted EventKind = iota
	EvMatchFound
	EvNoMatch
	EvPickupConfirmed
	EvTripStarted
	EvTripCompleted
	EvCancelledByPassenger
	EvCancelledByDriver
	EvSnapshotFetched
	EvRideGone
	EvLocationUpdate
)

func (k EventKind) String() string {
	switch k {
	case EvRequestSubmitted:
		return "requestSubmitted"
	case EvMatchFound:
		return "matchFound"
	case EvNoMatch:
		return "noMatch"
	case EvPickupConfirmed:
		return "pickupConfirmed"
	case EvTripStarted:
		return "tripStarted"
	case EvTripCompleted:
		return "tripCompleted"
	case EvCancelledByPassenger:
		return "cancelledByPassenger"
	case EvCancelledByDriver:
		return "cancelledByDriver"
	case EvSnapshotFetched:
		return "snapshotFetched"
	case EvRideGone:
		return "rideGone"
	case EvLocationUpdate:
		return "locationUpdate"
	default:
		return "unknown"
	}
}

// Event is one input to the machine. Version is the backend's logical
// timestamp for push events; zero means unversioned (client-local inputs).
type Event struct {
	Kind     EventKind
	DriverID string
	Version  int64
	Fix      *models.DriverFix
	Snapshot *models.Ride
}

type EffectKind int

const (
	EffectNavigate EffectKind = iota
	EffectAlert
	EffectUnsubscribe
)

// Effect is a deterministic side-effect instruction produced by a
// transition. The machine never executes these itself.
type Effect struct {
	Kind   EffectKind
	Target string // screen name or alert code
	RideID string
}

// Screen and alert codes handed to the UI layer.
const (
	ScreenTracking = "ride_tracking"
	ScreenSummary  = "ride_summary"
	ScreenHome     = "home"

	AlertRideCancelled = "ride_cancelled"
	AlertNoDriver      = "no_driver_found"
	AlertRideGone      = "ride_unavailable"
)

// transition is a single allowed edge in the lifecycle state machine.
type transition struct {
	from   State
	event  EventKind
	to     State
	reason models.CancelReason
}

var transitions = []transition{
	{from: StateIdle, event: EvRequestSubmitted, to: StateSearching},

	{from: StateSearching, event: EvMatchFound, to: StateAccepted},
	{from: StateSearching, event: EvNoMatch, to: StateCancelled, reason: models.CancelNoDriver},

	{from: StateAccepted, event: EvPickupConfirmed, to: StatePickedUp},
	{from: StateAccepted, event: EvTripStarted, to: StateInProgress},
	{from: StatePickedUp, event: EvTripStarted, to: StateInProgress},
	{from: StateInProgress, event: EvTripCompleted, to: StateCompleted},

	{from: StateSearching, event: EvCancelledByPassenger, to: StateCancelled, reason: models.CancelPassenger},
	{from: StateAccepted, event: EvCancelledByPassenger, to: StateCancelled, reason: models.CancelPassenger},
	{from: StatePickedUp, event: EvCancelledByPassenger, to: StateCancelled, reason: models.CancelPassenger},
	{from: StateInProgress, event: EvCancelledByPassenger, to: StateCancelled, reason: models.CancelPassenger},

	{from: StateAccepted, event: EvCancelledByDriver, to: StateCancelled, reason: models.CancelDriver},
	{from: StatePickedUp, event: EvCancelledByDriver, to: StateCancelled, reason: models.CancelDriver},
	{from: StateInProgress, event: EvCancelledByDriver, to: StateCancelled, reason: models.CancelDriver},
}

func transitionFor(from State, ev EventKind) (transition, bool) {
	for _, tr := range transitions {
		if tr.from == from && tr.event == ev {
			return tr, true
		}
	}
	return transition{}, false
}

// locationStates are the only states in which driverLocation is meaningful.
func locationAllowed(s State) bool {
	return s == StateAccepted || s == StatePickedUp || s == StateInProgress
}

// View is the published, immutable snapshot of one machine. Everything
// outside the tracker reads Views, never the machine itself.
type View struct {
	RideID       string
	State        State
	DriverID     string
	Location     *models.DriverFix
	CancelReason models.CancelReason
	Version      int64
}

// Machine tracks one ride. Not safe for concurrent use; the tracker owns it
// and serializes every Apply.
type Machine struct {
	rideID       string
	state        State
	driverID     string
	fix          *models.DriverFix
	cancelReason models.CancelReason
	version      int64
	log          *slog.Logger
}

func NewMachine(rideID string, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{rideID: rideID, state: StateIdle, log: log}
}

func (m *Machine) RideID() string { return m.rideID }
func (m *Machine) State() State   { return m.state }

func (m *Machine) View() View {
	v := View{
		RideID:       m.rideID,
		State:        m.state,
		DriverID:     m.driverID,
		CancelReason: m.cancelReason,
		Version:      m.version,
	}
	if m.fix != nil {
		fix := *m.fix
		v.Location = &fix
	}
	return v
}

// bind attaches the backend-assigned ride id to a machine created before the
// id was known (a passenger request in flight).
func (m *Machine) bind(rideID string) { m.rideID = rideID }

// Apply folds one event and returns the side-effect instructions of the
// resulting transition. Invalid or stale events are no-ops: the transport
// boundary may legitimately deliver events a snapshot has already
// superseded.
func (m *Machine) Apply(ev Event) []Effect {
	if m.state.Terminal() {
		m.log.Debug("event for terminal ride dropped", "ride_id", m.rideID, "event", ev.Kind.String(), "state", m.state.String())
		observability.EventsFolded.WithLabelValues("dropped_terminal").Inc()
		return nil
	}

	switch ev.Kind {
	case EvSnapshotFetched:
		return m.applySnapshot(ev)
	case EvRideGone:
		m.state = StateUnknown
		observability.EventsFolded.WithLabelValues("applied").Inc()
		return []Effect{
			{Kind: EffectAlert, Target: AlertRideGone, RideID: m.rideID},
			{Kind: EffectNavigate, Target: ScreenHome, RideID: m.rideID},
			{Kind: EffectUnsubscribe, RideID: m.rideID},
		}
	case EvLocationUpdate:
		return m.applyLocation(ev)
	}

	// A push event older than the state we already hold is stale.
	if ev.Version != 0 && ev.Version <= m.version {
		m.log.Debug("stale event dropped", "ride_id", m.rideID, "event", ev.Kind.String(), "event_version", ev.Version, "version", m.version)
		observability.StaleEventsDropped.Inc()
		return nil
	}

	tr, ok := transitionFor(m.state, ev.Kind)
	if !ok {
		m.log.Debug("event ignored in current state", "ride_id", m.rideID, "event", ev.Kind.String(), "state", m.state.String())
		observability.EventsFolded.WithLabelValues("ignored").Inc()
		return nil
	}

	from := m.state
	m.state = tr.to
	if tr.reason != "" {
		m.cancelReason = tr.reason
	}
	if ev.DriverID != "" && m.driverID == "" {
		// driverId goes nil -> set exactly once
		m.driverID = ev.DriverID
	}
	if ev.Version > m.version {
		m.version = ev.Version
	}
	observability.EventsFolded.WithLabelValues("applied").Inc()
	m.log.Info("ride transition", "ride_id", m.rideID, "event", ev.Kind.String(), "from", from.String(), "to", m.state.String())
	return m.entryEffects(from)
}

// applySnapshot implements snapshot-wins: the fetched record reflects the
// backend's committed state and overrides whatever was locally folded. A
// snapshot older than one already applied is itself stale.
func (m *Machine) applySnapshot(ev Event) []Effect {
	snap := ev.Snapshot
	if snap == nil {
		return nil
	}
	if snap.Version < m.version {
		m.log.Debug("stale snapshot dropped", "ride_id", m.rideID, "snapshot_version", snap.Version, "version", m.version)
		observability.StaleEventsDropped.Inc()
		return nil
	}

	from := m.state
	m.state = stateForStatus(snap.Status)
	m.version = snap.Version
	if m.driverID == "" {
		m.driverID = snap.DriverID
	}
	if snap.CancelReason != "" {
		m.cancelReason = snap.CancelReason
	}
	if snap.DriverLocation != nil && (m.fix == nil || snap.DriverLocation.Seq > m.fix.Seq) {
		fix := *snap.DriverLocation
		m.fix = &fix
	}
	observability.EventsFolded.WithLabelValues("applied").Inc()
	if m.state == from {
		return nil
	}
	m.log.Info("ride state repaired from snapshot", "ride_id", m.rideID, "from", from.String(), "to", m.state.String())
	return m.entryEffects(from)
}

// applyLocation keeps driverLocation monotonic by sequence; out-of-order
// fixes are dropped. This is the core correctness property of the location
// sub-stream.
func (m *Machine) applyLocation(ev Event) []Effect {
	if ev.Fix == nil {
		return nil
	}
	if !locationAllowed(m.state) {
		m.log.Debug("location update ignored in current state", "ride_id", m.rideID, "state", m.state.String())
		observability.EventsFolded.WithLabelValues("ignored").Inc()
		return nil
	}
	if m.fix != nil && ev.Fix.Seq <= m.fix.Seq {
		m.log.Debug("stale location dropped", "ride_id", m.rideID, "seq", ev.Fix.Seq, "have", m.fix.Seq)
		observability.StaleEventsDropped.Inc()
		return nil
	}
	fix := *ev.Fix
	m.fix = &fix
	observability.EventsFolded.WithLabelValues("applied").Inc()
	return nil
}

// entryEffects are deterministic per target state: every transition into
// Accepted, Completed, or Cancelled instructs the UI layer.
func (m *Machine) entryEffects(from State) []Effect {
	switch m.state {
	case StateAccepted:
		if from == StateSearching || from == StateIdle {
			return []Effect{{Kind: EffectNavigate, Target: ScreenTracking, RideID: m.rideID}}
		}
		return nil
	case StateCompleted:
		return []Effect{
			{Kind: EffectNavigate, Target: ScreenSummary, RideID: m.rideID},
			{Kind: EffectUnsubscribe, RideID: m.rideID},
		}
	case StateCancelled:
		alert := AlertRideCancelled
		if m.cancelReason == models.CancelNoDriver {
			alert = AlertNoDriver
		}
		return []Effect{
			{Kind: EffectAlert, Target: alert, RideID: m.rideID},
			{Kind: EffectNavigate, Target: ScreenHome, RideID: m.rideID},
			{Kind: EffectUnsubscribe, RideID: m.rideID},
		}
	default:
		return nil
	}
}
