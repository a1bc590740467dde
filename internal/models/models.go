package models

import "time"

type Coord struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// Status is the canonical ride status. The backend speaks several synonyms
// for some of these; everything entering the engine goes through
// CanonicalStatus first.
type Status string

const (
	StatusSearching  Status = "searching"
	StatusAccepted   Status = "accepted"
	StatusPickedUp   Status = "picked_up"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is absorbing: no further mutation is accepted
// for a ride once it reaches a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// statusSynonyms maps the backend's historical spellings onto canonical
// statuses. New synonyms get added here, never downstream.
var statusSynonyms = map[string]Status{
	"searching":   StatusSearching,
	"requested":   StatusSearching,
	"pending":     StatusSearching,
	"accepted":    StatusAccepted,
	"matched":     StatusAccepted,
	"assigned":    StatusAccepted,
	"picked_up":   StatusPickedUp,
	"pickedup":    StatusPickedUp,
	"arrived":     StatusPickedUp,
	"in_progress": StatusInProgress,
	"ongoing":     StatusInProgress,
	"started":     StatusInProgress,
	"completed":   StatusCompleted,
	"finished":    StatusCompleted,
	"done":        StatusCompleted,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
}

// CanonicalStatus resolves a wire status string to its canonical form.
// Unknown strings return ok=false and must be rejected at the boundary.
func CanonicalStatus(raw string) (Status, bool) {
	s, ok := statusSynonyms[raw]
	return s, ok
}

type CancelReason string

const (
	CancelNoDriver  CancelReason = "no_driver"
	CancelPassenger CancelReason = "passenger"
	CancelDriver    CancelReason = "driver"
)

// DriverFix is one driver position sample. Seq increases monotonically per
// ride; a fix with a lower Seq than the last applied one is stale.
type DriverFix struct {
	Coord Coord `json:"coord"`
	Seq   int64 `json:"seq"`
}

// Ride is the central entity. Fields set at request time (origin,
// destination, estimates) are immutable afterward; DriverID goes nil->set
// exactly once.
type Ride struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	PassengerID string `json:"passenger_id"`
	DriverID    string `json:"driver_id,omitempty"`

	Origin      Coord `json:"origin"`
	Destination Coord `json:"destination"`

	FareEstimate     float64 `json:"fare_estimate"`
	DurationEstimate float64 `json:"duration_estimate_seconds"`
	DistanceEstimate float64 `json:"distance_estimate_meters"`

	DriverLocation *DriverFix   `json:"driver_location,omitempty"`
	CancelReason   CancelReason `json:"cancel_reason,omitempty"`

	// Version orders snapshots against concurrently arriving push events.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Estimate is the quote returned for a prospective ride.
type Estimate struct {
	Fare            float64 `json:"fare"`
	DurationSeconds float64 `json:"duration_seconds"`
	DistanceMeters  float64 `json:"distance_meters"`
}

type Driver struct {
	ID        string    `json:"id"`
	Loc       Coord     `json:"loc"`
	Rating    float64   `json:"rating"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}
