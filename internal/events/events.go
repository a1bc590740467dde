// Package events defines the wire surface shared by the client engine and
// the backend: one envelope, a fixed catalog of event names, and one payload
// schema per name. Payloads are validated here, at the transport boundary,
// so the state machine only ever sees well-formed events.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ridesync/internal/models"
)

type Name string

// Handshake and channel scoping.
const (
	Auth      Name = "auth"
	AuthOK    Name = "auth_ok"
	AuthError Name = "auth_error"
	JoinRoom  Name = "join_room"
	LeaveRoom Name = "leave_room"
)

// Client -> backend.
const (
	RequestRide          Name = "requestRide"
	CancelRideRequest    Name = "cancelRideRequest"
	DriverAcceptsRide    Name = "driver_accepts_ride"
	DriverRejectsRide    Name = "driverRejectsRide"
	DriverSetUnavailable Name = "driverSetUnavailable"
	DriverLocationUpdate Name = "driverLocationUpdate"
	RideStatusUpdate     Name = "ride_status_update"
)

// Backend -> client.
const (
	TripRequest              Name = "tripRequest"
	TripRequestCancelled     Name = "tripRequestCancelled"
	RideRequestAccepted      Name = "rideRequestAccepted"
	NoDriverFound            Name = "noDriverFound"
	RideCancelledByDriver    Name = "rideRequestCancelledByDriver"
	RideCancelledByPassenger Name = "ride_cancelled_by_passenger"
	RideStatusUpdated        Name = "ride_status_updated"
	DriverLocationForRide    Name = "driverLocationUpdateForPassengers"
	DriverLocationBroadcast  Name = "driver_location_update"
	DriverUnavailable        Name = "driverUnavailable"
)

var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the single frame format used on the socket.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthResultPayload struct {
	Identity string `json:"identity,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type RideRequestPayload struct {
	PassengerID string          `json:"passenger_id"`
	Origin      models.Coord    `json:"origin"`
	Destination models.Coord    `json:"destination"`
	Estimate    models.Estimate `json:"estimate"`
}

type CancelPayload struct {
	RideID      string `json:"ride_id"`
	PassengerID string `json:"passenger_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

type OfferResponsePayload struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

type DriverUnavailablePayload struct {
	DriverID string `json:"driver_id"`
}

type LocationPayload struct {
	RideID   string           `json:"ride_id,omitempty"`
	DriverID string           `json:"driver_id"`
	Fix      models.DriverFix `json:"fix"`
}

// StatusPayload carries the raw wire status; Canonical() resolves synonyms.
type StatusPayload struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id,omitempty"`
	Status   string `json:"status"`
	Version  int64  `json:"version"`
}

func (p StatusPayload) Canonical() (models.Status, bool) {
	return models.CanonicalStatus(p.Status)
}

type TripRequestPayload struct {
	RideID      string          `json:"ride_id"`
	PassengerID string          `json:"passenger_id"`
	Origin      models.Coord    `json:"origin"`
	Destination models.Coord    `json:"destination"`
	Estimate    models.Estimate `json:"estimate"`
	Version     int64           `json:"version"`
}

type RideEventPayload struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id,omitempty"`
	Version  int64  `json:"version"`
}

// Encode marshals a payload into an envelope frame.
func Encode(name Name, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: name, Data: data})
}

// Decode parses a frame and returns the envelope plus its typed, validated
// payload. ErrUnknownEvent means the name is not in the catalog; callers at
// the boundary drop those rather than failing.
func Decode(raw []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	payload, err := DecodePayload(env)
	return env, payload, err
}

func DecodePayload(env Envelope) (any, error) {
	switch env.Event {
	case Auth:
		return decodeAs[AuthPayload](env, func(p AuthPayload) error {
			return requireAll(field{"token", p.Token})
		})
	case AuthOK, AuthError:
		return decodeAs[AuthResultPayload](env, nil)
	case JoinRoom, LeaveRoom:
		return decodeAs[RoomPayload](env, func(p RoomPayload) error {
			return requireAll(field{"room", p.Room})
		})
	case RequestRide:
		return decodeAs[RideRequestPayload](env, func(p RideRequestPayload) error {
			return requireAll(field{"passenger_id", p.PassengerID})
		})
	case CancelRideRequest:
		// ride_id may be empty: a passenger can cancel before the backend
		// has named the ride, and the backend resolves their active ride.
		return decodeAs[CancelPayload](env, nil)
	case DriverAcceptsRide, DriverRejectsRide:
		return decodeAs[OfferResponsePayload](env, func(p OfferResponsePayload) error {
			return requireAll(field{"ride_id", p.RideID}, field{"driver_id", p.DriverID})
		})
	case DriverSetUnavailable, DriverUnavailable:
		return decodeAs[DriverUnavailablePayload](env, func(p DriverUnavailablePayload) error {
			return requireAll(field{"driver_id", p.DriverID})
		})
	case DriverLocationUpdate, DriverLocationBroadcast:
		return decodeAs[LocationPayload](env, func(p LocationPayload) error {
			return requireAll(field{"driver_id", p.DriverID})
		})
	case DriverLocationForRide:
		return decodeAs[LocationPayload](env, func(p LocationPayload) error {
			return requireAll(field{"ride_id", p.RideID})
		})
	case RideStatusUpdate, RideStatusUpdated:
		return decodeAs[StatusPayload](env, func(p StatusPayload) error {
			if err := requireAll(field{"ride_id", p.RideID}, field{"status", p.Status}); err != nil {
				return err
			}
			if _, ok := models.CanonicalStatus(p.Status); !ok {
				return fmt.Errorf("%s: unknown status %q", env.Event, p.Status)
			}
			return nil
		})
	case TripRequest:
		return decodeAs[TripRequestPayload](env, func(p TripRequestPayload) error {
			return requireAll(field{"ride_id", p.RideID}, field{"passenger_id", p.PassengerID})
		})
	case TripRequestCancelled, RideRequestAccepted, NoDriverFound,
		RideCancelledByDriver, RideCancelledByPassenger:
		return decodeAs[RideEventPayload](env, func(p RideEventPayload) error {
			return requireAll(field{"ride_id", p.RideID})
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

type field struct {
	name  string
	value string
}

func requireAll(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("missing %s", f.name)
		}
	}
	return nil
}

func decodeAs[T any](env Envelope, validate func(T) error) (any, error) {
	var p T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
	}
	if validate != nil {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("validate %s: %w", env.Event, err)
		}
	}
	return p, nil
}
