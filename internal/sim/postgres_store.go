package sim

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ridesync/internal/models"
)

// PostgresStore persists simulated rides so a simulator restart keeps
// history. Schema lives in migrations/001_create_rides.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, passenger_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, status, cancel_reason, fare_estimate, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.PassengerID, r.DriverID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Status), string(r.CancelReason), r.FareEstimate, r.Version, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	_, err := p.db.Exec(`UPDATE rides SET driver_id=$1, status=$2, cancel_reason=$3, version=$4, updated_at=$5 WHERE id=$6`,
		r.DriverID, string(r.Status), string(r.CancelReason), r.Version, time.Now(), r.ID)
	return err
}

func (p *PostgresStore) GetRide(id string) (models.Ride, error) {
	row := p.db.QueryRow(`SELECT id, passenger_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, status, cancel_reason, fare_estimate, version, created_at, updated_at FROM rides WHERE id=$1`, id)
	var r models.Ride
	var status, reason string
	err := row.Scan(&r.ID, &r.PassengerID, &r.DriverID, &r.Origin.Lat, &r.Origin.Lon,
		&r.Destination.Lat, &r.Destination.Lon, &status, &reason, &r.FareEstimate, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNoRide
	}
	if err != nil {
		return models.Ride{}, err
	}
	if st, ok := models.CanonicalStatus(status); ok {
		r.Status = st
	}
	r.CancelReason = models.CancelReason(reason)
	return r, nil
}

func (p *PostgresStore) ActiveRideFor(passengerID string) (models.Ride, bool) {
	row := p.db.QueryRow(`SELECT id FROM rides WHERE passenger_id=$1 AND status NOT IN ('completed','cancelled') ORDER BY created_at DESC LIMIT 1`, passengerID)
	var id string
	if err := row.Scan(&id); err != nil {
		return models.Ride{}, false
	}
	r, err := p.GetRide(id)
	if err != nil {
		return models.Ride{}, false
	}
	return r, true
}
