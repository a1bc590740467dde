package sim

import (
	"errors"
	"sync"

	"github.com/example/ridesync/internal/models"
)

var ErrNoRide = errors.New("ride not found")

// RideStore defines persistence for simulated rides.
type RideStore interface {
	SaveRide(r *models.Ride) error
	UpdateRide(r *models.Ride) error
	GetRide(id string) (models.Ride, error)
	ActiveRideFor(passengerID string) (models.Ride, bool)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) SaveRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRide(r *models.Ride) error {
	return m.SaveRide(r)
}

func (m *MemoryStore) GetRide(id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNoRide
	}
	return *r, nil
}

// ActiveRideFor returns the passenger's single non-terminal ride, if any.
func (m *MemoryStore) ActiveRideFor(passengerID string) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.PassengerID == passengerID && !r.Status.Terminal() {
			return *r, true
		}
	}
	return models.Ride{}, false
}
