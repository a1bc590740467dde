package sim

import (
	"errors"
	"testing"

	"github.com/example/ridesync/internal/models"
)

func TestMemoryStore_CopiesOnSaveAndGet(t *testing.T) {
	st := NewMemoryStore()
	ride := models.Ride{ID: "r1", Status: models.StatusSearching, PassengerID: "p1", Version: 1}
	if err := st.SaveRide(&ride); err != nil {
		t.Fatalf("SaveRide: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	ride.Status = models.StatusCompleted
	got, err := st.GetRide("r1")
	if err != nil {
		t.Fatalf("GetRide: %v", err)
	}
	if got.Status != models.StatusSearching {
		t.Fatalf("status = %s, store must hold its own copy", got.Status)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	st := NewMemoryStore()
	if _, err := st.GetRide("nope"); !errors.Is(err, ErrNoRide) {
		t.Fatalf("err = %v, want ErrNoRide", err)
	}
}

func TestMemoryStore_ActiveRideFor(t *testing.T) {
	st := NewMemoryStore()
	_ = st.SaveRide(&models.Ride{ID: "r1", Status: models.StatusCompleted, PassengerID: "p1", Version: 3})
	if _, ok := st.ActiveRideFor("p1"); ok {
		t.Fatal("terminal ride counted as active")
	}

	_ = st.SaveRide(&models.Ride{ID: "r2", Status: models.StatusAccepted, PassengerID: "p1", Version: 2})
	got, ok := st.ActiveRideFor("p1")
	if !ok || got.ID != "r2" {
		t.Fatalf("active = %+v ok=%v, want r2", got, ok)
	}
	if _, ok := st.ActiveRideFor("p2"); ok {
		t.Fatal("wrong passenger matched")
	}
}
