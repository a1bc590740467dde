package geo

import (
	"testing"

	"github.com/example/ridesync/internal/models"
)

func TestHaversine(t *testing.T) {
	// London -> Paris, roughly 344km.
	d := Haversine(51.5074, -0.1278, 48.8566, 2.3522)
	if d < 330000 || d > 360000 {
		t.Fatalf("distance = %.0f m, want ~344km", d)
	}
	if z := Haversine(10, 20, 10, 20); z != 0 {
		t.Fatalf("zero distance = %f", z)
	}
}

func TestMemoryIndex_NearbyOrdersByDistance(t *testing.T) {
	g := NewMemoryIndex()
	g.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 10.1, Lon: 10}, Available: true})
	g.Upsert(models.Driver{ID: "near", Loc: models.Coord{Lat: 10.001, Lon: 10}, Available: true})
	g.Upsert(models.Driver{ID: "mid", Loc: models.Coord{Lat: 10.01, Lon: 10}, Available: true})

	got := g.Nearby(10, 10, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("order = [%s %s], want [near mid]", got[0].ID, got[1].ID)
	}
}

func TestMemoryIndex_SkipsUnavailable(t *testing.T) {
	g := NewMemoryIndex()
	g.Upsert(models.Driver{ID: "busy", Loc: models.Coord{Lat: 10, Lon: 10}, Available: false})
	g.Upsert(models.Driver{ID: "free", Loc: models.Coord{Lat: 10.5, Lon: 10}, Available: true})

	got := g.Nearby(10, 10, 5)
	if len(got) != 1 || got[0].ID != "free" {
		t.Fatalf("got = %v, want only the available driver", got)
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	g := NewMemoryIndex()
	g.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 10, Lon: 10}, Available: true})
	g.Remove("d1")

	if got := g.Nearby(10, 10, 5); len(got) != 0 {
		t.Fatalf("got = %v, want empty after remove", got)
	}
}
