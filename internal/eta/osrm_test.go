package eta

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ridesync/internal/models"
)

func TestOSRMClient_Route(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":600,"distance":4200},{"duration":540,"distance":4800}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.Route(models.Coord{Lat: 51.5, Lon: -0.12}, models.Coord{Lat: 51.51, Lon: -0.1})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.DurationSeconds != 540 || got.DistanceMeters != 4800 {
		t.Fatalf("route = %+v, want the fastest alternative", got)
	}
	if !strings.HasPrefix(gotPath, "/route/v1/driving/-0.120000,51.500000;") {
		t.Fatalf("path = %q, coordinates must be lon-first", gotPath)
	}
}

func TestOSRMClient_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	if _, err := NewOSRMClient(srv.URL).Route(models.Coord{}, models.Coord{Lat: 1}); err == nil {
		t.Fatal("NoRoute must surface as an error")
	}
}

func TestOSRMClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewOSRMClient(srv.URL).Route(models.Coord{}, models.Coord{Lat: 1}); err == nil {
		t.Fatal("non-200 must surface as an error")
	}
}
