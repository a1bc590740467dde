package sim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ridesync/internal/models"
)

func startHTTP(t *testing.T) (*Server, *recordingStore, *httptest.Server) {
	t.Helper()
	s, st := newTestServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, st, srv
}

func mustToken(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := MintToken("test-secret", subject, role, time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHTTP_AuthRequired(t *testing.T) {
	_, _, srv := startHTTP(t)

	code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/rides/r1", "", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestHTTP_MintAndUseToken(t *testing.T) {
	_, _, srv := startHTTP(t)

	var minted struct {
		Token string `json:"token"`
	}
	code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/token", "",
		map[string]string{"identity": "p1", "role": "passenger"}, &minted)
	if code != http.StatusOK || minted.Token == "" {
		t.Fatalf("mint status = %d token = %q", code, minted.Token)
	}

	var est models.Estimate
	code = doJSON(t, http.MethodPost, srv.URL+"/api/v1/rides/estimate", minted.Token,
		map[string]models.Coord{"origin": {Lat: 10, Lon: 10}, "destination": {Lat: 10.1, Lon: 10}}, &est)
	if code != http.StatusOK {
		t.Fatalf("estimate status = %d", code)
	}
	if est.Fare <= 2.5 || est.DistanceMeters <= 0 {
		t.Fatalf("estimate = %+v", est)
	}
}

func TestHTTP_GetRideHiddenFromStrangers(t *testing.T) {
	_, st, srv := startHTTP(t)
	_ = st.SaveRide(&models.Ride{ID: "r1", Status: models.StatusAccepted, PassengerID: "p1", DriverID: "d1", Version: 2})

	var ride models.Ride
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/rides/r1", mustToken(t, "p1", "passenger"), nil, &ride); code != http.StatusOK {
		t.Fatalf("participant status = %d, want 200", code)
	}
	if ride.ID != "r1" || ride.Version != 2 {
		t.Fatalf("ride = %+v", ride)
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/rides/r1", mustToken(t, "p2", "passenger"), nil, nil); code != http.StatusNotFound {
		t.Fatalf("stranger status = %d, want 404", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/rides/missing", mustToken(t, "p1", "passenger"), nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", code)
	}
}

func TestHTTP_UpdateStatus(t *testing.T) {
	_, st, srv := startHTTP(t)
	_ = st.SaveRide(&models.Ride{ID: "r1", Status: models.StatusAccepted, PassengerID: "p1", DriverID: "d1", Version: 2})

	var ride models.Ride
	code := doJSON(t, http.MethodPatch, srv.URL+"/api/v1/rides/r1/status", mustToken(t, "d1", "driver"),
		map[string]any{"status": "picked_up"}, &ride)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if ride.Status != models.StatusPickedUp || ride.Version != 3 {
		t.Fatalf("ride = %+v", ride)
	}

	// Illegal jump comes back 400.
	code = doJSON(t, http.MethodPatch, srv.URL+"/api/v1/rides/r1/status", mustToken(t, "d1", "driver"),
		map[string]any{"status": "searching"}, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("illegal jump status = %d, want 400", code)
	}
}

func TestHTTP_AcceptConflict(t *testing.T) {
	_, st, srv := startHTTP(t)
	_ = st.SaveRide(&models.Ride{ID: "r1", Status: models.StatusSearching, PassengerID: "p1", Version: 1})

	if code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rides/r1/accept", mustToken(t, "d1", "driver"), map[string]string{}, nil); code != http.StatusOK {
		t.Fatalf("first accept status = %d, want 200", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rides/r1/accept", mustToken(t, "d2", "driver"), map[string]string{}, nil); code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", code)
	}
}

func TestHTTP_Availability(t *testing.T) {
	_, _, srv := startHTTP(t)
	tok := mustToken(t, "d1", "driver")

	code := doJSON(t, http.MethodPut, srv.URL+"/api/v1/drivers/d1/availability", tok,
		map[string]bool{"available": true}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("put status = %d, want 204", code)
	}

	var out struct {
		Available bool `json:"available"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/v1/drivers/d1/availability", tok, nil, &out); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if !out.Available {
		t.Fatal("availability did not persist")
	}

	// A driver cannot flip someone else's flag.
	code = doJSON(t, http.MethodPut, srv.URL+"/api/v1/drivers/d2/availability", tok,
		map[string]bool{"available": true}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("foreign put status = %d, want 401", code)
	}
}

func TestHTTP_Healthz(t *testing.T) {
	_, _, srv := startHTTP(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
