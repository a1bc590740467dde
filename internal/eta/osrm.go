package eta

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ridesync/internal/models"
)

// OSRMClient resolves routed legs against an OSRM HTTP server. One round
// trip yields both the trip duration and the on-road distance the fare is
// quoted from.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (o *OSRMClient) Route(from, to models.Coord) (Route, error) {
	// /route/v1/driving/{lon1},{lat1};{lon2},{lat2} with OSRM's lon-first
	// coordinate order.
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=true",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm: status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm: no route (%s)", out.Code)
	}
	best := out.Routes[0]
	for _, r := range out.Routes[1:] {
		if r.Duration < best.Duration {
			best = r
		}
	}
	return Route{DurationSeconds: best.Duration, DistanceMeters: best.Distance}, nil
}
