// Package rest is the request/response collaborator surface consumed by the
// sync engine: snapshot fetches, driver-initiated status changes, estimates,
// availability, and ride acceptance. Failures come back as classified error
// values, never as panics; a 401 is always ErrUnauthorized, never retried as
// success.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/example/ridesync/internal/models"
)

var (
	ErrRideNotFound = errors.New("ride not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// TransportError marks a recoverable network/server failure. Callers may
// retry a bounded number of times before surfacing it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError is a user-facing rejection of an outbound request. It is
// surfaced, not retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		token:   token,
	}
}

// SetToken swaps the bearer credential after a re-authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FetchRide pulls the authoritative ride record. It always round-trips;
// there is no client-side cache to go stale.
func (c *Client) FetchRide(ctx context.Context, rideID string) (models.Ride, error) {
	var ride models.Ride
	err := c.do(ctx, http.MethodGet, "/api/v1/rides/"+rideID, nil, &ride)
	return ride, err
}

func (c *Client) UpdateRideStatus(ctx context.Context, rideID string, status models.Status, version int64) (models.Ride, error) {
	body := map[string]any{"status": string(status), "version": version}
	var ride models.Ride
	err := c.do(ctx, http.MethodPatch, "/api/v1/rides/"+rideID+"/status", body, &ride)
	return ride, err
}

func (c *Client) Estimate(ctx context.Context, origin, destination models.Coord) (models.Estimate, error) {
	body := map[string]any{"origin": origin, "destination": destination}
	var est models.Estimate
	err := c.do(ctx, http.MethodPost, "/api/v1/rides/estimate", body, &est)
	return est, err
}

func (c *Client) SetAvailability(ctx context.Context, driverID string, available bool) error {
	body := map[string]any{"available": available}
	return c.do(ctx, http.MethodPut, "/api/v1/drivers/"+driverID+"/availability", body, nil)
}

func (c *Client) GetAvailability(ctx context.Context, driverID string) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/drivers/"+driverID+"/availability", nil, &out)
	return out.Available, err
}

func (c *Client) AcceptRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	body := map[string]any{"driver_id": driverID}
	var ride models.Ride
	err := c.do(ctx, http.MethodPost, "/api/v1/rides/"+rideID+"/accept", body, &ride)
	return ride, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrRideNotFound)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ValidationError{Message: string(bytes.TrimSpace(msg))}
	case resp.StatusCode >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("decode: %w", err)}
		}
	}
	return nil
}
