package rest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ridesync/internal/models"
	"github.com/example/ridesync/internal/observability"
)

// SnapshotFetcher adds the bounded-retry policy for transport failures on
// top of the raw client. NotFound and Unauthorized are classifications, not
// retriable conditions, and pass straight through.
type SnapshotFetcher struct {
	Client  *Client
	Retries int
	Delay   time.Duration
	Log     *slog.Logger
}

// Fetch is idempotent and safe to call on mount, after a reconnect, or
// after an ambiguous push event.
func (f *SnapshotFetcher) Fetch(ctx context.Context, rideID string) (models.Ride, error) {
	attempts := f.Retries
	if attempts < 1 {
		attempts = 1
	}
	delay := f.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		ride, err := f.Client.FetchRide(ctx, rideID)
		if err == nil {
			observability.SnapshotFetches.WithLabelValues("ok").Inc()
			return ride, nil
		}
		var te *TransportError
		if !errors.As(err, &te) {
			observability.SnapshotFetches.WithLabelValues(classify(err)).Inc()
			return models.Ride{}, err
		}
		lastErr = err
		if f.Log != nil {
			f.Log.Warn("snapshot fetch retry", "ride_id", rideID, "attempt", i+1, "error", err)
		}
		select {
		case <-ctx.Done():
			return models.Ride{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	observability.SnapshotFetches.WithLabelValues("transport_error").Inc()
	return models.Ride{}, lastErr
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrRideNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
