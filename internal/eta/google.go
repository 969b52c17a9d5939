package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// GoogleClient answers route queries with the Google Distance Matrix API.
type GoogleClient struct {
	client *maps.Client
}

// NewGoogleClient creates a client with the given API key. Extra options are passed to the maps client.
func NewGoogleClient(apiKey string, opts ...maps.ClientOption) (*GoogleClient, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: client}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := g.route(ctx, from, to)
	if err != nil {
		observability.OracleRequests.WithLabelValues("google", "error").Inc()
		return Route{}, err
	}
	observability.OracleRequests.WithLabelValues("google", "ok").Inc()
	return r, nil
}

func (g *GoogleClient) route(ctx context.Context, from, to models.Coord) (Route, error) {
	req := &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
	}
	resp, err := g.client.DistanceMatrix(ctx, req)
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, fmt.Errorf("no route found: %s", el.Status)
	}
	return Route{DistanceKm: float64(el.Distance.Meters) / 1000, DurationS: el.Duration.Seconds()}, nil
}

func latLng(c models.Coord) string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng) }
