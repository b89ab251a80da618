// README: Route geometry provider backed by the Google Maps Directions API.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"carpool/internal/modules/location"
	"carpool/internal/types"
)

// ErrUnavailable is returned when no route could be produced.
var ErrUnavailable = errors.New("route unavailable")

// DefaultSampleSpacingM bounds the gap between consecutive path samples.
const DefaultSampleSpacingM = 25.0

// Route is a sampled driving path ending at the destination.
type Route struct {
	Path      []types.Point
	DistanceM float64
}

type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client   directionsClient
	limiter  *rate.Limiter
	spacingM float64
}

// NewRouteService creates a new RouteService with the given API Key. ratePerSec caps
// outgoing Directions calls across all goroutines.
func NewRouteService(apiKey string, ratePerSec float64, burst int) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return newRouteService(client, rate.NewLimiter(rate.Limit(ratePerSec), burst)), nil
}

func newRouteService(client directionsClient, limiter *rate.Limiter) *RouteService {
	return &RouteService{client: client, limiter: limiter, spacingM: DefaultSampleSpacingM}
}

// GetRoute returns the driving path origin -> waypoints... -> destination. Step polylines
// are decoded and densified so samples are at most DefaultSampleSpacingM apart.
func (s *RouteService) GetRoute(ctx context.Context, origin types.Point, waypoints []types.Point, destination types.Point) (Route, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Route{}, fmt.Errorf("maps rate limit: %w", ctxErr)
		}
		// Wait refuses up front when no token frees up before the deadline.
		return Route{}, fmt.Errorf("maps rate limit: %w: %v", context.DeadlineExceeded, err)
	}

	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}
	for _, w := range waypoints {
		r.Waypoints = append(r.Waypoints, latLng(w))
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Route{}, fmt.Errorf("maps api: %w", ctxErr)
		}
		return Route{}, fmt.Errorf("%w: maps api error: %v", ErrUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("%w: no route found", ErrUnavailable)
	}

	var (
		raw      []types.Point
		distance float64
	)
	for _, leg := range routes[0].Legs {
		distance += float64(leg.Distance.Meters)
		for _, step := range leg.Steps {
			pts, err := step.Polyline.Decode()
			if err != nil {
				return Route{}, fmt.Errorf("%w: decode polyline: %v", ErrUnavailable, err)
			}
			for _, p := range pts {
				raw = append(raw, types.Point{Lat: p.Lat, Lng: p.Lng})
			}
		}
	}
	if len(raw) == 0 {
		pts, err := routes[0].OverviewPolyline.Decode()
		if err != nil || len(pts) == 0 {
			return Route{}, fmt.Errorf("%w: empty polyline", ErrUnavailable)
		}
		for _, p := range pts {
			raw = append(raw, types.Point{Lat: p.Lat, Lng: p.Lng})
		}
	}

	return Route{Path: Densify(raw, s.spacingM), DistanceM: distance}, nil
}

// Densify inserts linearly interpolated samples so consecutive points are at most maxGapM
// apart. Linear interpolation in degrees is accurate enough at street scale.
func Densify(path []types.Point, maxGapM float64) []types.Point {
	if len(path) < 2 || maxGapM <= 0 {
		return path
	}
	out := make([]types.Point, 0, len(path))
	out = append(out, path[0])
	for i := 1; i < len(path); i++ {
		a, b := path[i-1], path[i]
		if a == b {
			continue
		}
		n := int(location.HaversineM(a, b) / maxGapM)
		for k := 1; k <= n; k++ {
			f := float64(k) / float64(n+1)
			out = append(out, types.Point{
				Lat: a.Lat + (b.Lat-a.Lat)*f,
				Lng: a.Lng + (b.Lng-a.Lng)*f,
			})
		}
		out = append(out, b)
	}
	return out
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
