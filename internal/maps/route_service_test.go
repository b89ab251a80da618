package maps

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"carpool/internal/modules/location"
	"carpool/internal/types"
)

type fakeDirections struct {
	routes []maps.Route
	err    error
	last   *maps.DirectionsRequest
}

func (f *fakeDirections) Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error) {
	f.last = r
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.routes, nil, nil
}

func unlimited() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }

func stepRoute(meters int, pts ...maps.LatLng) maps.Route {
	return maps.Route{
		Legs: []*maps.Leg{{
			Distance: maps.Distance{Meters: meters},
			Steps:    []*maps.Step{{Polyline: maps.Polyline{Points: maps.Encode(pts)}}},
		}},
	}
}

func TestGetRouteDensifiesPath(t *testing.T) {
	fake := &fakeDirections{routes: []maps.Route{stepRoute(1250,
		maps.LatLng{Lat: 55.75, Lng: 37.60},
		maps.LatLng{Lat: 55.75, Lng: 37.62},
	)}}
	svc := newRouteService(fake, unlimited())

	route, err := svc.GetRoute(context.Background(),
		types.Point{Lat: 55.75, Lng: 37.60},
		[]types.Point{{Lat: 55.751, Lng: 37.61}},
		types.Point{Lat: 55.75, Lng: 37.62},
	)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if route.DistanceM != 1250 {
		t.Errorf("distance = %f", route.DistanceM)
	}
	if len(route.Path) < 40 {
		t.Fatalf("expected densified path, got %d samples", len(route.Path))
	}
	for i := 1; i < len(route.Path); i++ {
		if gap := location.HaversineM(route.Path[i-1], route.Path[i]); gap > DefaultSampleSpacingM+0.5 {
			t.Fatalf("gap %d = %.1fm exceeds spacing", i, gap)
		}
	}
	if fake.last == nil || len(fake.last.Waypoints) != 1 || fake.last.Waypoints[0] != "55.751000,37.610000" {
		t.Errorf("unexpected request: %+v", fake.last)
	}
}

func TestGetRouteUnavailable(t *testing.T) {
	cases := []struct {
		name string
		fake *fakeDirections
	}{
		{"api error", &fakeDirections{err: errors.New("OVER_QUERY_LIMIT")}},
		{"no routes", &fakeDirections{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newRouteService(tc.fake, unlimited()).GetRoute(context.Background(), types.Point{}, nil, types.Point{Lat: 1})
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestGetRouteDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	svc := newRouteService(&fakeDirections{err: errors.New("request canceled")}, unlimited())
	_, err := svc.GetRoute(ctx, types.Point{}, nil, types.Point{Lat: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("deadline must not be reported as unavailable")
	}
}

func TestDensifyKeepsShortPaths(t *testing.T) {
	path := []types.Point{{Lat: 1, Lng: 1}}
	if got := Densify(path, 25); len(got) != 1 {
		t.Fatalf("expected single point, got %v", got)
	}
	dup := []types.Point{{Lat: 1, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 1.0001}}
	if got := Densify(dup, 25); len(got) != 2 {
		t.Fatalf("expected duplicates dropped, got %v", got)
	}
}
