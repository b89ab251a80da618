package location

import (
	"math"
	"testing"

	"carpool/internal/config"
	"carpool/internal/types"
)

func TestHaversineM_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantM     float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 25.033, Lng: 121.565},
			b:         types.Point{Lat: 25.033, Lng: 121.565},
			wantM:     0,
			tolerance: 0.001,
		},
		{
			name:      "one millidegree of latitude (~111m)",
			a:         types.Point{Lat: 55.750, Lng: 37.610},
			b:         types.Point{Lat: 55.751, Lng: 37.610},
			wantM:     111.2,
			tolerance: 0.5,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantM:     3944000,
			tolerance: 50000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineM(tt.a, tt.b)
			if math.Abs(got-tt.wantM) > tt.tolerance {
				t.Errorf("HaversineM() = %f, want %f (±%f)", got, tt.wantM, tt.tolerance)
			}
		})
	}
}

func TestHaversineM_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	if d1, d2 := HaversineM(a, b), HaversineM(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestMinDistanceM_Empty(t *testing.T) {
	if d := MinDistanceM(types.Point{}, nil); !math.IsInf(d, 1) {
		t.Fatalf("expected +Inf, got %f", d)
	}
}

// A straight east-west path sampled every 0.001° of longitude (~63m at 55.75°N).
func samplePath() []types.Point {
	var path []types.Point
	for i := 0; i <= 20; i++ {
		path = append(path, types.Point{Lat: 55.75, Lng: 37.60 + float64(i)*0.001})
	}
	return path
}

func TestIsNear(t *testing.T) {
	path := samplePath()
	tests := []struct {
		name string
		p    types.Point
		path []types.Point
		want bool
	}{
		{"on a sample", types.Point{Lat: 55.75, Lng: 37.605}, path, true},
		{"50m north of the path", types.Point{Lat: 55.75045, Lng: 37.605}, path, true},
		{"300m north of the path", types.Point{Lat: 55.7527, Lng: 37.605}, path, false},
		{"past the end of the path", types.Point{Lat: 55.75, Lng: 37.63}, path, false},
		{"empty path", types.Point{Lat: 55.75, Lng: 37.605}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNear(tt.p, tt.path, 100); got != tt.want {
				t.Errorf("IsNear() = %v, want %v (min distance %.1fm)", got, tt.want, MinDistanceM(tt.p, tt.path))
			}
		})
	}
}

func TestEvaluatorNear(t *testing.T) {
	dest := types.Point{Lat: 55.75, Lng: 37.62}
	ev := NewEvaluator(dest, config.DefaultMatching())
	origin := types.Point{Lat: 55.75, Lng: 37.60}

	tests := []struct {
		name     string
		p        types.Point
		path     []types.Point
		want     bool
		wantMode Mode
	}{
		{"path rule accepts", types.Point{Lat: 55.75045, Lng: 37.605}, samplePath(), true, ModePath},
		{"path rule rejects even near origin", types.Point{Lat: 55.7527, Lng: 37.60}, samplePath(), false, ModePath},
		{"degraded accepts within 2km of origin", types.Point{Lat: 55.7527, Lng: 37.60}, nil, true, ModeDegraded},
		{"degraded rejects beyond 2km of origin", types.Point{Lat: 55.73, Lng: 37.60}, nil, false, ModeDegraded},
		{"degraded rejects beyond destination ceiling", types.Point{Lat: 55.85, Lng: 37.62}, nil, false, ModeDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mode := ev.Near(tt.p, origin, tt.path)
			if got != tt.want || mode != tt.wantMode {
				t.Errorf("Near() = (%v, %s), want (%v, %s)", got, mode, tt.want, tt.wantMode)
			}
		})
	}
}

func TestEvaluatorCeilingAppliesNearOrigin(t *testing.T) {
	// Offer origin 20km from the destination: a passenger next to it is still outside the
	// destination ceiling in degraded mode.
	dest := types.Point{Lat: 55.75, Lng: 37.62}
	origin := types.Point{Lat: 55.93, Lng: 37.62}
	ev := NewEvaluator(dest, config.DefaultMatching())
	if ok, _ := ev.Near(types.Point{Lat: 55.931, Lng: 37.62}, origin, nil); ok {
		t.Fatal("expected rejection beyond destination ceiling")
	}
}
