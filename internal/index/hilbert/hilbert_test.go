package hilbert

import (
	"math"
	"testing"
)

func TestEncodeDecodeWithinCell(t *testing.T) {
	// Round-trip law: at order 16 the decode error stays under 0.01°.
	cases := []struct{ lat, lng float64 }{
		{0, 0},
		{52.52, 13.405},   // berlin
		{-33.86, 151.21},  // sydney
		{89.9, 179.9},
		{-89.9, -179.9},
		{37.77, -122.42},  // sf
	}
	for _, tc := range cases {
		code, err := Encode(tc.lat, tc.lng, DefaultOrder)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		lat, lng, err := Decode(code, DefaultOrder)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if math.Abs(lat-tc.lat) > 0.01 || math.Abs(lng-tc.lng) > 0.01 {
			t.Errorf("(%v, %v) decoded to (%v, %v)", tc.lat, tc.lng, lat, lng)
		}
	}
}

func TestHexCodesSortConsistently(t *testing.T) {
	a, err := EncodeHex(10, 10, DefaultOrder)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeHex(10.001, 10.001, DefaultOrder)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("hex widths differ: %q %q", a, b)
	}
	// Width covers 2*order bits.
	if len(a) != (2*DefaultOrder+3)/4 {
		t.Errorf("hex width = %d", len(a))
	}

	lat, lng, err := DecodeHex(a, DefaultOrder)
	if err != nil {
		t.Fatalf("DecodeHex failed: %v", err)
	}
	if math.Abs(lat-10) > 0.01 || math.Abs(lng-10) > 0.01 {
		t.Errorf("DecodeHex = (%v, %v)", lat, lng)
	}
}

func TestLocalityPreservation(t *testing.T) {
	// Points in two far-apart clusters; sorting by code must keep each
	// cluster contiguous.
	points := []Point{
		{ID: "osl-1", Lat: 59.91, Lng: 10.75},
		{ID: "syd-1", Lat: -33.86, Lng: 151.21},
		{ID: "osl-2", Lat: 59.92, Lng: 10.76},
		{ID: "syd-2", Lat: -33.87, Lng: 151.22},
		{ID: "osl-3", Lat: 59.93, Lng: 10.74},
	}
	if err := SortByHilbert(points, DefaultOrder); err != nil {
		t.Fatalf("SortByHilbert failed: %v", err)
	}

	cluster := func(id string) string { return id[:3] }
	changes := 0
	for i := 1; i < len(points); i++ {
		if cluster(points[i].ID) != cluster(points[i-1].ID) {
			changes++
		}
	}
	if changes != 1 {
		order := make([]string, len(points))
		for i, p := range points {
			order[i] = p.ID
		}
		t.Errorf("clusters interleaved after sort: %v", order)
	}
}

func TestEncodeBatch(t *testing.T) {
	codes, err := EncodeBatch([]Point{
		{ID: "a", Lat: 1, Lng: 1},
		{ID: "b", Lat: 2, Lng: 2},
	}, DefaultOrder)
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	if len(codes) != 2 || codes["a"] == "" || codes["a"] == codes["b"] {
		t.Errorf("codes = %v", codes)
	}
}

func TestOrderValidation(t *testing.T) {
	if _, err := Encode(0, 0, 0); err == nil {
		t.Error("order 0 accepted")
	}
	if _, err := Encode(0, 0, 32); err == nil {
		t.Error("order 32 accepted")
	}
}

func TestCoordinateClamping(t *testing.T) {
	code, err := Encode(1000, -1000, DefaultOrder)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	lat, lng, err := Decode(code, DefaultOrder)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if math.Abs(lat-90) > 0.01 || math.Abs(lng-(-180)) > 0.01 {
		t.Errorf("clamped decode = (%v, %v)", lat, lng)
	}
}
