// Package hilbert encodes geographic coordinates onto a 2-D Hilbert
// curve. Nearby points get nearby codes, so sorting by code clusters
// spatial neighbors — the property range scans and compaction rely on.
//
// Codes are unsigned big integers of 2·order bits; the hex form is
// zero-padded so all codes at one order sort lexicographically.
package hilbert

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// DefaultOrder is the curve order used by the geo index.
const DefaultOrder = 16

// Encode maps (lat, lng) to a Hilbert code at the given order.
// Latitude is clamped to [-90, 90], longitude to [-180, 180].
func Encode(lat, lng float64, order int) (*big.Int, error) {
	if order < 1 || order > 31 {
		return nil, errors.Newf(errors.CodeInvalidInput, "hilbert order %d outside [1, 31]", order)
	}
	lat = clamp(lat, -90, 90)
	lng = clamp(lng, -180, 180)

	n := uint64(1) << uint(order)
	// Scale to grid cells; the max value lands in the last cell.
	x := uint64((lng + 180) / 360 * float64(n))
	y := uint64((lat + 90) / 180 * float64(n))
	if x >= n {
		x = n - 1
	}
	if y >= n {
		y = n - 1
	}

	d := xyToD(order, x, y)
	return new(big.Int).SetUint64(d), nil
}

// EncodeHex renders the code zero-padded to the width every code at
// this order needs, so codes sort lexicographically.
func EncodeHex(lat, lng float64, order int) (string, error) {
	code, err := Encode(lat, lng, order)
	if err != nil {
		return "", err
	}
	width := (2*order + 3) / 4
	return fmt.Sprintf("%0*x", width, code), nil
}

// Decode maps a code back to the center of its grid cell: approximate
// inverse of Encode to within one cell at the chosen order.
func Decode(code *big.Int, order int) (lat, lng float64, err error) {
	if order < 1 || order > 31 {
		return 0, 0, errors.Newf(errors.CodeInvalidInput, "hilbert order %d outside [1, 31]", order)
	}
	if !code.IsUint64() {
		return 0, 0, errors.New(errors.CodeInvalidInput, "hilbert code out of range for order")
	}
	n := uint64(1) << uint(order)
	x, y := dToXY(order, code.Uint64())

	cell := 1.0 / float64(n)
	lng = (float64(x)+0.5)*cell*360 - 180
	lat = (float64(y)+0.5)*cell*180 - 90
	return lat, lng, nil
}

// DecodeHex parses a zero-padded hex code and decodes it.
func DecodeHex(hexCode string, order int) (lat, lng float64, err error) {
	code, ok := new(big.Int).SetString(hexCode, 16)
	if !ok {
		return 0, 0, errors.Newf(errors.CodeInvalidInput, "malformed hilbert code %q", hexCode)
	}
	return Decode(code, order)
}

// xyToD converts grid coordinates to the distance along the curve.
func xyToD(order int, x, y uint64) uint64 {
	var d uint64
	for s := uint64(1) << uint(order-1); s > 0; s >>= 1 {
		var rx, ry uint64
		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		x, y = rot(s, x, y, rx, ry)
	}
	return d
}

// dToXY converts a distance along the curve back to grid coordinates.
func dToXY(order int, d uint64) (x, y uint64) {
	t := d
	for s := uint64(1); s < uint64(1)<<uint(order); s <<= 1 {
		rx := 1 & (t / 2)
		ry := 1 & (t ^ rx)
		x, y = rot(s, x, y, rx, ry)
		x += s * rx
		y += s * ry
		t /= 4
	}
	return x, y
}

// rot rotates/flips a quadrant.
func rot(s, x, y, rx, ry uint64) (uint64, uint64) {
	if ry == 0 {
		if rx == 1 {
			x = s - 1 - x
			y = s - 1 - y
		}
		x, y = y, x
	}
	return x, y
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Point is a geotagged document reference.
type Point struct {
	ID  string
	Lat float64
	Lng float64
}

// EncodeBatch encodes many points at once.
func EncodeBatch(points []Point, order int) (map[string]string, error) {
	out := make(map[string]string, len(points))
	for _, p := range points {
		code, err := EncodeHex(p.Lat, p.Lng, order)
		if err != nil {
			return nil, err
		}
		out[p.ID] = code
	}
	return out, nil
}

// SortByHilbert orders points along the curve in place. Nearby
// geographic points end up near each other in the result.
func SortByHilbert(points []Point, order int) error {
	type coded struct {
		p    Point
		code string
	}
	tagged := make([]coded, len(points))
	for i, p := range points {
		code, err := EncodeHex(p.Lat, p.Lng, order)
		if err != nil {
			return err
		}
		tagged[i] = coded{p: p, code: code}
	}
	sort.SliceStable(tagged, func(i, j int) bool { return tagged[i].code < tagged[j].code })
	for i := range tagged {
		points[i] = tagged[i].p
	}
	return nil
}
