package geowatch

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/kailas-cloud/geowatch/internal/geohash"
)

// Point is a validated coordinate pair in degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// NewPoint validates and creates a Point. Latitude must be within
// [-90, 90], longitude within [-180, 180]; NaN and Inf are rejected.
func NewPoint(lat, lng float64) (Point, error) {
	if !geohash.ValidCoordinates(lat, lng) {
		return Point{}, fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lng)
	}
	return Point{Latitude: lat, Longitude: lng}, nil
}

// Valid reports whether the point holds finite, in-range coordinates.
func (p Point) Valid() bool {
	return geohash.ValidCoordinates(p.Latitude, p.Longitude)
}

// DistanceMeters returns the haversine distance to another point.
func (p Point) DistanceMeters(other Point) float64 {
	return geo.Distance(
		orb.Point{p.Longitude, p.Latitude},
		orb.Point{other.Longitude, other.Latitude},
	)
}

func (p Point) String() string {
	return fmt.Sprintf("(%v, %v)", p.Latitude, p.Longitude)
}

// pointFromCoords parses the stored [lat, lng] field of a document.
func pointFromCoords(coords []float64) (Point, error) {
	if len(coords) != 2 {
		return Point{}, fmt.Errorf("%w: expected [lat, lng], got %d elements", ErrInvalidCoordinates, len(coords))
	}
	return NewPoint(coords[0], coords[1])
}
