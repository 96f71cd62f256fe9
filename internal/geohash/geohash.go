// Package geohash implements the base-32 geohash codec and the
// decomposition of circular regions into sortable hash ranges.
package geohash

import (
	"fmt"
	"math"
	"strings"
)

// Base32 is the geohash alphabet. Its byte order matches lexicographic
// string order, which keeps encoded hashes range-queryable.
const Base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	// DefaultPrecision is the precision used for stored hashes (~60cm cells).
	DefaultPrecision = 10
	// MaxPrecision is the longest supported hash (sub-centimeter cells).
	MaxPrecision = 22

	bitsPerChar = 5
	maxBits     = MaxPrecision * bitsPerChar
)

// Earth model constants shared by the radius-to-precision math.
const (
	earthEquatorialRadius        = 6378137.0  // meters, WGS84
	earthMeridionalCircumference = 40007860.0 // meters
	earthEccentricitySquared     = 0.00669447819799
	metersPerDegreeLatitude      = 110574.0
	epsilon                      = 1e-12
)

// ErrInvalidCoordinates reports out-of-range or non-finite latitude/longitude.
var ErrInvalidCoordinates = fmt.Errorf("geohash: invalid coordinates")

// ValidCoordinates reports whether lat/lng are finite and inside
// [-90, 90] x [-180, 180].
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Encode converts a coordinate pair to a geohash of the given precision.
// Bits alternate between longitude and latitude bisections, longitude first.
func Encode(lat, lng float64, precision int) (string, error) {
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("geohash: precision must be between 1 and %d, got %d", MaxPrecision, precision)
	}
	if !ValidCoordinates(lat, lng) {
		return "", fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lng)
	}

	latRange := [2]float64{-90, 90}
	lngRange := [2]float64{-180, 180}

	var sb strings.Builder
	sb.Grow(precision)

	even := true // longitude bit next
	ch := 0
	bit := 0
	for sb.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if lng >= mid {
				ch = ch<<1 | 1
				lngRange[0] = mid
			} else {
				ch <<= 1
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat >= mid {
				ch = ch<<1 | 1
				latRange[0] = mid
			} else {
				ch <<= 1
				latRange[1] = mid
			}
		}
		even = !even
		bit++
		if bit == bitsPerChar {
			sb.WriteByte(Base32[ch])
			ch = 0
			bit = 0
		}
	}
	return sb.String(), nil
}

// Decode returns the center of the cell a hash describes. The result is
// accurate to the cell resolution at the hash's precision, not to the
// point originally encoded.
func Decode(hash string) (lat, lng float64, err error) {
	if hash == "" || len(hash) > MaxPrecision {
		return 0, 0, fmt.Errorf("geohash: hash length must be between 1 and %d, got %d", MaxPrecision, len(hash))
	}

	latRange := [2]float64{-90, 90}
	lngRange := [2]float64{-180, 180}

	even := true
	for i := 0; i < len(hash); i++ {
		v := strings.IndexByte(Base32, hash[i])
		if v < 0 {
			return 0, 0, fmt.Errorf("geohash: invalid character %q in hash %q", hash[i], hash)
		}
		for mask := 1 << (bitsPerChar - 1); mask > 0; mask >>= 1 {
			if even {
				mid := (lngRange[0] + lngRange[1]) / 2
				if v&mask != 0 {
					lngRange[0] = mid
				} else {
					lngRange[1] = mid
				}
			} else {
				mid := (latRange[0] + latRange[1]) / 2
				if v&mask != 0 {
					latRange[0] = mid
				} else {
					latRange[1] = mid
				}
			}
			even = !even
		}
	}

	lat = (latRange[0] + latRange[1]) / 2
	lng = (lngRange[0] + lngRange[1]) / 2
	return lat, lng, nil
}

// wrapLongitude normalizes a longitude into [-180, 180].
func wrapLongitude(lng float64) float64 {
	if lng >= -180 && lng <= 180 {
		return lng
	}
	adjusted := lng + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}

func log2(x float64) float64 {
	return math.Log(x) / math.Ln2
}

// metersToLongitudeDegrees converts a distance into longitude degrees at a
// given latitude. Near the poles a positive distance spans all longitudes.
func metersToLongitudeDegrees(distance, latitude float64) float64 {
	radians := latitude * math.Pi / 180
	numerator := math.Cos(radians) * earthEquatorialRadius * math.Pi / 180
	denominator := 1 / math.Sqrt(1-earthEccentricitySquared*math.Sin(radians)*math.Sin(radians))
	deltaDegrees := numerator * denominator
	if deltaDegrees < epsilon {
		if distance > 0 {
			return 360
		}
		return 0
	}
	return math.Min(360, distance/deltaDegrees)
}

// latitudeBitsForResolution returns the number of latitude bits needed so a
// cell is no taller than the given resolution in meters.
func latitudeBitsForResolution(resolution float64) float64 {
	return math.Min(log2(earthMeridionalCircumference/2/resolution), maxBits)
}

// longitudeBitsForResolution returns the number of longitude bits needed so
// a cell at the given latitude is no wider than the resolution in meters.
func longitudeBitsForResolution(resolution, latitude float64) float64 {
	degrees := metersToLongitudeDegrees(resolution, latitude)
	if math.Abs(degrees) > 1e-6 {
		return math.Max(1, log2(360/degrees))
	}
	return 1
}

// boundingBoxBits returns the total hash bits for cells small enough that a
// box of the given size in meters around the coordinate is covered without
// the cell diagonal exceeding the size. Rounds toward more precision: an
// extra range is cheaper than a missed point.
func boundingBoxBits(lat, size float64) int {
	latDelta := size / metersPerDegreeLatitude
	latNorth := math.Min(90, lat+latDelta)
	latSouth := math.Max(-90, lat-latDelta)
	bitsLat := int(math.Floor(latitudeBitsForResolution(size))) * 2
	bitsLngNorth := int(math.Floor(longitudeBitsForResolution(size, latNorth)))*2 - 1
	bitsLngSouth := int(math.Floor(longitudeBitsForResolution(size, latSouth)))*2 - 1
	return minInt(bitsLat, bitsLngNorth, bitsLngSouth, maxBits)
}

// boundingBoxCoordinates returns the center of the circle plus the eight
// surrounding points of its bounding box, pole-clamped and wrapped across
// the antimeridian.
func boundingBoxCoordinates(lat, lng, radius float64) [][2]float64 {
	latDegrees := radius / metersPerDegreeLatitude
	latNorth := math.Min(90, lat+latDegrees)
	latSouth := math.Max(-90, lat-latDegrees)
	lngDegrees := math.Max(
		metersToLongitudeDegrees(radius, latNorth),
		metersToLongitudeDegrees(radius, latSouth),
	)
	return [][2]float64{
		{lat, lng},
		{lat, wrapLongitude(lng - lngDegrees)},
		{lat, wrapLongitude(lng + lngDegrees)},
		{latNorth, lng},
		{latNorth, wrapLongitude(lng - lngDegrees)},
		{latNorth, wrapLongitude(lng + lngDegrees)},
		{latSouth, lng},
		{latSouth, wrapLongitude(lng - lngDegrees)},
		{latSouth, wrapLongitude(lng + lngDegrees)},
	}
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
