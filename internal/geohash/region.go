package geohash

import (
	"fmt"
	"math"
)

// rangeTerminator sorts after every Base32 character, so [prefix,
// prefix+rangeTerminator) covers everything sharing the prefix.
const rangeTerminator = "~"

// Query is a half-open [Start, End) range over the geohash string domain.
type Query struct {
	Start string
	End   string
}

// Contains reports whether a hash falls inside the range.
func (q Query) Contains(hash string) bool {
	return q.Start <= hash && hash < q.End
}

// ContainsOrEqual reports whether other's range is fully inside q, allowing
// the two to be equal.
func (q Query) ContainsOrEqual(other Query) bool {
	return q.Start <= other.Start && other.End <= q.End
}

// ContainsQuery reports whether other is a strict subset of q.
func (q Query) ContainsQuery(other Query) bool {
	return q.ContainsOrEqual(other) && q != other
}

func (q Query) String() string {
	return fmt.Sprintf("[%s, %s)", q.Start, q.End)
}

// queryForHash builds the tight prefix range around a hash given the number
// of significant bits. The range start zeroes the unused bits of the last
// character; the range end is the successor cell at that bit depth.
func queryForHash(hash string, bits int) Query {
	precision := (bits + bitsPerChar - 1) / bitsPerChar
	if len(hash) < precision {
		return Query{Start: hash, End: hash + rangeTerminator}
	}
	hash = hash[:precision]
	base := hash[:len(hash)-1]
	lastValue := indexOfBase32(hash[len(hash)-1])
	significantBits := bits - len(base)*bitsPerChar
	unusedBits := bitsPerChar - significantBits
	startValue := (lastValue >> unusedBits) << unusedBits
	endValue := startValue + (1 << unusedBits)
	if endValue > 31 {
		return Query{Start: base + string(Base32[startValue]), End: base + rangeTerminator}
	}
	return Query{Start: base + string(Base32[startValue]), End: base + string(Base32[endValue])}
}

func indexOfBase32(c byte) int {
	for i := 0; i < len(Base32); i++ {
		if Base32[i] == c {
			return i
		}
	}
	return -1
}

// QueriesAtLocation decomposes the circle around (lat, lng) with the given
// radius in meters into a minimal covering set of hash ranges. The union of
// the ranges is a superset of the circle; callers re-check exact distance.
func QueriesAtLocation(lat, lng, radiusMeters float64) ([]Query, error) {
	if !ValidCoordinates(lat, lng) {
		return nil, fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lng)
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil, fmt.Errorf("geohash: radius must be non-negative, got %v", radiusMeters)
	}

	queryBits := boundingBoxBits(lat, radiusMeters)
	if queryBits < 1 {
		queryBits = 1
	}
	precision := (queryBits + bitsPerChar - 1) / bitsPerChar

	coords := boundingBoxCoordinates(lat, lng, radiusMeters)
	queries := make([]Query, 0, len(coords))
	for _, c := range coords {
		hash, err := Encode(c[0], c[1], precision)
		if err != nil {
			return nil, err
		}
		queries = append(queries, queryForHash(hash, queryBits))
	}
	return dedupeQueries(queries), nil
}

// dedupeQueries removes duplicates and ranges wholly contained in another
// range, keeping the coarser superset. Containment reduction only; the
// covered region never changes.
func dedupeQueries(queries []Query) []Query {
	out := make([]Query, 0, len(queries))
	for i, q := range queries {
		redundant := false
		for j, other := range queries {
			if i == j {
				continue
			}
			if other.ContainsQuery(q) {
				redundant = true
				break
			}
			// Exact duplicate: keep only the first occurrence.
			if other == q && j < i {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, q)
		}
	}
	return out
}
