// Package polyline implements the encoded polyline format: coordinates at 1e5
// precision, delta encoded per axis, zig-zag signed, emitted as 5-bit chunks
// offset into printable ASCII.
package polyline

import (
	"math"
	"strings"
)

const (
	precision = 1e5
	chunkBits = 5
	chunkMask = 0x1f
	moreFlag  = 0x20
	asciiBase = 63
	// maxShift caps the bits consumed for a single value so a corrupt run of
	// continuation bytes cannot overflow the accumulator.
	maxShift = 60
)

// Point is a coordinate pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Encoder appends points to a polyline one at a time. Bytes already emitted
// never change when more points are added.
type Encoder struct {
	prevLat int64
	prevLon int64
	buf     strings.Builder
}

// Append encodes p relative to the previously appended point.
func (e *Encoder) Append(p Point) {
	lat := scale(p.Lat)
	lon := scale(p.Lon)
	writeValue(&e.buf, lat-e.prevLat)
	writeValue(&e.buf, lon-e.prevLon)
	e.prevLat, e.prevLon = lat, lon
}

// String returns the polyline encoded so far.
func (e *Encoder) String() string {
	return e.buf.String()
}

// Len returns the number of bytes emitted so far.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// Encode returns the polyline for points. An empty input yields "".
func Encode(points []Point) string {
	var enc Encoder
	for _, p := range points {
		enc.Append(p)
	}
	return enc.String()
}

// Decode parses s into points. Malformed input never panics: decoding stops at
// the first truncated or invalid value and the complete pairs read so far are
// returned.
func Decode(s string) []Point {
	points := make([]Point, 0, len(s)/4)
	var lat, lon int64
	i := 0
	for i < len(s) {
		dLat, next, ok := readValue(s, i)
		if !ok {
			break
		}
		dLon, next, ok := readValue(s, next)
		if !ok {
			break
		}
		i = next
		lat += dLat
		lon += dLon
		points = append(points, Point{
			Lat: float64(lat) / precision,
			Lon: float64(lon) / precision,
		})
	}
	return points
}

func scale(v float64) int64 {
	return int64(math.Round(v * precision))
}

func writeValue(b *strings.Builder, delta int64) {
	v := delta << 1
	if delta < 0 {
		v = ^v
	}
	u := uint64(v)
	for u >= moreFlag {
		b.WriteByte(byte((moreFlag | (u & chunkMask)) + asciiBase))
		u >>= chunkBits
	}
	b.WriteByte(byte(u + asciiBase))
}

// readValue decodes one zig-zag value starting at s[i] and returns it with the
// index of the next unread byte.
func readValue(s string, i int) (int64, int, bool) {
	var result uint64
	shift := uint(0)
	for {
		if i >= len(s) || shift > maxShift {
			return 0, i, false
		}
		b := int(s[i]) - asciiBase
		i++
		if b < 0 || b > 0x3f {
			return 0, i, false
		}
		result |= uint64(b&chunkMask) << shift
		shift += chunkBits
		if b < moreFlag {
			break
		}
	}
	if result&1 != 0 {
		return int64(^(result >> 1)), i, true
	}
	return int64(result >> 1), i, true
}
