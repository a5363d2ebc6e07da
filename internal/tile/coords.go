// Package tile implements Web Mercator tile arithmetic: mapping between
// geographic coordinates and tile indices, XYZ/TMS row conversion, and
// bounding-box tile range enumeration.
package tile

import (
	"fmt"
	"math"

	"github.com/cartolab/tilebundler/internal/types"
)

// ToTile converts a geographic coordinate to the XYZ tile containing it.
// Latitude is not clamped here; a latitude approaching ±90° makes the row
// index diverge, so callers validate latitude before mapping.
func ToTile(lat, lon float64, zoom int) (x, y int) {
	latRad := lat * math.Pi / 180
	n := math.Exp2(float64(zoom))
	x = int(math.Floor((lon + 180) / 360 * n))
	y = int(math.Floor((1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n))
	return x, y
}

// ToLatLon returns the northwest corner of a tile in WGS84. Inverse of
// ToTile for display and debugging; the write path never needs it.
func ToLatLon(x, y, zoom int) (lat, lon float64) {
	n := math.Exp2(float64(zoom))
	lon = float64(x)/n*360 - 180
	lat = 180 / math.Pi * math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n)))
	return lat, lon
}

// TMSRow flips a row index between the XYZ convention (rows grow
// southward) and the TMS convention (rows grow northward). The flip is
// its own inverse.
func TMSRow(zoom, y int) int {
	return (1 << zoom) - 1 - y
}

// Range is the inclusive tile-index rectangle covering a bounding box at
// a single zoom level.
type Range struct {
	Zoom       int
	MinX, MaxX int
	MinY, MaxY int
}

// Count returns the number of tiles in the range.
func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// String returns a human-readable representation of the range.
func (r Range) String() string {
	return fmt.Sprintf("z%d x[%d..%d] y[%d..%d]", r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
}

// RangeForZoom maps the corners of a bounding box to the tile rectangle
// covering it at one zoom level. Row indices grow southward, so the
// range's minimum row comes from the box's maximum latitude and vice
// versa.
func RangeForZoom(b types.BoundingBox, zoom int) Range {
	minX, maxY := ToTile(b.MinLat, b.MinLon, zoom)
	maxX, minY := ToTile(b.MaxLat, b.MaxLon, zoom)
	return Range{
		Zoom: zoom,
		MinX: minX,
		MaxX: maxX,
		MinY: minY,
		MaxY: maxY,
	}
}

// CountForBounds returns the total number of tiles covering a bounding
// box across an inclusive zoom range, plus the per-zoom breakdown.
//
// Both the up-front estimate and the progress total are derived through
// this one function so the two can never drift apart.
func CountForBounds(b types.BoundingBox, minZoom, maxZoom int) (int, map[int]int) {
	total := 0
	perZoom := make(map[int]int, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		n := RangeForZoom(b, z).Count()
		perZoom[z] = n
		total += n
	}
	return total, perZoom
}
