package types

import (
	"fmt"
	"strconv"
)

// BoundingBox represents a geographic bounding box in WGS84 (EPSG:4326)
type BoundingBox struct {
	MinLon float64 // Western edge (degrees)
	MinLat float64 // Southern edge (degrees)
	MaxLon float64 // Eastern edge (degrees)
	MaxLat float64 // Northern edge (degrees)
}

// BoundsAround returns the bounding box spanning buffer degrees in every
// direction around a center point.
func BoundsAround(lat, lon, buffer float64) BoundingBox {
	return BoundingBox{
		MinLon: lon - buffer,
		MinLat: lat - buffer,
		MaxLon: lon + buffer,
		MaxLat: lat + buffer,
	}
}

// String returns a human-readable representation of the bounding box
func (b BoundingBox) String() string {
	return fmt.Sprintf("bbox(%.6f,%.6f,%.6f,%.6f)", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Center returns the center point of the bounding box
func (b BoundingBox) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// Width returns the width of the bounding box in degrees
func (b BoundingBox) Width() float64 {
	return b.MaxLon - b.MinLon
}

// Height returns the height of the bounding box in degrees
func (b BoundingBox) Height() float64 {
	return b.MaxLat - b.MinLat
}

// MetadataBounds returns the bounding box in MBTiles metadata form:
// "minLon,minLat,maxLon,maxLat".
func (b BoundingBox) MetadataBounds() string {
	return formatDeg(b.MinLon) + "," + formatDeg(b.MinLat) + "," +
		formatDeg(b.MaxLon) + "," + formatDeg(b.MaxLat)
}

func formatDeg(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
