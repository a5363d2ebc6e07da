// Package mbtiles provides MBTiles format support for reading and writing tile databases.
package mbtiles

import "strconv"

// Metadata contains MBTiles metadata fields. Bounds and Center carry the
// already-formatted metadata strings ("minLon,minLat,maxLon,maxLat" and
// "lon,lat,minZoom") since the archive format fixes their layout.
type Metadata struct {
	Name        string // Human-readable tileset identifier
	Format      string // Tile data type (png, jpg)
	Attribution string // Attribution text
	Description string // Human-readable description
	Type        string // "baselayer" or "overlay"
	Version     string // Version string
	Bounds      string
	Center      string
	MinZoom     int
	MaxZoom     int
}

// Rows returns the metadata as ordered name/value pairs for insertion.
func (m Metadata) Rows() [][2]string {
	return [][2]string{
		{"name", m.Name},
		{"type", m.Type},
		{"version", m.Version},
		{"description", m.Description},
		{"format", m.Format},
		{"bounds", m.Bounds},
		{"minzoom", strconv.Itoa(m.MinZoom)},
		{"maxzoom", strconv.Itoa(m.MaxZoom)},
		{"center", m.Center},
		{"attribution", m.Attribution},
	}
}
