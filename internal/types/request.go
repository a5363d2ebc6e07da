// Package types defines the shared value types of the tile bundler:
// geographic bounds, download requests, and session status.
package types

import "fmt"

// Status is the lifecycle state of a download session.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether the status is a sticky end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Zoom levels accepted for a download request.
const (
	MinAllowedZoom = 1
	MaxAllowedZoom = 21
)

// Buffer range accepted for a download request, in degrees.
const (
	MinBuffer = 0.001
	MaxBuffer = 0.1
)

// DownloadRequest describes one tile download: a center point, a buffer in
// degrees around it, and an inclusive zoom range. Filename is an optional
// display name for the resulting archive.
type DownloadRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Buffer   float64 `json:"buffer"`
	MinZoom  int     `json:"min_zoom"`
	MaxZoom  int     `json:"max_zoom"`
	Filename string  `json:"filename"`
}

// Validate checks the request against the accepted input ranges. The poles
// and the antimeridian are rejected outright: tile row math diverges at
// ±90° and a box straddling ±180° would not be a rectangle in tile space.
func (r DownloadRequest) Validate() error {
	if r.Lat <= -90 || r.Lat >= 90 {
		return fmt.Errorf("latitude %v out of range (-90, 90)", r.Lat)
	}
	if r.Lon <= -180 || r.Lon >= 180 {
		return fmt.Errorf("longitude %v out of range (-180, 180)", r.Lon)
	}
	if r.MinZoom < MinAllowedZoom || r.MinZoom > MaxAllowedZoom ||
		r.MaxZoom < MinAllowedZoom || r.MaxZoom > MaxAllowedZoom {
		return fmt.Errorf("zoom levels must be between %d and %d", MinAllowedZoom, MaxAllowedZoom)
	}
	if r.MinZoom > r.MaxZoom {
		return fmt.Errorf("min zoom %d exceeds max zoom %d", r.MinZoom, r.MaxZoom)
	}
	if r.Buffer < MinBuffer || r.Buffer > MaxBuffer {
		return fmt.Errorf("buffer must be between %v and %v degrees", MinBuffer, MaxBuffer)
	}
	return nil
}

// Bounds returns the bounding box covered by the request.
func (r DownloadRequest) Bounds() BoundingBox {
	return BoundsAround(r.Lat, r.Lon, r.Buffer)
}
