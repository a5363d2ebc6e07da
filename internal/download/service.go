// Package download orchestrates tile download sessions: it validates
// requests, computes tile ranges, drives the fetch/validate/store
// pipeline, and finalizes per-session progress.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cartolab/tilebundler/internal/fetch"
	"github.com/cartolab/tilebundler/internal/mbtiles"
	"github.com/cartolab/tilebundler/internal/progress"
	"github.com/cartolab/tilebundler/internal/tile"
	"github.com/cartolab/tilebundler/internal/types"
)

// ErrNotReady is returned by ArchivePath for sessions that have not
// completed yet.
var ErrNotReady = errors.New("archive not ready")

// Tileset metadata written into every archive.
const (
	tilesetName        = "Satellite Imagery"
	tilesetDescription = "Satellite imagery tiles"
	tilesetAttribution = "Satellite imagery © ArcGIS World Imagery"
	tilesetVersion     = "1.0"
)

// TileFetcher fetches one tile in XYZ addressing.
type TileFetcher interface {
	Fetch(ctx context.Context, zoom, x, y int) fetch.Outcome
}

// Config configures a Service.
type Config struct {
	// OutputDir is where archives are written. Created if missing.
	OutputDir string
	// Fetcher retrieves tiles. Defaults to fetch.New(fetch.Config{}).
	Fetcher TileFetcher
	// Logger for operator-facing output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service runs download sessions. Each Start spawns one goroutine that
// runs the session to a terminal state; there is no cancellation path,
// a session is fire-and-forget to completion.
type Service struct {
	outputDir string
	fetcher   TileFetcher
	store     *progress.Store
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(fetch.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		outputDir: cfg.OutputDir,
		fetcher:   cfg.Fetcher,
		store:     progress.NewStore(),
		logger:    cfg.Logger,
	}, nil
}

// StartInfo describes an accepted download request.
type StartInfo struct {
	SessionID      string
	EstimatedTiles int
	TilesPerZoom   map[int]int
	Bounds         types.BoundingBox
}

// Start validates the request, registers a session, and begins
// downloading in the background. It returns as soon as the session is
// registered; progress is observed via Progress.
func (s *Service) Start(req types.DownloadRequest) (StartInfo, error) {
	if err := req.Validate(); err != nil {
		return StartInfo{}, err
	}

	bounds := req.Bounds()
	total, perZoom := tile.CountForBounds(bounds, req.MinZoom, req.MaxZoom)

	id := "session_" + uuid.NewString()
	s.store.Create(id)

	s.logger.Info("download session started",
		"session", id,
		"lat", req.Lat,
		"lon", req.Lon,
		"buffer", req.Buffer,
		"zoom_min", req.MinZoom,
		"zoom_max", req.MaxZoom,
		"estimated_tiles", total,
	)

	go s.run(id, req, bounds, total, perZoom)

	return StartInfo{
		SessionID:      id,
		EstimatedTiles: total,
		TilesPerZoom:   perZoom,
		Bounds:         bounds,
	}, nil
}

// Progress returns a snapshot of the session, or progress.ErrNotFound.
func (s *Service) Progress(id string) (progress.Snapshot, error) {
	return s.store.Snapshot(id)
}

// ArchivePath returns the path of a completed session's archive. Unknown
// sessions yield progress.ErrNotFound; known but unfinished (or failed)
// sessions yield ErrNotReady.
func (s *Service) ArchivePath(id string) (string, error) {
	snap, err := s.store.Snapshot(id)
	if err != nil {
		return "", err
	}
	if snap.Status != types.StatusCompleted || snap.OutputPath == "" {
		return "", ErrNotReady
	}
	return snap.OutputPath, nil
}

// SessionCount returns the number of sessions the service has seen.
func (s *Service) SessionCount() int {
	return s.store.Count()
}

// OutputDir returns the directory archives are written to.
func (s *Service) OutputDir() string {
	return s.outputDir
}

// run executes one session to a terminal state. It is the failure
// boundary: every lower-level error ends up in the session record, none
// propagate further.
func (s *Service) run(id string, req types.DownloadRequest, bounds types.BoundingBox, total int, perZoom map[int]int) {
	if err := s.store.Init(id, total, perZoom); err != nil {
		s.logger.Error("failed to initialize session", "session", id, "error", err)
		return
	}

	path, displayName, err := s.execute(id, req, bounds)
	if err != nil {
		s.logger.Error("download session failed", "session", id, "error", err)
		_ = s.store.Finalize(id, progress.FinalizeResult{
			Status: types.StatusError,
			Error:  err.Error(),
		})
		return
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	_ = s.store.Finalize(id, progress.FinalizeResult{
		Status:        types.StatusCompleted,
		OutputPath:    path,
		DisplayName:   displayName,
		FileSizeBytes: size,
	})
	s.logger.Info("download session completed",
		"session", id,
		"output", path,
		"size_bytes", size,
	)
}

// execute runs the fetch/validate/store pipeline. On any error the
// partially-written archive is removed before returning.
func (s *Service) execute(id string, req types.DownloadRequest, bounds types.BoundingBox) (path, displayName string, err error) {
	displayName = s.displayName(req.Filename)
	path = filepath.Join(s.outputDir, displayName)

	writer, err := mbtiles.NewWriter(path, mbtiles.Metadata{
		Name:        tilesetName,
		Type:        "baselayer",
		Version:     tilesetVersion,
		Description: tilesetDescription,
		Format:      "png",
		Bounds:      bounds.MetadataBounds(),
		Center:      metadataCenter(req.Lon, req.Lat, req.MinZoom),
		MinZoom:     req.MinZoom,
		MaxZoom:     req.MaxZoom,
		Attribution: tilesetAttribution,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create archive: %w", err)
	}

	successful := 0
	ctx := context.Background()

	for zoom := req.MinZoom; zoom <= req.MaxZoom; zoom++ {
		if err := s.store.SetZoom(id, zoom); err != nil {
			_ = writer.Discard()
			return "", "", err
		}

		r := tile.RangeForZoom(bounds, zoom)
		s.logger.Info("processing zoom level", "session", id, "range", r.String(), "tiles", r.Count())

		for x := r.MinX; x <= r.MaxX; x++ {
			for y := r.MinY; y <= r.MaxY; y++ {
				outcome := s.fetcher.Fetch(ctx, zoom, x, y)
				if outcome.OK() {
					if werr := writer.WriteTile(zoom, x, y, outcome.Data); werr != nil {
						_ = writer.Discard()
						return "", "", werr
					}
					successful++
				} else {
					s.logger.Debug("tile failed",
						"session", id,
						"zoom", zoom,
						"x", x,
						"y", y,
						"reason", outcome.Reason,
					)
				}
				_ = s.store.Advance(id, outcome.OK())
			}
		}

		// One commit per completed zoom level.
		if err := writer.Flush(); err != nil {
			_ = writer.Discard()
			return "", "", err
		}
	}

	if successful == 0 {
		_ = writer.Discard()
		return "", "", errors.New("no tiles were successfully downloaded")
	}

	if err := writer.Close(); err != nil {
		_ = os.Remove(path)
		return "", "", err
	}

	return path, displayName, nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
var collapseUnderscores = regexp.MustCompile(`_+`)

// displayName derives the archive file name from an optional caller-
// supplied name, falling back to a timestamped default.
func (s *Service) displayName(custom string) string {
	name := strings.TrimSpace(custom)
	if name != "" {
		name = unsafeNameChars.ReplaceAllString(name, "_")
		name = collapseUnderscores.ReplaceAllString(name, "_")
		name = strings.Trim(name, "_")
	}
	if name == "" {
		name = fmt.Sprintf("output_%d", time.Now().Unix())
	}
	return name + ".mbtiles"
}

// metadataCenter formats the MBTiles center row: "lon,lat,minZoom".
func metadataCenter(lon, lat float64, minZoom int) string {
	return fmt.Sprintf("%s,%s,%d",
		trimFloat(lon), trimFloat(lat), minZoom)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
