package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cartolab/tilebundler/internal/download"
	"github.com/cartolab/tilebundler/internal/fetch"
	"github.com/cartolab/tilebundler/internal/progress"
	"github.com/cartolab/tilebundler/internal/types"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download tiles for an area into an MBTiles archive",
	Long:  `Download tiles covering a center point plus buffer across a zoom range and bundle them into a single MBTiles archive.`,
	RunE:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().Float64("lat", 0, "Center latitude in degrees (required)")
	downloadCmd.Flags().Float64("lon", 0, "Center longitude in degrees (required)")
	downloadCmd.Flags().Float64("buffer", 0.005, "Buffer around the center in degrees (0.001-0.1)")
	downloadCmd.Flags().Int("zoom-min", 10, "Minimum zoom level")
	downloadCmd.Flags().Int("zoom-max", 16, "Maximum zoom level")
	downloadCmd.Flags().StringP("output", "o", "", "Archive name (default: output_<timestamp>)")
	downloadCmd.Flags().Bool("progress", true, "Show progress while downloading")

	_ = downloadCmd.MarkFlagRequired("lat")
	_ = downloadCmd.MarkFlagRequired("lon")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"download.lat", "lat"},
		{"download.lon", "lon"},
		{"download.buffer", "buffer"},
		{"download.zoom_min", "zoom-min"},
		{"download.zoom_max", "zoom-max"},
		{"download.output", "output"},
		{"download.progress", "progress"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, downloadCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	req := types.DownloadRequest{
		Lat:      viper.GetFloat64("download.lat"),
		Lon:      viper.GetFloat64("download.lon"),
		Buffer:   viper.GetFloat64("download.buffer"),
		MinZoom:  viper.GetInt("download.zoom_min"),
		MaxZoom:  viper.GetInt("download.zoom_max"),
		Filename: viper.GetString("download.output"),
	}
	showProgress := viper.GetBool("download.progress")

	fetcher := fetch.New(fetch.Config{
		URLTemplate: viper.GetString("tile-url"),
	})

	svc, err := download.NewService(download.Config{
		OutputDir: viper.GetString("output-dir"),
		Fetcher:   fetcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	info, err := svc.Start(req)
	if err != nil {
		return err
	}

	logger.Info("downloading",
		"session", info.SessionID,
		"bounds", info.Bounds.String(),
		"estimated_tiles", info.EstimatedTiles,
	)

	// The session runs in the background; poll it to completion.
	var snap progress.Snapshot
	for {
		snap, err = svc.Progress(info.SessionID)
		if err != nil {
			return err
		}
		if showProgress {
			printProgress(snap)
		}
		if snap.Status.Terminal() {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if showProgress {
		fmt.Fprintln(os.Stderr)
	}

	if snap.Status == types.StatusError {
		return fmt.Errorf("download failed: %s", snap.Error)
	}

	logger.Info("archive written",
		"path", snap.OutputPath,
		"tiles", snap.SuccessfulTiles,
		"failed", snap.FailedTiles,
		"size_bytes", snap.FileSizeBytes,
	)
	return nil
}

// printProgress renders a single-line progress bar to stderr.
func printProgress(snap progress.Snapshot) {
	barWidth := 30
	filled := 0
	if snap.TotalTiles > 0 {
		filled = snap.DownloadedTiles * barWidth / snap.TotalTiles
		if filled > barWidth {
			filled = barWidth
		}
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %d/%d tiles", bar, snap.DownloadedTiles, snap.TotalTiles)
	if snap.FailedTiles > 0 {
		line += fmt.Sprintf(" (%d failed)", snap.FailedTiles)
	}
	line += fmt.Sprintf(" - z%d - %.1f tiles/sec", snap.CurrentZoom, snap.TilesPerSecond)
	if snap.EstimatedRemaining > 0 && snap.DownloadedTiles < snap.TotalTiles {
		line += fmt.Sprintf(" - ETA: %.0fs", snap.EstimatedRemaining)
	}
	line += "          "

	fmt.Fprint(os.Stderr, line)
}
