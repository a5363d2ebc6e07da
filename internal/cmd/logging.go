package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"
)

var logger *slog.Logger

// initLogging sets up the shared slog logger. Verbose mode enables debug
// output, which includes a line per failed tile.
func initLogging() {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
