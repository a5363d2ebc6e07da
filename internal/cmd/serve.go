package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cartolab/tilebundler/internal/download"
	"github.com/cartolab/tilebundler/internal/fetch"
	"github.com/cartolab/tilebundler/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the download API over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:5000", "Listen address (host:port)")
	serveCmd.Flags().String("user-agent", fetch.DefaultUserAgent, "User-Agent header sent to the tile server")
	serveCmd.Flags().Duration("request-interval", fetch.DefaultInterval, "Minimum spacing between tile requests")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.user_agent", "user-agent")
	mustBind("serve.request_interval", "request-interval")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	addr := viper.GetString("serve.addr")
	outputDir := viper.GetString("output-dir")

	fetcher := fetch.New(fetch.Config{
		URLTemplate: viper.GetString("tile-url"),
		UserAgent:   viper.GetString("serve.user_agent"),
		Interval:    viper.GetDuration("serve.request_interval"),
	})

	svc, err := download.NewService(download.Config{
		OutputDir: outputDir,
		Fetcher:   fetcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	api := server.NewAPI(svc, logger)

	logger.Info("download API listening",
		"addr", addr,
		"output_dir", outputDir,
	)

	srv := &http.Server{Addr: addr, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
