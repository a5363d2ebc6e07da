// Package fetch retrieves raster tiles from a remote XYZ tile server and
// classifies each attempt into a typed outcome.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	// DefaultURLTemplate addresses ArcGIS World Imagery. Note the
	// provider-specific {z}/{y}/{x} path order: row before column.
	DefaultURLTemplate = "https://services.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"

	// DefaultUserAgent identifies the client to the tile provider.
	DefaultUserAgent = "MBTiles-Downloader/1.0"

	// DefaultTimeout bounds one tile request end to end.
	DefaultTimeout = 15 * time.Second

	// DefaultInterval is the minimum spacing between successive requests.
	// This pacing is part of the contract with the tile provider, not a
	// tuning knob: it bounds the load one session puts on the service.
	DefaultInterval = 50 * time.Millisecond
)

const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 30 * time.Second
)

// Kind classifies the outcome of one fetch attempt.
type Kind int

const (
	// KindOK means the tile was fetched and passed signature validation.
	KindOK Kind = iota
	// KindRejected means the server answered but the response was not an
	// acceptable tile (non-200 status, empty body, or unknown payload).
	KindRejected
	// KindTransportError means the request never completed.
	KindTransportError
)

// Outcome is the result of one fetch attempt. Data is set only for KindOK.
type Outcome struct {
	Kind   Kind
	Data   []byte
	Reason string
}

// OK reports whether the attempt produced a valid tile.
func (o Outcome) OK() bool {
	return o.Kind == KindOK
}

// Config configures a Fetcher. Zero values take the package defaults;
// Interval < 0 disables pacing (used by tests).
type Config struct {
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
	Interval    time.Duration
}

// Fetcher issues one GET per tile against a fixed URL template. There is
// no retry: a failed tile is reported and the caller moves on.
type Fetcher struct {
	client      *http.Client
	limiter     *rate.Limiter
	urlTemplate string
	userAgent   string
}

// New creates a Fetcher with a tuned transport.
func New(cfg Config) *Fetcher {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Best effort; the transport still works over HTTP/1.1 if this fails.
	_ = http2.ConfigureTransport(transport)

	var limiter *rate.Limiter
	if cfg.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Interval), 1)
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter:     limiter,
		urlTemplate: cfg.URLTemplate,
		userAgent:   cfg.UserAgent,
	}
}

// TileURL returns the request URL for a tile in XYZ addressing.
func (f *Fetcher) TileURL(zoom, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(zoom),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(f.urlTemplate)
}

// Fetch requests one tile and validates the payload. Successive calls are
// paced at the configured interval regardless of outcome.
func (f *Fetcher) Fetch(ctx context.Context, zoom, x, y int) Outcome {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: KindTransportError, Reason: err.Error()}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.TileURL(zoom, x, y), nil)
	if err != nil {
		return Outcome{Kind: KindTransportError, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{Kind: KindTransportError, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Outcome{Kind: KindRejected, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Kind: KindTransportError, Reason: err.Error()}
	}
	if len(data) == 0 {
		return Outcome{Kind: KindRejected, Reason: "empty body"}
	}
	if !hasImageSignature(data) {
		return Outcome{Kind: KindRejected, Reason: "payload is not PNG or JPEG"}
	}

	return Outcome{Kind: KindOK, Data: data}
}

var (
	pngSignature  = []byte{0x89, 'P', 'N', 'G'}
	jpegSignature = []byte{0xFF, 0xD8, 0xFF}
)

// hasImageSignature accepts only payloads beginning with the PNG or JPEG
// magic bytes. Tile servers answer errors with HTML or JSON bodies under
// HTTP 200 often enough that the status code alone cannot be trusted.
func hasImageSignature(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature) || bytes.HasPrefix(data, jpegSignature)
}
