package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/kiesman99/printclip/pkg/tile"
)

// DefaultUserAgent is sent with tile requests. Several imagery providers
// refuse requests without a browser agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// DefaultTimeout bounds a single tile request
const DefaultTimeout = 10 * time.Second

// PlaceholderColor fills tiles that could not be fetched
var PlaceholderColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// maxTileBytes guards against runaway responses
const maxTileBytes = 16 << 20

// Key identifies a tile of a provider in a Cache
type Key struct {
	Provider   string
	Coordinate tile.Coordinate
}

// Cache stores encoded tile bytes. Fetch returns the cached bytes for key or
// calls load and stores its result. Failed loads are not stored.
type Cache interface {
	Fetch(ctx context.Context, key Key, load func(context.Context) ([]byte, error)) ([]byte, error)
}

// StatusError is returned for non-2xx tile responses
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, http.StatusText(e.Code))
}

// RateLimited reports whether the status indicates the provider is throttling
func (e *StatusError) RateLimited() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusForbidden, 509:
		return true
	}
	return false
}

// Tile is the result of a fetch. When Err is set Image holds a placeholder.
type Tile struct {
	Coordinate tile.Coordinate
	URL        string
	Image      image.Image
	StatusCode int
	Err        error
}

// Failed reports whether the tile is a placeholder
func (t Tile) Failed() bool {
	return t.Err != nil
}

// Config configures a Client
type Config struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration
	Retries    int
	Cache      Cache
	Logger     *zap.Logger
}

// Client downloads and decodes tiles
type Client struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	retries   int
	cache     Cache
	log       *zap.Logger
}

// NewClient creates a new tile client
func NewClient(cfg Config) *Client {
	c := &Client{
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		cache:     cfg.Cache,
		log:       cfg.Logger,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.retries < 0 {
		c.retries = 0
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// Fetch returns the tile at coord. Failures of any kind produce a grey
// placeholder tile with Err set instead of an error.
func (c *Client) Fetch(ctx context.Context, p Provider, coord tile.Coordinate) Tile {
	t := Tile{Coordinate: coord, URL: p.TileURL(coord)}

	img, err := c.fetch(ctx, p, coord, t.URL)
	if err == nil {
		t.Image = img
		return t
	}

	t.Err = err
	t.Image = Placeholder(tile.Size, tile.Size)

	fields := []zap.Field{
		zap.String("provider", p.Name()),
		zap.Int("x", coord.X),
		zap.Int("y", coord.Y),
		zap.Int("z", coord.Z),
		zap.Error(err),
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.StatusCode = se.Code
		fields = append(fields, zap.Int("status", se.Code))
		if se.RateLimited() {
			fields = append(fields, zap.Bool("rate_limited", true))
		}
	}
	c.log.Warn("tile fetch failed, using placeholder", fields...)
	return t
}

func (c *Client) fetch(ctx context.Context, p Provider, coord tile.Coordinate, url string) (image.Image, error) {
	if !coord.Valid() {
		return nil, fmt.Errorf("tile %s outside pyramid", coord)
	}

	load := func(ctx context.Context) ([]byte, error) {
		return c.Download(ctx, url)
	}

	var data []byte
	var err error
	if c.cache != nil {
		data, err = c.cache.Fetch(ctx, Key{Provider: p.Name(), Coordinate: coord}, load)
	} else {
		data, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return img, nil
}

// Download performs a GET for url with retries. Transport errors and 5xx
// responses are retried; other statuses fail immediately.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100<<uint(attempt-1)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		data, err := c.downloadOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return nil, err
		}
		c.log.Debug("retrying tile download", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) downloadOnce(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty tile response")
	}
	return data, nil
}

// Placeholder returns a w x h image filled with PlaceholderColor
func Placeholder(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(PlaceholderColor), image.Point{}, draw.Src)
	return img
}
