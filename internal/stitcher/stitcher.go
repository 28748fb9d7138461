package stitcher

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"

	"github.com/kiesman99/printclip/internal/source"
	"github.com/kiesman99/printclip/pkg/tile"
)

// Defaults for Config
const (
	DefaultConcurrency = 8
	DefaultMaxTiles    = 1024
)

// Fetcher retrieves single tiles. Implementations never fail: a failed tile
// comes back as a placeholder with Err set.
type Fetcher interface {
	Fetch(ctx context.Context, p source.Provider, c tile.Coordinate) source.Tile
}

// Config configures a Stitcher
type Config struct {
	Concurrency int
	MaxTiles    int
	Logger      *zap.Logger
}

// Request describes one mosaic
type Request struct {
	BBox     tile.GeoBoundingBox
	Zoom     int
	Width    int
	Height   int
	Provider source.Provider

	// Progress, if set, is called after each tile completes. Calls are
	// serialised.
	Progress func(done, total int)
}

// Result contains the stitching result
type Result struct {
	Image       *image.RGBA
	Metadata    tile.Metadata
	Grid        tile.Grid
	Crop        image.Rectangle
	TotalTiles  int
	FailedTiles []FailedTile
}

// FailedTile represents a single tile that was replaced by a placeholder
type FailedTile struct {
	Coordinate tile.Coordinate
	URL        string
	StatusCode int
	Error      string
}

// Stitcher assembles tiles into cropped, resampled rasters
type Stitcher struct {
	fetcher     Fetcher
	concurrency int
	maxTiles    int
	log         *zap.Logger
}

// New creates a new stitcher instance
func New(fetcher Fetcher, cfg Config) *Stitcher {
	s := &Stitcher{
		fetcher:     fetcher,
		concurrency: cfg.Concurrency,
		maxTiles:    cfg.MaxTiles,
		log:         cfg.Logger,
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.maxTiles <= 0 {
		s.maxTiles = DefaultMaxTiles
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Stitch fetches the tiles covering req.BBox, crops the mosaic to the box in
// projected meters and resamples it to exactly req.Width x req.Height. The
// returned metadata carries the bounds of the crop actually taken, which
// differ from the request by pixel rounding.
func (s *Stitcher) Stitch(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	grid, ok := tile.CoveringGrid(req.BBox, req.Zoom)
	if !ok {
		s.log.Warn("bounding box has no tile coverage",
			zap.Float64("west", req.BBox.West), zap.Float64("south", req.BBox.South),
			zap.Float64("east", req.BBox.East), zap.Float64("north", req.BBox.North),
			zap.Int("zoom", req.Zoom))
		return &Result{
			Image:    source.Placeholder(req.Width, req.Height),
			Metadata: tile.Metadata{CRS: tile.WebMercator, EmptyCoverage: true},
		}, nil
	}

	if grid.Len() > s.maxTiles {
		return nil, fmt.Errorf("%w: request needs %d tiles at zoom %d, limit is %d",
			tile.ErrInvalidInput, grid.Len(), req.Zoom, s.maxTiles)
	}

	start := time.Now()
	coords := grid.Coordinates()
	tiles, err := s.fetchAll(ctx, req, coords)
	if err != nil {
		return nil, err
	}

	canvas, failed := s.paste(grid, coords, tiles)

	canvasMapper := tile.NewPixelMapper(grid.Bounds(), canvas.Bounds().Dx(), canvas.Bounds().Dy())
	crop := cropWindow(canvasMapper, req.BBox.Clamp().Project())

	west, north := canvasMapper.ToMeters(float64(crop.Min.X), float64(crop.Min.Y))
	east, south := canvasMapper.ToMeters(float64(crop.Max.X), float64(crop.Max.Y))

	out := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	xdraw.CatmullRom.Scale(out, out.Bounds(), canvas, crop, xdraw.Src, nil)

	s.log.Info("stitched mosaic",
		zap.String("provider", req.Provider.Name()),
		zap.Int("zoom", req.Zoom),
		zap.Int("tiles", len(coords)),
		zap.Int("failed", len(failed)),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{
		Image: out,
		Metadata: tile.Metadata{
			Bounds: tile.ProjectedBoundingBox{West: west, South: south, East: east, North: north},
			CRS:    tile.WebMercator,
		},
		Grid:        grid,
		Crop:        crop,
		TotalTiles:  len(coords),
		FailedTiles: failed,
	}, nil
}

func validate(req Request) error {
	if req.Provider == nil {
		return fmt.Errorf("%w: tile provider is required", tile.ErrInvalidInput)
	}
	if req.Width < 1 || req.Height < 1 {
		return fmt.Errorf("%w: target size %dx%d must be at least 1x1", tile.ErrInvalidInput, req.Width, req.Height)
	}
	if req.Zoom < tile.MinZoom || req.Zoom > tile.MaxZoom {
		return fmt.Errorf("%w: zoom %d outside %d..%d", tile.ErrInvalidInput, req.Zoom, tile.MinZoom, tile.MaxZoom)
	}
	return req.BBox.Validate()
}

// fetchAll downloads coords with bounded concurrency. The result slice is
// indexed like coords regardless of completion order. Cancellation is checked
// before each tile is started.
func (s *Stitcher) fetchAll(ctx context.Context, req Request, coords []tile.Coordinate) ([]source.Tile, error) {
	tiles := make([]source.Tile, len(coords))
	sem := semaphore.NewWeighted(int64(s.concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for i, c := range coords {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, c tile.Coordinate) {
			defer wg.Done()
			defer sem.Release(1)

			tiles[i] = s.fetcher.Fetch(ctx, req.Provider, c)

			if req.Progress != nil {
				mu.Lock()
				done++
				req.Progress(done, len(coords))
				mu.Unlock()
			}
		}(i, c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tiles, nil
}

// paste copies each tile to its grid-relative offset in coordinate order.
// Tiles that are not tile.Size square are rescaled into their slot.
func (s *Stitcher) paste(grid tile.Grid, coords []tile.Coordinate, tiles []source.Tile) (*image.RGBA, []FailedTile) {
	canvas := image.NewRGBA(image.Rect(0, 0, grid.Cols()*tile.Size, grid.Rows()*tile.Size))

	var failed []FailedTile
	for i, c := range coords {
		t := tiles[i]
		if t.Failed() {
			failed = append(failed, FailedTile{
				Coordinate: c,
				URL:        t.URL,
				StatusCode: t.StatusCode,
				Error:      t.Err.Error(),
			})
		}
		if t.Image == nil {
			continue
		}

		x := (c.X - grid.MinX) * tile.Size
		y := (c.Y - grid.MinY) * tile.Size
		slot := image.Rect(x, y, x+tile.Size, y+tile.Size)

		b := t.Image.Bounds()
		if b.Dx() == tile.Size && b.Dy() == tile.Size {
			xdraw.Draw(canvas, slot, t.Image, b.Min, xdraw.Src)
		} else {
			xdraw.ApproxBiLinear.Scale(canvas, slot, t.Image, b, xdraw.Src, nil)
		}
	}
	return canvas, failed
}

// cropWindow converts the requested projected box into a pixel rectangle of
// the canvas, truncating toward zero and clamping to the canvas extent.
func cropWindow(m tile.PixelMapper, requested tile.ProjectedBoundingBox) image.Rectangle {
	fx, fy := m.ToPixel(requested.West, requested.North)
	fw := requested.Width() / m.Bounds.Width() * float64(m.Width)
	fh := requested.Height() / m.Bounds.Height() * float64(m.Height)

	x0 := clamp(int(fx), 0, m.Width-1)
	y0 := clamp(int(fy), 0, m.Height-1)
	w := clamp(int(fw), 1, m.Width-x0)
	h := clamp(int(fh), 1, m.Height-y0)

	return image.Rect(x0, y0, x0+w, y0+h)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
