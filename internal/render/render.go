// Package render runs the full print-map pipeline: scale math, stitching,
// overlay drawing and encoding.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kiesman99/printclip/internal/georaster"
	"github.com/kiesman99/printclip/internal/overlay"
	"github.com/kiesman99/printclip/internal/source"
	"github.com/kiesman99/printclip/internal/stitcher"
	"github.com/kiesman99/printclip/pkg/tile"
)

// Format is the output encoding
type Format string

// Output formats
const (
	FormatPNG     Format = "png"
	FormatGeoTIFF Format = "geotiff"
)

// ParseFormat accepts png, geotiff, tif and tiff
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "geotiff", "tif", "tiff":
		return FormatGeoTIFF, nil
	}
	return "", fmt.Errorf("%w: unknown format %q", tile.ErrInvalidInput, s)
}

// Extension returns the file extension including the dot
func (f Format) Extension() string {
	if f == FormatGeoTIFF {
		return ".tif"
	}
	return ".png"
}

// ContentType returns the MIME type
func (f Format) ContentType() string {
	if f == FormatGeoTIFF {
		return "image/tiff"
	}
	return "image/png"
}

// Defaults of the printed clip layout
const (
	DefaultScale    = 10000
	DefaultWidthCm  = 3.5
	DefaultHeightCm = 3.5
	DefaultDPI      = 300
)

// Job is one map to render
type Job struct {
	// Geometry positions the map. When nil, Lat and Lon are used.
	Geometry orb.Geometry
	Lat, Lon float64
	Label    string

	WidthCm    float64
	HeightCm   float64
	Scale      float64
	DPI        float64
	ZoomOffset int

	Provider source.Provider

	DrawGeometry bool
	DrawLabel    bool

	Format    Format
	CRS       tile.EPSG
	WorldFile bool

	Progress func(done, total int)
}

// Plan is the math derived from a Job before anything is fetched
type Plan struct {
	Lat, Lon   float64
	BBox       tile.GeoBoundingBox
	Resolution float64
	BaseZoom   int
	Zoom       int
	Width      int
	Height     int
}

// Output is a rendered map
type Output struct {
	Bytes       []byte
	Format      Format
	ContentType string
	Metadata    tile.Metadata
	Plan        Plan
	TotalTiles  int
	FailedTiles []stitcher.FailedTile
	// WorldFile is set for PNG output when requested
	WorldFile []byte
	// Path is the file RenderFile wrote. It differs from the requested path
	// when a placeholder PNG replaces a GeoTIFF.
	Path string
	// GeoTIFF describes the written raster for GeoTIFF output
	GeoTIFF *georaster.Info
}

// Config configures a Renderer
type Config struct {
	Stitcher *stitcher.Stitcher
	Overlay  *overlay.Renderer
	Writer   *georaster.Writer
	// Fs receives RenderFile output. Nil means the OS filesystem.
	Fs     afero.Fs
	Logger *zap.Logger
}

// Renderer turns Jobs into encoded maps. It is safe for concurrent use.
type Renderer struct {
	stitcher *stitcher.Stitcher
	overlay  *overlay.Renderer
	writer   *georaster.Writer
	fs       afero.Fs
	log      *zap.Logger
}

// New creates a Renderer
func New(cfg Config) *Renderer {
	r := &Renderer{
		stitcher: cfg.Stitcher,
		overlay:  cfg.Overlay,
		writer:   cfg.Writer,
		fs:       cfg.Fs,
		log:      cfg.Logger,
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.overlay == nil {
		r.overlay = overlay.NewRenderer(overlay.Config{Logger: r.log})
	}
	if r.writer == nil {
		r.writer = georaster.NewWriter(georaster.Config{Fs: r.fs, Logger: r.log})
	}
	return r
}

// Center returns the map centre of a job as lat, lon
func Center(job Job) (float64, float64, error) {
	if job.Geometry == nil {
		return job.Lat, job.Lon, nil
	}
	p, err := overlay.Anchor(job.Geometry)
	if err != nil {
		return 0, 0, err
	}
	return p.Lat(), p.Lon(), nil
}

// PlanJob validates a job and derives bounding box, zoom and pixel size
func PlanJob(job Job) (Plan, error) {
	lat, lon, err := Center(job)
	if err != nil {
		return Plan{}, err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Plan{}, fmt.Errorf("%w: centre %.6f,%.6f out of range", tile.ErrInvalidInput, lat, lon)
	}
	if job.WidthCm <= 0 || job.HeightCm <= 0 {
		return Plan{}, fmt.Errorf("%w: print size must be positive", tile.ErrInvalidInput)
	}

	res, err := tile.Resolution(job.Scale, job.DPI)
	if err != nil {
		return Plan{}, err
	}
	w, h, err := tile.PixelDimensions(job.WidthCm, job.HeightCm, job.DPI)
	if err != nil {
		return Plan{}, err
	}
	base := tile.ZoomLevel(lat, res)

	return Plan{
		Lat:        lat,
		Lon:        lon,
		BBox:       tile.BoundingBoxFromCenter(lat, lon, job.WidthCm, job.HeightCm, job.Scale),
		Resolution: res,
		BaseZoom:   base,
		Zoom:       tile.ClampZoom(base + job.ZoomOffset),
		Width:      w,
		Height:     h,
	}, nil
}

// Render produces one map in memory. Tile failures degrade the image but
// never fail the call; invalid input, unsupported CRS and reprojection errors
// do.
func (r *Renderer) Render(ctx context.Context, job Job) (*Output, error) {
	res, out, err := r.compose(ctx, job)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch out.Format {
	case FormatPNG:
		if err := png.Encode(&buf, res.Image); err != nil {
			return nil, fmt.Errorf("encode PNG: %w", err)
		}
	case FormatGeoTIFF:
		info, err := r.writer.Encode(ctx, &buf, res.Image, res.Metadata, job.crs())
		if err != nil {
			return nil, err
		}
		out.GeoTIFF = info
	}
	out.Bytes = buf.Bytes()
	return out, nil
}

// RenderFile renders one map to path. Output is written under a temporary
// name and renamed into place, so a failed call never leaves a partial
// file. A PNG with WorldFile set gets a .pgw next to it.
func (r *Renderer) RenderFile(ctx context.Context, job Job, path string) (*Output, error) {
	res, out, err := r.compose(ctx, job)
	if err != nil {
		return nil, err
	}
	if job.Format == FormatGeoTIFF && out.Format != FormatGeoTIFF {
		path = withExtension(path, out.Format.Extension())
	}
	out.Path = path

	switch out.Format {
	case FormatPNG:
		var buf bytes.Buffer
		if err := png.Encode(&buf, res.Image); err != nil {
			return nil, fmt.Errorf("encode PNG: %w", err)
		}
		if err := writeAtomic(r.fs, path, buf.Bytes()); err != nil {
			return nil, err
		}
		if out.WorldFile != nil {
			if err := writeAtomic(r.fs, WorldFilePath(path), out.WorldFile); err != nil {
				return nil, err
			}
		}
	case FormatGeoTIFF:
		info, err := r.writer.Write(ctx, path, res.Image, res.Metadata, job.crs())
		if err != nil {
			return nil, err
		}
		out.GeoTIFF = info
	}

	r.log.Info("Saved map",
		zap.String("path", path),
		zap.Int("width", out.Plan.Width),
		zap.Int("height", out.Plan.Height),
		zap.Int("zoom", out.Plan.Zoom),
		zap.Int("failed_tiles", len(out.FailedTiles)))
	return out, nil
}

// compose runs the pipeline up to the finished image
func (r *Renderer) compose(ctx context.Context, job Job) (*stitcher.Result, *Output, error) {
	if job.Provider == nil {
		return nil, nil, fmt.Errorf("%w: no tile provider", tile.ErrInvalidInput)
	}
	format := job.Format
	if format == "" {
		format = FormatPNG
	}
	if format != FormatPNG && format != FormatGeoTIFF {
		return nil, nil, fmt.Errorf("%w: unknown format %q", tile.ErrInvalidInput, format)
	}
	if format == FormatGeoTIFF {
		if err := r.writer.Supports(job.crs()); err != nil {
			return nil, nil, err
		}
	}

	plan, err := PlanJob(job)
	if err != nil {
		return nil, nil, err
	}

	res, err := r.stitcher.Stitch(ctx, stitcher.Request{
		BBox:     plan.BBox,
		Zoom:     plan.Zoom,
		Width:    plan.Width,
		Height:   plan.Height,
		Provider: job.Provider,
		Progress: job.Progress,
	})
	if err != nil {
		return nil, nil, err
	}

	out := &Output{
		Format:      format,
		ContentType: format.ContentType(),
		Metadata:    res.Metadata,
		Plan:        plan,
		TotalTiles:  res.TotalTiles,
		FailedTiles: res.FailedTiles,
	}

	if res.Metadata.EmptyCoverage {
		// a placeholder has nothing to draw on and no bounds to georeference
		r.log.Warn("rendering placeholder for uncovered area",
			zap.Float64("lat", plan.Lat), zap.Float64("lon", plan.Lon))
		out.Format = FormatPNG
		out.ContentType = FormatPNG.ContentType()
		return res, out, nil
	}

	if job.DrawGeometry || job.DrawLabel {
		shape := job.Geometry
		if shape == nil {
			// a bare centre is marked like a point feature
			shape = orb.Point{plan.Lon, plan.Lat}
		}
		err := r.overlay.Draw(res.Image, res.Metadata,
			overlay.Geometry{Shape: shape, Label: job.Label},
			overlay.Options{Shape: job.DrawGeometry, Label: job.DrawLabel})
		if err != nil {
			return nil, nil, err
		}
	}

	if format == FormatPNG && job.WorldFile {
		out.WorldFile = tile.WorldFile(res.Metadata, plan.Width, plan.Height)
	}
	return res, out, nil
}

func (j Job) crs() tile.EPSG {
	if j.CRS == 0 {
		return tile.WebMercator
	}
	return j.CRS
}
