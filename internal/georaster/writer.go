// Package georaster writes stitched maps as georeferenced TIFFs, reprojecting
// them when the requested CRS differs from the one they were stitched in.
package georaster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kiesman99/printclip/pkg/geotiff"
	"github.com/kiesman99/printclip/pkg/tile"
)

// Config configures a Writer
type Config struct {
	Fs       afero.Fs
	Registry *Registry
	Deflate  bool
	Software string
	Logger   *zap.Logger
}

// Writer encodes rasters as GeoTIFF
type Writer struct {
	fs       afero.Fs
	registry *Registry
	deflate  bool
	software string
	log      *zap.Logger
}

// Info describes a written raster
type Info struct {
	CRS         tile.EPSG
	Width       int
	Height      int
	Transform   Transform
	Reprojected bool
}

// Bounds returns west, south, east, north in the units of the output CRS
func (i Info) Bounds() (float64, float64, float64, float64) {
	return i.Transform.Bounds(i.Width, i.Height)
}

// NewWriter creates a writer. A nil Fs writes to the OS filesystem.
func NewWriter(cfg Config) *Writer {
	w := &Writer{
		fs:       cfg.Fs,
		registry: cfg.Registry,
		deflate:  cfg.Deflate,
		software: cfg.Software,
		log:      cfg.Logger,
	}
	if w.fs == nil {
		w.fs = afero.NewOsFs()
	}
	if w.registry == nil {
		w.registry = NewRegistry()
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	return w
}

// Encode writes img as GeoTIFF in the output CRS to dst
func (w *Writer) Encode(ctx context.Context, dst io.Writer, img image.Image, meta tile.Metadata, output tile.EPSG) (*Info, error) {
	raster, tags, info, err := w.prepare(ctx, img, meta, output)
	if err != nil {
		return nil, err
	}
	if err := geotiff.Encode(dst, raster, tags, w.options()); err != nil {
		return nil, fmt.Errorf("encode GeoTIFF: %w", err)
	}
	return info, nil
}

// Write stores img at path. The file is written under a temporary name in
// the same directory and renamed into place, so a failed call leaves any
// existing file at path untouched.
func (w *Writer) Write(ctx context.Context, path string, img image.Image, meta tile.Metadata, output tile.EPSG) (*Info, error) {
	raster, tags, info, err := w.prepare(ctx, img, meta, output)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := afero.TempFile(w.fs, dir, ".printclip-*.tif")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	err = geotiff.Encode(tmp, raster, tags, w.options())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = w.fs.Rename(tmpName, path)
	}
	if err != nil {
		w.fs.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	w.log.Info("Wrote GeoTIFF",
		zap.String("path", path),
		zap.Stringer("crs", info.CRS),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Bool("reprojected", info.Reprojected))
	return info, nil
}

func (w *Writer) options() *geotiff.Options {
	opts := &geotiff.Options{Compression: geotiff.CompressionNone, Software: w.software}
	if w.deflate {
		opts.Compression = geotiff.CompressionDeflate
	}
	return opts
}

// prepare resolves both CRS, reprojects when needed and lays the pixels out
// band-sequentially.
func (w *Writer) prepare(ctx context.Context, img image.Image, meta tile.Metadata, output tile.EPSG) (*geotiff.Raster, geotiff.GeoTags, *Info, error) {
	dstCRS, err := w.registry.Lookup(output)
	if err != nil {
		return nil, geotiff.GeoTags{}, nil, err
	}
	srcCode := meta.CRS
	if srcCode == 0 {
		srcCode = tile.WebMercator
	}
	srcCRS, err := w.registry.Lookup(srcCode)
	if err != nil {
		return nil, geotiff.GeoTags{}, nil, err
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, geotiff.GeoTags{}, nil, fmt.Errorf("%w: empty image", tile.ErrInvalidInput)
	}
	if meta.Bounds.Width() <= 0 || meta.Bounds.Height() <= 0 {
		return nil, geotiff.GeoTags{}, nil, fmt.Errorf("%w: empty bounds", tile.ErrInvalidInput)
	}

	src := &grid{
		Transform: Transform{
			West:       meta.Bounds.West,
			North:      meta.Bounds.North,
			PixelSizeX: meta.Bounds.Width() / float64(b.Dx()),
			PixelSizeY: meta.Bounds.Height() / float64(b.Dy()),
		},
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    toNRGBA(img),
	}

	out := src
	reprojected := false
	if dstCRS.Code != srcCRS.Code {
		forward := func(x, y float64) (float64, float64) {
			return dstCRS.FromMercator(srcCRS.ToMercator(x, y))
		}
		inverse := func(x, y float64) (float64, float64) {
			return srcCRS.FromMercator(dstCRS.ToMercator(x, y))
		}
		dt, dw, dh, err := suggestTransform(src.Transform, src.Width, src.Height, forward)
		if err != nil {
			return nil, geotiff.GeoTags{}, nil, err
		}
		out, err = reproject(ctx, src, dt, dw, dh, inverse)
		if err != nil {
			return nil, geotiff.GeoTags{}, nil, err
		}
		reprojected = true
	}

	raster := toBands(out)
	tags := dstCRS.geoTags(
		[]float64{0, 0, 0, out.West, out.North, 0},
		[]float64{out.PixelSizeX, out.PixelSizeY, 0},
	)
	info := &Info{
		CRS:         dstCRS.Code,
		Width:       out.Width,
		Height:      out.Height,
		Transform:   out.Transform,
		Reprojected: reprojected,
	}
	return raster, tags, info, nil
}

// toNRGBA returns the non-premultiplied, interleaved pixels of img
func toNRGBA(img image.Image) []uint8 {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && n.Stride == 4*b.Dx() && len(n.Pix) == 4*b.Dx()*b.Dy() {
		return append([]uint8(nil), n.Pix...)
	}
	pix := make([]uint8, 4*b.Dx()*b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
			i += 4
		}
	}
	return pix
}

// toBands splits interleaved RGBA into bands, dropping alpha when every
// pixel is opaque.
func toBands(g *grid) *geotiff.Raster {
	n := g.Width * g.Height
	opaque := true
	for p := 0; p < n; p++ {
		if g.Pix[p*4+3] != 0xff {
			opaque = false
			break
		}
	}
	nb := 4
	if opaque {
		nb = 3
	}
	bands := make([][]byte, nb)
	for b := range bands {
		band := make([]byte, n)
		for p := 0; p < n; p++ {
			band[p] = g.Pix[p*4+b]
		}
		bands[b] = band
	}
	return &geotiff.Raster{Width: g.Width, Height: g.Height, Bands: bands}
}

// Supports returns ErrUnsupportedCrs unless code can be written
func (w *Writer) Supports(code tile.EPSG) error {
	_, err := w.registry.Lookup(code)
	return err
}
