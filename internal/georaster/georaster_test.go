package georaster

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kiesman99/printclip/pkg/geotiff"
	"github.com/kiesman99/printclip/pkg/tile"
)

// zurich is a 1 km square around Zürich main station in Web Mercator
func zurich() tile.Metadata {
	x, y := tile.ToMercator(8.5402, 47.3782)
	return tile.Metadata{
		Bounds: tile.ProjectedBoundingBox{West: x - 500, South: y - 500, East: x + 500, North: y + 500},
		CRS:    tile.WebMercator,
	}
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 100, 255})
		}
	}
	return img
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

func newTestWriter(t *testing.T, fs afero.Fs) *Writer {
	return NewWriter(Config{Fs: fs, Software: "printclip", Logger: zaptest.NewLogger(t)})
}

func readInfo(t *testing.T, fs afero.Fs, path string) *geotiff.Info {
	f, err := fs.Open(path)
	require.NoError(t, err)
	defer f.Close()
	info, err := geotiff.ReadInfo(f)
	require.NoError(t, err)
	return info
}

func TestWriteSameCRS(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := newTestWriter(t, fs)
	meta := zurich()

	info, err := w.Write(context.Background(), "/out/map.tif", gradient(40, 30), meta, tile.WebMercator)
	require.NoError(t, err)
	assert.False(t, info.Reprojected)
	assert.Equal(t, 40, info.Width)
	assert.Equal(t, 30, info.Height)

	gt := readInfo(t, fs, "/out/map.tif")
	assert.Equal(t, 3857, gt.EPSG)
	assert.Equal(t, 3, gt.Bands, "opaque rasters drop alpha")
	west, south, east, north := gt.Bounds()
	assert.InDelta(t, meta.Bounds.West, west, 1e-6)
	assert.InDelta(t, meta.Bounds.South, south, 1e-6)
	assert.InDelta(t, meta.Bounds.East, east, 1e-6)
	assert.InDelta(t, meta.Bounds.North, north, 1e-6)

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestEncodePixelsPreserved(t *testing.T) {
	w := NewWriter(Config{Deflate: true})
	img := gradient(16, 8)

	var buf bytes.Buffer
	_, err := w.Encode(context.Background(), &buf, img, zurich(), tile.WebMercator)
	require.NoError(t, err)

	raster, info, err := geotiff.ReadRaster(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, geotiff.CompressionDeflate, info.Compression)
	for _, p := range []image.Point{{0, 0}, {15, 0}, {7, 5}, {15, 7}} {
		c := img.RGBAAt(p.X, p.Y)
		i := p.Y*16 + p.X
		assert.Equal(t, c.R, raster.Bands[0][i])
		assert.Equal(t, c.G, raster.Bands[1][i])
		assert.Equal(t, c.B, raster.Bands[2][i])
	}
}

func TestWriteReprojected(t *testing.T) {
	for _, code := range []tile.EPSG{tile.WGS84, tile.CGCS2000} {
		t.Run(code.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			w := newTestWriter(t, fs)
			meta := zurich()

			info, err := w.Write(context.Background(), "/map.tif", solid(50, 50, color.RGBA{10, 120, 30, 255}), meta, code)
			require.NoError(t, err)
			assert.True(t, info.Reprojected)

			gt := readInfo(t, fs, "/map.tif")
			assert.Equal(t, int(code), gt.EPSG)
			assert.Equal(t, uint16(geotiff.ModelTypeGeographic), gt.GeoKeys[geotiff.KeyModelType])
			assert.Equal(t, gt.PixelSizeX, gt.PixelSizeY, "square pixels")

			wantW, wantS := tile.ToGeographic(meta.Bounds.West, meta.Bounds.South)
			wantE, wantN := tile.ToGeographic(meta.Bounds.East, meta.Bounds.North)
			west, south, east, north := gt.Bounds()
			tol := 2 * gt.PixelSizeX
			assert.InDelta(t, wantW, west, tol)
			assert.InDelta(t, wantS, south, tol)
			assert.InDelta(t, wantE, east, tol)
			assert.InDelta(t, wantN, north, tol)
		})
	}
}

func TestReprojectedPixels(t *testing.T) {
	w := NewWriter(Config{})
	c := color.RGBA{10, 120, 30, 255}

	var buf bytes.Buffer
	info, err := w.Encode(context.Background(), &buf, solid(60, 60, c), zurich(), tile.WGS84)
	require.NoError(t, err)

	raster, _, err := geotiff.ReadRaster(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	center := (info.Height/2)*info.Width + info.Width/2
	assert.Equal(t, c.R, raster.Bands[0][center])
	assert.Equal(t, c.G, raster.Bands[1][center])
	assert.Equal(t, c.B, raster.Bands[2][center])
}

func TestUnsupportedCRSLeavesNoFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := newTestWriter(t, fs)

	_, err := w.Write(context.Background(), "/out/map.tif", gradient(10, 10), zurich(), tile.EPSG(2056))
	require.ErrorIs(t, err, ErrUnsupportedCrs)

	exists, _ := afero.DirExists(fs, "/out")
	assert.False(t, exists)
}

func TestUnsupportedCRSKeepsExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/map.tif", []byte("previous"), 0o644))
	w := newTestWriter(t, fs)

	_, err := w.Write(context.Background(), "/map.tif", gradient(10, 10), zurich(), tile.EPSG(31467))
	require.ErrorIs(t, err, ErrUnsupportedCrs)

	data, err := afero.ReadFile(fs, "/map.tif")
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
}

func TestUnsupportedSourceCRS(t *testing.T) {
	w := NewWriter(Config{})
	meta := zurich()
	meta.CRS = tile.EPSG(27700)

	var buf bytes.Buffer
	_, err := w.Encode(context.Background(), &buf, gradient(4, 4), meta, tile.WebMercator)
	assert.ErrorIs(t, err, ErrUnsupportedCrs)
	assert.Zero(t, buf.Len())
}

func TestReprojectCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := newTestWriter(t, fs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Write(ctx, "/map.tif", gradient(20, 20), zurich(), tile.WGS84)
	assert.ErrorIs(t, err, context.Canceled)
	exists, _ := afero.Exists(fs, "/map.tif")
	assert.False(t, exists)
}

func TestSuggestTransformDegenerate(t *testing.T) {
	collapse := func(x, y float64) (float64, float64) { return 1, 1 }
	_, _, _, err := suggestTransform(Transform{PixelSizeX: 1, PixelSizeY: 1}, 10, 10, collapse)
	assert.ErrorIs(t, err, ErrReprojection)
}

func TestSuggestTransformIdentity(t *testing.T) {
	src := Transform{West: 100, North: 200, PixelSizeX: 2, PixelSizeY: 2}
	dt, w, h, err := suggestTransform(src, 30, 20, identity)
	require.NoError(t, err)
	assert.Equal(t, 30, w)
	assert.Equal(t, 20, h)
	assert.InDelta(t, 2, dt.PixelSizeX, 1e-9)
	assert.InDelta(t, 100, dt.West, 1e-9)
	assert.InDelta(t, 200, dt.North, 1e-9)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []tile.EPSG{3857, 4326, 4490}, r.Codes())

	c, err := r.Lookup(tile.CGCS2000)
	require.NoError(t, err)
	assert.True(t, c.Geographic)

	_, err = r.Lookup(tile.EPSG(9999))
	assert.ErrorIs(t, err, ErrUnsupportedCrs)
}

func TestTransparentKeepsAlpha(t *testing.T) {
	img := gradient(8, 8)
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 0})

	var buf bytes.Buffer
	_, err := NewWriter(Config{}).Encode(context.Background(), &buf, img, zurich(), tile.WebMercator)
	require.NoError(t, err)

	info, err := geotiff.ReadInfo(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 4, info.Bands)
}
