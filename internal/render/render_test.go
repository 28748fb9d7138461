package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kiesman99/printclip/internal/georaster"
	"github.com/kiesman99/printclip/internal/overlay"
	"github.com/kiesman99/printclip/internal/source"
	"github.com/kiesman99/printclip/internal/stitcher"
	"github.com/kiesman99/printclip/pkg/geotiff"
	"github.com/kiesman99/printclip/pkg/tile"
)

// greenFetcher serves solid green tiles and counts calls
type greenFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *greenFetcher) Fetch(ctx context.Context, p source.Provider, c tile.Coordinate) source.Tile {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 20, 140, 40, 255
	}
	return source.Tile{Coordinate: c, URL: p.TileURL(c), Image: img}
}

func (f *greenFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupRenderer(t *testing.T) (*Renderer, *greenFetcher, afero.Fs) {
	t.Helper()
	log := zaptest.NewLogger(t)
	fs := afero.NewMemMapFs()
	fetcher := &greenFetcher{}
	r := New(Config{
		Stitcher: stitcher.New(fetcher, stitcher.Config{Concurrency: 4, Logger: log}),
		Overlay:  overlay.NewRenderer(overlay.Config{Logger: log}),
		Writer:   georaster.NewWriter(georaster.Config{Fs: fs, Logger: log}),
		Fs:       fs,
		Logger:   log,
	})
	return r, fetcher, fs
}

func zurichJob() Job {
	return Job{
		Lat:      47.3782,
		Lon:      8.5402,
		WidthCm:  DefaultWidthCm,
		HeightCm: DefaultHeightCm,
		Scale:    DefaultScale,
		DPI:      100,
		Provider: source.Google(),
		Format:   FormatPNG,
	}
}

func TestPlanJob(t *testing.T) {
	job := zurichJob()
	job.DPI = 300

	plan, err := PlanJob(job)
	require.NoError(t, err)
	assert.Equal(t, 413, plan.Width)
	assert.Equal(t, 413, plan.Height)
	assert.Equal(t, 17, plan.BaseZoom)
	assert.Equal(t, 17, plan.Zoom)
	assert.InDelta(t, 0.84667, plan.Resolution, 1e-4)
	assert.Less(t, plan.BBox.West, job.Lon)
	assert.Greater(t, plan.BBox.East, job.Lon)

	job.ZoomOffset = 1
	plan, err = PlanJob(job)
	require.NoError(t, err)
	assert.Equal(t, 18, plan.Zoom)

	job.ZoomOffset = 10
	plan, err = PlanJob(job)
	require.NoError(t, err)
	assert.Equal(t, tile.MaxZoom, plan.Zoom)
}

func TestPlanJobInvalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Job)
	}{
		{"zero scale", func(j *Job) { j.Scale = 0 }},
		{"negative dpi", func(j *Job) { j.DPI = -1 }},
		{"zero width", func(j *Job) { j.WidthCm = 0 }},
		{"tiny print", func(j *Job) { j.WidthCm = 0.001 }},
		{"latitude", func(j *Job) { j.Lat = 95 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := zurichJob()
			tt.modify(&job)
			_, err := PlanJob(job)
			assert.ErrorIs(t, err, tile.ErrInvalidInput)
		})
	}
}

func TestCenterFromGeometry(t *testing.T) {
	job := Job{Geometry: orb.Polygon{{{8, 47}, {9, 47}, {9, 48}, {8, 48}, {8, 47}}}}
	lat, lon, err := Center(job)
	require.NoError(t, err)
	assert.InDelta(t, 47.5, lat, 1e-9)
	assert.InDelta(t, 8.5, lon, 1e-9)

	job = Job{Geometry: orb.Point{8.54, 47.37}, Lat: 1, Lon: 1}
	lat, lon, err = Center(job)
	require.NoError(t, err)
	assert.Equal(t, 47.37, lat)
	assert.Equal(t, 8.54, lon)

	_, _, err = Center(Job{Geometry: orb.LineString{{0, 0}, {1, 1}}})
	assert.ErrorIs(t, err, overlay.ErrUnsupportedGeometry)
}

func TestRenderPNG(t *testing.T) {
	r, fetcher, _ := setupRenderer(t)
	job := zurichJob()
	job.Geometry = orb.Point{job.Lon, job.Lat}
	job.DrawGeometry = true
	job.WorldFile = true

	out, err := r.Render(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "image/png", out.ContentType)
	assert.Greater(t, fetcher.count(), 0)
	assert.Equal(t, fetcher.count(), out.TotalTiles)
	assert.Empty(t, out.FailedTiles)
	assert.Equal(t, tile.WebMercator, out.Metadata.CRS)
	assert.NotEmpty(t, out.WorldFile)

	img, err := png.Decode(bytes.NewReader(out.Bytes))
	require.NoError(t, err)
	assert.Equal(t, out.Plan.Width, img.Bounds().Dx())
	assert.Equal(t, out.Plan.Height, img.Bounds().Dy())

	// the marker sits on the centre, the corner is plain imagery
	cr, _, _, _ := img.At(img.Bounds().Dx()/2, img.Bounds().Dy()/2).RGBA()
	assert.Greater(t, cr>>8, uint32(150))
	corner := color.RGBAModel.Convert(img.At(1, 1)).(color.RGBA)
	assert.Equal(t, color.RGBA{20, 140, 40, 255}, corner)
}

func TestRenderGeoTIFF(t *testing.T) {
	r, _, _ := setupRenderer(t)
	job := zurichJob()
	job.Format = FormatGeoTIFF
	job.CRS = tile.WGS84

	out, err := r.Render(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, out.GeoTIFF)
	assert.True(t, out.GeoTIFF.Reprojected)
	assert.Equal(t, "image/tiff", out.ContentType)

	info, err := geotiff.ReadInfo(bytes.NewReader(out.Bytes))
	require.NoError(t, err)
	assert.Equal(t, 4326, info.EPSG)
	west, _, east, _ := info.Bounds()
	assert.Less(t, west, job.Lon)
	assert.Greater(t, east, job.Lon)
}

func TestRenderUnsupportedCRSFetchesNothing(t *testing.T) {
	r, fetcher, fs := setupRenderer(t)
	job := zurichJob()
	job.Format = FormatGeoTIFF
	job.CRS = tile.EPSG(2056)

	_, err := r.RenderFile(context.Background(), job, "/out/map.tif")
	assert.ErrorIs(t, err, georaster.ErrUnsupportedCrs)
	assert.Zero(t, fetcher.count())

	exists, _ := afero.Exists(fs, "/out/map.tif")
	assert.False(t, exists)
}

func TestRenderFilePNGWithWorldFile(t *testing.T) {
	r, _, fs := setupRenderer(t)
	job := zurichJob()
	job.WorldFile = true

	_, err := r.RenderFile(context.Background(), job, "/maps/zurich.png")
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/maps/zurich.png")
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	wf, err := afero.ReadFile(fs, "/maps/zurich.pgw")
	require.NoError(t, err)
	assert.Len(t, bytes.Split(bytes.TrimSpace(wf), []byte("\n")), 6)

	entries, err := afero.ReadDir(fs, "/maps")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRenderEmptyCoverage(t *testing.T) {
	r, fetcher, _ := setupRenderer(t)
	job := zurichJob()
	job.Lat = 89.9
	job.Format = FormatGeoTIFF

	out, err := r.Render(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, out.Metadata.EmptyCoverage)
	assert.Equal(t, FormatPNG, out.Format)
	assert.Zero(t, fetcher.count())

	img, err := png.Decode(bytes.NewReader(out.Bytes))
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{200, 200, 200, 255}, color.RGBAModel.Convert(img.At(0, 0)))
}

func TestRenderFileEmptyCoverageWritesPNG(t *testing.T) {
	r, _, fs := setupRenderer(t)
	job := zurichJob()
	job.Lat = 89.9
	job.Format = FormatGeoTIFF
	job.CRS = tile.WGS84

	out, err := r.RenderFile(context.Background(), job, "/maps/"+DefaultName(job))
	require.NoError(t, err)
	assert.Equal(t, "/maps/map_clip_10000_EPSG4326.png", out.Path)

	exists, err := afero.Exists(fs, "/maps/map_clip_10000_EPSG4326.tif")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := afero.ReadFile(fs, out.Path)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)

	// batch items report the file actually written
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Point{8.5402, 89.9})
	f.Properties["name"] = "North"
	fc.Append(f)
	items, err := r.Batch(context.Background(), fc, job, BatchOptions{Dir: "/batch"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, items[0].Err)
	assert.Equal(t, "/batch/North.png", items[0].Path)
	exists, err = afero.Exists(fs, "/batch/North.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRenderInvalid(t *testing.T) {
	r, _, _ := setupRenderer(t)

	job := zurichJob()
	job.Provider = nil
	_, err := r.Render(context.Background(), job)
	assert.ErrorIs(t, err, tile.ErrInvalidInput)

	job = zurichJob()
	job.Format = "jpeg"
	_, err = r.Render(context.Background(), job)
	assert.ErrorIs(t, err, tile.ErrInvalidInput)

	job = zurichJob()
	job.Geometry = orb.LineString{{8.5, 47.3}, {8.6, 47.4}}
	_, err = r.Render(context.Background(), job)
	assert.ErrorIs(t, err, overlay.ErrUnsupportedGeometry)
}

func TestBatch(t *testing.T) {
	r, _, fs := setupRenderer(t)

	point := geojson.NewFeature(orb.Point{8.5402, 47.3782})
	point.Properties["name"] = "Zürich HB"
	poly := geojson.NewFeature(orb.Polygon{{{8.54, 47.37}, {8.545, 47.37}, {8.545, 47.374}, {8.54, 47.374}, {8.54, 47.37}}})
	poly.Properties["name"] = "Lake/Zone"
	line := geojson.NewFeature(orb.LineString{{8.5, 47.3}, {8.6, 47.4}})
	line.Properties["name"] = "Route"
	unnamed := geojson.NewFeature(orb.Point{8.55, 47.38})

	fc := geojson.NewFeatureCollection()
	fc.Append(point)
	fc.Append(poly)
	fc.Append(line)
	fc.Append(unnamed)

	tmpl := zurichJob()
	tmpl.DrawGeometry = true
	tmpl.DrawLabel = true

	var progress []int
	items, err := r.Batch(context.Background(), fc, tmpl, BatchOptions{
		Dir:      "/batch",
		Progress: func(done, total int) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, []int{1, 2, 3, 4}, progress)

	assert.NoError(t, items[0].Err)
	assert.Equal(t, "/batch/Zürich HB.png", items[0].Path)
	assert.NoError(t, items[1].Err)
	assert.Equal(t, "/batch/LakeZone.png", items[1].Path)
	assert.ErrorIs(t, items[2].Err, overlay.ErrUnsupportedGeometry)
	assert.NoError(t, items[3].Err)
	assert.Equal(t, "/batch/point_3.png", items[3].Path)

	for _, i := range []int{0, 1, 3} {
		exists, _ := afero.Exists(fs, items[i].Path)
		assert.True(t, exists, items[i].Path)
	}
	exists, _ := afero.Exists(fs, items[2].Path)
	assert.False(t, exists)
}

func TestBatchCancelled(t *testing.T) {
	r, fetcher, _ := setupRenderer(t)
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{8.5402, 47.3782}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items, err := r.Batch(ctx, fc, zurichJob(), BatchOptions{Dir: "/batch"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, items)
	assert.Zero(t, fetcher.count())
}

func TestFileNames(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Zürich HB", "Zürich HB"},
		{"a/b\\c:d", "abcd"},
		{"  spaced  ", "spaced"},
		{"map_v1.2-final", "map_v1.2-final"},
		{"***", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}

	assert.Equal(t, "point_7.png", OutputName("///", 7, FormatPNG))
	assert.Equal(t, "point_0.tif", OutputName("..", 0, FormatGeoTIFF))
	assert.Equal(t, "Bern.tif", OutputName("Bern", 2, FormatGeoTIFF))

	job := zurichJob()
	job.ZoomOffset = -1
	assert.Equal(t, "map_clip_10000_-1.png", DefaultName(job))
	job.Format = FormatGeoTIFF
	job.CRS = tile.CGCS2000
	assert.Equal(t, "map_clip_10000_EPSG4490.tif", DefaultName(job))

	assert.Equal(t, "/a/b.pgw", WorldFilePath("/a/b.png"))
	assert.Equal(t, "/a/b.tfw", WorldFilePath("/a/b.TIF"))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatPNG, "PNG": FormatPNG, "tif": FormatGeoTIFF, "GeoTIFF": FormatGeoTIFF} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("jpeg")
	assert.ErrorIs(t, err, tile.ErrInvalidInput)
}
