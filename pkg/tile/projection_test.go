package tile

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMercator(t *testing.T) {
	x, y := ToMercator(0, 0)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 0, y, 1e-9)

	x, _ = ToMercator(180, 0)
	assert.InDelta(t, 20037508.342789244, x, 1e-6)

	_, y = ToMercator(0, MaxLatitude)
	assert.InDelta(t, 20037508.342789244, y, 0.01)

	// beyond the pyramid the projection is clamped rather than diverging
	_, yPole := ToMercator(0, 89.9)
	assert.InDelta(t, y, yPole, 1e-6)

	lon, lat := ToGeographic(ToMercator(13.4, 52.5))
	assert.InDelta(t, 13.4, lon, 1e-9)
	assert.InDelta(t, 52.5, lat, 1e-9)
}

func TestPixelMapper(t *testing.T) {
	m := NewPixelMapper(ProjectedBoundingBox{West: 0, South: 0, East: 1000, North: 500}, 200, 100)

	px, py := m.ToPixel(0, 500)
	assert.Equal(t, 0.0, px)
	assert.Equal(t, 0.0, py)

	px, py = m.ToPixel(1000, 0)
	assert.Equal(t, 200.0, px)
	assert.Equal(t, 100.0, py)

	x, y := m.ToMeters(50, 25)
	assert.InDelta(t, 250, x, 1e-9)
	assert.InDelta(t, 375, y, 1e-9)

	sx, sy := m.PixelSize()
	assert.Equal(t, 5.0, sx)
	assert.Equal(t, 5.0, sy)

	geo := BoundingBoxFromCenter(10, 20, 5, 5, 10000)
	gm := NewPixelMapper(geo.Project(), 400, 400)
	cx, cy := gm.Project(orb.Point{20, 10})
	assert.InDelta(t, 200, cx, 1e-6)
	assert.InDelta(t, 200, cy, 1.0)
}

func TestCoveringGrid(t *testing.T) {
	g, ok := CoveringGrid(GeoBoundingBox{West: -180, South: -MaxLatitude, East: 180, North: MaxLatitude}, 0)
	require.True(t, ok)
	assert.Equal(t, Grid{Zoom: 0}, g)
	assert.Equal(t, 1, g.Len())

	g, ok = CoveringGrid(GeoBoundingBox{West: -180, South: -MaxLatitude, East: 180, North: MaxLatitude}, 2)
	require.True(t, ok)
	assert.Equal(t, 4, g.Cols())
	assert.Equal(t, 4, g.Rows())

	// a small box straddling the origin touches the four central tiles
	g, ok = CoveringGrid(GeoBoundingBox{West: -1, South: -1, East: 1, North: 1}, 1)
	require.True(t, ok)
	assert.Equal(t, Grid{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1, Zoom: 1}, g)

	// ending exactly on a tile edge does not pull in the neighbour
	g, ok = CoveringGrid(GeoBoundingBox{West: -10, South: 0, East: 0, North: 10}, 1)
	require.True(t, ok)
	assert.Equal(t, Grid{MinX: 0, MinY: 0, MaxX: 0, MaxY: 0, Zoom: 1}, g)

	_, ok = CoveringGrid(GeoBoundingBox{West: 190, South: 0, East: 200, North: 10}, 3)
	assert.False(t, ok)
	_, ok = CoveringGrid(GeoBoundingBox{West: 0, South: 86, East: 10, North: 89}, 3)
	assert.False(t, ok)
	_, ok = CoveringGrid(GeoBoundingBox{West: 0, South: 0, East: 1, North: 1}, 30)
	assert.False(t, ok)
}

func TestGridCoordinatesAndBounds(t *testing.T) {
	g := Grid{MinX: 4, MinY: 6, MaxX: 5, MaxY: 8, Zoom: 4}
	coords := g.Coordinates()
	require.Len(t, coords, 6)
	assert.Equal(t, Coordinate{X: 4, Y: 6, Z: 4}, coords[0])
	assert.Equal(t, Coordinate{X: 5, Y: 6, Z: 4}, coords[1])
	assert.Equal(t, Coordinate{X: 5, Y: 8, Z: 4}, coords[5])
	for i, c := range coords {
		assert.Equal(t, i, g.Index(c))
	}

	b := g.Bounds()
	size := 2 * OriginShift / 16
	assert.InDelta(t, 2*size, b.Width(), 1e-6)
	assert.InDelta(t, 3*size, b.Height(), 1e-6)
	assert.InDelta(t, -OriginShift+4*size, b.West, 1e-6)
	assert.InDelta(t, OriginShift-6*size, b.North, 1e-6)

	whole := CoordinateBounds(Coordinate{})
	assert.InDelta(t, -OriginShift, whole.West, 1e-6)
	assert.InDelta(t, OriginShift, whole.North, 1e-6)
}

func TestCoordinateValid(t *testing.T) {
	assert.True(t, Coordinate{X: 0, Y: 0, Z: 0}.Valid())
	assert.True(t, Coordinate{X: 3, Y: 3, Z: 2}.Valid())
	assert.False(t, Coordinate{X: 4, Y: 0, Z: 2}.Valid())
	assert.False(t, Coordinate{X: -1, Y: 0, Z: 2}.Valid())
	assert.False(t, Coordinate{Z: 24}.Valid())
	assert.Equal(t, "2/3/1", Coordinate{X: 3, Y: 1, Z: 2}.String())
}

func TestWorldFile(t *testing.T) {
	meta := Metadata{Bounds: ProjectedBoundingBox{West: 1000, South: 0, East: 2000, North: 500}, CRS: WebMercator}
	var buf bytes.Buffer
	require.NoError(t, WriteWorldFile(&buf, meta, 100, 50))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	want := []float64{10, 0, 0, -10, 1005, 495}
	for i, line := range lines {
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		require.NoError(t, err)
		assert.InDelta(t, want[i], v, 1e-9, "line %d", i)
	}
}
