package tile

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Grid is the rectangular range of tiles covering a bounding box at one zoom
type Grid struct {
	MinX, MinY int
	MaxX, MaxY int
	Zoom       int
}

// CoveringGrid returns the tiles whose union covers bbox at zoom. The second
// result is false when the box lies entirely outside the pyramid.
func CoveringGrid(bbox GeoBoundingBox, zoom int) (Grid, bool) {
	if zoom < MinZoom || zoom > MaxZoom {
		return Grid{}, false
	}
	if bbox.East <= -180 || bbox.West >= 180 || bbox.North <= -MaxLatitude || bbox.South >= MaxLatitude {
		return Grid{}, false
	}
	c := bbox.Clamp()
	if c.West >= c.East || c.South >= c.North {
		return Grid{}, false
	}

	ul := tileAt(c.West, c.North, zoom)

	// the east and south edges are exclusive so a box ending exactly on a
	// tile edge does not pull in the neighbour
	limit := (1 << uint(zoom)) - 1
	fx, fy := fraction(c.East, c.South, zoom)
	maxX := clampInt(int(math.Ceil(fx-edgeEpsilon))-1, ul.X, limit)
	maxY := clampInt(int(math.Ceil(fy-edgeEpsilon))-1, ul.Y, limit)

	return Grid{MinX: ul.X, MinY: ul.Y, MaxX: maxX, MaxY: maxY, Zoom: zoom}, true
}

const edgeEpsilon = 1e-9

// tileAt returns the tile containing lon/lat, clamped to the zoom level
func tileAt(lon, lat float64, zoom int) Coordinate {
	t := maptile.At(orb.Point{lon, ClampLatitude(lat)}, maptile.Zoom(zoom))
	limit := (1 << uint(zoom)) - 1
	return Coordinate{
		X: clampInt(int(t.X), 0, limit),
		Y: clampInt(int(t.Y), 0, limit),
		Z: zoom,
	}
}

// fraction returns the fractional tile position of lon/lat at zoom
func fraction(lon, lat float64, zoom int) (float64, float64) {
	x, y := ToMercator(lon, lat)
	size := 2 * OriginShift / float64(int(1)<<uint(zoom))
	return (x + OriginShift) / size, (OriginShift - y) / size
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cols returns the number of tile columns
func (g Grid) Cols() int {
	return g.MaxX - g.MinX + 1
}

// Rows returns the number of tile rows
func (g Grid) Rows() int {
	return g.MaxY - g.MinY + 1
}

// Len returns the number of tiles in the grid
func (g Grid) Len() int {
	return g.Cols() * g.Rows()
}

// Coordinates lists the grid's tiles in row-major order
func (g Grid) Coordinates() []Coordinate {
	coords := make([]Coordinate, 0, g.Len())
	for y := g.MinY; y <= g.MaxY; y++ {
		for x := g.MinX; x <= g.MaxX; x++ {
			coords = append(coords, Coordinate{X: x, Y: y, Z: g.Zoom})
		}
	}
	return coords
}

// Index returns the row-major position of c within the grid
func (g Grid) Index(c Coordinate) int {
	return (c.Y-g.MinY)*g.Cols() + (c.X - g.MinX)
}

// Bounds returns the projected extent of the whole grid
func (g Grid) Bounds() ProjectedBoundingBox {
	ul := CoordinateBounds(Coordinate{X: g.MinX, Y: g.MinY, Z: g.Zoom})
	lr := CoordinateBounds(Coordinate{X: g.MaxX, Y: g.MaxY, Z: g.Zoom})
	return ProjectedBoundingBox{West: ul.West, South: lr.South, East: lr.East, North: ul.North}
}

// CoordinateBounds returns the projected extent of a single tile
func CoordinateBounds(c Coordinate) ProjectedBoundingBox {
	size := 2 * OriginShift / float64(int(1)<<uint(c.Z))
	west := -OriginShift + float64(c.X)*size
	north := OriginShift - float64(c.Y)*size
	return ProjectedBoundingBox{West: west, South: north - size, East: west + size, North: north}
}
