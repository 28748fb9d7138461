package tile

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// MaxLatitude is the latitude at which the Web Mercator pyramid ends
const MaxLatitude = 85.05112877980659

// OriginShift is half the Web Mercator world width in meters
const OriginShift = math.Pi * orb.EarthRadius

// ClampLatitude limits lat to the extent of the Web Mercator pyramid
func ClampLatitude(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

// ToMercator converts WGS84 lon/lat to Web Mercator x/y in meters.
// Latitudes beyond the pyramid are clamped first.
func ToMercator(lon, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, ClampLatitude(lat)})
	return p[0], p[1]
}

// ToGeographic converts Web Mercator meters back to WGS84 lon/lat
func ToGeographic(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// PixelMapper maps between projected meters and the pixel grid of a raster
// covering Bounds. Cropping and overlay drawing both go through it so the two
// never disagree about ground position.
type PixelMapper struct {
	Bounds ProjectedBoundingBox
	Width  int
	Height int
}

// NewPixelMapper returns a mapper for a width x height raster covering bounds
func NewPixelMapper(bounds ProjectedBoundingBox, width, height int) PixelMapper {
	return PixelMapper{Bounds: bounds, Width: width, Height: height}
}

// ToPixel converts projected meters to fractional pixel coordinates. Pixel
// rows grow southward.
func (m PixelMapper) ToPixel(x, y float64) (float64, float64) {
	px := (x - m.Bounds.West) / m.Bounds.Width() * float64(m.Width)
	py := (m.Bounds.North - y) / m.Bounds.Height() * float64(m.Height)
	return px, py
}

// ToMeters converts pixel coordinates to projected meters
func (m PixelMapper) ToMeters(px, py float64) (float64, float64) {
	x := m.Bounds.West + px/float64(m.Width)*m.Bounds.Width()
	y := m.Bounds.North - py/float64(m.Height)*m.Bounds.Height()
	return x, y
}

// Project converts a WGS84 point to fractional pixel coordinates
func (m PixelMapper) Project(p orb.Point) (float64, float64) {
	x, y := ToMercator(p.Lon(), p.Lat())
	return m.ToPixel(x, y)
}

// PixelSize returns the ground size of one pixel in meters
func (m PixelMapper) PixelSize() (float64, float64) {
	return m.Bounds.Width() / float64(m.Width), m.Bounds.Height() / float64(m.Height)
}
