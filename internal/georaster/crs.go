package georaster

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kiesman99/printclip/pkg/geotiff"
	"github.com/kiesman99/printclip/pkg/tile"
)

// ErrUnsupportedCrs is returned for CRS codes missing from the registry
var ErrUnsupportedCrs = errors.New("unsupported CRS")

// CRS describes a coordinate reference system the writer can target
type CRS struct {
	Code       tile.EPSG
	Name       string
	Geographic bool

	// FromMercator converts Web Mercator meters into this CRS
	FromMercator func(x, y float64) (float64, float64)
	// ToMercator converts coordinates of this CRS into Web Mercator meters
	ToMercator func(x, y float64) (float64, float64)
}

func (c CRS) geoTags(tiepoint, pixelScale []float64) geotiff.GeoTags {
	keys := []uint16{1, 1, 0, 4,
		geotiff.KeyModelType, 0, 1, geotiff.ModelTypeProjected,
		geotiff.KeyRasterType, 0, 1, geotiff.RasterPixelIsArea,
		geotiff.KeyProjectedCSType, 0, 1, uint16(c.Code),
		geotiff.KeyProjLinearUnits, 0, 1, geotiff.LinearUnitMeter,
	}
	if c.Geographic {
		keys = []uint16{1, 1, 0, 4,
			geotiff.KeyModelType, 0, 1, geotiff.ModelTypeGeographic,
			geotiff.KeyRasterType, 0, 1, geotiff.RasterPixelIsArea,
			geotiff.KeyGeographicType, 0, 1, uint16(c.Code),
			geotiff.KeyGeogAngularUnits, 0, 1, geotiff.AngularUnitDegree,
		}
	}
	return geotiff.GeoTags{
		Tiepoint:   tiepoint,
		PixelScale: pixelScale,
		GeoKeys:    keys,
		Citation:   c.Name,
	}
}

func identity(x, y float64) (float64, float64) { return x, y }

// WebMercator is EPSG:3857
var WebMercator = CRS{
	Code:         tile.WebMercator,
	Name:         "WGS 84 / Pseudo-Mercator",
	FromMercator: identity,
	ToMercator:   identity,
}

// Geographic returns a lon/lat CRS on a WGS84-compatible ellipsoid. The
// sub-meter datum differences of e.g. CGCS2000 are below print resolution.
func Geographic(code tile.EPSG, name string) CRS {
	return CRS{
		Code:         code,
		Name:         name,
		Geographic:   true,
		FromMercator: tile.ToGeographic,
		ToMercator:   tile.ToMercator,
	}
}

// Registry maps EPSG codes to CRS definitions
type Registry struct {
	crs map[tile.EPSG]CRS
}

// NewRegistry returns a registry with 3857, 4326 and 4490
func NewRegistry() *Registry {
	r := &Registry{crs: make(map[tile.EPSG]CRS)}
	r.Register(WebMercator)
	r.Register(Geographic(tile.WGS84, "WGS 84"))
	r.Register(Geographic(tile.CGCS2000, "China Geodetic Coordinate System 2000"))
	return r
}

// Register adds or replaces a CRS
func (r *Registry) Register(c CRS) {
	r.crs[c.Code] = c
}

// Lookup returns the CRS for code or ErrUnsupportedCrs
func (r *Registry) Lookup(code tile.EPSG) (CRS, error) {
	c, ok := r.crs[code]
	if !ok {
		return CRS{}, fmt.Errorf("%w: %s", ErrUnsupportedCrs, code)
	}
	return c, nil
}

// Codes lists the registered codes in ascending order
func (r *Registry) Codes() []tile.EPSG {
	codes := make([]tile.EPSG, 0, len(r.crs))
	for c := range r.crs {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
