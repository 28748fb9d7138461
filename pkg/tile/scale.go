package tile

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned for non-positive print parameters and malformed requests
var ErrInvalidInput = errors.New("invalid input")

const (
	metersPerInch = 0.0254
	cmPerInch     = 2.54

	// ground resolution of zoom 0 at the equator
	zoomZeroResolution = 156543.03392

	metersPerDegreeLat = 111319.9

	// FallbackZoom is used when the resolution cannot be solved for
	FallbackZoom = 20
)

// Resolution returns the ground size in meters of one printed pixel
func Resolution(scale, dpi float64) (float64, error) {
	if dpi <= 0 || math.IsNaN(dpi) {
		return 0, fmt.Errorf("%w: dpi must be positive, got %v", ErrInvalidInput, dpi)
	}
	if scale <= 0 || math.IsNaN(scale) {
		return 0, fmt.Errorf("%w: scale must be positive, got %v", ErrInvalidInput, scale)
	}
	return (metersPerInch / dpi) * scale, nil
}

// ZoomLevel returns the smallest zoom whose native resolution at lat is no
// coarser than metersPerPixel
func ZoomLevel(lat, metersPerPixel float64) int {
	if metersPerPixel <= 0 || math.IsNaN(metersPerPixel) {
		return FallbackZoom
	}
	z := math.Ceil(math.Log2(zoomZeroResolution * math.Cos(ClampLatitude(lat)*math.Pi/180) / metersPerPixel))
	if math.IsNaN(z) || z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return int(z)
}

// ClampZoom limits z to the pyramid range
func ClampZoom(z int) int {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

// BoundingBoxFromCenter returns the ground footprint of a print of the given
// physical size centred on lat, lon
func BoundingBoxFromCenter(lat, lon, widthCm, heightCm, scale float64) GeoBoundingBox {
	widthM := (widthCm / 100) * scale
	heightM := (heightCm / 100) * scale

	dLat := (heightM / 2) / metersPerDegreeLat
	dLon := (widthM / 2) / (metersPerDegreeLat * math.Cos(lat*math.Pi/180))

	return GeoBoundingBox{
		West:  lon - dLon,
		South: lat - dLat,
		East:  lon + dLon,
		North: lat + dLat,
	}
}

// PixelDimensions returns the pixel size of a print, truncating toward zero
func PixelDimensions(widthCm, heightCm, dpi float64) (int, int, error) {
	if dpi <= 0 || math.IsNaN(dpi) {
		return 0, 0, fmt.Errorf("%w: dpi must be positive, got %v", ErrInvalidInput, dpi)
	}
	w := int((widthCm / cmPerInch) * dpi)
	h := int((heightCm / cmPerInch) * dpi)
	if w < 1 || h < 1 {
		return 0, 0, fmt.Errorf("%w: %.2fx%.2f cm at %v dpi is smaller than one pixel", ErrInvalidInput, widthCm, heightCm, dpi)
	}
	return w, h, nil
}
