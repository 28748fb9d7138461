package tile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size is the edge length in pixels of a pyramid tile
const Size = 256

// Pyramid limits
const (
	MinZoom = 0
	MaxZoom = 23
)

// EPSG identifies a coordinate reference system by its EPSG code
type EPSG int

// Supported CRS codes
const (
	WebMercator EPSG = 3857
	WGS84       EPSG = 4326
	CGCS2000    EPSG = 4490
)

// String returns the "EPSG:nnnn" form of the code
func (e EPSG) String() string {
	return fmt.Sprintf("EPSG:%d", int(e))
}

// ParseEPSG accepts "3857", "EPSG:3857" or "epsg:3857"
func ParseEPSG(s string) (EPSG, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if !strings.EqualFold(s[:i], "epsg") {
			return 0, fmt.Errorf("%w: unknown authority in %q", ErrInvalidInput, s)
		}
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("%w: invalid EPSG code %q", ErrInvalidInput, s)
	}
	return EPSG(code), nil
}

// GeoBoundingBox represents geographic bounds in WGS84 degrees
type GeoBoundingBox struct {
	West, South, East, North float64
}

// Validate checks that the box has positive area
func (b GeoBoundingBox) Validate() error {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bounding box has non-finite coordinate", ErrInvalidInput)
		}
	}
	if b.West >= b.East {
		return fmt.Errorf("%w: west %.6f must be less than east %.6f", ErrInvalidInput, b.West, b.East)
	}
	if b.South >= b.North {
		return fmt.Errorf("%w: south %.6f must be less than north %.6f", ErrInvalidInput, b.South, b.North)
	}
	return nil
}

// Clamp limits the box to the extent covered by the Web Mercator pyramid
func (b GeoBoundingBox) Clamp() GeoBoundingBox {
	return GeoBoundingBox{
		West:  math.Max(b.West, -180),
		South: ClampLatitude(b.South),
		East:  math.Min(b.East, 180),
		North: ClampLatitude(b.North),
	}
}

// Center returns the centre of the box as lat, lon
func (b GeoBoundingBox) Center() (float64, float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Project converts the box to Web Mercator meters
func (b GeoBoundingBox) Project() ProjectedBoundingBox {
	west, south := ToMercator(b.West, b.South)
	east, north := ToMercator(b.East, b.North)
	return ProjectedBoundingBox{West: west, South: south, East: east, North: north}
}

// ProjectedBoundingBox represents bounds in Web Mercator meters
type ProjectedBoundingBox struct {
	West, South, East, North float64
}

// Width returns the east-west extent in meters
func (b ProjectedBoundingBox) Width() float64 {
	return b.East - b.West
}

// Height returns the north-south extent in meters
func (b ProjectedBoundingBox) Height() float64 {
	return b.North - b.South
}

// IsZero reports whether the box is the zero value
func (b ProjectedBoundingBox) IsZero() bool {
	return b == ProjectedBoundingBox{}
}

// Metadata is the georeferencing record produced by a stitch
type Metadata struct {
	Bounds        ProjectedBoundingBox
	CRS           EPSG
	EmptyCoverage bool
}

// Coordinate identifies one tile of the pyramid
type Coordinate struct {
	X, Y, Z int
}

// Valid reports whether the coordinate lies inside its zoom level
func (c Coordinate) Valid() bool {
	if c.Z < MinZoom || c.Z > MaxZoom {
		return false
	}
	n := 1 << uint(c.Z)
	return c.X >= 0 && c.Y >= 0 && c.X < n && c.Y < n
}

// String returns z/x/y
func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}
