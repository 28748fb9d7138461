package georaster

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrReprojection is returned when no destination grid can be derived
var ErrReprojection = errors.New("reprojection failed")

const (
	edgeSamples = 21
	maxPixels   = 1 << 28
)

// Transform is a north-up affine georeference: the upper-left corner and
// the size of one pixel in CRS units.
type Transform struct {
	West, North            float64
	PixelSizeX, PixelSizeY float64
}

// Bounds returns west, south, east, north for a w x h grid
func (t Transform) Bounds(w, h int) (float64, float64, float64, float64) {
	return t.West, t.North - float64(h)*t.PixelSizeY, t.West + float64(w)*t.PixelSizeX, t.North
}

// grid is a band-interleaved RGBA buffer with its georeference
type grid struct {
	Transform
	Width, Height int
	Pix           []uint8
}

// suggestTransform derives a destination grid covering the source grid
// after conversion, keeping the pixel count along the diagonal.
func suggestTransform(src Transform, w, h int, convert func(x, y float64) (float64, float64)) (Transform, int, int, error) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)

	visit := func(px, py float64) {
		x, y := convert(src.West+px*src.PixelSizeX, src.North-py*src.PixelSizeY)
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			return
		}
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	for i := 0; i < edgeSamples; i++ {
		f := float64(i) / float64(edgeSamples-1)
		visit(f*float64(w), 0)
		visit(f*float64(w), float64(h))
		visit(0, f*float64(h))
		visit(float64(w), f*float64(h))
	}

	extX, extY := maxX-minX, maxY-minY
	if !(extX > 0) || !(extY > 0) || math.IsInf(extX, 0) || math.IsInf(extY, 0) {
		return Transform{}, 0, 0, fmt.Errorf("%w: degenerate destination extent", ErrReprojection)
	}

	res := math.Hypot(extX, extY) / math.Hypot(float64(w), float64(h))
	dw := int(extX/res + 0.5)
	dh := int(extY/res + 0.5)
	if dw < 1 || dh < 1 || dw*dh > maxPixels {
		return Transform{}, 0, 0, fmt.Errorf("%w: destination size %dx%d", ErrReprojection, dw, dh)
	}
	return Transform{West: minX, North: maxY, PixelSizeX: res, PixelSizeY: res}, dw, dh, nil
}

// reproject resamples src onto dst bilinearly. toSource maps a destination
// coordinate back into the source CRS. Destination pixels that fall outside
// the source stay fully transparent.
func reproject(ctx context.Context, src *grid, dt Transform, dw, dh int, toSource func(x, y float64) (float64, float64)) (*grid, error) {
	dst := &grid{Transform: dt, Width: dw, Height: dh, Pix: make([]uint8, dw*dh*4)}

	for j := 0; j < dh; j++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y := dt.North - (float64(j)+0.5)*dt.PixelSizeY
		for i := 0; i < dw; i++ {
			x := dt.West + (float64(i)+0.5)*dt.PixelSizeX
			sx, sy := toSource(x, y)
			fx := (sx-src.West)/src.PixelSizeX - 0.5
			fy := (src.North-sy)/src.PixelSizeY - 0.5
			src.sample(fx, fy, dst.Pix[(j*dw+i)*4:(j*dw+i)*4+4])
		}
	}
	return dst, nil
}

// sample writes the bilinear RGBA value at fractional pixel position
// (fx, fy), pixel centres at integer positions.
func (g *grid) sample(fx, fy float64, out []uint8) {
	if math.IsNaN(fx) || math.IsNaN(fy) ||
		fx < -0.5 || fy < -0.5 || fx > float64(g.Width)-0.5 || fy > float64(g.Height)-0.5 {
		return
	}
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)
	x1, y1 := x0+1, y0+1
	x0, x1 = clampIndex(x0, g.Width), clampIndex(x1, g.Width)
	y0, y1 = clampIndex(y0, g.Height), clampIndex(y1, g.Height)

	p00 := (y0*g.Width + x0) * 4
	p10 := (y0*g.Width + x1) * 4
	p01 := (y1*g.Width + x0) * 4
	p11 := (y1*g.Width + x1) * 4
	for b := 0; b < 4; b++ {
		top := float64(g.Pix[p00+b])*(1-tx) + float64(g.Pix[p10+b])*tx
		bottom := float64(g.Pix[p01+b])*(1-tx) + float64(g.Pix[p11+b])*tx
		out[b] = uint8(math.Round(top*(1-ty) + bottom*ty))
	}
}

func clampIndex(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
