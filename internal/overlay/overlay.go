// Package overlay draws the source geometry and its label onto a stitched
// raster.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/golang/freetype/truetype"
	"github.com/llgcode/draw2d/draw2dimg"
	"github.com/llgcode/draw2d/draw2dkit"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"github.com/kiesman99/printclip/pkg/tile"
)

// ErrUnsupportedGeometry is returned for shapes other than points and polygons
var ErrUnsupportedGeometry = errors.New("unsupported overlay geometry")

// Geometry is the caller's feature: a shape in WGS84 and an optional label
type Geometry struct {
	Shape orb.Geometry
	Label string
}

// Options toggles the two overlay passes
type Options struct {
	Shape bool
	Label bool
}

// Style holds marker, polygon and label appearance
type Style struct {
	MarkerRadius   float64
	MarkerFill     color.Color
	MarkerOutline  color.Color
	PolygonFill    color.Color
	PolygonOutline color.Color
	LineWidth      float64
	FontSize       float64
	LabelOffset    float64
	LabelFill      color.Color
	LabelOutline   color.Color
}

// DefaultStyle is a red point marker, translucent blue polygons and white
// labels outlined in black
var DefaultStyle = Style{
	MarkerRadius:   10,
	MarkerFill:     color.NRGBA{R: 255, A: 180},
	MarkerOutline:  color.White,
	PolygonFill:    color.NRGBA{B: 255, A: 50},
	PolygonOutline: color.NRGBA{B: 255, A: 255},
	LineWidth:      2,
	FontSize:       20,
	LabelOffset:    10,
	LabelFill:      color.White,
	LabelOutline:   color.Black,
}

// Config configures a Renderer
type Config struct {
	// FontPath names a TrueType font. Empty uses Go Regular.
	FontPath string
	Fs       afero.Fs
	Style    *Style
	Logger   *zap.Logger
}

// Renderer draws overlays. It is safe for concurrent use.
type Renderer struct {
	style Style
	font  *truetype.Font
	log   *zap.Logger
}

// NewRenderer loads the label font. A font that cannot be loaded is not an
// error: labels fall back to a built-in bitmap face.
func NewRenderer(cfg Config) *Renderer {
	r := &Renderer{style: DefaultStyle, log: cfg.Logger}
	if cfg.Style != nil {
		r.style = *cfg.Style
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	f, err := loadFont(cfg.Fs, cfg.FontPath)
	if err != nil {
		r.log.Warn("label font unavailable, using bitmap font", zap.String("font", cfg.FontPath), zap.Error(err))
		return r
	}
	r.font = f
	return r
}

func loadFont(fs afero.Fs, path string) (*truetype.Font, error) {
	data := goregular.TTF
	if path != "" {
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return truetype.Parse(data)
}

// BitmapFallback reports whether labels are drawn with the bitmap face
func (r *Renderer) BitmapFallback() bool {
	return r.font == nil
}

// face returns a fresh face per call since truetype faces cache glyphs
// without locking
func (r *Renderer) face() font.Face {
	if r.font == nil {
		return basicfont.Face7x13
	}
	return truetype.NewFace(r.font, &truetype.Options{
		Size:    r.style.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// Draw renders g onto img, which covers meta.Bounds. Vertices are placed
// with the same mapping the stitcher used to crop.
func (r *Renderer) Draw(img *image.RGBA, meta tile.Metadata, g Geometry, opts Options) error {
	if meta.Bounds.Width() <= 0 || meta.Bounds.Height() <= 0 {
		return fmt.Errorf("%w: overlay needs non-empty raster bounds", tile.ErrInvalidInput)
	}
	b := img.Bounds()
	mapper := tile.NewPixelMapper(meta.Bounds, b.Dx(), b.Dy())

	if opts.Shape && g.Shape != nil {
		if err := r.drawShape(img, mapper, g.Shape); err != nil {
			return err
		}
	}

	if opts.Label && g.Label != "" {
		x, y := float64(b.Dx())/2, float64(b.Dy())/2
		if g.Shape != nil {
			anchor, err := Anchor(g.Shape)
			if err != nil {
				return err
			}
			x, y = mapper.Project(anchor)
		}
		r.drawLabel(img, g.Label, x, y)
	}
	return nil
}

func (r *Renderer) drawShape(img *image.RGBA, mapper tile.PixelMapper, shape orb.Geometry) error {
	gc := draw2dimg.NewGraphicContext(img)
	gc.SetLineWidth(r.style.LineWidth)

	switch s := shape.(type) {
	case orb.Point:
		x, y := mapper.Project(s)
		gc.SetFillColor(r.style.MarkerFill)
		gc.SetStrokeColor(r.style.MarkerOutline)
		gc.BeginPath()
		draw2dkit.Circle(gc, x, y, r.style.MarkerRadius)
		gc.FillStroke()
	case orb.Polygon:
		r.drawPolygon(gc, mapper, s)
	case orb.MultiPolygon:
		for _, p := range s {
			r.drawPolygon(gc, mapper, p)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedGeometry, shape.GeoJSONType())
	}
	return nil
}

// drawPolygon fills and outlines the exterior ring only
func (r *Renderer) drawPolygon(gc *draw2dimg.GraphicContext, mapper tile.PixelMapper, p orb.Polygon) {
	if len(p) == 0 || len(p[0]) < 3 {
		return
	}
	gc.SetFillColor(r.style.PolygonFill)
	gc.SetStrokeColor(r.style.PolygonOutline)
	gc.BeginPath()
	for i, pt := range p[0] {
		x, y := mapper.Project(pt)
		if i == 0 {
			gc.MoveTo(x, y)
		} else {
			gc.LineTo(x, y)
		}
	}
	gc.Close()
	gc.FillStroke()
}

// Anchor is the point itself or the area centroid of a polygon. Labels and
// map centres are placed on it.
func Anchor(shape orb.Geometry) (orb.Point, error) {
	switch s := shape.(type) {
	case orb.Point:
		return s, nil
	case orb.Polygon, orb.MultiPolygon:
		c, _ := planar.CentroidArea(s)
		return c, nil
	default:
		return orb.Point{}, fmt.Errorf("%w: %s", ErrUnsupportedGeometry, shape.GeoJSONType())
	}
}

// drawLabel centres text horizontally on x with its bottom LabelOffset pixels
// above y. The outline pass stamps the text at the 8 surrounding offsets
// before the fill pass.
func (r *Renderer) drawLabel(img *image.RGBA, text string, x, y float64) {
	face := r.face()
	defer face.Close()

	bounds, _ := font.BoundString(face, text)
	w := (bounds.Max.X - bounds.Min.X).Ceil()
	h := (bounds.Max.Y - bounds.Min.Y).Ceil()

	left := int(x) - w/2
	top := int(y) - h - int(r.style.LabelOffset)
	dot := fixed.P(left, top).Sub(bounds.Min)

	d := &font.Drawer{Dst: img, Face: face}

	d.Src = image.NewUniform(r.style.LabelOutline)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			d.Dot = dot.Add(fixed.P(dx, dy))
			d.DrawString(text)
		}
	}

	d.Src = image.NewUniform(r.style.LabelFill)
	d.Dot = dot
	d.DrawString(text)
}
