package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kiesman99/printclip/pkg/tile"
)

// Provider builds tile URLs for one raster tileset
type Provider interface {
	Name() string
	TileURL(c tile.Coordinate) string
}

// Provider kinds accepted by New
const (
	KindGoogle   = "google"
	KindTianditu = "tianditu"
	KindXYZ      = "xyz"
)

const googleSatellite = "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}"

// New returns the provider for kind. credential is used by credentialed
// WMTS sources and template by plain XYZ sources.
func New(kind, credential, template string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindGoogle:
		return Google(), nil
	case KindTianditu:
		if credential == "" {
			return nil, fmt.Errorf("%w: tianditu requires a credential token", tile.ErrInvalidInput)
		}
		return Tianditu(credential), nil
	case KindXYZ:
		p, err := NewXYZ(TemplateName(template), template)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown tile source %q", tile.ErrInvalidInput, kind)
	}
}

// XYZ is a plain {z}/{x}/{y} URL template provider
type XYZ struct {
	name     string
	template string
}

// NewXYZ validates template and returns a provider for it. The template must
// carry {z}, {x} and {y} and may carry {s} for an a/b/c subdomain.
func NewXYZ(name, template string) (*XYZ, error) {
	if template == "" {
		return nil, fmt.Errorf("%w: tile URL template is required", tile.ErrInvalidInput)
	}
	for _, token := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(template, token) {
			return nil, fmt.Errorf("%w: tile URL template must contain %s", tile.ErrInvalidInput, token)
		}
	}
	return &XYZ{name: name, template: template}, nil
}

// TemplateName names a custom XYZ tileset after its template, so caches
// keyed by provider name keep different templates apart.
func TemplateName(template string) string {
	sum := sha256.Sum256([]byte(template))
	return KindXYZ + "-" + hex.EncodeToString(sum[:6])
}

// Google returns the Google satellite tileset
func Google() *XYZ {
	return &XYZ{name: KindGoogle, template: googleSatellite}
}

// Name returns the provider name
func (p *XYZ) Name() string {
	return p.name
}

// TileURL replaces the template tokens for c
func (p *XYZ) TileURL(c tile.Coordinate) string {
	u := p.template
	u = strings.ReplaceAll(u, "{z}", strconv.Itoa(c.Z))
	u = strings.ReplaceAll(u, "{x}", strconv.Itoa(c.X))
	u = strings.ReplaceAll(u, "{y}", strconv.Itoa(c.Y))
	if strings.Contains(u, "{s}") {
		u = strings.ReplaceAll(u, "{s}", string(rune('a'+(c.X+c.Y)%3)))
	}
	return u
}

// WMTS is a KVP GetTile provider with numbered subdomains and a credential
// token
type WMTS struct {
	name       string
	endpoint   string // may contain {s}
	subdomains int
	layer      string
	style      string
	matrixSet  string
	format     string
	credential string
}

// WMTSConfig describes a WMTS tileset
type WMTSConfig struct {
	Name       string
	Endpoint   string
	Subdomains int
	Layer      string
	Style      string
	MatrixSet  string
	Format     string
	Credential string
}

// NewWMTS returns a provider for cfg
func NewWMTS(cfg WMTSConfig) *WMTS {
	if cfg.Subdomains <= 0 {
		cfg.Subdomains = 1
	}
	if cfg.Style == "" {
		cfg.Style = "default"
	}
	return &WMTS{
		name:       cfg.Name,
		endpoint:   cfg.Endpoint,
		subdomains: cfg.Subdomains,
		layer:      cfg.Layer,
		style:      cfg.Style,
		matrixSet:  cfg.MatrixSet,
		format:     cfg.Format,
		credential: cfg.Credential,
	}
}

// Tianditu returns the Tianditu Web Mercator imagery tileset
func Tianditu(credential string) *WMTS {
	return NewWMTS(WMTSConfig{
		Name:       KindTianditu,
		Endpoint:   "http://t{s}.tianditu.gov.cn/img_w/wmts",
		Subdomains: 8,
		Layer:      "img",
		MatrixSet:  "w",
		Format:     "tiles",
		Credential: credential,
	})
}

// Name returns the provider name
func (p *WMTS) Name() string {
	return p.name
}

// TileURL builds the GetTile request for c. The subdomain is (x+y) mod N.
func (p *WMTS) TileURL(c tile.Coordinate) string {
	endpoint := strings.ReplaceAll(p.endpoint, "{s}", strconv.Itoa((c.X+c.Y)%p.subdomains))

	var b strings.Builder
	b.WriteString(endpoint)
	b.WriteString("?SERVICE=WMTS&REQUEST=GetTile&VERSION=1.0.0")
	fmt.Fprintf(&b, "&LAYER=%s&STYLE=%s&TILEMATRIXSET=%s&FORMAT=%s",
		url.QueryEscape(p.layer), url.QueryEscape(p.style), url.QueryEscape(p.matrixSet), url.QueryEscape(p.format))
	fmt.Fprintf(&b, "&TILEMATRIX=%d&TILEROW=%d&TILECOL=%d", c.Z, c.Y, c.X)
	if p.credential != "" {
		b.WriteString("&tk=")
		b.WriteString(url.QueryEscape(p.credential))
	}
	return b.String()
}
