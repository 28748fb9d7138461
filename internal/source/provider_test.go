package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/printclip/pkg/tile"
)

func TestGoogleURL(t *testing.T) {
	p := Google()
	assert.Equal(t, "google", p.Name())
	assert.Equal(t, "https://mt1.google.com/vt/lyrs=s&x=3&y=5&z=7", p.TileURL(tile.Coordinate{X: 3, Y: 5, Z: 7}))
}

func TestXYZSubdomain(t *testing.T) {
	p, err := NewXYZ("osm", "https://{s}.tile.example.org/{z}/{x}/{y}.png")
	require.NoError(t, err)
	assert.Equal(t, "https://a.tile.example.org/1/0/0.png", p.TileURL(tile.Coordinate{X: 0, Y: 0, Z: 1}))
	assert.Equal(t, "https://b.tile.example.org/1/1/0.png", p.TileURL(tile.Coordinate{X: 1, Y: 0, Z: 1}))
	assert.Equal(t, "https://c.tile.example.org/2/1/1.png", p.TileURL(tile.Coordinate{X: 1, Y: 1, Z: 2}))
}

func TestNewXYZValidation(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"empty", ""},
		{"missing z", "https://example.org/{x}/{y}.png"},
		{"missing x", "https://example.org/{z}/{y}.png"},
		{"missing y", "https://example.org/{z}/{x}.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewXYZ("x", tt.template)
			assert.ErrorIs(t, err, tile.ErrInvalidInput)
		})
	}
}

func TestTiandituURL(t *testing.T) {
	p := Tianditu("abc123")
	assert.Equal(t, "tianditu", p.Name())

	got := p.TileURL(tile.Coordinate{X: 13, Y: 6, Z: 5})
	want := "http://t3.tianditu.gov.cn/img_w/wmts?SERVICE=WMTS&REQUEST=GetTile&VERSION=1.0.0" +
		"&LAYER=img&STYLE=default&TILEMATRIXSET=w&FORMAT=tiles&TILEMATRIX=5&TILEROW=6&TILECOL=13&tk=abc123"
	assert.Equal(t, want, got)

	assert.Contains(t, p.TileURL(tile.Coordinate{X: 4, Y: 4, Z: 5}), "http://t0.")
}

func TestNew(t *testing.T) {
	p, err := New("", "", "")
	require.NoError(t, err)
	assert.Equal(t, KindGoogle, p.Name())

	p, err = New("Tianditu", "key", "")
	require.NoError(t, err)
	assert.Equal(t, KindTianditu, p.Name())

	_, err = New("tianditu", "", "")
	assert.ErrorIs(t, err, tile.ErrInvalidInput)

	p, err = New("xyz", "", "http://localhost/{z}/{x}/{y}")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/1/2/3", p.TileURL(tile.Coordinate{X: 2, Y: 3, Z: 1}))
	assert.Equal(t, TemplateName("http://localhost/{z}/{x}/{y}"), p.Name())

	// each template gets its own name, and so its own cache entries
	other, err := New("xyz", "", "http://localhost:8081/{z}/{x}/{y}")
	require.NoError(t, err)
	assert.NotEqual(t, p.Name(), other.Name())
	assert.Regexp(t, `^xyz-[0-9a-f]{12}$`, other.Name())

	_, err = New("bing", "", "")
	assert.ErrorIs(t, err, tile.ErrInvalidInput)
}
