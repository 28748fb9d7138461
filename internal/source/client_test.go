package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kiesman99/printclip/pkg/tile"
)

func encodeTile(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size))
	for y := 0; y < tile.Size; y++ {
		for x := 0; x < tile.Size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testProvider(t *testing.T, serverURL string) Provider {
	t.Helper()
	p, err := NewXYZ("test", serverURL+"/{z}/{x}/{y}.png")
	require.NoError(t, err)
	return p
}

func TestFetchSuccess(t *testing.T) {
	body := encodeTile(t, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(Config{Logger: zaptest.NewLogger(t)})
	got := c.Fetch(context.Background(), testProvider(t, srv.URL), tile.Coordinate{X: 1, Y: 2, Z: 3})

	require.False(t, got.Failed())
	assert.Equal(t, srv.URL+"/3/1/2.png", got.URL)
	assert.Equal(t, tile.Size, got.Image.Bounds().Dx())
	r, g, b, _ := got.Image.At(5, 5).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})
	assert.Equal(t, DefaultUserAgent, agent.Load())
}

func TestFetchFailuresReturnPlaceholder(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			status: http.StatusNotFound,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("definitely not an image"))
			},
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(Config{Logger: zaptest.NewLogger(t)})
			got := c.Fetch(context.Background(), testProvider(t, srv.URL), tile.Coordinate{X: 0, Y: 0, Z: 1})

			require.True(t, got.Failed())
			assert.Equal(t, tt.status, got.StatusCode)
			assert.Equal(t, image.Rect(0, 0, tile.Size, tile.Size), got.Image.Bounds())
			assert.Equal(t, PlaceholderColor, color.RGBAModel.Convert(got.Image.At(100, 100)))
		})
	}
}

func TestFetchUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{Timeout: time.Second, Logger: zaptest.NewLogger(t)})
	got := c.Fetch(context.Background(), testProvider(t, url), tile.Coordinate{Z: 0})
	require.True(t, got.Failed())
	assert.Equal(t, 0, got.StatusCode)
}

func TestFetchInvalidCoordinate(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := NewClient(Config{})
	got := c.Fetch(context.Background(), testProvider(t, srv.URL), tile.Coordinate{X: 2, Y: 0, Z: 1})
	assert.True(t, got.Failed())
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{Timeout: 50 * time.Millisecond})
	start := time.Now()
	got := c.Fetch(context.Background(), testProvider(t, srv.URL), tile.Coordinate{Z: 0})
	assert.True(t, got.Failed())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	body := encodeTile(t, color.White)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(Config{Retries: 2})
	got := c.Fetch(context.Background(), testProvider(t, srv.URL), tile.Coordinate{Z: 0})
	require.False(t, got.Failed())
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	c := NewClient(Config{Retries: 3, Logger: zap.New(core)})
	got := c.Fetch(context.Background(), testProvider(t, srv.URL), tile.Coordinate{Z: 0})

	require.True(t, got.Failed())
	assert.Equal(t, http.StatusTooManyRequests, got.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, logs.FilterField(zap.Bool("rate_limited", true)).Len())
}

type countingCache struct {
	data  map[Key][]byte
	loads int
}

func (c *countingCache) Fetch(ctx context.Context, key Key, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if b, ok := c.data[key]; ok {
		return b, nil
	}
	c.loads++
	b, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.data[key] = b
	return b, nil
}

func TestFetchUsesCache(t *testing.T) {
	body := encodeTile(t, color.Black)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(body)
	}))
	defer srv.Close()

	cache := &countingCache{data: map[Key][]byte{}}
	c := NewClient(Config{Cache: cache})
	p := testProvider(t, srv.URL)
	for i := 0; i < 3; i++ {
		got := c.Fetch(context.Background(), p, tile.Coordinate{X: 1, Y: 1, Z: 2})
		require.False(t, got.Failed())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, cache.loads)
	assert.Contains(t, cache.data, Key{Provider: "test", Coordinate: tile.Coordinate{X: 1, Y: 1, Z: 2}})
}

func TestPlaceholder(t *testing.T) {
	img := Placeholder(3, 2)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, PlaceholderColor, img.RGBAAt(2, 1))
	assert.True(t, strings.HasPrefix(DefaultUserAgent, "Mozilla/5.0"))
}
