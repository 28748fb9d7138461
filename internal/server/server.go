package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jamesrr39/semaphore"
	"go.uber.org/zap"

	"github.com/kiesman99/printclip/internal/api"
	"github.com/kiesman99/printclip/internal/georaster"
	"github.com/kiesman99/printclip/internal/overlay"
	"github.com/kiesman99/printclip/internal/render"
	"github.com/kiesman99/printclip/internal/source"
	"github.com/kiesman99/printclip/internal/stitcher"
	"github.com/kiesman99/printclip/pkg/tile"
)

// Defaults for Config
const (
	DefaultMaxRenders    = 4
	DefaultMaxQueued     = 8
	DefaultRenderTimeout = 2 * time.Minute
)

// Config configures a Server
type Config struct {
	Version  string
	Renderer *render.Renderer
	// Fetcher serves the tile proxy endpoint
	Fetcher stitcher.Fetcher
	// Defaults supplies print layout and output settings a request omits
	Defaults render.Job
	// Credential is used for credentialed providers when a request has none
	Credential string
	// MaxRenders renders run at once. Up to MaxQueued more wait for a
	// slot; requests beyond that answer SERVER_BUSY.
	MaxRenders    int
	MaxQueued     int
	RenderTimeout time.Duration
	// CachedTiles, if set, reports the memory cache size on /health
	CachedTiles func() int
	Logger      *zap.Logger
}

// Server implements api.ServerInterface
type Server struct {
	startTime     time.Time
	version       string
	renderer      *render.Renderer
	fetcher       stitcher.Fetcher
	defaults      render.Job
	credential    string
	renders       *semaphore.Semaphore
	running       atomic.Int64
	inflight      sync.WaitGroup
	maxRenders    int
	maxQueued     int
	renderTimeout time.Duration
	cachedTiles   func() int
	log           *zap.Logger
}

// NewServer creates a new server instance
func NewServer(cfg Config) *Server {
	s := &Server{
		startTime:     time.Now(),
		version:       cfg.Version,
		renderer:      cfg.Renderer,
		fetcher:       cfg.Fetcher,
		defaults:      cfg.Defaults,
		credential:    cfg.Credential,
		maxRenders:    cfg.MaxRenders,
		maxQueued:     cfg.MaxQueued,
		renderTimeout: cfg.RenderTimeout,
		cachedTiles:   cfg.CachedTiles,
		log:           cfg.Logger,
	}
	if s.maxRenders <= 0 {
		s.maxRenders = DefaultMaxRenders
	}
	if s.maxQueued < 0 {
		s.maxQueued = 0
	}
	if s.renderTimeout <= 0 {
		s.renderTimeout = DefaultRenderTimeout
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.renders = semaphore.NewSemaphore(uint(s.maxRenders))
	return s
}

// Wait blocks until all admitted renders have finished
func (s *Server) Wait() {
	s.inflight.Wait()
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())
	running := int(s.running.Load())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
		Renders:   &running,
	}
	if s.cachedTiles != nil {
		n := s.cachedTiles()
		response.CachedTiles = &n
	}

	s.writeJSON(w, http.StatusOK, response)
}

// GetZoom previews the zoom level a print scale maps to
func (s *Server) GetZoom(w http.ResponseWriter, r *http.Request, params api.GetZoomParams) {
	requestID := generateRequestID()

	dpi := s.defaults.DPI
	if params.Dpi != nil {
		dpi = *params.Dpi
	}
	if params.Lat < -90 || params.Lat > 90 {
		s.writeValidationErrorResponse(w, []fieldError{{"lat", "lat must be between -90 and 90"}}, &requestID)
		return
	}
	res, err := tile.Resolution(params.Scale, dpi)
	if err != nil {
		s.writeValidationErrorResponse(w, []fieldError{{"scale", err.Error()}}, &requestID)
		return
	}

	base := tile.ZoomLevel(params.Lat, res)
	zoom := base
	if params.ZoomOffset != nil {
		zoom = tile.ClampZoom(base + *params.ZoomOffset)
	}

	s.writeJSON(w, http.StatusOK, api.ZoomResponse{
		BaseZoom:   base,
		Dpi:        dpi,
		Lat:        params.Lat,
		Resolution: res,
		Scale:      params.Scale,
		Zoom:       zoom,
	})
}

// GetTile proxies one provider tile through the cache. Failed fetches still
// answer 200 with the grey placeholder so map viewers keep working; the
// failure is reported in X-Tile-Error.
func (s *Server) GetTile(w http.ResponseWriter, r *http.Request, provider string, z int, x int, y int, params api.GetTileParams) {
	requestID := generateRequestID()

	credential := s.credential
	if params.Credential != nil {
		credential = *params.Credential
	}
	p, err := source.New(provider, credential, "")
	if err != nil {
		s.writeValidationErrorResponse(w, []fieldError{{"provider", err.Error()}}, &requestID)
		return
	}
	c := tile.Coordinate{X: x, Y: y, Z: z}
	if !c.Valid() {
		s.writeValidationErrorResponse(w, []fieldError{{"tile", fmt.Sprintf("tile %s is outside the pyramid", c)}}, &requestID)
		return
	}

	t := s.fetcher.Fetch(r.Context(), p, c)

	var buf bytes.Buffer
	if err := png.Encode(&buf, t.Image); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to encode tile", &requestID, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Request-ID", requestID)
	if t.Failed() {
		w.Header().Set("X-Tile-Error", t.Err.Error())
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.log.Debug("Error writing tile response", zap.Error(err))
	}
}

// CreateRender implements the main rendering endpoint
func (s *Server) CreateRender(w http.ResponseWriter, r *http.Request) {
	requestID := generateRequestID()

	var req api.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON",
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	job, errs := s.buildJob(&req)
	if len(errs) > 0 {
		s.writeValidationErrorResponse(w, errs, &requestID)
		return
	}

	if s.running.Add(1) > int64(s.maxRenders+s.maxQueued) {
		s.running.Add(-1)
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "SERVER_BUSY",
			"Too many renders in progress", &requestID, map[string]interface{}{
				"max_renders": s.maxRenders,
				"max_queued":  s.maxQueued,
			})
		return
	}
	defer s.running.Add(-1)
	s.inflight.Add(1)
	defer s.inflight.Done()

	// time spent queued counts against the render timeout
	ctx, cancel := context.WithTimeout(r.Context(), s.renderTimeout)
	defer cancel()

	s.renders.Add()
	defer s.renders.Done()
	if err := ctx.Err(); err != nil {
		s.handleRenderError(w, err, &requestID)
		return
	}

	start := time.Now()
	out, err := s.renderer.Render(ctx, job)
	if err != nil {
		s.handleRenderError(w, err, &requestID)
		return
	}

	s.log.Info("Rendered map",
		zap.String("request_id", requestID),
		zap.String("provider", job.Provider.Name()),
		zap.Int("zoom", out.Plan.Zoom),
		zap.Int("tiles", out.TotalTiles),
		zap.Int("failed_tiles", len(out.FailedTiles)),
		zap.Duration("elapsed", time.Since(start)))

	b := out.Metadata.Bounds
	crs := out.Metadata.CRS
	if out.GeoTIFF != nil {
		west, south, east, north := out.GeoTIFF.Bounds()
		b = tile.ProjectedBoundingBox{West: west, South: south, East: east, North: north}
		crs = out.GeoTIFF.CRS
	}

	h := w.Header()
	h.Set("Content-Type", out.ContentType)
	filename := render.DefaultName(job)
	filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + out.Format.Extension()
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	h.Set("X-Request-ID", requestID)
	h.Set("X-Bounds", fmt.Sprintf("%f,%f,%f,%f", b.West, b.South, b.East, b.North))
	h.Set("X-CRS", crs.String())
	h.Set("X-Zoom", strconv.Itoa(out.Plan.Zoom))
	h.Set("X-Failed-Tiles", strconv.Itoa(len(out.FailedTiles)))
	if out.Metadata.EmptyCoverage {
		h.Set("X-Empty-Coverage", "true")
	}
	h.Set("Content-Length", strconv.Itoa(len(out.Bytes)))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Bytes); err != nil {
		s.log.Debug("Error writing response", zap.Error(err))
	}
}

type fieldError struct {
	Field   string
	Message string
}

// buildJob validates req and merges it over the server defaults
func (s *Server) buildJob(req *api.RenderRequest) (render.Job, []fieldError) {
	job := s.defaults
	job.Progress = nil
	var errs []fieldError

	switch {
	case req.Center != nil && req.Geometry != nil:
		errs = append(errs, fieldError{"center", "center and geometry are mutually exclusive"})
	case req.Center != nil:
		if req.Center.Lat < -90 || req.Center.Lat > 90 {
			errs = append(errs, fieldError{"center.lat", "lat must be between -90 and 90"})
		}
		if req.Center.Lon < -180 || req.Center.Lon > 180 {
			errs = append(errs, fieldError{"center.lon", "lon must be between -180 and 180"})
		}
		job.Lat, job.Lon = req.Center.Lat, req.Center.Lon
		job.Geometry = nil
	case req.Geometry != nil && req.Geometry.Coordinates != nil:
		if _, err := overlay.Anchor(req.Geometry.Coordinates); err != nil {
			errs = append(errs, fieldError{"geometry", "geometry must be a Point, Polygon or MultiPolygon"})
		}
		job.Geometry = req.Geometry.Coordinates
	default:
		errs = append(errs, fieldError{"center", "center or geometry is required"})
	}

	job.Label = ""
	if req.Label != nil {
		job.Label = *req.Label
	}
	job.DrawGeometry = job.Geometry != nil
	job.DrawLabel = job.Label != ""
	if o := req.Overlay; o != nil {
		if o.Geometry != nil {
			job.DrawGeometry = *o.Geometry
		}
		if o.Label != nil {
			job.DrawLabel = *o.Label
		}
	}

	if p := req.Print; p != nil {
		if p.Scale != nil {
			job.Scale = *p.Scale
		}
		if p.Dpi != nil {
			job.DPI = *p.Dpi
		}
		if p.WidthCm != nil {
			job.WidthCm = *p.WidthCm
		}
		if p.HeightCm != nil {
			job.HeightCm = *p.HeightCm
		}
		if p.ZoomOffset != nil {
			job.ZoomOffset = *p.ZoomOffset
		}
	}
	if job.Scale <= 0 {
		errs = append(errs, fieldError{"print.scale", "scale must be positive"})
	}
	if job.DPI <= 0 {
		errs = append(errs, fieldError{"print.dpi", "dpi must be positive"})
	}
	if job.WidthCm <= 0 || job.HeightCm <= 0 {
		errs = append(errs, fieldError{"print", "width_cm and height_cm must be positive"})
	}

	if ts := req.TileSource; ts != nil {
		credential := s.credential
		if ts.Credential != nil {
			credential = *ts.Credential
		}
		url := ""
		if ts.Url != nil {
			url = *ts.Url
		}
		p, err := source.New(string(ts.Provider), credential, url)
		if err != nil {
			errs = append(errs, fieldError{"tile_source", err.Error()})
		}
		job.Provider = p
	}
	if job.Provider == nil && !hasField(errs, "tile_source") {
		errs = append(errs, fieldError{"tile_source", "tile_source is required"})
	}

	if o := req.Output; o != nil {
		if o.Format != nil {
			f, err := render.ParseFormat(string(*o.Format))
			if err != nil {
				errs = append(errs, fieldError{"output.format", "format must be png or geotiff"})
			}
			job.Format = f
		}
		if o.Crs != nil {
			code, err := tile.ParseEPSG(*o.Crs)
			if err != nil {
				errs = append(errs, fieldError{"output.crs", err.Error()})
			}
			job.CRS = code
		}
		if o.GenerateWorldfile != nil {
			job.WorldFile = *o.GenerateWorldfile
		}
	}

	return job, errs
}

func hasField(errs []fieldError, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

// handleRenderError maps pipeline errors to API error codes
func (s *Server) handleRenderError(w http.ResponseWriter, err error, requestID *string) {
	switch {
	case errors.Is(err, georaster.ErrUnsupportedCrs):
		s.writeErrorResponse(w, http.StatusBadRequest, "UNSUPPORTED_CRS",
			err.Error(), requestID, nil)
	case errors.Is(err, tile.ErrInvalidInput), errors.Is(err, overlay.ErrUnsupportedGeometry):
		s.writeValidationErrorResponse(w, []fieldError{{"request", err.Error()}}, requestID)
	case errors.Is(err, georaster.ErrReprojection):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, "REPROJECTION_ERROR",
			err.Error(), requestID, nil)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, "RENDER_TIMEOUT",
			"Render did not finish in time", requestID, map[string]interface{}{
				"timeout_seconds": int(s.renderTimeout.Seconds()),
			})
	default:
		s.log.Error("Render failed", zap.Stringp("request_id", requestID), zap.Error(err))
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", requestID, nil)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Error encoding response", zap.Error(err))
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}
	if details != nil {
		response.Details = &details
	}
	s.writeJSON(w, statusCode, response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, errs []fieldError, requestID *string) {
	response := api.ValidationErrorResponse{
		Error:     api.VALIDATIONERROR,
		Message:   errs[0].Message,
		RequestId: requestID,
	}
	for _, e := range errs {
		response.ValidationErrors = append(response.ValidationErrors, struct {
			Code    *string `json:"code,omitempty"`
			Field   string  `json:"field"`
			Message string  `json:"message"`
		}{Field: e.Field, Message: e.Message})
	}
	s.writeJSON(w, http.StatusBadRequest, response)
}

// ParamErrorHandler answers parameter binding failures with the validation
// envelope
func (s *Server) ParamErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	requestID := generateRequestID()
	field := "request"
	var pe *api.InvalidParamFormatError
	if errors.As(err, &pe) {
		field = pe.ParamName
	}
	s.writeValidationErrorResponse(w, []fieldError{{field, err.Error()}}, &requestID)
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return "req_" + uuid.NewString()
}
