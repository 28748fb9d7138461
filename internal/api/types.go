// Package api defines the HTTP API of the print-map server: request and
// response types, the ServerInterface handlers implement and its chi wiring.
package api

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// Defines values for HealthResponseStatus.
const (
	Healthy   HealthResponseStatus = "healthy"
	Unhealthy HealthResponseStatus = "unhealthy"
)

// Defines values for OutputOptionsFormat.
const (
	Geotiff OutputOptionsFormat = "geotiff"
	Png     OutputOptionsFormat = "png"
)

// Defines values for TileSourceProvider.
const (
	Google   TileSourceProvider = "google"
	Tianditu TileSourceProvider = "tianditu"
	Xyz      TileSourceProvider = "xyz"
)

// Defines values for ValidationErrorResponseError.
const (
	VALIDATIONERROR ValidationErrorResponseError = "VALIDATION_ERROR"
)

// CenterPoint is a WGS84 map centre
type CenterPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Details   *map[string]interface{} `json:"details,omitempty"`
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
}

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	CachedTiles *int                 `json:"cached_tiles,omitempty"`
	Renders     *int                 `json:"renders,omitempty"`
	Status      HealthResponseStatus `json:"status"`
	Timestamp   time.Time            `json:"timestamp"`
	Uptime      *int                 `json:"uptime,omitempty"`
	Version     *string              `json:"version,omitempty"`
}

// HealthResponseStatus defines model for HealthResponse.Status.
type HealthResponseStatus string

// OverlayOptions toggles drawing the geometry and its label
type OverlayOptions struct {
	Geometry *bool `json:"geometry,omitempty"`
	Label    *bool `json:"label,omitempty"`
}

// OutputOptions defines model for OutputOptions.
type OutputOptions struct {
	// Crs is an EPSG code such as "EPSG:4326"; GeoTIFF only
	Crs               *string              `json:"crs,omitempty"`
	Deflate           *bool                `json:"deflate,omitempty"`
	Format            *OutputOptionsFormat `json:"format,omitempty"`
	GenerateWorldfile *bool                `json:"generate_worldfile,omitempty"`
}

// OutputOptionsFormat defines model for OutputOptions.Format.
type OutputOptionsFormat string

// PrintOptions is the physical print layout
type PrintOptions struct {
	Dpi        *float64 `json:"dpi,omitempty"`
	HeightCm   *float64 `json:"height_cm,omitempty"`
	Scale      *float64 `json:"scale,omitempty"`
	WidthCm    *float64 `json:"width_cm,omitempty"`
	ZoomOffset *int     `json:"zoom_offset,omitempty"`
}

// RenderRequest defines model for RenderRequest. Exactly one of Center and
// Geometry positions the map.
type RenderRequest struct {
	Center     *CenterPoint      `json:"center,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry,omitempty"`
	Label      *string           `json:"label,omitempty"`
	Output     *OutputOptions    `json:"output,omitempty"`
	Overlay    *OverlayOptions   `json:"overlay,omitempty"`
	Print      *PrintOptions     `json:"print,omitempty"`
	TileSource *TileSource       `json:"tile_source,omitempty"`
}

// TileSource defines model for TileSource.
type TileSource struct {
	Credential *string            `json:"credential,omitempty"`
	Provider   TileSourceProvider `json:"provider"`
	// Url is an XYZ template with {z}, {x} and {y}; required for xyz
	Url *string `json:"url,omitempty"`
}

// TileSourceProvider defines model for TileSource.Provider.
type TileSourceProvider string

// ValidationErrorResponse defines model for ValidationErrorResponse.
type ValidationErrorResponse struct {
	Error            ValidationErrorResponseError `json:"error"`
	Message          string                       `json:"message"`
	RequestId        *string                      `json:"request_id,omitempty"`
	ValidationErrors []struct {
		Code    *string `json:"code,omitempty"`
		Field   string  `json:"field"`
		Message string  `json:"message"`
	} `json:"validation_errors"`
}

// ValidationErrorResponseError defines model for ValidationErrorResponse.Error.
type ValidationErrorResponseError string

// ZoomResponse defines model for ZoomResponse.
type ZoomResponse struct {
	BaseZoom   int     `json:"base_zoom"`
	Dpi        float64 `json:"dpi"`
	Lat        float64 `json:"lat"`
	Resolution float64 `json:"resolution"`
	Scale      float64 `json:"scale"`
	Zoom       int     `json:"zoom"`
}

// GetZoomParams defines parameters for GetZoom.
type GetZoomParams struct {
	Scale      float64  `form:"scale" json:"scale"`
	Dpi        *float64 `form:"dpi,omitempty" json:"dpi,omitempty"`
	Lat        float64  `form:"lat" json:"lat"`
	ZoomOffset *int     `form:"zoom_offset,omitempty" json:"zoom_offset,omitempty"`
}

// GetTileParams defines parameters for GetTile.
type GetTileParams struct {
	Credential *string `form:"credential,omitempty" json:"credential,omitempty"`
}

// CreateRenderJSONRequestBody defines body for CreateRender for application/json ContentType.
type CreateRenderJSONRequestBody = RenderRequest
