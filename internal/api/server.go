package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// Health check
	// (GET /health)
	GetHealth(w http.ResponseWriter, r *http.Request)
	// Render a print map
	// (POST /render)
	CreateRender(w http.ResponseWriter, r *http.Request)
	// Fetch a single provider tile
	// (GET /tiles/{provider}/{z}/{x}/{y})
	GetTile(w http.ResponseWriter, r *http.Request, provider string, z int, x int, y int, params GetTileParams)
	// Preview the zoom level for a scale
	// (GET /zoom)
	GetZoom(w http.ResponseWriter, r *http.Request, params GetZoomParams)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

// MiddlewareFunc wraps a handler
type MiddlewareFunc func(http.Handler) http.Handler

func (siw *ServerInterfaceWrapper) wrap(h http.HandlerFunc) http.Handler {
	handler := http.Handler(h)
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	return handler
}

// GetHealth operation middleware
func (siw *ServerInterfaceWrapper) GetHealth(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.GetHealth).ServeHTTP(w, r)
}

// CreateRender operation middleware
func (siw *ServerInterfaceWrapper) CreateRender(w http.ResponseWriter, r *http.Request) {
	siw.wrap(siw.Handler.CreateRender).ServeHTTP(w, r)
}

// GetTile operation middleware
func (siw *ServerInterfaceWrapper) GetTile(w http.ResponseWriter, r *http.Request) {
	var err error

	var provider string
	err = runtime.BindStyledParameterWithOptions("simple", "provider", chi.URLParam(r, "provider"), &provider,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "provider", Err: err})
		return
	}

	coords := make(map[string]int, 3)
	for _, name := range []string{"z", "x", "y"} {
		var v int
		err = runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
			runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
		if err != nil {
			siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: name, Err: err})
			return
		}
		coords[name] = v
	}

	var params GetTileParams
	err = runtime.BindQueryParameter("form", true, false, "credential", r.URL.Query(), &params.Credential)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "credential", Err: err})
		return
	}

	siw.wrap(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetTile(w, r, provider, coords["z"], coords["x"], coords["y"], params)
	}).ServeHTTP(w, r)
}

// GetZoom operation middleware
func (siw *ServerInterfaceWrapper) GetZoom(w http.ResponseWriter, r *http.Request) {
	var err error
	var params GetZoomParams
	query := r.URL.Query()

	if err = runtime.BindQueryParameter("form", true, true, "scale", query, &params.Scale); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "scale", Err: err})
		return
	}
	if err = runtime.BindQueryParameter("form", true, false, "dpi", query, &params.Dpi); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "dpi", Err: err})
		return
	}
	if err = runtime.BindQueryParameter("form", true, true, "lat", query, &params.Lat); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "lat", Err: err})
		return
	}
	if err = runtime.BindQueryParameter("form", true, false, "zoom_offset", query, &params.ZoomOffset); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "zoom_offset", Err: err})
		return
	}

	siw.wrap(func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetZoom(w, r, params)
	}).ServeHTTP(w, r)
}

// InvalidParamFormatError is passed to ErrorHandlerFunc when a path or
// query parameter cannot be bound
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// Handler creates http.Handler with routing matching the API.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{})
}

// ChiServerOptions configures HandlerWithOptions
type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerWithOptions creates http.Handler with additional options
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter

	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health", wrapper.GetHealth)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/render", wrapper.CreateRender)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/tiles/{provider}/{z}/{x}/{y}", wrapper.GetTile)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/zoom", wrapper.GetZoom)
	})

	return r
}
