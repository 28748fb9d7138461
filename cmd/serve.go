package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kiesman99/printclip/internal/api"
	"github.com/kiesman99/printclip/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the print-map API",
	Long: `Start an HTTP server that renders print maps on request and proxies single
tiles through the tile cache.

Endpoints:
  GET  /api/v1/health
  POST /api/v1/render
  GET  /api/v1/tiles/{provider}/{z}/{x}/{y}
  GET  /api/v1/zoom?scale=&dpi=&lat=

Examples:
  # Start server on default port 8080
  printclip serve

  # Start server on custom port with a persistent tile cache
  printclip serve --port 3000 --cache-dir ~/.cache/printclip

  # Start server with custom bind address
  printclip serve --bind 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 2*time.Minute, "request timeout")
	serveCmd.Flags().Int("max-renders", server.DefaultMaxRenders, "renders running at once")
	serveCmd.Flags().Int("max-queued", server.DefaultMaxQueued, "renders waiting for a slot before answering SERVER_BUSY")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.max-renders", serveCmd.Flags().Lookup("max-renders"))
	viper.BindPFlag("server.max-queued", serveCmd.Flags().Lookup("max-queued"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	defaults, err := jobTemplate()
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Create Chi router
	r := chi.NewRouter()

	// Add middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))

	// CORS middleware for API access
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Bounds, X-CRS, X-Zoom, X-Failed-Tiles, X-Empty-Coverage")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Create server implementation
	apiServer := server.NewServer(server.Config{
		Version:       version,
		Renderer:      a.renderer,
		Fetcher:       a.client,
		Defaults:      defaults,
		Credential:    viper.GetString("credential"),
		MaxRenders:    viper.GetInt("server.max-renders"),
		MaxQueued:     viper.GetInt("server.max-queued"),
		RenderTimeout: timeout,
		CachedTiles:   a.memory.Len,
		Logger:        a.log.Named("server"),
	})

	// Mount API routes at /api/v1
	api.HandlerWithOptions(apiServer, api.ChiServerOptions{
		BaseURL:          "/api/v1",
		BaseRouter:       r,
		ErrorHandlerFunc: apiServer.ParamErrorHandler,
	})

	// Legacy health endpoint (without /api/v1 prefix for backward compatibility)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		// Redirect to the API health endpoint
		http.Redirect(w, r, "/api/v1/health", http.StatusMovedPermanently)
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: timeout + 10*time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Error("Server shutdown error", zap.Error(err))
		}
	}()

	a.log.Info("Starting printclip server",
		zap.String("addr", addr),
		zap.String("health", fmt.Sprintf("http://%s/api/v1/health", addr)),
		zap.String("render", fmt.Sprintf("http://%s/api/v1/render", addr)))

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	apiServer.Wait()
	return nil
}
