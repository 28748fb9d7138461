package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/profile"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kiesman99/printclip/internal/georaster"
	"github.com/kiesman99/printclip/internal/overlay"
	"github.com/kiesman99/printclip/internal/render"
	"github.com/kiesman99/printclip/internal/source"
	"github.com/kiesman99/printclip/internal/stitcher"
	"github.com/kiesman99/printclip/internal/tilecache"
	"github.com/kiesman99/printclip/pkg/tile"
)

// app holds the components shared by all commands
type app struct {
	log      *zap.Logger
	fs       afero.Fs
	memory   *tilecache.Memory
	disk     *tilecache.MBTiles
	client   *source.Client
	renderer *render.Renderer
}

// newLogger builds a production logger from log-level and log-format
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	switch viper.GetString("log-format") {
	case "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format: %s", viper.GetString("log-format"))
	}
	return cfg.Build()
}

func newApp() (*app, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	a := &app{log: log, fs: afero.NewOsFs()}

	var next source.Cache
	if dir := viper.GetString("cache-dir"); dir != "" {
		a.disk, err = tilecache.NewMBTiles(dir, log.Named("mbtiles"))
		if err != nil {
			return nil, err
		}
		next = a.disk
	}
	opts := []tilecache.MemoryOption{}
	if next != nil {
		opts = append(opts, tilecache.WithNext(next))
	}
	a.memory = tilecache.NewMemory(viper.GetInt64("cache-size"), opts...)

	a.client = source.NewClient(source.Config{
		HTTPClient: &http.Client{},
		UserAgent:  viper.GetString("user-agent"),
		Timeout:    viper.GetDuration("tile-timeout"),
		Retries:    viper.GetInt("retries"),
		Cache:      a.memory,
		Logger:     log.Named("source"),
	})

	a.renderer = render.New(render.Config{
		Stitcher: stitcher.New(a.client, stitcher.Config{
			Concurrency: viper.GetInt("concurrency"),
			MaxTiles:    viper.GetInt("max-tiles"),
			Logger:      log.Named("stitcher"),
		}),
		Overlay: overlay.NewRenderer(overlay.Config{
			FontPath: viper.GetString("font"),
			Fs:       a.fs,
			Logger:   log.Named("overlay"),
		}),
		Writer: georaster.NewWriter(georaster.Config{
			Fs:       a.fs,
			Deflate:  viper.GetBool("deflate"),
			Software: "printclip " + version,
			Logger:   log.Named("georaster"),
		}),
		Fs:     a.fs,
		Logger: log,
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if a.disk != nil {
		errs = append(errs, a.disk.Close())
	}
	a.log.Sync()
	return errors.Join(errs...)
}

// jobTemplate reads the print layout, tile source and output settings
func jobTemplate() (render.Job, error) {
	provider, err := source.New(viper.GetString("source"), viper.GetString("credential"), viper.GetString("url"))
	if err != nil {
		return render.Job{}, err
	}
	format, err := render.ParseFormat(viper.GetString("format"))
	if err != nil {
		return render.Job{}, err
	}
	crs, err := tile.ParseEPSG(viper.GetString("crs"))
	if err != nil {
		return render.Job{}, err
	}

	return render.Job{
		WidthCm:      viper.GetFloat64("width-cm"),
		HeightCm:     viper.GetFloat64("height-cm"),
		Scale:        viper.GetFloat64("scale"),
		DPI:          viper.GetFloat64("dpi"),
		ZoomOffset:   viper.GetInt("zoom-offset"),
		Provider:     provider,
		DrawGeometry: viper.GetBool("overlay"),
		DrawLabel:    viper.GetBool("draw-label"),
		Format:       format,
		CRS:          crs,
		WorldFile:    viper.GetBool("worldfile"),
	}, nil
}

// newProgressBar reports to stderr unless quiet is set
func newProgressBar(cmd *cobra.Command, description string) *progressbar.ProgressBar {
	if viper.GetBool("quiet") {
		return progressbar.DefaultSilent(-1, description)
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// progressFunc adapts a bar to a done/total callback
func progressFunc(bar *progressbar.ProgressBar) func(done, total int) {
	return func(done, total int) {
		if bar.GetMax() != total {
			bar.ChangeMax(total)
		}
		bar.Set(done)
	}
}

var stopProfile interface{ Stop() }

// startProfile starts pkg/profile for --profile cpu|mem|block|trace
func startProfile() error {
	mode := strings.ToLower(viper.GetString("profile"))
	if mode == "" {
		return nil
	}
	var opt func(*profile.Profile)
	switch mode {
	case "cpu":
		opt = profile.CPUProfile
	case "mem":
		opt = profile.MemProfile
	case "block":
		opt = profile.BlockProfile
	case "trace":
		opt = profile.TraceProfile
	default:
		return fmt.Errorf("unknown profile mode: %s", mode)
	}
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	stopProfile = profile.Start(opt, profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet)
	return nil
}
