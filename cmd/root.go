package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/printclip/internal/render"
	"github.com/kiesman99/printclip/internal/source"
	"github.com/kiesman99/printclip/internal/stitcher"
)

var version = "1.0.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "printclip",
	Short: "Render satellite map clips at a fixed print scale",
	Long: `printclip renders a map clip centred on a point or feature at an exact print
scale, size and resolution. Tiles are fetched from an XYZ or WMTS provider,
stitched, cropped in Web Mercator meters and resampled to the print size.
The result is written as PNG (optionally with a world file) or as a GeoTIFF
in EPSG:3857, EPSG:4326 or EPSG:4490.

Examples:
  # 3.5 x 3.5 cm at 1:10000 and 300 dpi around Zürich main station
  printclip --lat 47.3782 --lon 8.5402 -o zurich.png

  # A parcel polygon with its outline and label, as GeoTIFF in WGS84
  printclip --geojson parcel.geojson --label "Parcel 12" -f geotiff --crs EPSG:4326 -o parcel.tif

  # Tianditu imagery one zoom level sharper than the scale requires
  printclip --lat 39.9087 --lon 116.3975 --source tianditu --credential $TK --zoom-offset 1

  # One map per feature
  printclip batch sites.geojson --out-dir maps --label-property name

  # Start HTTP server
  printclip serve --port 8080`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return startProfile()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopProfile != nil {
			stopProfile.Stop()
		}
	},
	RunE: runRender,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.printclip.yaml)")

	// Print layout
	pf.Float64("scale", render.DefaultScale, "map scale denominator (10000 means 1:10000)")
	pf.Float64("width-cm", render.DefaultWidthCm, "print width in centimetres")
	pf.Float64("height-cm", render.DefaultHeightCm, "print height in centimetres")
	pf.Float64("dpi", render.DefaultDPI, "print resolution in dots per inch")
	pf.Int("zoom-offset", 0, "added to the zoom level derived from scale and dpi")

	// Tile source
	pf.String("source", source.KindGoogle, "tile source (google|tianditu|xyz)")
	pf.String("credential", "", "credential token for tianditu")
	pf.StringP("url", "u", "", "tile URL template with {z}, {x}, {y} for --source xyz")
	pf.Int("concurrency", stitcher.DefaultConcurrency, "parallel tile downloads")
	pf.Int("max-tiles", stitcher.DefaultMaxTiles, "refuse renders needing more tiles")
	pf.Duration("tile-timeout", source.DefaultTimeout, "timeout per tile request")
	pf.Int("retries", 1, "retries per tile on network errors and 5xx")
	pf.String("user-agent", source.DefaultUserAgent, "HTTP User-Agent header")
	pf.String("cache-dir", "", "keep downloaded tiles in MBTiles files in this directory")
	pf.Int64("cache-size", 4096, "tiles kept in memory")

	// Overlay and output
	pf.Bool("overlay", true, "draw the point marker or polygon")
	pf.Bool("draw-label", true, "draw the label")
	pf.String("font", "", "TrueType font for labels (default Go Regular)")
	pf.StringP("format", "f", "png", "output format (png|geotiff)")
	pf.String("crs", "EPSG:3857", "GeoTIFF CRS (EPSG:3857|EPSG:4326|EPSG:4490)")
	pf.Bool("deflate", false, "deflate-compress GeoTIFF output")
	pf.BoolP("worldfile", "w", false, "write a world file next to PNG output")

	// Diagnostics
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.String("log-format", "console", "log format (console|json)")
	pf.String("profile", "", "write a profile (cpu|mem|block|trace)")
	pf.BoolP("quiet", "q", false, "hide progress bars")

	for _, name := range []string{
		"scale", "width-cm", "height-cm", "dpi", "zoom-offset",
		"source", "credential", "url", "concurrency", "max-tiles", "tile-timeout", "retries",
		"user-agent", "cache-dir", "cache-size",
		"overlay", "draw-label", "font", "format", "crs", "deflate", "worldfile",
		"log-level", "log-format", "profile", "quiet",
	} {
		viper.BindPFlag(name, pf.Lookup(name))
	}

	// Single map
	rootCmd.Flags().Float64("lat", 0, "centre latitude")
	rootCmd.Flags().Float64("lon", 0, "centre longitude")
	rootCmd.Flags().String("geojson", "", "GeoJSON file whose first feature positions the map")
	rootCmd.Flags().String("label", "", "label text")
	rootCmd.Flags().StringP("output", "o", "", "output file (default map_clip_<scale>_<offset>.png)")

	viper.BindPFlag("lat", rootCmd.Flags().Lookup("lat"))
	viper.BindPFlag("lon", rootCmd.Flags().Lookup("lon"))
	viper.BindPFlag("geojson", rootCmd.Flags().Lookup("geojson"))
	viper.BindPFlag("label", rootCmd.Flags().Lookup("label"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".printclip" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".printclip")
	}

	viper.SetEnvPrefix("PRINTCLIP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRender(cmd *cobra.Command, args []string) error {
	job, err := jobTemplate()
	if err != nil {
		return err
	}

	geojsonPath := viper.GetString("geojson")
	latSet := cmd.Flags().Changed("lat") || viper.IsSet("lat")
	lonSet := cmd.Flags().Changed("lon") || viper.IsSet("lon")
	switch {
	case geojsonPath != "":
		f, err := readFirstFeature(afero.NewOsFs(), geojsonPath)
		if err != nil {
			return err
		}
		job.Geometry = f.Geometry
		if label, ok := f.Properties["name"].(string); ok {
			job.Label = label
		}
	case latSet || lonSet:
		if !latSet || !lonSet {
			return fmt.Errorf("--lat and --lon must be given together")
		}
		job.Lat = viper.GetFloat64("lat")
		job.Lon = viper.GetFloat64("lon")
	default:
		return cmd.Help()
	}
	if label := viper.GetString("label"); label != "" {
		job.Label = label
	}

	output := viper.GetString("output")
	if output == "" {
		output = render.DefaultName(job)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	bar := newProgressBar(cmd, "tiles")
	job.Progress = progressFunc(bar)

	start := time.Now()
	out, err := a.renderer.RenderFile(ctx, job, output)
	bar.Finish()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s: %dx%d px, zoom %d (base %d), %d tiles, %d failed, %s\n",
		out.Path, out.Plan.Width, out.Plan.Height, out.Plan.Zoom, out.Plan.BaseZoom,
		out.TotalTiles, len(out.FailedTiles), time.Since(start).Round(time.Millisecond))
	if out.Metadata.EmptyCoverage {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: no tiles cover this location, wrote a placeholder\n")
	}
	if out.WorldFile != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote world file %s\n", render.WorldFilePath(out.Path))
	}
	return nil
}

// readFeatures loads a GeoJSON FeatureCollection, a single Feature or a bare
// geometry
func readFeatures(fs afero.Fs, path string) (*geojson.FeatureCollection, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		return fc, nil
	}
	fc := geojson.NewFeatureCollection()
	if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		fc.Append(f)
		return fc, nil
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil || g.Coordinates == nil {
		return nil, fmt.Errorf("%s: no GeoJSON features found", filepath.Base(path))
	}
	fc.Append(geojson.NewFeature(g.Coordinates))
	return fc, nil
}

func readFirstFeature(fs afero.Fs, path string) (*geojson.Feature, error) {
	fc, err := readFeatures(fs, path)
	if err != nil {
		return nil, err
	}
	return fc.Features[0], nil
}
