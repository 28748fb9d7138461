package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kiesman99/printclip/internal/render"
)

var batchCmd = &cobra.Command{
	Use:   "batch <features.geojson>",
	Short: "Render one map per GeoJSON feature",
	Long: `Render one map per feature of a GeoJSON FeatureCollection. Points are used as
map centres, polygons are centred on their centroid. Files are named after the
label property, or point_<index> when a feature has none. A feature that fails
is reported and the batch continues.

Examples:
  printclip batch sites.geojson --out-dir maps
  printclip batch parcels.geojson --label-property parcel_id -f geotiff --crs EPSG:4490`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().String("out-dir", "output_maps", "directory for the rendered maps")
	batchCmd.Flags().String("label-property", "name", "feature property used for labels and file names")

	viper.BindPFlag("batch.out-dir", batchCmd.Flags().Lookup("out-dir"))
	viper.BindPFlag("batch.label-property", batchCmd.Flags().Lookup("label-property"))
}

func runBatch(cmd *cobra.Command, args []string) error {
	tmpl, err := jobTemplate()
	if err != nil {
		return err
	}

	fc, err := readFeatures(afero.NewOsFs(), args[0])
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	dir := viper.GetString("batch.out-dir")
	bar := newProgressBar(cmd, "maps")
	items, err := a.renderer.Batch(ctx, fc, tmpl, render.BatchOptions{
		Dir:           dir,
		LabelProperty: viper.GetString("batch.label-property"),
		Progress:      progressFunc(bar),
	})
	bar.Finish()

	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed %s: %v\n", item.Path, item.Err)
		}
	}
	a.log.Info("Batch finished",
		zap.Int("features", len(fc.Features)),
		zap.Int("rendered", len(items)-failed),
		zap.Int("failed", failed),
		zap.String("dir", dir))
	fmt.Fprintf(cmd.ErrOrStderr(), "Saved %d of %d maps to %s\n", len(items)-failed, len(fc.Features), dir)

	if err != nil {
		return err
	}
	if failed > 0 && failed == len(items) {
		return fmt.Errorf("all %d features failed", failed)
	}
	return nil
}
