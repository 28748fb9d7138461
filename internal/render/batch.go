package render

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// BatchOptions configures Batch
type BatchOptions struct {
	// Dir receives one file per feature
	Dir string
	// LabelProperty names the feature property used for label and file name
	LabelProperty string
	// Progress, if set, is called after each feature
	Progress func(done, total int)
}

// BatchItem is the outcome for one feature
type BatchItem struct {
	Index  int
	Label  string
	Path   string
	Output *Output
	Err    error
}

// Batch renders every feature of fc with tmpl as the template job. A failing
// feature is recorded in its BatchItem and does not stop the batch; only
// cancellation of ctx does.
func (r *Renderer) Batch(ctx context.Context, fc *geojson.FeatureCollection, tmpl Job, opts BatchOptions) ([]BatchItem, error) {
	if fc == nil {
		return nil, nil
	}
	prop := opts.LabelProperty
	if prop == "" {
		prop = "name"
	}
	format := tmpl.Format
	if format == "" {
		format = FormatPNG
	}

	total := len(fc.Features)
	items := make([]BatchItem, 0, total)
	for i, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		item := BatchItem{Index: i}
		if f != nil {
			item.Label = labelOf(f, prop)
		}
		item.Path = filepath.Join(opts.Dir, OutputName(item.Label, i, format))

		if f == nil || f.Geometry == nil {
			item.Err = errors.New("feature has no geometry")
		} else {
			job := tmpl
			job.Geometry = f.Geometry
			job.Label = item.Label
			item.Output, item.Err = r.RenderFile(ctx, job, item.Path)
			if item.Output != nil {
				item.Path = item.Output.Path
			}
		}

		if item.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return items, ctxErr
			}
			r.log.Error("batch item failed",
				zap.Int("index", i),
				zap.String("label", item.Label),
				zap.Error(item.Err))
		}
		items = append(items, item)

		if opts.Progress != nil {
			opts.Progress(i+1, total)
		}
	}
	return items, nil
}

func labelOf(f *geojson.Feature, prop string) string {
	v, ok := f.Properties[prop]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := v.(float64); ok && n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprint(v)
}
