package render

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/afero"
)

// SanitizeFilename keeps letters, digits, space, dot, underscore and dash
// and trims surrounding space
func SanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" ._-", r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// OutputName is the batch file name for a feature: its sanitised label, or
// point_<index> when that is empty
func OutputName(label string, index int, format Format) string {
	name := SanitizeFilename(label)
	if name == "" || strings.Trim(name, ".") == "" {
		name = "point_" + strconv.Itoa(index)
	}
	return name + format.Extension()
}

// DefaultName is the file name for a single render
func DefaultName(job Job) string {
	scale := strconv.FormatFloat(job.Scale, 'f', -1, 64)
	if job.Format == FormatGeoTIFF {
		return fmt.Sprintf("map_clip_%s_EPSG%d.tif", scale, int(job.crs()))
	}
	return fmt.Sprintf("map_clip_%s_%d.png", scale, job.ZoomOffset)
}

// WorldFilePath returns the ESRI world file path for an image path
func WorldFilePath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	switch strings.ToLower(ext) {
	case ".png":
		return base + ".pgw"
	case ".jpg", ".jpeg":
		return base + ".jgw"
	case ".tif", ".tiff":
		return base + ".tfw"
	}
	return path + "w"
}

// withExtension replaces the extension of path with ext
func withExtension(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func writeAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := afero.TempFile(fs, dir, ".printclip-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(name, path)
	}
	if err != nil {
		fs.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
