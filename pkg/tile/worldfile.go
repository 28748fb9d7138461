package tile

import (
	"bytes"
	"fmt"
	"io"
)

// WorldFile returns ESRI world file content for a width x height raster
// covering meta.Bounds. The last two lines locate the centre of the
// upper-left pixel.
func WorldFile(meta Metadata, width, height int) []byte {
	m := NewPixelMapper(meta.Bounds, width, height)
	px, py := m.PixelSize()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", px)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", 0.0)
	fmt.Fprintf(&buf, "%24.10f\n", -py)
	fmt.Fprintf(&buf, "%24.10f\n", meta.Bounds.West+px/2)
	fmt.Fprintf(&buf, "%24.10f\n", meta.Bounds.North-py/2)
	return buf.Bytes()
}

// WriteWorldFile writes the world file for meta to w
func WriteWorldFile(w io.Writer, meta Metadata, width, height int) error {
	_, err := w.Write(WorldFile(meta, width, height))
	return err
}
