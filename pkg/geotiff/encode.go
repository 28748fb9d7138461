// Package geotiff writes and inspects band-sequential 8-bit GeoTIFF files.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zlib"
)

const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
	dtDouble   = 12

	tagImageWidth                = 256
	tagImageLength               = 257
	tagBitsPerSample             = 258
	tagCompression               = 259
	tagPhotometricInterpretation = 262
	tagStripOffsets              = 273
	tagSamplesPerPixel           = 277
	tagRowsPerStrip              = 278
	tagStripByteCounts           = 279
	tagXResolution               = 282
	tagYResolution               = 283
	tagPlanarConfiguration       = 284
	tagResolutionUnit            = 296
	tagSoftware                  = 305
	tagExtraSamples              = 338
	tagSampleFormat              = 339

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGeoAsciiParams  = 34737
)

// Compression schemes
const (
	CompressionNone    = 1
	CompressionDeflate = 8
)

const (
	photometricMinIsBlack = 1
	photometricRGB        = 2
	planarChunky          = 1
	planarSeparate        = 2
)

var enc = binary.LittleEndian

// GeoTags is the georeferencing written alongside the raster
type GeoTags struct {
	// Tiepoint is [I, J, K, X, Y, Z]
	Tiepoint []float64
	// PixelScale is [ScaleX, ScaleY, ScaleZ]
	PixelScale []float64
	// GeoKeys is the flattened GeoKeyDirectory including its header
	GeoKeys  []uint16
	Citation string
}

// Raster is a band-sequential 8-bit image: Bands[b][y*Width+x]
type Raster struct {
	Width  int
	Height int
	Bands  [][]byte
}

// Validate checks band count and sizes
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", r.Width, r.Height)
	}
	if len(r.Bands) == 0 {
		return errors.New("raster has no bands")
	}
	n := r.Width * r.Height
	for i, b := range r.Bands {
		if len(b) != n {
			return fmt.Errorf("band %d has %d samples, want %d", i+1, len(b), n)
		}
	}
	return nil
}

// Options controls encoding
type Options struct {
	Compression int
	Software    string
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// Encode writes r to w as a little-endian TIFF with one strip per band
// (planar configuration 2). Three or four bands are written as RGB with an
// optional unassociated alpha; any other count as greyscale plus extra
// samples.
func Encode(w io.Writer, r *Raster, tags GeoTags, opts *Options) error {
	if err := r.Validate(); err != nil {
		return err
	}
	compression := CompressionNone
	software := ""
	if opts != nil {
		if opts.Compression != 0 {
			compression = opts.Compression
		}
		software = opts.Software
	}

	strips := make([][]byte, len(r.Bands))
	for i, band := range r.Bands {
		switch compression {
		case CompressionNone:
			strips[i] = band
		case CompressionDeflate:
			var buf bytes.Buffer
			zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
			if err != nil {
				return err
			}
			if _, err := zw.Write(band); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			strips[i] = buf.Bytes()
		default:
			return fmt.Errorf("unsupported compression %d", compression)
		}
	}

	nb := len(r.Bands)
	var entries []ifdEntry
	add := func(tag, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	photometric := uint16(photometricMinIsBlack)
	colorBands := 1
	if nb == 3 || nb == 4 {
		photometric = photometricRGB
		colorBands = 3
	}

	add(tagImageWidth, dtLong, 1, enc32(uint32(r.Width)))
	add(tagImageLength, dtLong, 1, enc32(uint32(r.Height)))
	add(tagBitsPerSample, dtShort, uint32(nb), enc16s(repeat16(8, nb)))
	add(tagCompression, dtShort, 1, enc16(uint16(compression)))
	add(tagPhotometricInterpretation, dtShort, 1, enc16(photometric))
	add(tagStripOffsets, dtLong, uint32(nb), make([]byte, 4*nb))
	add(tagSamplesPerPixel, dtShort, 1, enc16(uint16(nb)))
	add(tagRowsPerStrip, dtLong, 1, enc32(uint32(r.Height)))
	add(tagStripByteCounts, dtLong, uint32(nb), make([]byte, 4*nb))
	add(tagXResolution, dtRational, 1, encRational(72, 1))
	add(tagYResolution, dtRational, 1, encRational(72, 1))
	add(tagPlanarConfiguration, dtShort, 1, enc16(planarSeparate))
	add(tagResolutionUnit, dtShort, 1, enc16(2))
	add(tagSampleFormat, dtShort, uint32(nb), enc16s(repeat16(1, nb)))
	if extra := nb - colorBands; extra > 0 {
		// 2 is unassociated alpha, 0 unspecified
		kinds := repeat16(0, extra)
		if nb == 4 {
			kinds[0] = 2
		}
		add(tagExtraSamples, dtShort, uint32(extra), enc16s(kinds))
	}
	if software != "" {
		b := append([]byte(software), 0)
		add(tagSoftware, dtASCII, uint32(len(b)), b)
	}
	if len(tags.PixelScale) > 0 {
		add(tagModelPixelScale, dtDouble, uint32(len(tags.PixelScale)), encDoubles(tags.PixelScale))
	}
	if len(tags.Tiepoint) > 0 {
		add(tagModelTiepoint, dtDouble, uint32(len(tags.Tiepoint)), encDoubles(tags.Tiepoint))
	}
	if len(tags.GeoKeys) > 0 {
		add(tagGeoKeyDirectory, dtShort, uint32(len(tags.GeoKeys)), enc16s(tags.GeoKeys))
	}
	if tags.Citation != "" {
		b := append([]byte(tags.Citation), 0)
		add(tagGeoAsciiParams, dtASCII, uint32(len(b)), b)
	}

	sort.Sort(byTag(entries))

	// Layout: header, IFD, values too large for the entry, strips
	ifdSize := 2 + 12*len(entries) + 4
	valueOffset := 8 + ifdSize

	var large bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) > 4 {
			off := uint32(valueOffset + large.Len())
			large.Write(e.data)
			if large.Len()%2 == 1 {
				large.WriteByte(0)
			}
			e.data = enc32(off)
		}
	}

	stripStart := uint32(valueOffset + large.Len())
	offsets := make([]uint32, nb)
	counts := make([]uint32, nb)
	pos := stripStart
	for i, s := range strips {
		offsets[i] = pos
		counts[i] = uint32(len(s))
		pos += uint32(len(s))
	}
	if uint64(pos) > math.MaxUint32 {
		return errors.New("raster too large for classic TIFF")
	}

	// strip arrays were reserved in the large area when they exceed 4 bytes
	largeBytes := large.Bytes()
	for _, e := range entries {
		var values []uint32
		switch e.tag {
		case tagStripOffsets:
			values = offsets
		case tagStripByteCounts:
			values = counts
		default:
			continue
		}
		if nb == 1 {
			copy(e.data, enc32(values[0]))
			continue
		}
		at := int(enc.Uint32(e.data)) - valueOffset
		for i, v := range values {
			enc.PutUint32(largeBytes[at+4*i:], v)
		}
	}

	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}

	ifd := new(bytes.Buffer)
	binary.Write(ifd, enc, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(ifd, enc, e.tag)
		binary.Write(ifd, enc, e.datatype)
		binary.Write(ifd, enc, e.count)
		var val [4]byte
		copy(val[:], e.data)
		ifd.Write(val[:])
	}
	binary.Write(ifd, enc, uint32(0))
	if _, err := ifd.WriteTo(w); err != nil {
		return err
	}

	if _, err := w.Write(largeBytes); err != nil {
		return err
	}
	for _, s := range strips {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

func repeat16(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
