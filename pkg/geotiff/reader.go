package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

// GeoKey ids understood by ReadInfo
const (
	KeyModelType        = 1024
	KeyRasterType       = 1025
	KeyGeographicType   = 2048
	KeyGeogAngularUnits = 2054
	KeyProjectedCSType  = 3072
	KeyProjLinearUnits  = 3076
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
	RasterPixelIsArea   = 1
	LinearUnitMeter     = 9001
	AngularUnitDegree   = 9102
	userDefined         = 32767
	maxStripBytes       = 1 << 30
)

// ErrNotTIFF is returned when the header is not a TIFF header
var ErrNotTIFF = errors.New("not a TIFF file")

// Info is the structural and georeferencing summary of the first image
type Info struct {
	Width        int
	Height       int
	Bands        int
	Compression  int
	Planar       int
	Tiepoint     []float64
	PixelScale   []float64
	GeoKeys      map[uint16]uint16
	EPSG         int
	OriginX      float64
	OriginY      float64
	PixelSizeX   float64
	PixelSizeY   float64
	stripOffsets []uint32
	stripCounts  []uint32
	order        binary.ByteOrder
}

// Bounds returns west, south, east, north in CRS units
func (i *Info) Bounds() (west, south, east, north float64) {
	west, north = i.OriginX, i.OriginY
	east = west + float64(i.Width)*i.PixelSizeX
	south = north - float64(i.Height)*i.PixelSizeY
	return
}

type rawEntry struct {
	datatype uint16
	count    uint32
	value    []byte
}

// ReadInfo parses the header and first IFD of a TIFF
func ReadInfo(r io.ReadSeeker) (*Info, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var order binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}
	if order.Uint16(hdr[2:4]) != 42 {
		return nil, ErrNotTIFF
	}
	if _, err := r.Seek(int64(order.Uint32(hdr[4:8])), io.SeekStart); err != nil {
		return nil, err
	}

	var n uint16
	if err := binary.Read(r, order, &n); err != nil {
		return nil, fmt.Errorf("read IFD: %w", err)
	}
	raw := make([]byte, 12*int(n))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read IFD: %w", err)
	}

	entries := make(map[uint16]rawEntry, n)
	for i := 0; i < int(n); i++ {
		e := raw[i*12 : i*12+12]
		tag := order.Uint16(e[0:2])
		dt := order.Uint16(e[2:4])
		count := order.Uint32(e[4:8])
		size := typeSize(dt) * int(count)
		if size <= 0 {
			continue
		}
		if size <= 4 {
			entries[tag] = rawEntry{dt, count, append([]byte(nil), e[8:8+size]...)}
			continue
		}
		if size > maxStripBytes {
			return nil, fmt.Errorf("tag %d too large", tag)
		}
		buf := make([]byte, size)
		if _, err := r.Seek(int64(order.Uint32(e[8:12])), io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read tag %d: %w", tag, err)
		}
		entries[tag] = rawEntry{dt, count, buf}
	}

	info := &Info{order: order, Planar: planarChunky, Compression: CompressionNone, Bands: 1}
	uints := func(tag uint16) []uint32 {
		e, ok := entries[tag]
		if !ok {
			return nil
		}
		return decodeUints(order, e)
	}
	first := func(tag uint16) (int, bool) {
		v := uints(tag)
		if len(v) == 0 {
			return 0, false
		}
		return int(v[0]), true
	}

	var ok bool
	if info.Width, ok = first(tagImageWidth); !ok {
		return nil, errors.New("missing ImageWidth")
	}
	if info.Height, ok = first(tagImageLength); !ok {
		return nil, errors.New("missing ImageLength")
	}
	if v, ok := first(tagSamplesPerPixel); ok {
		info.Bands = v
	}
	if v, ok := first(tagCompression); ok {
		info.Compression = v
	}
	if v, ok := first(tagPlanarConfiguration); ok {
		info.Planar = v
	}
	info.stripOffsets = uints(tagStripOffsets)
	info.stripCounts = uints(tagStripByteCounts)

	if e, ok := entries[tagModelPixelScale]; ok {
		info.PixelScale = decodeDoubles(order, e)
	}
	if e, ok := entries[tagModelTiepoint]; ok {
		info.Tiepoint = decodeDoubles(order, e)
	}
	if len(info.PixelScale) >= 2 {
		info.PixelSizeX, info.PixelSizeY = info.PixelScale[0], info.PixelScale[1]
	}
	if len(info.Tiepoint) >= 6 {
		info.OriginX = info.Tiepoint[3] - info.Tiepoint[0]*info.PixelSizeX
		info.OriginY = info.Tiepoint[4] + info.Tiepoint[1]*info.PixelSizeY
	}

	if e, ok := entries[tagGeoKeyDirectory]; ok {
		info.GeoKeys = parseGeoKeys(decodeUints(order, e))
		info.EPSG = epsgFromKeys(info.GeoKeys)
	}
	return info, nil
}

// ReadRaster decodes the 8-bit pixel data of the first image
func ReadRaster(r io.ReadSeeker) (*Raster, *Info, error) {
	info, err := ReadInfo(r)
	if err != nil {
		return nil, nil, err
	}
	if len(info.stripOffsets) == 0 || len(info.stripOffsets) != len(info.stripCounts) {
		return nil, info, errors.New("missing strip layout")
	}

	var data []byte
	for i, off := range info.stripOffsets {
		count := info.stripCounts[i]
		if count > maxStripBytes {
			return nil, info, fmt.Errorf("strip %d too large", i)
		}
		buf := make([]byte, count)
		if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
			return nil, info, err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, info, fmt.Errorf("read strip %d: %w", i, err)
		}
		switch info.Compression {
		case CompressionNone:
		case CompressionDeflate, 32946:
			zr, err := zlib.NewReader(bytes.NewReader(buf))
			if err != nil {
				return nil, info, fmt.Errorf("inflate strip %d: %w", i, err)
			}
			buf, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, info, fmt.Errorf("inflate strip %d: %w", i, err)
			}
		default:
			return nil, info, fmt.Errorf("unsupported compression %d", info.Compression)
		}
		data = append(data, buf...)
	}

	n := info.Width * info.Height
	if len(data) < n*info.Bands {
		return nil, info, fmt.Errorf("short pixel data: %d bytes, want %d", len(data), n*info.Bands)
	}
	out := &Raster{Width: info.Width, Height: info.Height, Bands: make([][]byte, info.Bands)}
	for b := range out.Bands {
		band := make([]byte, n)
		if info.Planar == planarSeparate {
			copy(band, data[b*n:(b+1)*n])
		} else {
			for p := 0; p < n; p++ {
				band[p] = data[p*info.Bands+b]
			}
		}
		out.Bands[b] = band
	}
	return out, info, nil
}

func parseGeoKeys(dir []uint32) map[uint16]uint16 {
	keys := make(map[uint16]uint16)
	if len(dir) < 4 {
		return keys
	}
	count := int(dir[3])
	for i := 0; i < count; i++ {
		base := 4 + i*4
		if base+3 >= len(dir) {
			break
		}
		// only inline SHORT values (location 0)
		if dir[base+1] != 0 {
			continue
		}
		keys[uint16(dir[base])] = uint16(dir[base+3])
	}
	return keys
}

func epsgFromKeys(keys map[uint16]uint16) int {
	if v, ok := keys[KeyProjectedCSType]; ok && v != 0 && v != userDefined {
		return int(v)
	}
	if v, ok := keys[KeyGeographicType]; ok && v != 0 && v != userDefined {
		return int(v)
	}
	return 0
}

func typeSize(dt uint16) int {
	switch dt {
	case dtByte, dtASCII, 6, 7:
		return 1
	case dtShort, 8:
		return 2
	case dtLong, 9, 11:
		return 4
	case dtRational, 10, dtDouble:
		return 8
	}
	return 0
}

func decodeUints(order binary.ByteOrder, e rawEntry) []uint32 {
	out := make([]uint32, 0, e.count)
	for i := 0; i < int(e.count); i++ {
		switch e.datatype {
		case dtByte:
			out = append(out, uint32(e.value[i]))
		case dtShort:
			out = append(out, uint32(order.Uint16(e.value[i*2:])))
		case dtLong:
			out = append(out, order.Uint32(e.value[i*4:]))
		default:
			return out
		}
	}
	return out
}

func decodeDoubles(order binary.ByteOrder, e rawEntry) []float64 {
	if e.datatype != dtDouble {
		return nil
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(order.Uint64(e.value[i*8:]))
	}
	return out
}
