// SPDX-License-Identifier: MIT

package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/tiff/lzw"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

type ifdEntry struct {
	fieldType uint16
	count     uint32
	raw       []byte
}

// Reader decodes a single-band GeoTIFF from an io.ReaderAt.
type Reader struct {
	r  io.ReaderAt
	bo binary.ByteOrder

	width, height int
	bits          int
	format        int
	compression   int
	predictor     int

	// Block layout: tileWidth == 0 means strip organisation.
	tileWidth    int
	tileLength   int
	rowsPerStrip int
	offsets      []uint64
	counts       []uint64

	grid      raster.Grid
	nodata    float64
	hasNodata bool
}

// File is a Reader backed by an open file.
type File struct {
	*Reader
	f *os.File
}

// Open opens a GeoTIFF file for reading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Reader: r, f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// NewReader parses the TIFF structure and geo-referencing tags. Sample data
// is not decoded until Read or ReadWindow is called.
func NewReader(r io.ReaderAt) (*Reader, error) {
	var header [8]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rd := &Reader{r: r}
	switch string(header[0:2]) {
	case "II":
		rd.bo = binary.LittleEndian
	case "MM":
		rd.bo = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}

	switch rd.bo.Uint16(header[2:4]) {
	case 42:
		// classic TIFF
	case 43:
		return nil, ErrBigTIFF
	default:
		return nil, ErrNotTIFF
	}

	entries, err := rd.readIFD(int64(rd.bo.Uint32(header[4:8])))
	if err != nil {
		return nil, err
	}
	if err := rd.applyEntries(entries); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *Reader) readIFD(offset int64) (map[uint16]ifdEntry, error) {
	var countBuf [2]byte
	if _, err := r.r.ReadAt(countBuf[:], offset); err != nil {
		return nil, fmt.Errorf("read IFD: %w", err)
	}
	count := int(r.bo.Uint16(countBuf[:]))

	raw := make([]byte, count*12)
	if _, err := r.r.ReadAt(raw, offset+2); err != nil {
		return nil, fmt.Errorf("read IFD entries: %w", err)
	}

	entries := make(map[uint16]ifdEntry, count)
	for i := 0; i < count; i++ {
		e := raw[i*12 : i*12+12]
		tag := r.bo.Uint16(e[0:2])
		fieldType := r.bo.Uint16(e[2:4])
		n := r.bo.Uint32(e[4:8])

		if int(fieldType) >= len(typeSizes) || typeSizes[fieldType] == 0 {
			continue // unknown field type, skip per TIFF spec
		}
		size := typeSizes[fieldType] * int(n)

		var val []byte
		if size <= 4 {
			val = append([]byte(nil), e[8:8+size]...)
		} else {
			val = make([]byte, size)
			if _, err := r.r.ReadAt(val, int64(r.bo.Uint32(e[8:12]))); err != nil {
				return nil, fmt.Errorf("read tag %d value: %w", tag, err)
			}
		}
		entries[tag] = ifdEntry{fieldType: fieldType, count: n, raw: val}
	}
	return entries, nil
}

func (r *Reader) uints(e ifdEntry) []uint64 {
	out := make([]uint64, e.count)
	for i := 0; i < int(e.count); i++ {
		switch e.fieldType {
		case typeByte, typeUndef:
			out[i] = uint64(e.raw[i])
		case typeShort:
			out[i] = uint64(r.bo.Uint16(e.raw[i*2:]))
		case typeLong:
			out[i] = uint64(r.bo.Uint32(e.raw[i*4:]))
		case typeSShort:
			out[i] = uint64(int16(r.bo.Uint16(e.raw[i*2:])))
		case typeSLong:
			out[i] = uint64(int32(r.bo.Uint32(e.raw[i*4:])))
		}
	}
	return out
}

func (r *Reader) doubles(e ifdEntry) []float64 {
	out := make([]float64, e.count)
	for i := 0; i < int(e.count); i++ {
		switch e.fieldType {
		case typeFloat:
			out[i] = float64(math.Float32frombits(r.bo.Uint32(e.raw[i*4:])))
		case typeDouble:
			out[i] = math.Float64frombits(r.bo.Uint64(e.raw[i*8:]))
		default:
			u := r.uints(ifdEntry{fieldType: e.fieldType, count: 1, raw: e.raw[i*typeSizes[e.fieldType]:]})
			out[i] = float64(u[0])
		}
	}
	return out
}

func ascii(e ifdEntry) string {
	return strings.TrimRight(string(e.raw), "\x00")
}

func (r *Reader) firstUint(entries map[uint16]ifdEntry, tag uint16, def int) int {
	e, ok := entries[tag]
	if !ok || e.count == 0 {
		return def
	}
	return int(r.uints(e)[0])
}

func (r *Reader) applyEntries(entries map[uint16]ifdEntry) error {
	r.width = r.firstUint(entries, tagImageWidth, 0)
	r.height = r.firstUint(entries, tagImageLength, 0)
	if r.width <= 0 || r.height <= 0 {
		return fmt.Errorf("%w: missing image dimensions", ErrNotTIFF)
	}

	if spp := r.firstUint(entries, tagSamplesPerPixel, 1); spp != 1 {
		return fmt.Errorf("%w: %d samples per pixel", ErrMultiBand, spp)
	}
	if pc := r.firstUint(entries, tagPlanarConfig, 1); pc != 1 {
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupported, pc)
	}

	r.bits = r.firstUint(entries, tagBitsPerSample, 8)
	switch r.bits {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, r.bits)
	}

	r.format = r.firstUint(entries, tagSampleFormat, sampleFormatUint)
	r.compression = r.firstUint(entries, tagCompression, compressionNone)
	switch r.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionOldDeflate:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, r.compression)
	}

	r.predictor = r.firstUint(entries, tagPredictor, predictorNone)
	if r.predictor == predictorFloat {
		return fmt.Errorf("%w: floating-point predictor", ErrUnsupported)
	}

	if e, ok := entries[tagTileOffsets]; ok {
		r.tileWidth = r.firstUint(entries, tagTileWidth, 0)
		r.tileLength = r.firstUint(entries, tagTileLength, 0)
		if r.tileWidth <= 0 || r.tileLength <= 0 {
			return fmt.Errorf("%w: tiled layout without tile dimensions", ErrNotTIFF)
		}
		r.offsets = r.uints(e)
		if c, ok := entries[tagTileByteCounts]; ok {
			r.counts = r.uints(c)
		}
	} else if e, ok := entries[tagStripOffsets]; ok {
		r.rowsPerStrip = r.firstUint(entries, tagRowsPerStrip, r.height)
		if r.rowsPerStrip <= 0 || r.rowsPerStrip > r.height {
			r.rowsPerStrip = r.height
		}
		r.offsets = r.uints(e)
		if c, ok := entries[tagStripByteCounts]; ok {
			r.counts = r.uints(c)
		}
	} else {
		return fmt.Errorf("%w: no strip or tile offsets", ErrNotTIFF)
	}
	if len(r.counts) != len(r.offsets) {
		return fmt.Errorf("%w: offset/bytecount mismatch", ErrNotTIFF)
	}

	bc, bd := r.blockLayout()
	if len(r.offsets) < bc*bd {
		return fmt.Errorf("%w: %d blocks indexed, %d expected", ErrNotTIFF, len(r.offsets), bc*bd)
	}

	if err := r.applyGeo(entries); err != nil {
		return err
	}

	r.nodata = math.NaN()
	if e, ok := entries[tagGDALNoData]; ok {
		s := strings.TrimSpace(ascii(e))
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			r.nodata = v
			r.hasNodata = true
		}
	}
	return nil
}

func (r *Reader) applyGeo(entries map[uint16]ifdEntry) error {
	scaleEnt, okScale := entries[tagModelPixelScale]
	tieEnt, okTie := entries[tagModelTiepoint]
	if !okScale || !okTie {
		return ErrNoGeoTags
	}
	scale := r.doubles(scaleEnt)
	tie := r.doubles(tieEnt)
	if len(scale) < 2 || len(tie) < 6 {
		return ErrNoGeoTags
	}

	sx, sy := scale[0], scale[1]
	if sx <= 0 || sy <= 0 {
		return fmt.Errorf("%w: non-positive pixel scale", ErrNoGeoTags)
	}

	// Tiepoint maps raster point (i, j) to model point (x, y).
	i, j := tie[0], tie[1]
	x, y := tie[3], tie[4]

	epsg := 4326 // SoilGrids sources are geographic; assume WGS84 when keys are absent
	if e, ok := entries[tagGeoKeyDirectory]; ok {
		keys := r.uints(e)
		// Directory header is 4 shorts, then 4 shorts per key.
		for k := 4; k+3 < len(keys); k += 4 {
			keyID, tagLoc, value := keys[k], keys[k+1], keys[k+3]
			if tagLoc != 0 {
				continue
			}
			switch keyID {
			case geoKeyGeographicType, geoKeyProjectedCS:
				if value > 0 && value < 32767 {
					epsg = int(value)
				}
			}
		}
	}

	r.grid = raster.Grid{
		OriginX: x - i*sx,
		OriginY: y + j*sy,
		CellX:   sx,
		CellY:   sy,
		Width:   r.width,
		Height:  r.height,
		EPSG:    epsg,
	}
	return r.grid.Validate()
}

// Grid returns the geo-referenced grid of the full raster.
func (r *Reader) Grid() raster.Grid {
	return r.grid
}

// Size returns the raster dimensions in cells.
func (r *Reader) Size() (width, height int) {
	return r.width, r.height
}

// NoData reports the declared nodata value, if any.
func (r *Reader) NoData() (float64, bool) {
	return r.nodata, r.hasNodata
}

// blockLayout returns the number of block columns and rows.
func (r *Reader) blockLayout() (across, down int) {
	if r.tileWidth > 0 {
		return (r.width + r.tileWidth - 1) / r.tileWidth,
			(r.height + r.tileLength - 1) / r.tileLength
	}
	return 1, (r.height + r.rowsPerStrip - 1) / r.rowsPerStrip
}

// blockDims returns the sample dimensions of block (bc, bd). Tiles are always
// padded to full size; the final strip may be short.
func (r *Reader) blockDims(bd int) (w, h int) {
	if r.tileWidth > 0 {
		return r.tileWidth, r.tileLength
	}
	h = r.rowsPerStrip
	if rem := r.height - bd*r.rowsPerStrip; rem < h {
		h = rem
	}
	return r.width, h
}

// Read decodes the entire raster.
func (r *Reader) Read() (*raster.Raster, error) {
	return r.ReadWindow(0, 0, r.width, r.height)
}

// ReadWindow decodes the window [col0, col0+w) x [row0, row0+h). The window
// may extend beyond the raster; cells outside the source stay nodata. Only
// blocks intersecting the window are decompressed.
func (r *Reader) ReadWindow(col0, row0, w, h int) (*raster.Raster, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty window %dx%d", w, h)
	}

	grid := raster.Grid{
		OriginX: r.grid.OriginX + float64(col0)*r.grid.CellX,
		OriginY: r.grid.OriginY - float64(row0)*r.grid.CellY,
		CellX:   r.grid.CellX,
		CellY:   r.grid.CellY,
		Width:   w,
		Height:  h,
		EPSG:    r.grid.EPSG,
	}
	out, err := raster.New(grid)
	if err != nil {
		return nil, err
	}

	// Intersection with the source extent, in source cell coordinates.
	icol0, irow0 := max(col0, 0), max(row0, 0)
	icol1, irow1 := min(col0+w, r.width), min(row0+h, r.height)
	if icol0 >= icol1 || irow0 >= irow1 {
		return out, nil
	}

	bw, bh := r.blockDims(0)
	across, _ := r.blockLayout()
	bpsBytes := r.bits / 8

	for bd := irow0 / bh; bd <= (irow1-1)/bh; bd++ {
		for bc := icol0 / bw; bc <= (icol1-1)/bw; bc++ {
			blockW, blockH := r.blockDims(bd)
			data, err := r.decodeBlock(bd*across+bc, blockW, blockH)
			if err != nil {
				return nil, err
			}

			rowLo := max(irow0, bd*bh) - bd*bh
			rowHi := min(irow1, bd*bh+blockH) - bd*bh
			colLo := max(icol0, bc*bw) - bc*bw
			colHi := min(icol1, bc*bw+blockW) - bc*bw

			for br := rowLo; br < rowHi; br++ {
				srcRow := bd*bh + br
				for bcx := colLo; bcx < colHi; bcx++ {
					srcCol := bc*bw + bcx
					v := r.sampleAt(data, (br*blockW+bcx)*bpsBytes)
					out.Set(srcCol-col0, srcRow-row0, v)
				}
			}
		}
	}
	return out, nil
}

// ReadBounds decodes the smallest window covering the given model-space
// bounds, expanded by margin cells on every side (interpolation support).
func (r *Reader) ReadBounds(minX, minY, maxX, maxY float64, margin int) (*raster.Raster, error) {
	c0f, r0f := r.grid.ToCell(minX, maxY)
	c1f, r1f := r.grid.ToCell(maxX, minY)

	col0 := int(math.Floor(c0f)) - margin
	row0 := int(math.Floor(r0f)) - margin
	col1 := int(math.Ceil(c1f)) + margin + 1
	row1 := int(math.Ceil(r1f)) + margin + 1

	return r.ReadWindow(col0, row0, col1-col0, row1-row0)
}

func (r *Reader) decodeBlock(idx, blockW, blockH int) ([]byte, error) {
	if idx < 0 || idx >= len(r.offsets) {
		return nil, fmt.Errorf("block index %d out of range", idx)
	}
	raw := make([]byte, r.counts[idx])
	if _, err := r.r.ReadAt(raw, int64(r.offsets[idx])); err != nil {
		return nil, fmt.Errorf("read block %d: %w", idx, err)
	}

	var data []byte
	switch r.compression {
	case compressionNone:
		data = raw
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		var err error
		data, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("lzw block %d: %w", idx, err)
		}
	case compressionDeflate, compressionOldDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate block %d: %w", idx, err)
		}
		data, err = io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, fmt.Errorf("deflate block %d: %w", idx, err)
		}
	}

	need := blockW * blockH * (r.bits / 8)
	if len(data) < need {
		// Short final strips are legal; missing samples stay at zero.
		padded := make([]byte, need)
		copy(padded, data)
		data = padded
	}

	if r.predictor == predictorHorizontal {
		r.undoPredictor(data, blockW, blockH)
	}
	return data, nil
}

// undoPredictor reverses horizontal differencing in place.
func (r *Reader) undoPredictor(data []byte, blockW, blockH int) {
	switch r.bits {
	case 8:
		for row := 0; row < blockH; row++ {
			off := row * blockW
			for i := 1; i < blockW; i++ {
				data[off+i] += data[off+i-1]
			}
		}
	case 16:
		for row := 0; row < blockH; row++ {
			off := row * blockW * 2
			for i := 1; i < blockW; i++ {
				prev := r.bo.Uint16(data[off+(i-1)*2:])
				cur := r.bo.Uint16(data[off+i*2:])
				r.bo.PutUint16(data[off+i*2:], cur+prev)
			}
		}
	case 32:
		for row := 0; row < blockH; row++ {
			off := row * blockW * 4
			for i := 1; i < blockW; i++ {
				prev := r.bo.Uint32(data[off+(i-1)*4:])
				cur := r.bo.Uint32(data[off+i*4:])
				r.bo.PutUint32(data[off+i*4:], cur+prev)
			}
		}
	}
}

// sampleAt converts the sample at byte offset off to float64.
func (r *Reader) sampleAt(data []byte, off int) float64 {
	switch r.bits {
	case 8:
		if r.format == sampleFormatInt {
			return float64(int8(data[off]))
		}
		return float64(data[off])
	case 16:
		u := r.bo.Uint16(data[off:])
		if r.format == sampleFormatInt {
			return float64(int16(u))
		}
		return float64(u)
	case 32:
		u := r.bo.Uint32(data[off:])
		switch r.format {
		case sampleFormatInt:
			return float64(int32(u))
		case sampleFormatFloat:
			return float64(math.Float32frombits(u))
		default:
			return float64(u)
		}
	case 64:
		u := r.bo.Uint64(data[off:])
		switch r.format {
		case sampleFormatInt:
			return float64(int64(u))
		case sampleFormatFloat:
			return math.Float64frombits(u)
		default:
			return float64(u)
		}
	}
	return math.NaN()
}
