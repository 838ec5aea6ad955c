// SPDX-License-Identifier: MIT

package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

func productGrid(w, h int) raster.Grid {
	return raster.Grid{
		OriginX: -10, OriginY: 50,
		CellX: 0.25, CellY: 0.25,
		Width: w, Height: h,
		EPSG: 4326,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	g := productGrid(100, 50)
	src, err := raster.New(g)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = float64(i%97) / 100.0
	}
	src.Data[0] = math.NaN()
	src.Data[321] = math.NaN()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, src))

	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.True(t, g.Equal(rd.Grid()), "grid mismatch: %v vs %v", g, rd.Grid())

	nodata, ok := rd.NoData()
	require.True(t, ok)
	assert.True(t, math.IsNaN(nodata))

	got, err := rd.Read()
	require.NoError(t, err)
	require.Len(t, got.Data, len(src.Data))
	for i := range src.Data {
		if math.IsNaN(src.Data[i]) {
			assert.True(t, math.IsNaN(got.Data[i]), "cell %d", i)
			continue
		}
		// float32 storage precision
		assert.InDelta(t, src.Data[i], got.Data[i], 1e-6, "cell %d", i)
	}
}

func TestWriteReadRoundTrip_MultiStrip(t *testing.T) {
	// More rows than defaultRowsPerStrip forces multiple strips.
	g := productGrid(16, defaultRowsPerStrip*2+13)
	src, err := raster.New(g)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = float64(i)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, src))

	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	got, err := rd.Read()
	require.NoError(t, err)
	for i := range src.Data {
		assert.InDelta(t, src.Data[i], got.Data[i], 1e-3, "cell %d", i)
	}
}

func TestReadWindow(t *testing.T) {
	g := productGrid(20, 10)
	src, err := raster.New(g)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = float64(i)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, src))
	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	win, err := rd.ReadWindow(5, 2, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, win.Grid.Width)
	assert.Equal(t, 3, win.Grid.Height)
	assert.InDelta(t, g.OriginX+5*g.CellX, win.Grid.OriginX, 1e-9)
	assert.InDelta(t, g.OriginY-2*g.CellY, win.Grid.OriginY, 1e-9)

	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			want := src.Value(5+col, 2+row)
			assert.InDelta(t, want, win.Value(col, row), 1e-6)
		}
	}
}

func TestReadWindow_BeyondExtent(t *testing.T) {
	g := productGrid(4, 4)
	src, err := raster.New(g)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = 1.0
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, src))
	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	// Window hangs off the north-west corner: outside cells stay nodata.
	win, err := rd.ReadWindow(-2, -2, 4, 4)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(win.Value(0, 0)))
	assert.True(t, math.IsNaN(win.Value(1, 1)))
	assert.Equal(t, 1.0, win.Value(2, 2))

	// Fully disjoint window.
	win, err = rd.ReadWindow(100, 100, 2, 2)
	require.NoError(t, err)
	for _, v := range win.Data {
		assert.True(t, math.IsNaN(v))
	}
}

func TestReadBounds(t *testing.T) {
	g := productGrid(40, 40)
	src, err := raster.New(g)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = float64(i)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, src))
	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	// Bounds of the central 2x2 cells, margin 2 for the cubic kernel.
	minX := g.OriginX + 19*g.CellX
	maxX := g.OriginX + 21*g.CellX
	maxY := g.OriginY - 19*g.CellY
	minY := g.OriginY - 21*g.CellY

	win, err := rd.ReadBounds(minX, minY, maxX, maxY, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, win.Grid.Width, 6)
	assert.GreaterOrEqual(t, win.Grid.Height, 6)

	// The window must geographically cover the padded bounds.
	wMinX, wMinY, wMaxX, wMaxY := win.Grid.Bounds()
	assert.LessOrEqual(t, wMinX, minX-2*g.CellX)
	assert.GreaterOrEqual(t, wMaxX, maxX+2*g.CellX)
	assert.LessOrEqual(t, wMinY, minY-2*g.CellY)
	assert.GreaterOrEqual(t, wMaxY, maxY+2*g.CellY)
}

// fixtureTIFF hand-builds a single-band uint8 TIFF: header, strip data and
// external geo doubles first, IFD last.
type fixtureTIFF struct {
	bo          binary.ByteOrder
	boTag       string
	width       int
	height      int
	data        []byte // possibly compressed strip payload
	compression uint16
	predictor   uint16
	nodata      string
	tiled       bool
	tileW       int
	tileH       int
	tiles       [][]byte
}

func (f *fixtureTIFF) build() []byte {
	var buf bytes.Buffer
	u16 := func(v uint16) { b := make([]byte, 2); f.bo.PutUint16(b, v); buf.Write(b) }
	u32 := func(v uint32) { b := make([]byte, 4); f.bo.PutUint32(b, v); buf.Write(b) }
	f64 := func(v float64) { b := make([]byte, 8); f.bo.PutUint64(b, math.Float64bits(v)); buf.Write(b) }

	buf.WriteString(f.boTag)
	u16(42)
	headerIFDPos := buf.Len()
	u32(0) // patched below

	dataOff := make([]uint32, 0, 4)
	dataLen := make([]uint32, 0, 4)
	if f.tiled {
		for _, tb := range f.tiles {
			dataOff = append(dataOff, uint32(buf.Len()))
			dataLen = append(dataLen, uint32(len(tb)))
			buf.Write(tb)
		}
	} else {
		dataOff = append(dataOff, uint32(buf.Len()))
		dataLen = append(dataLen, uint32(len(f.data)))
		buf.Write(f.data)
	}
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}

	scaleOff := uint32(buf.Len())
	f64(0.5)
	f64(0.5)
	f64(0)
	tieOff := uint32(buf.Len())
	for _, v := range []float64{0, 0, 0, 12.0, 47.0, 0} {
		f64(v)
	}

	var extraOff uint32
	if f.tiled && len(f.tiles) > 1 {
		extraOff = uint32(buf.Len())
		for _, o := range dataOff {
			u32(o)
		}
		for _, n := range dataLen {
			u32(n)
		}
	}

	var nodataOff uint32
	nodataBytes := append([]byte(f.nodata), 0)
	if len(nodataBytes) > 4 {
		nodataOff = uint32(buf.Len())
		buf.Write(nodataBytes)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	type ent struct {
		tag, typ uint16
		count    uint32
		val      uint32
	}
	entries := []ent{
		{tagImageWidth, typeLong, 1, uint32(f.width)},
		{tagImageLength, typeLong, 1, uint32(f.height)},
		{tagBitsPerSample, typeShort, 1, 8},
		{tagCompression, typeShort, 1, uint32(f.compression)},
		{tagPhotometric, typeShort, 1, 1},
		{tagSamplesPerPixel, typeShort, 1, 1},
		{tagSampleFormat, typeShort, 1, 1},
		{tagModelPixelScale, typeDouble, 3, scaleOff},
		{tagModelTiepoint, typeDouble, 6, tieOff},
	}
	if f.predictor != 0 {
		entries = append(entries, ent{tagPredictor, typeShort, 1, uint32(f.predictor)})
	}
	if f.tiled {
		entries = append(entries,
			ent{tagTileWidth, typeShort, 1, uint32(f.tileW)},
			ent{tagTileLength, typeShort, 1, uint32(f.tileH)},
		)
		if len(f.tiles) == 1 {
			entries = append(entries,
				ent{tagTileOffsets, typeLong, 1, dataOff[0]},
				ent{tagTileByteCounts, typeLong, 1, dataLen[0]},
			)
		} else {
			entries = append(entries,
				ent{tagTileOffsets, typeLong, uint32(len(f.tiles)), extraOff},
				ent{tagTileByteCounts, typeLong, uint32(len(f.tiles)), extraOff + uint32(4*len(f.tiles))},
			)
		}
	} else {
		entries = append(entries,
			ent{tagStripOffsets, typeLong, 1, dataOff[0]},
			ent{tagRowsPerStrip, typeLong, 1, uint32(f.height)},
			ent{tagStripByteCounts, typeLong, 1, dataLen[0]},
		)
	}
	if f.nodata != "" {
		e := ent{tagGDALNoData, typeASCII, uint32(len(nodataBytes)), nodataOff}
		entries = append(entries, e)
	}

	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].tag < entries[i].tag {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}

	ifdPos := uint32(buf.Len())
	u16(uint16(len(entries)))
	for _, e := range entries {
		u16(e.tag)
		u16(e.typ)
		u32(e.count)
		if e.typ == typeShort && e.count == 1 {
			// SHORT inline values occupy the first two value bytes.
			u16(uint16(e.val))
			u16(0)
		} else if e.typ == typeASCII && e.count <= 4 {
			v := make([]byte, 4)
			copy(v, nodataBytes)
			buf.Write(v)
		} else {
			u32(e.val)
		}
	}
	u32(0)

	out := buf.Bytes()
	f.bo.PutUint32(out[headerIFDPos:], ifdPos)
	return out
}

func TestReader_Uint8Strip(t *testing.T) {
	for _, tc := range []struct {
		name  string
		bo    binary.ByteOrder
		boTag string
	}{
		{"little-endian", binary.LittleEndian, "II"},
		{"big-endian", binary.BigEndian, "MM"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, 6*4)
			for i := range data {
				data[i] = byte(i * 10)
			}
			data[5] = 255

			fx := &fixtureTIFF{
				bo: tc.bo, boTag: tc.boTag,
				width: 6, height: 4,
				data:        data,
				compression: compressionNone,
				nodata:      "255",
			}
			rd, err := NewReader(bytes.NewReader(fx.build()))
			require.NoError(t, err)

			w, h := rd.Size()
			assert.Equal(t, 6, w)
			assert.Equal(t, 4, h)

			g := rd.Grid()
			assert.InDelta(t, 12.0, g.OriginX, 1e-9)
			assert.InDelta(t, 47.0, g.OriginY, 1e-9)
			assert.InDelta(t, 0.5, g.CellX, 1e-9)
			assert.Equal(t, 4326, g.EPSG)

			nodata, ok := rd.NoData()
			require.True(t, ok)
			assert.Equal(t, 255.0, nodata)

			r, err := rd.Read()
			require.NoError(t, err)
			assert.Equal(t, 0.0, r.Value(0, 0))
			assert.Equal(t, 10.0, r.Value(1, 0))
			assert.Equal(t, 255.0, r.Value(5, 0))
			assert.Equal(t, 230.0, r.Value(5, 3))
		})
	}
}

func TestReader_DeflatePredictor(t *testing.T) {
	// 4x2 gradient encoded with horizontal differencing + zlib.
	width, height := 4, 2
	plain := []byte{
		10, 20, 30, 40,
		50, 60, 70, 80,
	}
	diff := make([]byte, len(plain))
	copy(diff, plain)
	for row := 0; row < height; row++ {
		for col := width - 1; col > 0; col-- {
			diff[row*width+col] -= diff[row*width+col-1]
		}
	}
	var comp bytes.Buffer
	zw := zlib.NewWriter(&comp)
	_, err := zw.Write(diff)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fx := &fixtureTIFF{
		bo: binary.LittleEndian, boTag: "II",
		width: width, height: height,
		data:        comp.Bytes(),
		compression: compressionDeflate,
		predictor:   predictorHorizontal,
	}
	rd, err := NewReader(bytes.NewReader(fx.build()))
	require.NoError(t, err)

	r, err := rd.Read()
	require.NoError(t, err)
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			assert.Equal(t, float64(plain[row*width+col]), r.Value(col, row))
		}
	}
}

func TestReader_Tiled(t *testing.T) {
	// 4x4 image as four 2x2 tiles; each tile filled with its index.
	tiles := make([][]byte, 4)
	for i := range tiles {
		tiles[i] = []byte{byte(i), byte(i), byte(i), byte(i)}
	}

	fx := &fixtureTIFF{
		bo: binary.LittleEndian, boTag: "II",
		width: 4, height: 4,
		compression: compressionNone,
		tiled:       true,
		tileW:       2, tileH: 2,
		tiles: tiles,
	}
	rd, err := NewReader(bytes.NewReader(fx.build()))
	require.NoError(t, err)

	r, err := rd.Read()
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Value(0, 0))
	assert.Equal(t, 1.0, r.Value(2, 0))
	assert.Equal(t, 2.0, r.Value(0, 2))
	assert.Equal(t, 3.0, r.Value(3, 3))

	// Windowed read touching only the south-east tile.
	win, err := rd.ReadWindow(2, 2, 2, 2)
	require.NoError(t, err)
	for _, v := range win.Data {
		assert.Equal(t, 3.0, v)
	}
}

func TestNewReader_Errors(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a tiff at all")))
	assert.ErrorIs(t, err, ErrNotTIFF)

	// BigTIFF magic
	big := []byte{'I', 'I', 43, 0, 0, 0, 0, 0}
	_, err = NewReader(bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrBigTIFF)
}
