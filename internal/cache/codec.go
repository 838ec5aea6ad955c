// SPDX-License-Identifier: MIT

package cache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

// Cached rasters use a compact little-endian binary layout:
// magic "SGR1", grid header (4 doubles + 3 int32), then float64 samples.
const codecMagic = "SGR1"

const headerSize = 4 + 4*8 + 3*4

// EncodeRaster serialises a raster for cache storage.
func EncodeRaster(r *raster.Raster) []byte {
	g := r.Grid
	buf := make([]byte, headerSize+len(r.Data)*8)
	copy(buf, codecMagic)

	off := 4
	for _, f := range []float64{g.OriginX, g.OriginY, g.CellX, g.CellY} {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(f))
		off += 8
	}
	for _, n := range []int32{int32(g.Width), int32(g.Height), int32(g.EPSG)} {
		binary.LittleEndian.PutUint32(buf[off:], uint32(n))
		off += 4
	}
	for _, v := range r.Data {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	return buf
}

// DecodeRaster deserialises a cached raster. Corrupt entries return an error
// so callers can treat them as misses.
func DecodeRaster(data []byte) (*raster.Raster, error) {
	if len(data) < headerSize || string(data[:4]) != codecMagic {
		return nil, fmt.Errorf("cache: malformed raster entry")
	}

	off := 4
	floats := make([]float64, 4)
	for i := range floats {
		floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	ints := make([]int32, 3)
	for i := range ints {
		ints[i] = int32(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}

	g := raster.Grid{
		OriginX: floats[0],
		OriginY: floats[1],
		CellX:   floats[2],
		CellY:   floats[3],
		Width:   int(ints[0]),
		Height:  int(ints[1]),
		EPSG:    int(ints[2]),
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("cache: malformed grid: %w", err)
	}

	want := g.Cells()
	if len(data) != headerSize+want*8 {
		return nil, fmt.Errorf("cache: raster entry has %d bytes, want %d",
			len(data), headerSize+want*8)
	}

	samples := make([]float64, want)
	for i := range samples {
		samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	return raster.FromData(g, samples)
}
