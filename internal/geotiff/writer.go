// SPDX-License-Identifier: MIT

package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

const defaultRowsPerStrip = 256

// writeEntry is a single IFD entry being assembled. Values longer than four
// bytes are spilled to an external blob whose offset is patched at layout time.
type writeEntry struct {
	tag       uint16
	fieldType uint16
	count     uint32
	inline    []byte // len <= 4
	blob      []byte // external value, nil if inline
	blobOff   uint32
}

// Write encodes the raster as a little-endian float32 GeoTIFF with Deflate
// strips. NaN samples are written as float32 NaN and declared via GDAL's
// nodata tag.
func Write(w io.Writer, r *raster.Raster) error {
	if err := r.Grid.Validate(); err != nil {
		return fmt.Errorf("geotiff write: %w", err)
	}
	g := r.Grid

	rowsPerStrip := defaultRowsPerStrip
	if rowsPerStrip > g.Height {
		rowsPerStrip = g.Height
	}
	numStrips := (g.Height + rowsPerStrip - 1) / rowsPerStrip

	strips := make([][]byte, numStrips)
	for s := 0; s < numStrips; s++ {
		rows := rowsPerStrip
		if rem := g.Height - s*rowsPerStrip; rem < rows {
			rows = rem
		}

		raw := make([]byte, g.Width*rows*4)
		for row := 0; row < rows; row++ {
			srcOff := (s*rowsPerStrip + row) * g.Width
			for col := 0; col < g.Width; col++ {
				bits := math.Float32bits(float32(r.Data[srcOff+col]))
				binary.LittleEndian.PutUint32(raw[(row*g.Width+col)*4:], bits)
			}
		}

		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("compress strip %d: %w", s, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress strip %d: %w", s, err)
		}
		strips[s] = buf.Bytes()
	}

	entries := []writeEntry{
		shortEntry(tagImageWidth, uint16(g.Width)),
		shortEntry(tagImageLength, uint16(g.Height)),
		shortEntry(tagBitsPerSample, 32),
		shortEntry(tagCompression, compressionDeflate),
		shortEntry(tagPhotometric, 1), // BlackIsZero
		shortEntry(tagSamplesPerPixel, 1),
		shortEntry(tagRowsPerStrip, uint16(rowsPerStrip)),
		shortEntry(tagSampleFormat, sampleFormatFloat),
		doubleEntry(tagModelPixelScale, []float64{g.CellX, g.CellY, 0}),
		doubleEntry(tagModelTiepoint, []float64{0, 0, 0, g.OriginX, g.OriginY, 0}),
		geoKeyEntry(g.EPSG),
		asciiEntry(tagGDALNoData, "nan"),
	}
	// Large dimensions do not fit a SHORT.
	if g.Width > math.MaxUint16 {
		entries[0] = longEntry(tagImageWidth, []uint32{uint32(g.Width)})
	}
	if g.Height > math.MaxUint16 {
		entries[1] = longEntry(tagImageLength, []uint32{uint32(g.Height)})
	}
	if rowsPerStrip > math.MaxUint16 {
		entries[6] = longEntry(tagRowsPerStrip, []uint32{uint32(rowsPerStrip)})
	}

	// Strip offsets are patched once the layout is known.
	stripOffsets := make([]uint32, numStrips)
	stripCounts := make([]uint32, numStrips)
	for s, b := range strips {
		stripCounts[s] = uint32(len(b))
	}
	entries = append(entries,
		longEntry(tagStripOffsets, stripOffsets),
		longEntry(tagStripByteCounts, stripCounts),
	)

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: header, IFD, external blobs, strip data.
	const headerSize = 8
	ifdSize := 2 + len(entries)*12 + 4
	off := uint32(headerSize + ifdSize)
	for i := range entries {
		if entries[i].blob != nil {
			entries[i].blobOff = off
			off += uint32(len(entries[i].blob))
			if off%2 == 1 { // keep word alignment
				off++
			}
		}
	}

	dataStart := off
	for s := range strips {
		stripOffsets[s] = dataStart
		dataStart += uint32(len(strips[s]))
	}
	// Re-encode the now-final strip offsets into the entry value.
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			saved := entries[i].blobOff
			entries[i] = longEntry(tagStripOffsets, stripOffsets)
			entries[i].blobOff = saved
		}
	}

	var out bytes.Buffer
	out.WriteString("II")
	le := binary.LittleEndian
	writeU16(&out, le, 42)
	writeU32(&out, le, headerSize)

	writeU16(&out, le, uint16(len(entries)))
	for _, e := range entries {
		writeU16(&out, le, e.tag)
		writeU16(&out, le, e.fieldType)
		writeU32(&out, le, e.count)
		if e.blob != nil {
			writeU32(&out, le, e.blobOff)
		} else {
			var v [4]byte
			copy(v[:], e.inline)
			out.Write(v[:])
		}
	}
	writeU32(&out, le, 0) // no next IFD

	for _, e := range entries {
		if e.blob == nil {
			continue
		}
		out.Write(e.blob)
		if out.Len()%2 == 1 {
			out.WriteByte(0)
		}
	}

	for _, b := range strips {
		out.Write(b)
	}

	_, err := w.Write(out.Bytes())
	return err
}

func shortEntry(tag, value uint16) writeEntry {
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], value)
	return writeEntry{tag: tag, fieldType: typeShort, count: 1, inline: v[:]}
}

func longEntry(tag uint16, values []uint32) writeEntry {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	e := writeEntry{tag: tag, fieldType: typeLong, count: uint32(len(values))}
	if len(buf) <= 4 {
		e.inline = buf
	} else {
		e.blob = buf
	}
	return e
}

func doubleEntry(tag uint16, values []float64) writeEntry {
	buf := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return writeEntry{tag: tag, fieldType: typeDouble, count: uint32(len(values)), blob: buf}
}

func asciiEntry(tag uint16, s string) writeEntry {
	buf := append([]byte(s), 0)
	e := writeEntry{tag: tag, fieldType: typeASCII, count: uint32(len(buf))}
	if len(buf) <= 4 {
		e.inline = buf
	} else {
		e.blob = buf
	}
	return e
}

// geoKeyEntry encodes the minimal GeoKey directory: model type, raster type
// (PixelIsArea) and the CRS code.
func geoKeyEntry(epsg int) writeEntry {
	modelType := uint16(2) // geographic
	crsKey := uint16(geoKeyGeographicType)
	if epsg != 0 && (epsg < 4000 || epsg > 4999) {
		modelType = 1 // projected
		crsKey = geoKeyProjectedCS
	}

	shorts := []uint16{
		1, 1, 0, 3, // directory version, revision, minor, key count
		1024, 0, 1, modelType,
		1025, 0, 1, 1,
		crsKey, 0, 1, uint16(epsg),
	}
	buf := make([]byte, len(shorts)*2)
	for i, v := range shorts {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return writeEntry{tag: tagGeoKeyDirectory, fieldType: typeShort, count: uint32(len(shorts)), blob: buf}
}

func writeU16(w *bytes.Buffer, bo binary.ByteOrder, v uint16) {
	var b [2]byte
	bo.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU32(w *bytes.Buffer, bo binary.ByteOrder, v uint32) {
	var b [4]byte
	bo.PutUint32(b[:], v)
	w.Write(b[:])
}
