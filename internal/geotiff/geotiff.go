// SPDX-License-Identifier: MIT

// Package geotiff implements a focused single-band GeoTIFF codec.
//
// The reader handles the subset of TIFF 6.0 the SoilGrids sources use:
// classic (non-Big) TIFF in either byte order, strip or tile layout,
// no/LZW/Deflate compression with optional horizontal predictor, and the
// GeoTIFF tags needed to recover the grid geometry (ModelPixelScale,
// ModelTiepoint, GeoKeyDirectory) plus GDAL's nodata convention. Windowed
// reads decode only the blocks that intersect the request, which matters
// for the global 250 m source rasters.
//
// The writer produces little-endian float32 GeoTIFFs with Deflate strips,
// used for exported product artifacts.
package geotiff

import "errors"

// TIFF tag IDs used by this package.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339

	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagGeoKeyDirectory  = 34735
	tagGeoDoubleParams  = 34736
	tagGeoASCIIParams   = 34737
	tagGDALNoData       = 42113
)

// TIFF field types.
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeSByte    = 6
	typeUndef    = 7
	typeSShort   = 8
	typeSLong    = 9
	typeSRatio   = 10
	typeFloat    = 11
	typeDouble   = 12
)

var typeSizes = [...]int{0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8}

// Compression schemes.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionOldDeflate = 32946
)

// Predictors.
const (
	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3
)

// Sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// GeoKey IDs.
const (
	geoKeyGeographicType = 2048
	geoKeyProjectedCS    = 3072
)

// Errors reported by the codec.
var (
	ErrNotTIFF     = errors.New("geotiff: not a TIFF file")
	ErrBigTIFF     = errors.New("geotiff: BigTIFF is not supported")
	ErrMultiBand   = errors.New("geotiff: multi-band rasters are not supported")
	ErrNoGeoTags   = errors.New("geotiff: missing geo-referencing tags")
	ErrUnsupported = errors.New("geotiff: unsupported feature")
)
