// SPDX-License-Identifier: MIT

package cache

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JPL-Evapotranspiration-Algorithms/soil-capacity-wilting/internal/raster"
)

func TestRasterCodec_RoundTrip(t *testing.T) {
	g := raster.Grid{
		OriginX: -10.5, OriginY: 47.25,
		CellX: 0.01, CellY: 0.01,
		Width: 7, Height: 3,
		EPSG: 4326,
	}
	src, err := raster.New(g)
	require.NoError(t, err)
	for i := range src.Data {
		src.Data[i] = float64(i) * 0.031
	}
	src.Data[4] = math.NaN()

	got, err := DecodeRaster(EncodeRaster(src))
	require.NoError(t, err)

	if diff := cmp.Diff(src, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("raster round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRaster_Corrupt(t *testing.T) {
	_, err := DecodeRaster(nil)
	assert.Error(t, err)

	_, err = DecodeRaster([]byte("garbage"))
	assert.Error(t, err)

	// Valid header, truncated payload.
	g := raster.Grid{OriginX: 0, OriginY: 1, CellX: 1, CellY: 1, Width: 2, Height: 2, EPSG: 4326}
	r, err := raster.New(g)
	require.NoError(t, err)
	enc := EncodeRaster(r)
	_, err = DecodeRaster(enc[:len(enc)-8])
	assert.Error(t, err)
}
