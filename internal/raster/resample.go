// SPDX-License-Identifier: MIT

package raster

import (
	"fmt"
	"math"
)

// Resampling selects the interpolation kernel used when moving samples
// between grids.
type Resampling string

const (
	// Nearest picks the closest source sample.
	Nearest Resampling = "nearest"
	// Bilinear interpolates over the 2x2 neighbourhood.
	Bilinear Resampling = "bilinear"
	// Cubic interpolates over the 4x4 neighbourhood with a Catmull-Rom kernel.
	Cubic Resampling = "cubic"
)

// ParseResampling validates a resampling method name.
func ParseResampling(s string) (Resampling, error) {
	switch Resampling(s) {
	case Nearest, Bilinear, Cubic:
		return Resampling(s), nil
	case "":
		return Cubic, nil
	default:
		return "", fmt.Errorf("unknown resampling method %q (want nearest, bilinear or cubic)", s)
	}
}

// ResampleTo interpolates the raster onto the target grid. Target cells whose
// source neighbourhood holds no valid samples become nodata. The grids must
// share a coordinate reference system.
func (r *Raster) ResampleTo(target Grid, method Resampling) (*Raster, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("target grid: %w", err)
	}
	if target.EPSG != r.Grid.EPSG {
		return nil, fmt.Errorf("grid CRS mismatch: source EPSG:%d, target EPSG:%d",
			r.Grid.EPSG, target.EPSG)
	}

	out, err := New(target)
	if err != nil {
		return nil, err
	}

	var sample func(col, row float64) float64
	switch method {
	case Nearest:
		sample = r.sampleNearest
	case Bilinear:
		sample = r.sampleBilinear
	case Cubic:
		sample = r.sampleCubic
	default:
		return nil, fmt.Errorf("unknown resampling method %q", method)
	}

	for row := 0; row < target.Height; row++ {
		for col := 0; col < target.Width; col++ {
			x, y := target.CellCenter(col, row)
			sc, sr := r.Grid.ToCell(x, y)
			out.Data[row*target.Width+col] = sample(sc, sr)
		}
	}
	return out, nil
}

func (r *Raster) sampleNearest(col, row float64) float64 {
	c := int(math.Round(col))
	rr := int(math.Round(row))
	return r.Value(c, rr)
}

func (r *Raster) sampleBilinear(col, row float64) float64 {
	c0 := int(math.Floor(col))
	r0 := int(math.Floor(row))
	fc := col - float64(c0)
	fr := row - float64(r0)

	sum, wsum := 0.0, 0.0
	for dr := 0; dr <= 1; dr++ {
		for dc := 0; dc <= 1; dc++ {
			v := r.Value(c0+dc, r0+dr)
			if math.IsNaN(v) {
				continue
			}
			w := weight1D(fc, dc) * weight1D(fr, dr)
			sum += v * w
			wsum += w
		}
	}
	if wsum == 0 {
		return math.NaN()
	}
	// Renormalise so partially-masked neighbourhoods keep unit weight.
	return sum / wsum
}

func weight1D(frac float64, idx int) float64 {
	if idx == 0 {
		return 1 - frac
	}
	return frac
}

func (r *Raster) sampleCubic(col, row float64) float64 {
	c0 := int(math.Floor(col))
	r0 := int(math.Floor(row))
	fc := col - float64(c0)
	fr := row - float64(r0)

	sum, wsum := 0.0, 0.0
	for dr := -1; dr <= 2; dr++ {
		wy := cubicKernel(float64(dr) - fr)
		if wy == 0 {
			continue
		}
		for dc := -1; dc <= 2; dc++ {
			v := r.Value(c0+dc, r0+dr)
			if math.IsNaN(v) {
				continue
			}
			w := cubicKernel(float64(dc)-fc) * wy
			sum += v * w
			wsum += w
		}
	}
	if math.Abs(wsum) < 1e-12 {
		return math.NaN()
	}
	return sum / wsum
}

// cubicKernel is the Keys bicubic kernel with a = -0.5 (Catmull-Rom), the
// same family GDAL uses for its "cubic" method.
func cubicKernel(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t <= 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a * (t*t*t - 5*t*t + 8*t - 4)
	default:
		return 0
	}
}
