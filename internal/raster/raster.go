// SPDX-License-Identifier: MIT

package raster

import (
	"fmt"
	"math"
)

// Raster couples a grid with row-major float64 samples. NaN marks nodata.
type Raster struct {
	Grid Grid
	Data []float64
}

// New allocates a raster on the given grid with every cell set to nodata.
func New(grid Grid) (*Raster, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	data := make([]float64, grid.Cells())
	for i := range data {
		data[i] = math.NaN()
	}
	return &Raster{Grid: grid, Data: data}, nil
}

// FromData wraps existing row-major samples. The slice length must match the grid.
func FromData(grid Grid, data []float64) (*Raster, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if len(data) != grid.Cells() {
		return nil, fmt.Errorf("data length %d does not match grid %dx%d",
			len(data), grid.Width, grid.Height)
	}
	return &Raster{Grid: grid, Data: data}, nil
}

// Value returns the sample at (col, row). Out-of-grid reads return NaN.
func (r *Raster) Value(col, row int) float64 {
	if !r.Grid.Contains(col, row) {
		return math.NaN()
	}
	return r.Data[row*r.Grid.Width+col]
}

// Set writes the sample at (col, row). Out-of-grid writes are ignored.
func (r *Raster) Set(col, row int, v float64) {
	if !r.Grid.Contains(col, row) {
		return
	}
	r.Data[row*r.Grid.Width+col] = v
}

// MaskEqual replaces every sample equal to v with nodata.
func (r *Raster) MaskEqual(v float64) {
	for i, s := range r.Data {
		if s == v {
			r.Data[i] = math.NaN()
		}
	}
}

// Scale multiplies every valid sample by f.
func (r *Raster) Scale(f float64) {
	for i, s := range r.Data {
		if !math.IsNaN(s) {
			r.Data[i] = s * f
		}
	}
}

// Clip clamps every valid sample into [lo, hi].
func (r *Raster) Clip(lo, hi float64) {
	for i, s := range r.Data {
		if math.IsNaN(s) {
			continue
		}
		if s < lo {
			r.Data[i] = lo
		} else if s > hi {
			r.Data[i] = hi
		}
	}
}

// Stats summarises the valid samples of a raster.
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Valid int     `json:"valid"`
	Cells int     `json:"cells"`
}

// Stats computes summary statistics over valid samples. Min/Max/Mean are NaN
// when the raster holds no valid samples.
func (r *Raster) Stats() Stats {
	st := Stats{
		Min:   math.NaN(),
		Max:   math.NaN(),
		Mean:  math.NaN(),
		Cells: len(r.Data),
	}
	sum := 0.0
	for _, s := range r.Data {
		if math.IsNaN(s) {
			continue
		}
		if st.Valid == 0 {
			st.Min, st.Max = s, s
		} else {
			if s < st.Min {
				st.Min = s
			}
			if s > st.Max {
				st.Max = s
			}
		}
		st.Valid++
		sum += s
	}
	if st.Valid > 0 {
		st.Mean = sum / float64(st.Valid)
	}
	return st
}

// Clone returns a deep copy of the raster.
func (r *Raster) Clone() *Raster {
	data := make([]float64, len(r.Data))
	copy(data, r.Data)
	return &Raster{Grid: r.Grid, Data: data}
}
