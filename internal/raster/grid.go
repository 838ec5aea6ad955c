// SPDX-License-Identifier: MIT

// Package raster provides in-memory raster grids and the transformations
// needed to turn SoilGrids source data into soil-hydraulic products:
// nodata masking, scaling, clamping and grid-to-grid resampling.
package raster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Grid describes a north-up rectilinear raster grid. OriginX/OriginY are the
// outer edge of the top-left cell; rows step south, columns step east.
type Grid struct {
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
	CellX   float64 `json:"cell_x"`
	CellY   float64 `json:"cell_y"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	EPSG    int     `json:"epsg"`
}

// GridFromBounds builds a grid covering [minX,maxX] x [minY,maxY] with square
// cells of the given size. The extent is snapped outward so the grid fully
// covers the requested bounds.
func GridFromBounds(minX, minY, maxX, maxY, cellSize float64, epsg int) (Grid, error) {
	if cellSize <= 0 {
		return Grid{}, fmt.Errorf("cell size must be positive, got %g", cellSize)
	}
	if maxX <= minX || maxY <= minY {
		return Grid{}, fmt.Errorf("empty bounds [%g,%g]x[%g,%g]", minX, maxX, minY, maxY)
	}

	width := int(math.Ceil((maxX - minX) / cellSize))
	height := int(math.Ceil((maxY - minY) / cellSize))

	g := Grid{
		OriginX: minX,
		OriginY: maxY,
		CellX:   cellSize,
		CellY:   cellSize,
		Width:   width,
		Height:  height,
		EPSG:    epsg,
	}
	return g, g.Validate()
}

// Validate checks the grid for degenerate geometry.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid has empty extent: %dx%d", g.Width, g.Height)
	}
	if g.CellX <= 0 || g.CellY <= 0 {
		return fmt.Errorf("grid has non-positive cell size: %g x %g", g.CellX, g.CellY)
	}
	if math.IsNaN(g.OriginX) || math.IsNaN(g.OriginY) {
		return fmt.Errorf("grid origin is NaN")
	}
	return nil
}

// Bounds returns the outer extent (minX, minY, maxX, maxY).
func (g Grid) Bounds() (minX, minY, maxX, maxY float64) {
	minX = g.OriginX
	maxY = g.OriginY
	maxX = g.OriginX + float64(g.Width)*g.CellX
	minY = g.OriginY - float64(g.Height)*g.CellY
	return minX, minY, maxX, maxY
}

// CellCenter returns the coordinate of the center of cell (col, row).
func (g Grid) CellCenter(col, row int) (x, y float64) {
	x = g.OriginX + (float64(col)+0.5)*g.CellX
	y = g.OriginY - (float64(row)+0.5)*g.CellY
	return x, y
}

// ToCell converts a coordinate into fractional cell-center space: a result of
// (0, 0) is the center of the top-left cell.
func (g Grid) ToCell(x, y float64) (col, row float64) {
	col = (x-g.OriginX)/g.CellX - 0.5
	row = (g.OriginY-y)/g.CellY - 0.5
	return col, row
}

// Contains reports whether cell (col, row) lies within the grid.
func (g Grid) Contains(col, row int) bool {
	return col >= 0 && col < g.Width && row >= 0 && row < g.Height
}

// Cells returns the total number of cells.
func (g Grid) Cells() int {
	return g.Width * g.Height
}

// Equal reports geometric equality with a small tolerance on the float fields.
func (g Grid) Equal(other Grid) bool {
	const eps = 1e-9
	return g.Width == other.Width &&
		g.Height == other.Height &&
		g.EPSG == other.EPSG &&
		math.Abs(g.OriginX-other.OriginX) < eps &&
		math.Abs(g.OriginY-other.OriginY) < eps &&
		math.Abs(g.CellX-other.CellX) < eps &&
		math.Abs(g.CellY-other.CellY) < eps
}

// Fingerprint returns a stable hash of the grid geometry, used in cache keys.
func (g Grid) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf(
		"%.12g|%.12g|%.12g|%.12g|%d|%d|%d",
		g.OriginX, g.OriginY, g.CellX, g.CellY, g.Width, g.Height, g.EPSG,
	)))
	return hex.EncodeToString(sum[:8])
}

func (g Grid) String() string {
	return fmt.Sprintf("Grid(%dx%d, cell %gx%g, origin %g,%g, EPSG:%d)",
		g.Width, g.Height, g.CellX, g.CellY, g.OriginX, g.OriginY, g.EPSG)
}
