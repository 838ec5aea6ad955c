// SPDX-License-Identifier: MIT

// Package soilgrids derives field capacity and wilting point rasters
// from the SoilGrids water-content layers published on Zenodo.
//
// Both layers store volumetric water content as uint8 percent with 255
// as nodata. Deriving a product means masking 255, dividing by 100 and
// clipping to [0, 1], then resampling onto the requested grid.
package soilgrids

import (
	"errors"
	"fmt"
	"net/url"
	"path"
)

// Product identifies one of the derived soil water rasters.
type Product string

const (
	// FieldCapacity is the water content at 33 kPa suction.
	FieldCapacity Product = "field_capacity"
	// WiltingPoint is the water content at 1500 kPa suction.
	WiltingPoint Product = "wilting_point"
)

// ErrUnknownProduct is returned for product names outside the catalog.
var ErrUnknownProduct = errors.New("unknown product")

// Products lists every known product in a stable order.
func Products() []Product {
	return []Product{FieldCapacity, WiltingPoint}
}

// ParseProduct validates a product name from the API or CLI.
func ParseProduct(s string) (Product, error) {
	switch Product(s) {
	case FieldCapacity, WiltingPoint:
		return Product(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProduct, s)
	}
}

// spec holds the per-product processing parameters. Both layers share
// the same encoding.
type spec struct {
	url       string
	maskValue float64
	scale     float64
	clipMin   float64
	clipMax   float64
}

// sourceFilename derives the local filename from the last path segment
// of the source URL.
func sourceFilename(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("source URL %q has no filename", rawURL)
	}
	return name, nil
}
