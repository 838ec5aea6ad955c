// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"

	// Raster fields
	FieldProduct    = "product"
	FieldGrid       = "grid"
	FieldResampling = "resampling"

	// Path / URL fields
	FieldPath      = "path"
	FieldURL       = "url"
	FieldFinalPath = "final_path"

	// Transfer fields
	FieldBytes    = "bytes"
	FieldDuration = "duration"
)
