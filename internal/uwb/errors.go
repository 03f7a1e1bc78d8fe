package uwb

import "errors"

var (
	// ErrParse marks a malformed ingestion payload. The report is dropped.
	ErrParse = errors.New("parse error")
	// ErrInvalidRangingSample marks a single out-of-bounds range entry.
	ErrInvalidRangingSample = errors.New("invalid ranging sample")
	// ErrSingularGeometry marks a degenerate anchor layout during frame construction.
	ErrSingularGeometry = errors.New("singular anchor geometry")
	// ErrInsufficientAnchors marks fewer than MinAnchors usable references.
	ErrInsufficientAnchors = errors.New("insufficient anchors")
	// ErrPoorGeometry is advisory and never blocks initialization.
	ErrPoorGeometry = errors.New("poor anchor geometry")
	// ErrNonPositiveDistance marks an inter-anchor distance <= 0.
	ErrNonPositiveDistance = errors.New("non-positive anchor distance")
)
