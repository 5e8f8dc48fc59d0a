// package errors contains domain errors that different layers can use to add
// meaning to an error and that the handler layer can transform to a status
// code or retry policy. This is implemented as a separate package in order to
// avoid cycle import errors.
package errors

import (
	"fmt"

	"github.com/docstream/ingest-backend/pkg/errmsg"
)

// The following errors serve as domain errors that can be used by the
// different layers. The handler middleware intercepts these and converts them
// to the relevant HTTP codes; activities map them to a retryable or terminal
// classification.
var (
	// ErrInvalidArgument is used when the provided argument is incorrect
	// (e.g. empty filename, non-positive part number).
	ErrInvalidArgument = fmt.Errorf("invalid")
	// ErrNotFound is used when a resource doesn't exist.
	ErrNotFound = fmt.Errorf("not found")
	// ErrAlreadyExists is used when a resource can't be created because it
	// already exists.
	ErrAlreadyExists = errmsg.AddMessage(fmt.Errorf("resource already exists"), "Resource already exists.")
	// ErrSessionClosed is used when a mutation targets a session that has
	// already reached a terminal state.
	ErrSessionClosed = errmsg.AddMessage(fmt.Errorf("session closed"), "Upload session is already closed.")
	// ErrPartTooSmall is used when a non-final part is below the multipart
	// size floor.
	ErrPartTooSmall = errmsg.AddMessage(fmt.Errorf("part too small"), "Every part except the last must meet the minimum part size.")
	// ErrIncompleteUpload is used when completion is requested with gaps in
	// the part numbering.
	ErrIncompleteUpload = errmsg.AddMessage(fmt.Errorf("incomplete upload"), "Upload is missing parts.")
	// ErrCapacityExceeded is used when a declared or actual payload exceeds
	// the configured maximum.
	ErrCapacityExceeded = errmsg.AddMessage(fmt.Errorf("capacity exceeded"), "Payload exceeds the maximum allowed size.")
	// ErrUnsupportedFormat is used when a document's content can't be
	// extracted. Terminal, never retried.
	ErrUnsupportedFormat = errmsg.AddMessage(fmt.Errorf("unsupported format"), "Document format isn't supported.")
	// ErrDimensionalityMismatch is used when the embedding provider returns
	// vectors of an unexpected length. Terminal.
	ErrDimensionalityMismatch = fmt.Errorf("embedding dimensionality mismatch")
	// ErrRateLimiting is used when the rate limit of an upstream provider is
	// exceeded. Retryable.
	ErrRateLimiting = fmt.Errorf("rate limit exceeded")
	// ErrStateMismatch is used when a state transition would violate the
	// monotonic lifecycle of a session or document.
	ErrStateMismatch = fmt.Errorf("state mismatch")
	// ErrInvariantViolation marks a defect, e.g. a duplicate sequence index
	// detected at storage time. The pipeline halts for that document.
	ErrInvariantViolation = fmt.Errorf("invariant violation")
)
