package errors

import "net/http"

// Code identifies an error class. Codes partition the failure taxonomy of
// the packet pipeline: authentication failures and malformed frames are
// routine noise, precondition violations indicate firmware or protocol bugs,
// and not-found errors surface from identity lookups.
type Code string

const (
	// CodeUnknown is an unclassified internal failure.
	CodeUnknown Code = "UNKNOWN"
	// CodeUnauthenticated is a missing or invalid frame signature.
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	// CodeInvalidArgument is malformed input, such as a truncated frame.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeFailedPrecondition is a protocol-level invariant violation, such
	// as a two-badge frame naming the same user twice.
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	// CodeNotFound is a missing user, station, or record.
	CodeNotFound Code = "NOT_FOUND"
	// CodePermissionDenied is a rejected bearer credential.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeAlreadyExists is a uniqueness conflict, such as relinking a badge.
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	// CodeInternal is a dependency failure (storage, crypto randomness).
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps the code to an HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeFailedPrecondition:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
