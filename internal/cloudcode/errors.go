package cloudcode

import "errors"

// EmptyResponseError reports that the upstream stream completed
// without producing a single content part. It is retried a bounded
// number of times, since it usually indicates a transient backend
// hiccup rather than a bad request.
type EmptyResponseError struct {
	Message string
}

func (e *EmptyResponseError) Error() string { return e.Message }

// IsEmptyResponse reports whether err is an EmptyResponseError.
func IsEmptyResponse(err error) bool {
	var e *EmptyResponseError
	return errors.As(err, &e)
}
