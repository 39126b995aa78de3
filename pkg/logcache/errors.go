package logcache

import (
	"fmt"

	"github.com/jmgilman/go/errors"
)

// ValidationError reports bad caller input: a job id, file name or pattern.
// It is returned before the store or the fetcher is touched.
type ValidationError struct {
	Field string
	Err   error
}

func newValidationError(field string, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Field: field,
		Err: errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, format, args...),
			"field", field,
		),
	}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed remote call. The wrapped error carries an
// error code from the fetcher, which NotFound and Retryable interpret.
type FetchError struct {
	Kind     Kind
	JobID    int64
	Filename string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Filename != "" {
		return fmt.Sprintf("fetch %s for job %d file %q: %v", e.Kind, e.JobID, e.Filename, e.Err)
	}
	return fmt.Sprintf("fetch %s for job %d: %v", e.Kind, e.JobID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Code returns the error code reported by the fetcher, CodeUnknown if none.
func (e *FetchError) Code() errors.ErrorCode {
	return errors.GetCode(e.Err)
}

// NotFound reports whether the remote service said the job or file does not
// exist.
func (e *FetchError) NotFound() bool {
	return e.Code() == errors.CodeNotFound
}

// Retryable reports whether the failure looks transient (network, timeout,
// unavailable, rate limit).
func (e *FetchError) Retryable() bool {
	return errors.IsRetryable(e.Err)
}
