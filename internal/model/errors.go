package model

import "errors"

// ErrorKind enumerates the stable reason prefixes recorded in ingest_errors
// and exported on the errors counter.
type ErrorKind string

const (
	ErrTopicUnrecognized ErrorKind = "topic-unrecognized"
	ErrTenantUnknown     ErrorKind = "tenant-unknown"
	ErrJSONParse         ErrorKind = "json-parse"
	ErrSchemaValidation  ErrorKind = "schema-validation"
	ErrValueOutOfRange   ErrorKind = "value-out-of-range"
	ErrTimestampSkew     ErrorKind = "timestamp-skew"
	ErrWriteRejected     ErrorKind = "write-rejected"

	// ErrQueueDrop is counted but not persisted: a message dropped at
	// at-most-once assurance carries no durable obligation.
	ErrQueueDrop ErrorKind = "queue-drop"
)

// Failure is an expected, per-message error value. Pipeline stages return it
// instead of raising; the message it describes lands in the DLQ.
type Failure struct {
	Kind   ErrorKind
	Reason string
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Reason
}

// AsFailure unwraps a Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
