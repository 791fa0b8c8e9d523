package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a referenced prediction, feedback record
	// or model version does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoModelTrained is returned by prediction before any model exists.
	ErrNoModelTrained = errors.New("no trained model available")

	// ErrNoData is returned when a retrain has no prior training set to
	// merge feedback into.
	ErrNoData = errors.New("no training data available: upload a labeled dataset first")

	// ErrRetrainTimeout is returned when classifier training exceeds its
	// time box. Nothing is committed.
	ErrRetrainTimeout = errors.New("retrain timed out before the model was registered")
)

// ValidationError describes malformed, user-correctable input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError wraps a persistence failure that survived retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PartialRetrainError reports that a new version was registered but its
// consumed feedback could not be marked processed. The listed feedback must
// be reconciled against VersionID before the next retrain consumes it.
type PartialRetrainError struct {
	VersionID   int64
	FeedbackIDs []string
	Err         error
}

func (e *PartialRetrainError) Error() string {
	return fmt.Sprintf("model version %d registered but %d feedback records were not marked processed (%s): %v",
		e.VersionID, len(e.FeedbackIDs), strings.Join(e.FeedbackIDs, ","), e.Err)
}

func (e *PartialRetrainError) Unwrap() error { return e.Err }
