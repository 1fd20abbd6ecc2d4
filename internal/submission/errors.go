package submission

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration   = errors.New("submission: store not configured")
	ErrValidation      = errors.New("submission: invalid payload")
	ErrTableResolution = errors.New("submission: master table not found")
	ErrAppend          = errors.New("submission: append failed")
)

// ConfigurationError means no allocation was attempted.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) == 0 {
		return ErrConfiguration.Error()
	}
	return fmt.Sprintf("%s: missing %s", ErrConfiguration.Error(), strings.Join(e.Missing, ", "))
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("submission: %s", e.Message)
	}
	return fmt.Sprintf("submission: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type TableResolutionError struct {
	Mode    string
	Aliases []string
	Err     error
}

func (e *TableResolutionError) Error() string {
	msg := fmt.Sprintf("submission: no master table for mode %q (tried %s)", e.Mode, strings.Join(e.Aliases, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TableResolutionError) Is(target error) bool { return target == ErrTableResolution }

func (e *TableResolutionError) Unwrap() error { return e.Err }

// AppendError is a rejected master append. The identifier it names was
// computed but never recorded.
type AppendError struct {
	Table    string
	RecordID string
	Err      error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("submission: append %s to %q: %v", e.RecordID, e.Table, e.Err)
}

func (e *AppendError) Is(target error) bool { return target == ErrAppend }

func (e *AppendError) Unwrap() error { return e.Err }
