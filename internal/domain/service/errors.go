package service

import (
	"errors"
	"fmt"
)

// ValidationKind names which validation stage produced a ValidationError.
type ValidationKind string

const (
	ValidationJSONParse    ValidationKind = "JSONParseError"
	ValidationSchema       ValidationKind = "SchemaValidationError"
	ValidationBusinessRule ValidationKind = "BusinessRuleViolation"
)

// ValidationError is raised by stages 1-3 of the validation pipeline. It is
// the only error kind the Retry Engine treats as retryable.
type ValidationError struct {
	Kind    ValidationKind
	Message string
	Details map[string]interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsValidationError extracts a ValidationError from err, if any.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// GatewayKind names a failure mode of the LLM Gateway.
type GatewayKind string

const (
	GatewayConnection        GatewayKind = "GatewayConnection"
	GatewayTimeout           GatewayKind = "GatewayTimeout"
	GatewayModelNotAvailable GatewayKind = "ModelNotAvailable"
	GatewayGeneration        GatewayKind = "GatewayGeneration"
)

// GatewayError is raised by the LLM Gateway for failures that are not
// validation failures: connection problems, timeouts, an unavailable model,
// or a server-side generation failure. The Retry Engine never treats these
// as retryable at the ladder level (they either already survived the
// gateway's own internal retries, or they short-circuit one entry of the
// fallback state).
type GatewayError struct {
	Kind    GatewayKind
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// AsGatewayError extracts a GatewayError from err, if any.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsModelNotAvailable reports whether err is a GatewayError of kind
// ModelNotAvailable.
func IsModelNotAvailable(err error) bool {
	ge, ok := AsGatewayError(err)
	return ok && ge.Kind == GatewayModelNotAvailable
}

// RetryExhausted is terminal: the ladder ran out of strategies without
// producing a valid response. It carries only the last validation error; the
// request and the RetryMetadata needed for a DLQEntry are not part of it
// (RetryEngine.Run returns the metadata alongside it).
type RetryExhausted struct {
	LastValidationError *ValidationError
}

func (e *RetryExhausted) Error() string {
	if e.LastValidationError != nil {
		return fmt.Sprintf("retry ladder exhausted: last failure %s", e.LastValidationError.Error())
	}
	return "retry ladder exhausted"
}

func (e *RetryExhausted) Unwrap() error {
	if e.LastValidationError == nil {
		return nil
	}
	return e.LastValidationError
}

// IsRetryExhausted reports whether err is a RetryExhausted.
func IsRetryExhausted(err error) bool {
	var re *RetryExhausted
	return errors.As(err, &re)
}

// ErrCancelled is returned when a caller-supplied context is cancelled or
// deadline-exceeded mid-ladder. No result is persisted on this path.
var ErrCancelled = errors.New("triage: cancelled")
