package command

import apperrors "github.com/louisbranch/loremaster/internal/platform/errors"

var (
	// ErrEnvelopeInvalid indicates a malformed envelope.
	ErrEnvelopeInvalid = apperrors.New(apperrors.CodeEnvelopeInvalid, "command envelope is invalid")
	// ErrIntentRequired indicates a missing intent.
	ErrIntentRequired = apperrors.New(apperrors.CodeEnvelopeInvalid, "command intent is required")
	// ErrIntentUnknown indicates an intent with no registered definition.
	ErrIntentUnknown = apperrors.New(apperrors.CodeValidation, "command intent is not registered")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = apperrors.New(apperrors.CodeInvalidTransition, "invalid command status transition")
	// ErrRetryExhausted indicates Retry was called when ShouldRetry is false.
	ErrRetryExhausted = apperrors.New(apperrors.CodeRetryExhausted, "command retries are exhausted")
	// ErrCorrelationInFlight indicates another envelope with the same
	// correlation id is being processed.
	ErrCorrelationInFlight = apperrors.New(apperrors.CodeCorrelationInFlight, "correlation id is already in flight")
	// ErrCommandTimeout indicates an envelope exceeded its timeout.
	ErrCommandTimeout = apperrors.New(apperrors.CodeCommandTimeout, "command timed out")
	// ErrHandlerRequired indicates Process was called without a handler.
	ErrHandlerRequired = apperrors.New(apperrors.CodeValidation, "command handler is required")
)
