// Package errors provides structured error handling for the game-state engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeValidation          Code = "VALIDATION"
	CodeEventTypeUnknown    Code = "EVENT_TYPE_UNKNOWN"
	CodeEventPayloadInvalid Code = "EVENT_PAYLOAD_INVALID"
	CodeEnvelopeInvalid     Code = "ENVELOPE_INVALID"

	// Journal errors
	CodeDuplicateEvent Code = "DUPLICATE_EVENT"
	CodePersistence    Code = "PERSISTENCE"

	// Projection errors
	CodeProjection Code = "PROJECTION"

	// Command errors
	CodeCommandTimeout      Code = "COMMAND_TIMEOUT"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeCorrelationInFlight Code = "CORRELATION_IN_FLIGHT"
	CodeRetryExhausted      Code = "RETRY_EXHAUSTED"

	// Saga errors
	CodeUnknownSagaType  Code = "UNKNOWN_SAGA_TYPE"
	CodeSagaStepFailure  Code = "SAGA_STEP_FAILURE"
	CodeSagaNotActive    Code = "SAGA_NOT_ACTIVE"
	CodeHandlerNotFound  Code = "HANDLER_NOT_FOUND"
	CodeCompensationFail Code = "COMPENSATION_FAILURE"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeValidation,
		CodeEventTypeUnknown,
		CodeEventPayloadInvalid,
		CodeEnvelopeInvalid,
		CodeUnknownSagaType:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeInvalidTransition,
		CodeSagaNotActive,
		CodeRetryExhausted:
		return codes.FailedPrecondition

	case CodeDuplicateEvent:
		return codes.AlreadyExists

	case CodeCorrelationInFlight:
		return codes.Aborted

	case CodeCommandTimeout:
		return codes.DeadlineExceeded

	case CodeNotFound,
		CodeHandlerNotFound:
		return codes.NotFound

	case CodePersistence:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
