package saga

import apperrors "github.com/louisbranch/loremaster/internal/platform/errors"

var (
	// ErrUnknownSagaType indicates no template is registered for a saga type.
	ErrUnknownSagaType = apperrors.New(apperrors.CodeUnknownSagaType, "unknown saga type")
	// ErrSagaNotFound indicates the saga id is neither active nor archived.
	ErrSagaNotFound = apperrors.New(apperrors.CodeNotFound, "saga not found")
	// ErrSagaNotActive indicates an operation that requires an active saga.
	ErrSagaNotActive = apperrors.New(apperrors.CodeSagaNotActive, "saga is not active")
	// ErrHandlerNotFound indicates a step names a handler nobody registered.
	ErrHandlerNotFound = apperrors.New(apperrors.CodeHandlerNotFound, "saga handler not found")
	// ErrStepFailed indicates a step exhausted its retries.
	ErrStepFailed = apperrors.New(apperrors.CodeSagaStepFailure, "saga step failed")
	// ErrTemplateInvalid indicates a malformed template.
	ErrTemplateInvalid = apperrors.New(apperrors.CodeValidation, "saga template is invalid")
)
