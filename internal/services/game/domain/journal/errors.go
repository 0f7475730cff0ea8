package journal

import apperrors "github.com/louisbranch/loremaster/internal/platform/errors"

var (
	// ErrDuplicateEvent indicates an event id was already journaled.
	ErrDuplicateEvent = apperrors.New(apperrors.CodeDuplicateEvent, "event id already exists")
	// ErrRegistryRequired indicates a store was built without an event registry.
	ErrRegistryRequired = apperrors.New(apperrors.CodeValidation, "event registry is required")
)
