package eventstore

import (
	"git.home.luguber.info/inful/devloop/internal/foundation/errors"
)

var (
	// ErrDatabaseOpenFailed indicates the SQLite database could not be opened.
	ErrDatabaseOpenFailed = errors.NewError(errors.CategoryRuntime, "could not open history database").Build()

	// ErrInitializeSchemaFailed indicates the database schema could not be initialized.
	ErrInitializeSchemaFailed = errors.NewError(errors.CategoryRuntime, "failed to initialize history schema").Build()

	// ErrEventAppendFailed indicates appending an event failed.
	ErrEventAppendFailed = errors.NewError(errors.CategoryRuntime, "failed to append event to history").Build()

	// ErrEventQueryFailed indicates querying the history failed.
	ErrEventQueryFailed = errors.NewError(errors.CategoryRuntime, "failed to query history").Build()
)

func wrap(sentinel *errors.ClassifiedError, cause error) error {
	return errors.WrapError(cause, sentinel.Category(), sentinel.Message()).Build()
}
