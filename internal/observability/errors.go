package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors, logs one structured entry listing
// them, and returns the joined error. It returns nil when every error is nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	entry := make([]Field, 0, len(fields)+3)
	entry = append(entry, fields...)
	entry = append(entry,
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", messages),
	)
	Log().Error("operation errors", entry...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failed...))
}
