package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the failures of a multi-step operation, logs them
// once and returns nil when every step succeeded.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	joined := errors.Join(errList...)
	if joined == nil {
		return nil
	}
	failures := 0
	for _, err := range errList {
		if err != nil {
			failures++
		}
	}
	logFields := make([]Field, 0, len(fields)+2)
	logFields = append(logFields, fields...)
	logFields = append(logFields, F("failures", failures), Err(joined))
	Log().Error(operation+" failed", logFields...)
	return fmt.Errorf("%s: %w", operation, joined)
}
