package observability

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// AggregateErrors joins the non-nil errors, logs them once, and returns the
// aggregate. It returns nil when every error is nil.
func AggregateErrors(logger *zap.Logger, operation string, errs []error, fields ...zap.Field) error {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	joined := errors.Join(filtered...)
	logger.Error("operation errors", append(fields,
		zap.String("operation", operation),
		zap.Int("error_count", len(filtered)),
		zap.Error(joined),
	)...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
