package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

var (
	transient = ErrorClassification{Retryable: true, RecordFailure: true}
	permanent = ErrorClassification{RecordFailure: true}
)

// RetryOn builds a classifier for a client whose transient failures are
// known sentinel errors. Anything else fails at once and counts against the
// breaker.
func RetryOn(retryable ...error) ErrorClassifier {
	return func(err error) ErrorClassification {
		if c, ok := classifyControl(err); ok {
			return c
		}
		for _, target := range retryable {
			if errors.Is(err, target) {
				return transient
			}
		}
		return permanent
	}
}

// MarkTemporary tags err with domain.ErrTemporary when classify would have
// retried it.
func MarkTemporary(operation string, err error, classify ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classify(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

// classifyControl covers cancellation, which neither retries nor trips the
// breaker, and open circuits, which retry.
func classifyControl(err error) (ErrorClassification, bool) {
	switch {
	case err == nil:
		return ErrorClassification{}, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{}, true
	case IsCircuitOpen(err):
		return transient, true
	}
	return ErrorClassification{}, false
}
