package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrEmbeddingModel = errors.New("embedding model failure")
	ErrRerankModel    = errors.New("rerank model failure")
	ErrStore          = errors.New("index store failure")
	ErrTemporary      = errors.New("temporary failure")
	ErrTimeout        = errors.New("deadline exceeded")
	ErrSyncInProgress = errors.New("sync already in progress")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
