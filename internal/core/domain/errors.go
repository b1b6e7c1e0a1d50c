package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")
	ErrRecordNotFound   = errors.New("record not found")
	ErrNamespaceUnknown = errors.New("unknown namespace")
	ErrJobNotFound      = errors.New("indexing job not found")

	ErrEmbedding        = errors.New("embedding failure")
	ErrVectorIndex      = errors.New("vector index failure")
	ErrKeywordQuery     = errors.New("keyword query failure")
	ErrIndexingJob      = errors.New("indexing job failure")
	ErrGeneration       = errors.New("generation failure")
	ErrCacheMiss        = errors.New("cache miss")
	ErrCacheUnavailable = errors.New("cache unavailable")
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
