package engine

import (
	"errors"

	"github.com/almasgold/ttbroker/pkg/store"
)

// Error kinds surfaced by engine operations. Storage sentinels are aliased so
// callers only match against this package.
var (
	ErrNotFound            = store.ErrNotFound
	ErrConflict            = store.ErrConflict
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUpstream            = errors.New("upstream venue error")
	ErrInternal            = errors.New("internal error")
)
