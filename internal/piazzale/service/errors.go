package service

import (
	"errors"
	"fmt"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
)

// Handlers map these to HTTP status codes. Everything else is a 500.
var (
	ErrValidation       = errors.New("invalid request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrInvalidIndex     = errors.New("invalid index")
	ErrConflict         = errors.New("conflicting update")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// storeErr translates persistence errors into service errors.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	case errors.Is(err, models.ErrMalformedCards):
		return fmt.Errorf("%s: %w: %v", op, ErrValidation, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
