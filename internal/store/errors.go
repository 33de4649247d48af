package store

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable marks storage failures that are fatal for the
// session: durability can no longer be guaranteed, so callers must not
// silently degrade.
var ErrStorageUnavailable = errors.New("storage unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
