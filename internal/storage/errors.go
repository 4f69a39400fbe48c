package storage

import "errors"

// ErrNotFound is returned by Load when no token has been persisted.
var ErrNotFound = errors.New("no persisted token")
