package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a create collides with an existing entity.
var ErrConflict = errors.New("storage: conflict")

// ErrUnsupported is returned by backends that lack an optional capability.
var ErrUnsupported = errors.New("storage: unsupported by backend")
