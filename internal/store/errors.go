package store

import "errors"

var (
	// ErrNotFound is returned when a (owner, name) key has no instance.
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyExists is returned when creating an instance whose name is
	// already taken by the same owner.
	ErrAlreadyExists = errors.New("instance already exists")
	// ErrConflict is returned by Mutate when the supplied mutation function
	// returns it to signal the caller's preconditions no longer hold
	// (e.g. status changed between read and write).
	ErrConflict = errors.New("state conflict")
)
