// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the request conflicts with the entity's current state,
// for example retrying a task that is still running.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates the request is malformed. Wrap it with a message:
//
//	fmt.Errorf("%w: scripts must not be empty", domain.ErrValidation)
var ErrValidation = errors.New("validation failed")
