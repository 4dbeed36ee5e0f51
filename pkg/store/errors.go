package store

import "errors"

// Sentinel errors for store operations. A missing project is not an error:
// read operations report it through a boolean or an empty result.
var (
	ErrAlreadyExists = errors.New("project already exists")
	ErrValidation    = errors.New("invalid request")
	ErrCorrupt       = errors.New("corrupt project sidecar")
)
