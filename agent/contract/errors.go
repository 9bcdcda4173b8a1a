package contract

import "errors"

var (
	ErrModelInvoke    = errors.New("model invoke failed")
	ErrNoInstructions = errors.New("model produced no instruction blocks")
	ErrNotFound       = errors.New("not found")
)
