package checkpoints

import "errors"

var (
	// ErrNotFound is returned by Load when the checkpoint path does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a checkpoint exists but cannot be decoded
	// into epoch, best_prec1, model state and optimizer state.
	ErrCorrupt = errors.New("corrupt checkpoint")
)
