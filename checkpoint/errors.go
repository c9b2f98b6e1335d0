package checkpoint

import "errors"

// ErrInvalidInput is returned when an operation is given a source or
// direction outside the allowed enumerations.
var ErrInvalidInput = errors.New("checkpoint: invalid input")
