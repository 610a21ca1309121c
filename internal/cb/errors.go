package cb

import "errors"

var (
	ErrCapacityExceeded = errors.New("cb: local memory capacity exceeded")
	ErrBlockMisaligned  = errors.New("cb: page count not a multiple of block size")
	ErrDuplicateChannel = errors.New("cb: channel already declared on core")
	ErrInvalidBuffer    = errors.New("cb: invalid buffer")
)
