package program

import "errors"

var (
	ErrPrecondition   = errors.New("program: precondition failed")
	ErrOutOfOrder     = errors.New("program: host step out of order")
	ErrIncompleteCore = errors.New("program: core missing a kernel")
)
