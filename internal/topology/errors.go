package topology

import "errors"

var (
	ErrNotWorker         = errors.New("not a worker core")
	ErrOutOfGrid         = errors.New("coordinate outside the worker grid")
	ErrInvalidDescriptor = errors.New("invalid device descriptor")
	ErrNoDRAM            = errors.New("no dram channels detected")
)
