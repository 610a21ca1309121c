package sim

import "errors"

var (
	ErrUnknownKernel     = errors.New("sim: no kernel registered for source")
	ErrNotCompiled       = errors.New("sim: kernel binary not compiled")
	ErrNotConfigured     = errors.New("sim: program not configured on device")
	ErrTopologyMismatch  = errors.New("sim: program built for another topology")
	ErrOutOfDRAM         = errors.New("sim: dram exhausted")
	ErrBufferSize        = errors.New("sim: buffer size mismatch")
	ErrTooManyArgs       = errors.New("sim: runtime args exceed mailbox")
	ErrUnsupportedFormat = errors.New("sim: unsupported data format")
)

// errAborted unwinds engines blocked on a launch that already failed.
var errAborted = errors.New("sim: launch aborted")
