package api

import (
	"errors"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/program"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/samcharles93/coreplan/internal/workdist"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// planRejected reports whether err means the request asked for a plan that
// cannot exist, as opposed to a server failure.
func planRejected(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		ops.ErrShape,
		ops.ErrFormat,
		workdist.ErrPrecondition,
		cb.ErrCapacityExceeded,
		cb.ErrBlockMisaligned,
		cb.ErrInvalidBuffer,
		program.ErrPrecondition,
		topology.ErrNotWorker,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
