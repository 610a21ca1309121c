package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/topology"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

// writePlanError maps a builder failure to 422 when the plan itself is
// impossible and to 500 otherwise.
func writePlanError(c *echo.Context, err error) error {
	if planRejected(err) {
		return writeError(c, http.StatusUnprocessableEntity, "plan_error", err.Error(), "", "")
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// plannedTensor binds a tensor spec to a buffer placed on t's DRAM banks.
func plannedTensor(t *topology.Topology, spec TensorSpec, param string) (ops.Tensor, error) {
	if err := spec.Shape.Validate(); err != nil {
		return ops.Tensor{}, newInvalidRequest(fmt.Sprintf("%s: %v", param, err))
	}
	format, err := spec.format()
	if err != nil {
		return ops.Tensor{}, newInvalidRequest(fmt.Sprintf("%s: %v", param, err))
	}
	buf := ops.PlanBuffer(t, spec.Address, spec.Shape.Tiles(), format.TileSize())
	return ops.Tensor{Shape: spec.Shape, Format: format, Buffer: buf}, nil
}

// outputSpec is in with its buffer moved to addr, or placed right after in
// when addr is nil.
func outputSpec(in TensorSpec, addr *uint32) TensorSpec {
	out := in
	if addr != nil {
		out.Address = *addr
		return out
	}
	format, err := in.format()
	if err != nil {
		return out
	}
	out.Address = in.Address + uint32(in.Shape.Tiles()*format.TileSize())
	return out
}
