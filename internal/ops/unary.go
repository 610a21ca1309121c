package ops

import (
	"fmt"
	"strings"

	"github.com/samcharles93/coreplan/internal/tensor"
)

// UnaryOp selects the function the element-wise compute kernel applies.
type UnaryOp int

const (
	Relu UnaryOp = iota
	Exp
	Recip
	Sqrt
	Gelu
)

// UnaryOps lists every op in define order.
var UnaryOps = []UnaryOp{Relu, Exp, Recip, Sqrt, Gelu}

func (op UnaryOp) String() string {
	switch op {
	case Relu:
		return "relu"
	case Exp:
		return "exp"
	case Recip:
		return "recip"
	case Sqrt:
		return "sqrt"
	case Gelu:
		return "gelu"
	default:
		return fmt.Sprintf("unary(%d)", int(op))
	}
}

func (op UnaryOp) MarshalText() ([]byte, error) { return []byte(op.String()), nil }

func (op *UnaryOp) UnmarshalText(b []byte) error {
	v, err := ParseUnaryOp(string(b))
	if err != nil {
		return err
	}
	*op = v
	return nil
}

func ParseUnaryOp(s string) (UnaryOp, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, op := range UnaryOps {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown unary op %q", s)
}

// Func is the host reference of op.
func (op UnaryOp) Func() func(float32) float32 {
	switch op {
	case Relu:
		return tensor.Relu
	case Exp:
		return tensor.Exp
	case Recip:
		return tensor.Recip
	case Sqrt:
		return tensor.Sqrt
	case Gelu:
		return tensor.Gelu
	default:
		return nil
	}
}
