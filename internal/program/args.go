package program

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// ArgKind tags how a runtime argument word should be read back.
type ArgKind uint8

const (
	KindU32 ArgKind = iota
	KindI32
	KindF32
)

func (k ArgKind) String() string {
	switch k {
	case KindU32:
		return "u32"
	case KindI32:
		return "i32"
	case KindF32:
		return "f32"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Arg is one 32-bit runtime argument. Every kind travels as its raw bit
// pattern, so a float constant reaches the core exactly as the host held it.
type Arg struct {
	kind ArgKind
	bits uint32
}

func U32(v uint32) Arg { return Arg{kind: KindU32, bits: v} }

func I32(v int32) Arg { return Arg{kind: KindI32, bits: uint32(v)} }

func F32(v float32) Arg { return Arg{kind: KindF32, bits: math.Float32bits(v)} }

// Addr is U32 for a device address.
func Addr(a uint32) Arg { return U32(a) }

// Count is U32 for a non-negative host int.
func Count(n int) Arg { return U32(uint32(n)) }

func (a Arg) Kind() ArgKind { return a.kind }

// Word is the bit pattern written to the core.
func (a Arg) Word() uint32 { return a.bits }

func (a Arg) Int() int32 { return int32(a.bits) }

func (a Arg) Float() float32 { return math.Float32frombits(a.bits) }

func (a Arg) String() string {
	switch a.kind {
	case KindI32:
		return fmt.Sprintf("%d", a.Int())
	case KindF32:
		return fmt.Sprintf("%g(%#08x)", a.Float(), a.bits)
	default:
		return fmt.Sprintf("%d", a.bits)
	}
}

type argJSON struct {
	Kind  string `json:"kind"`
	Bits  uint32 `json:"bits"`
	Value any    `json:"value"`
}

func (a Arg) MarshalJSON() ([]byte, error) {
	out := argJSON{Kind: a.kind.String(), Bits: a.bits}
	switch a.kind {
	case KindI32:
		out.Value = a.Int()
	case KindF32:
		// JSON has no NaN or infinity; those print as their strconv text and
		// bits keeps the exact pattern.
		f := a.Float()
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			out.Value = fmt.Sprint(f)
		} else {
			out.Value = f
		}
	default:
		out.Value = a.bits
	}
	return json.Marshal(out)
}

// Words returns the bit patterns of args.
func Words(args []Arg) []uint32 {
	out := make([]uint32, len(args))
	for i, a := range args {
		out[i] = a.bits
	}
	return out
}

// EncodeArgs lays args out as consecutive little-endian words, the layout
// the core's argument mailbox expects.
func EncodeArgs(args []Arg) []byte {
	out := make([]byte, 4*len(args))
	for i, a := range args {
		binary.LittleEndian.PutUint32(out[4*i:], a.bits)
	}
	return out
}

// DecodeArgs is the device-side view of an encoded argument block.
func DecodeArgs(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: argument block of %d bytes is not word aligned", ErrPrecondition, len(b))
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out, nil
}
