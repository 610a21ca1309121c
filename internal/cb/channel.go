package cb

import (
	"fmt"
	"strings"
)

// Channel is a circular buffer id. The id is how the three kernels on a core
// refer to the same buffer, so the namespace is fixed.
type Channel uint8

const (
	In0 Channel = iota
	In1
	In2
	In3
	In4
	In5
	In6
	In7
)

const (
	Out0 Channel = iota + 16
	Out1
	Out2
	Out3
	Out4
	Out5
	Out6
	Out7
	Intermed0
	Intermed1
	Intermed2
	Intermed3
	Intermed4
	Intermed5
	Intermed6
	Intermed7
)

// NumChannels is the size of the channel namespace.
const NumChannels = 32

func (c Channel) IsInput() bool        { return c <= In7 }
func (c Channel) IsOutput() bool       { return c >= Out0 && c <= Out7 }
func (c Channel) IsIntermediate() bool { return c >= Intermed0 && c <= Intermed7 }

// Valid reports whether c falls in one of the three ranges. Ids 8-15 are
// unassigned.
func (c Channel) Valid() bool {
	return c.IsInput() || c.IsOutput() || c.IsIntermediate()
}

func (c Channel) String() string {
	switch {
	case c.IsInput():
		return fmt.Sprintf("in%d", c)
	case c.IsOutput():
		return fmt.Sprintf("out%d", c-Out0)
	case c.IsIntermediate():
		return fmt.Sprintf("intermed%d", c-Intermed0)
	default:
		return fmt.Sprintf("cb%d", uint8(c))
	}
}

// DataFormat is the element encoding of a tile.
type DataFormat int

const (
	FormatInvalid DataFormat = iota
	Float32
	Float16
	Float16B
	Bfp8B
	UInt32
)

// TileSize is the size in bytes of one 32x32 tile.
func (f DataFormat) TileSize() int {
	switch f {
	case Float32, UInt32:
		return 4096
	case Float16, Float16B:
		return 2048
	case Bfp8B:
		// 1024 mantissa bytes plus 64 shared exponents.
		return 1088
	default:
		return 0
	}
}

func (f DataFormat) String() string {
	switch f {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	case Float16B:
		return "Float16_b"
	case Bfp8B:
		return "Bfp8_b"
	case UInt32:
		return "UInt32"
	default:
		return "Invalid"
	}
}

func ParseDataFormat(s string) (DataFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "fp32":
		return Float32, nil
	case "float16", "fp16":
		return Float16, nil
	case "float16_b", "bfloat16", "bf16":
		return Float16B, nil
	case "bfp8_b", "bfp8":
		return Bfp8B, nil
	case "uint32":
		return UInt32, nil
	default:
		return FormatInvalid, fmt.Errorf("unknown data format %q", s)
	}
}

func (f DataFormat) MarshalText() ([]byte, error) { return []byte(f.String()), nil }
