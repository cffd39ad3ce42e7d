package cam

import "fmt"

// Variant selects the analog model of the CAM cells, which determines how
// many physical values encode one logical column.
type Variant int

const (
	// VariantTCAM stores one value per cell. A NaN cell matches anything.
	VariantTCAM Variant = iota
	// VariantACAM stores an interleaved (low, high) bound pair per cell.
	// A NaN bound leaves that side of the range open.
	VariantACAM
)

// CellEncodingWidth returns the number of physical CAM values per logical column.
func (v Variant) CellEncodingWidth() int {
	switch v {
	case VariantTCAM:
		return 1
	case VariantACAM:
		return 2
	default:
		panic(fmt.Sprintf("cam: unknown variant %d", int(v)))
	}
}

func (v Variant) String() string {
	switch v {
	case VariantTCAM:
		return "tcam"
	case VariantACAM:
		return "acam"
	default:
		return "unknown"
	}
}

// Op is the operation evaluated for every (input row, CAM row) pair.
type Op int

const (
	// OpMatch writes 1 where an input row matches a CAM row, 0 elsewhere.
	OpMatch Op = iota
	// OpCountMismatches writes the number of mismatching columns per pair.
	OpCountMismatches
	// OpReduceSum sums, per input row, the reduction values of all matching
	// CAM rows. It requires a reduction-values vector.
	OpReduceSum
)

// IsReduction reports whether the op collapses the CAM-row axis.
func (o Op) IsReduction() bool {
	return o == OpReduceSum
}

func (o Op) String() string {
	switch o {
	case OpMatch:
		return "match"
	case OpCountMismatches:
		return "count_mismatches"
	case OpReduceSum:
		return "reduce_sum"
	default:
		return "unknown"
	}
}

// DType is the element type of a stack buffer.
type DType uint8

const (
	Float32 DType = iota
	Int32
	Uint8
)

// Size returns the byte size of one element of this type.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Uint8:
		return 1
	default:
		return 4 // fallback
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	default:
		return "unknown"
	}
}
