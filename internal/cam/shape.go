package cam

import "fmt"

// Shape is the dimension sizes of a stack, e.g. [5, 2, 4].
type Shape []int

// Product returns the element count covered by the shape. The product of an
// empty shape is 1.
func (s Shape) Product() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports element-wise equality.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i, d := range s {
		if d != other[i] {
			return false
		}
	}
	return true
}

// IsSuffixOf reports whether s equals the trailing end of other.
func (s Shape) IsSuffixOf(other Shape) bool {
	if len(s) > len(other) {
		return false
	}
	return s.Equal(other[len(other)-len(s):])
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Relation classifies how the two stacks' outer shapes relate. Exactly one
// relation holds per call, resolved once from the outer-shape lengths.
type Relation int

const (
	// RelEqual: both outer shapes are identical.
	RelEqual Relation = iota
	// RelInputsSuperset: the inputs' outer shape extends the CAM's to the left.
	RelInputsSuperset
	// RelCamSuperset: the CAM's outer shape extends the inputs' to the left.
	RelCamSuperset
)

func (r Relation) String() string {
	switch r {
	case RelEqual:
		return "equal"
	case RelInputsSuperset:
		return "inputs_superset"
	case RelCamSuperset:
		return "cam_superset"
	default:
		return "unknown"
	}
}

// Analysis is the result of reconciling the two outer shapes. Sub is the
// shorter outer shape, Super the longer; each overhang is the leading part
// of its stack's outer shape not covered by Sub. At most one overhang is
// non-empty, so at most one factor exceeds 1.
type Analysis struct {
	Relation Relation

	Sub   Shape
	Super Shape

	InputsOverhang Shape
	CamOverhang    Shape

	// InputsFactor and CamFactor are the overhang products: the virtual
	// row-stretch multipliers that reduce each stack to the even layout.
	InputsFactor int
	CamFactor    int
}

// Analyze classifies the relationship between the two outer shapes and
// computes the overhangs. Pure computation; shapes must already satisfy the
// trailing-suffix rule (see CheckParams).
func Analyze(inputsOuter, camOuter Shape) Analysis {
	sub, super := inputsOuter, camOuter
	if len(camOuter) < len(inputsOuter) {
		sub, super = camOuter, inputsOuter
	}

	a := Analysis{
		Sub:            sub,
		Super:          super,
		InputsOverhang: overhang(inputsOuter, sub),
		CamOverhang:    overhang(camOuter, sub),
	}
	a.InputsFactor = a.InputsOverhang.Product()
	a.CamFactor = a.CamOverhang.Product()

	switch {
	case len(inputsOuter) == len(camOuter):
		a.Relation = RelEqual
	case len(inputsOuter) > len(camOuter):
		a.Relation = RelInputsSuperset
	default:
		a.Relation = RelCamSuperset
	}
	return a
}

// overhang truncates shape by removing its trailing len(sub) dimensions.
// With an empty sub the whole shape overhangs.
func overhang(shape, sub Shape) Shape {
	if len(sub) == 0 {
		return shape.Clone()
	}
	if len(shape) <= len(sub) {
		return Shape{}
	}
	return shape[:len(shape)-len(sub)].Clone()
}

// CheckParams validates the operands before any dispatch work. It enforces
// the trailing-suffix rule between the outer shapes, the encoding-width
// divisibility of the CAM columns, equal logical column counts, non-empty
// matrices, and the reduction-values arity.
func CheckParams(variant Variant, op Op, inputs, camStack *Stack, reductionValues []float32) error {
	if inputs.Rank() < 2 {
		return fmt.Errorf("cam: inputs must have at least 2 dimensions, got shape %v", inputs.Shape())
	}
	if camStack.Rank() < 2 {
		return fmt.Errorf("cam: cam must have at least 2 dimensions, got shape %v", camStack.Shape())
	}

	width := variant.CellEncodingWidth()
	camCols := camStack.Dim(-1)
	if camCols%width != 0 {
		return fmt.Errorf("cam: cam column count %d is not divisible by the %s encoding width %d",
			camCols, variant, width)
	}
	columns := camCols / width
	if inputs.Dim(-1) != columns {
		return fmt.Errorf("cam: inputs have %d columns, cam encodes %d", inputs.Dim(-1), columns)
	}
	if columns == 0 || inputs.Dim(-2) == 0 || camStack.Dim(-2) == 0 {
		return fmt.Errorf("cam: degenerate operand shapes inputs=%v cam=%v", inputs.Shape(), camStack.Shape())
	}

	inOuter, camOuter := inputs.OuterShape(), camStack.OuterShape()
	sub, super := inOuter, camOuter
	if len(camOuter) < len(inOuter) {
		sub, super = camOuter, inOuter
	}
	if !sub.IsSuffixOf(super) {
		return fmt.Errorf("cam: outer shapes %v and %v are not broadcastable: %v is not a trailing suffix of %v",
			inOuter, camOuter, sub, super)
	}
	for _, d := range super {
		if d == 0 {
			return fmt.Errorf("cam: outer shape %v contains a zero dimension", super)
		}
	}

	if op.IsReduction() && reductionValues != nil && len(reductionValues) != camStack.Dim(-2) {
		return fmt.Errorf("cam: %d reduction values for %d cam rows", len(reductionValues), camStack.Dim(-2))
	}
	return nil
}
