package device

import "fmt"

// DType identifies the declared element type of a tensor. Host backends may
// store elements in a wider representation; the dtype governs device transfer
// and wire encoding.
type DType int

const (
	Float16 DType = iota
	Float32
	Float64
	Complex64
	Complex128
)

// Size returns the byte size of one element.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	case Complex64:
		return 8
	case Complex128:
		return 16
	default:
		return 4
	}
}

// IsComplex reports whether the dtype has complex-valued elements.
func (d DType) IsComplex() bool {
	return d == Complex64 || d == Complex128
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Complex64:
		return "complex64"
	case Complex128:
		return "complex128"
	default:
		return "unknown"
	}
}

// ParseDType parses the wire name of a dtype.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float16", "f16":
		return Float16, nil
	case "float32", "f32":
		return Float32, nil
	case "float64", "f64":
		return Float64, nil
	case "complex64", "c64":
		return Complex64, nil
	case "complex128", "c128":
		return Complex128, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", s)
	}
}

// rank orders dtypes for promotion. Complex always outranks real.
func (d DType) rank() int {
	switch d {
	case Float16:
		return 0
	case Float32:
		return 1
	case Float64:
		return 2
	case Complex64:
		return 3
	case Complex128:
		return 4
	}
	return 0
}

// Promote returns the result dtype of an operation combining a and b,
// following the usual widening rules (complex wins over real, wider wins
// over narrower).
func Promote(a, b DType) DType {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}
