// Package dtype models reduced-precision storage formats for weights. All
// arithmetic in this module happens at full precision; a parameter's dtype
// only determines what survives a write to its storage.
package dtype

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (dt DType) String() string {
	switch dt {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	}
	return "unknown"
}

// Round returns x as it would read back after a round trip through the
// storage representation of dt.
func Round(x float64, dt DType) float64 {
	switch dt {
	case F16:
		return float64(float16.Fromfloat32(float32(x)).Float32())
	case BF16:
		return float64(bfloat16.ToFloat32(bfloat16.FromFloat32(float32(x))))
	default:
		return float64(float32(x))
	}
}

// RoundDense rounds every element of m through dt in place.
func RoundDense(m *mat.Dense, dt DType) {
	m.Apply(func(_, _ int, v float64) float64 {
		return Round(v, dt)
	}, m)
}
