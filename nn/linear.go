package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/fxmeng/pissa/dtype"
)

// Linear is a dense affine map y = x·Wᵀ + b with the weight stored [out, in].
type Linear struct {
	Weight *Parameter
	Bias   *Parameter // nil when the layer has no bias
}

func NewLinear(in, out int, bias bool, dt dtype.DType, device Device) *Linear {
	l := &Linear{Weight: NewParameter(out, in, dt, device)}
	if bias {
		l.Bias = NewParameter(1, out, dt, device)
	}
	return l
}

// Forward applies the map to x of shape [batch, in], returning [batch, out].
// Shape mismatches panic per the gonum contract.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	batch, _ := x.Dims()
	out, _ := l.Weight.Dims()

	y := mat.NewDense(batch, out, nil)
	y.Mul(x, l.Weight.Data().T())
	if l.Bias != nil {
		b := l.Bias.Data().RawRowView(0)
		for i := range batch {
			row := y.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return y
}
