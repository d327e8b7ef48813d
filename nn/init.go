package nn

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// KaimingUniform fills p with samples from U(-bound, bound) where
// bound = sqrt(3)·gain/sqrt(fanIn), gain = sqrt(2/(1+a²)) and fanIn is the
// parameter's second dimension.
func KaimingUniform(p *Parameter, a float64, src rand.Source) {
	_, fanIn := p.Dims()
	gain := math.Sqrt(2 / (1 + a*a))
	bound := math.Sqrt(3) * gain / math.Sqrt(float64(fanIn))
	Uniform(p, -bound, bound, src)
}

// Uniform fills p with samples from U(lo, hi).
func Uniform(p *Parameter, lo, hi float64, src rand.Source) {
	u := distuv.Uniform{Min: lo, Max: hi, Src: src}
	rows, cols := p.Dims()
	d := p.Data()
	for i := range rows {
		for j := range cols {
			d.Set(i, j, u.Rand())
		}
	}
	// re-apply storage rounding in one pass
	p.Set(d)
}

// Zeros clears p.
func Zeros(p *Parameter) {
	p.Data().Zero()
}

// ResetLinear applies the default linear-layer initialization: Kaiming
// uniform with a = sqrt(5) on the weight and, when present, a uniform bias
// with bound 1/sqrt(fanIn).
func ResetLinear(l *Linear, src rand.Source) {
	KaimingUniform(l.Weight, math.Sqrt(5), src)
	if l.Bias != nil {
		_, fanIn := l.Weight.Dims()
		bound := 1 / math.Sqrt(float64(fanIn))
		Uniform(l.Bias, -bound, bound, src)
	}
}
