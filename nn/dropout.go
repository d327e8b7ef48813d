package nn

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes elements with probability P during training and rescales
// the survivors by 1/(1-P), so the expected activation is unchanged. P of
// zero, or evaluation mode, is a pass-through that returns x itself.
type Dropout struct {
	P   float64
	rng *rand.Rand
}

func NewDropout(p float64, src rand.Source) *Dropout {
	return &Dropout{P: p, rng: rand.New(src)}
}

func (d *Dropout) Forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.P == 0 {
		return x
	}
	keep := 1 / (1 - d.P)
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		if d.rng.Float64() < d.P {
			return 0
		}
		return v * keep
	}, x)
	return &y
}
