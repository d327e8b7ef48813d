package quant

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// IntDType is the simulated integer dtype for fake quantization.
type IntDType int

const (
	Int8 IntDType = iota
	Int4
)

func (dt IntDType) String() string {
	switch dt {
	case Int8:
		return "int8"
	case Int4:
		return "int4"
	}
	return "unknown"
}

func (dt IntDType) bits() int {
	if dt == Int4 {
		return 4
	}
	return 8
}

// Granularity selects the scope over which one quantization range is fit.
type Granularity int

const (
	PerTensor Granularity = iota
	PerToken              // one range per row
	PerGroup              // one range per GroupSize row elements
)

func (g Granularity) String() string {
	switch g {
	case PerTensor:
		return "per-tensor"
	case PerToken:
		return "per-token"
	case PerGroup:
		return "per-group"
	}
	return "unknown"
}

// FakeQuantizeConfig describes how a tensor is fake-quantized: the integer
// dtype being simulated, the granularity of the ranges, and whether the
// mapping is symmetric around zero. GroupSize is required for PerGroup and
// must evenly divide the row length of the tensors quantized under it.
type FakeQuantizeConfig struct {
	DType       IntDType
	Granularity Granularity
	Symmetric   bool
	GroupSize   int
}

func (c *FakeQuantizeConfig) validate() error {
	if c.Granularity == PerGroup && c.GroupSize <= 0 {
		return fmt.Errorf("quant: per-group fake quantization requires a positive group size")
	}
	if c.Granularity != PerGroup && c.GroupSize != 0 {
		return fmt.Errorf("quant: group size is only valid with per-group granularity")
	}
	return nil
}

// FakeQuantizer simulates integer quantization numerics on full-precision
// storage: values are scaled, rounded, clamped to the integer range and
// scaled back. A quantizer built from a nil config is the identity.
type FakeQuantizer struct {
	cfg *FakeQuantizeConfig
}

func NewFakeQuantizer(cfg *FakeQuantizeConfig) (*FakeQuantizer, error) {
	if cfg == nil {
		return &FakeQuantizer{}, nil
	}
	c := *cfg
	// a group size with the default granularity implies per-group
	if c.GroupSize > 0 && c.Granularity == PerTensor {
		c.Granularity = PerGroup
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &FakeQuantizer{cfg: &c}, nil
}

// Forward returns the fake-quantized copy of x, or x itself for an identity
// quantizer. x is never mutated.
func (f *FakeQuantizer) Forward(x *mat.Dense) *mat.Dense {
	if f == nil || f.cfg == nil {
		return x
	}

	rows, cols := x.Dims()
	y := mat.DenseCopyOf(x)

	switch f.cfg.Granularity {
	case PerTensor:
		flat := make([]float64, 0, rows*cols)
		for i := range rows {
			flat = append(flat, y.RawRowView(i)...)
		}
		f.quantizeSlice(flat)
		for i := range rows {
			copy(y.RawRowView(i), flat[i*cols:(i+1)*cols])
		}
	case PerToken:
		for i := range rows {
			f.quantizeSlice(y.RawRowView(i))
		}
	case PerGroup:
		if cols%f.cfg.GroupSize != 0 {
			panic(fmt.Errorf("quant: row length %d not divisible by group size %d", cols, f.cfg.GroupSize))
		}
		for i := range rows {
			row := y.RawRowView(i)
			for g := 0; g < cols; g += f.cfg.GroupSize {
				f.quantizeSlice(row[g : g+f.cfg.GroupSize])
			}
		}
	}
	return y
}

// quantizeSlice fits one quantization range over vals and round-trips them
// through it in place.
func (f *FakeQuantizer) quantizeSlice(vals []float64) {
	bits := f.cfg.DType.bits()
	qmin := -float64(int(1) << (bits - 1))
	qmax := float64(int(1)<<(bits-1)) - 1

	if f.cfg.Symmetric {
		var absmax float64
		for _, v := range vals {
			if a := math.Abs(v); a > absmax {
				absmax = a
			}
		}
		if absmax == 0 {
			return
		}
		scale := absmax / qmax
		for i, v := range vals {
			q := clamp(math.Round(v/scale), qmin, qmax)
			vals[i] = q * scale
		}
		return
	}

	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	// the affine range always covers zero so that zero stays exact
	lo = math.Min(lo, 0)
	hi = math.Max(hi, 0)
	if lo == hi {
		return
	}
	scale := (hi - lo) / (qmax - qmin)
	zero := math.Round(qmin - lo/scale)
	for i, v := range vals {
		q := clamp(math.Round(v/scale)+zero, qmin, qmax)
		vals[i] = (q - zero) * scale
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
