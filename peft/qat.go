package peft

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/fxmeng/pissa/quant"
)

// QATPiSSALinear is a PiSSA linear layer with quantization-aware training
// applied to the activations and/or the weight of the base transform. Fake
// quantization simulates the quantization numerics during training without
// actually storing the data at lower precision, so the final quantized
// accuracy improves while training stays full precision.
//
// The adapter branch is never quantized, and it consumes the raw input, not
// the fake-quantized one. The base is always bias-free and unquantized in
// this variant.
//
// Example:
//
//	actCfg := &quant.FakeQuantizeConfig{
//		DType:       quant.Int8,
//		Granularity: quant.PerToken,
//	}
//	wCfg := &quant.FakeQuantizeConfig{
//		DType:     quant.Int4,
//		GroupSize: 8,
//		Symmetric: true,
//	}
//	l, err := peft.NewQAT(512, 1024, 8, 16, 0, actCfg, wCfg)
type QATPiSSALinear struct {
	*PiSSALinear

	activationFakeQuantizer *quant.FakeQuantizer
	weightFakeQuantizer     *quant.FakeQuantizer
}

// NewQAT builds a quantization-aware PiSSA layer. A nil config leaves the
// corresponding tensor un-quantized. When the weight config carries a group
// size, inDim must be divisible by it.
func NewQAT(inDim, outDim, rank int, alpha, dropout float64, actCfg, weightCfg *quant.FakeQuantizeConfig, opts ...Option) (*QATPiSSALinear, error) {
	if weightCfg != nil && weightCfg.GroupSize > 0 && inDim%weightCfg.GroupSize != 0 {
		return nil, fmt.Errorf("%w: in_dim (%d) must be divisible by group_size (%d)", ErrConfiguration, inDim, weightCfg.GroupSize)
	}

	base, err := New(inDim, outDim, rank, alpha, append(opts, WithDropout(dropout))...)
	if err != nil {
		return nil, err
	}
	if base.useBias || base.quantizeBase {
		return nil, fmt.Errorf("%w: bias and quantize-base are not supported with QAT", ErrUnsupported)
	}

	aq, err := quant.NewFakeQuantizer(actCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: activation config: %v", ErrConfiguration, err)
	}
	wq, err := quant.NewFakeQuantizer(weightCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: weight config: %v", ErrConfiguration, err)
	}

	return &QATPiSSALinear{
		PiSSALinear:             base,
		activationFakeQuantizer: aq,
		weightFakeQuantizer:     wq,
	}, nil
}

// FromPiSSALinear builds a quantization-aware layer from an existing plain
// layer, preserving its weight and adapter factors. Parameters that are not
// on the meta device are aliased, not copied: until one side re-allocates,
// both layers observe the same storage. Layers with a bias or a quantized
// base cannot be represented in this variant.
func FromPiSSALinear(src *PiSSALinear, actCfg, weightCfg *quant.FakeQuantizeConfig) (*QATPiSSALinear, error) {
	if src.Bias != nil {
		return nil, fmt.Errorf("%w: bias is not supported with QAT", ErrUnsupported)
	}
	if src.quantizeBase {
		return nil, fmt.Errorf("%w: quantize-base is not compatible with QAT", ErrUnsupported)
	}

	l, err := NewQAT(src.inDim, src.outDim, src.rank, src.alpha, src.dropoutP, actCfg, weightCfg,
		WithDType(src.dt), WithSeed(src.seed))
	if err != nil {
		return nil, err
	}

	// In distributed loading the source may still be on the meta device;
	// those tensors keep their fresh initialization and are materialized
	// later.
	if !src.Weight.IsMeta() {
		l.Weight.Alias(src.Weight)
	}
	if !src.PissaU.Weight.IsMeta() {
		l.PissaU.Weight.Alias(src.PissaU.Weight)
	}
	if !src.PissaV.Weight.IsMeta() {
		l.PissaV.Weight.Alias(src.PissaV.Weight)
	}
	return l, nil
}

// Forward computes the layer output for x of shape [batch, inDim]. The base
// transform sees fake-quantized activations and weight; the adapter branch
// is identical to the plain layer's.
func (l *QATPiSSALinear) Forward(x *mat.Dense) *mat.Dense {
	xq := l.activationFakeQuantizer.Forward(x)
	wq := l.weightFakeQuantizer.Forward(l.Weight.Data())

	batch, _ := x.Dims()
	out := mat.NewDense(batch, l.outDim, nil)
	out.Mul(xq, wq.T())

	if l.Disabled {
		return out
	}
	out.Add(out, l.adapterOutput(x))
	return out
}
