// Package peft implements principal singular values and singular vectors
// adaptation (PiSSA) of large linear layers. A PiSSA layer perturbs a frozen
// base weight with a trainable low-rank correction, x ↦ Wx + (α/r)·V·S·U·x,
// and initializes U, S, V from the top singular components of W so that the
// correction starts out carrying the principal subspace of the weight rather
// than a random perturbation.
package peft

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/fxmeng/pissa/dtype"
	"github.com/fxmeng/pissa/linalg"
	"github.com/fxmeng/pissa/nn"
	"github.com/fxmeng/pissa/quant"
)

var (
	// ErrConfiguration reports invalid or mutually inconsistent
	// construction arguments.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrUninitialized reports an operation on parameters that are still
	// on the meta device.
	ErrUninitialized = errors.New("parameters not materialized")
	// ErrUnsupported reports a construction path the layer cannot
	// represent.
	ErrUnsupported = errors.New("unsupported combination")
)

type options struct {
	dropout         float64
	useBias         bool
	quantizeBase    bool
	blockSize       int
	scalerBlockSize int
	device          nn.Device
	dt              dtype.DType
	seed            uint64
}

type Option func(*options)

// WithDropout applies dropout with probability p to the adapter input
// branch. The base branch is never affected.
func WithDropout(p float64) Option {
	return func(o *options) { o.dropout = p }
}

// WithBias adds a bias to the base linear map.
func WithBias() Option {
	return func(o *options) { o.useBias = true }
}

// WithQuantizeBase stores the base weight NF4-quantized.
func WithQuantizeBase() Option {
	return func(o *options) { o.quantizeBase = true }
}

// WithBlockSize sets the quantization block size. Only valid together with
// WithQuantizeBase.
func WithBlockSize(n int) Option {
	return func(o *options) { o.blockSize = n }
}

// WithScalerBlockSize sets the quantization scaler block size. Only valid
// together with WithQuantizeBase.
func WithScalerBlockSize(n int) Option {
	return func(o *options) { o.scalerBlockSize = n }
}

// WithDevice places the parameters on a device at construction. Layers
// built on nn.Meta carry shapes only and must be materialized with ToEmpty
// and LoadWeight before use.
func WithDevice(d nn.Device) Option {
	return func(o *options) { o.device = d }
}

// WithDType sets the storage dtype of all parameters. Defaults to F32.
func WithDType(dt dtype.DType) Option {
	return func(o *options) { o.dt = dt }
}

// WithSeed seeds the initializers, dropout and randomized decomposition.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// PiSSALinear is a linear layer with a PiSSA low-rank adapter. The adapter
// factors live in PissaU (applied first, [rank, in]), PissaS ([rank] per
// component scales) and PissaV (applied last, [out, rank]); rank and alpha
// are fixed at construction and the effective adapter scale is alpha/rank.
type PiSSALinear struct {
	inDim, outDim int
	rank          int
	alpha         float64
	dropoutP      float64
	useBias       bool
	quantizeBase  bool
	quantOpts     []quant.Option
	dt            dtype.DType
	seed          uint64

	// Weight holds the base weight [out, in]; after InitializePiSSA it is
	// the residual left over once the principal components moved into the
	// adapter. QWeight replaces it when the base is quantized.
	Weight  *nn.Parameter
	QWeight *quant.QuantizedWeight
	Bias    *nn.Parameter // nil without bias

	PissaU *nn.Linear
	PissaS *nn.Parameter
	PissaV *nn.Linear

	dropout *nn.Dropout

	// Disabled turns the adapter branch off: forward output equals the
	// base transform alone. Used to treat the adapted model as a frozen
	// reference model.
	Disabled bool
	// Training enables dropout on the adapter branch.
	Training bool
	// Merged reports whether the adapter has been folded into the base
	// weight; kept for checkpoint compatibility, never set by this
	// package.
	Merged bool
}

// New builds a PiSSA linear layer. The adapter starts cold: U and V are
// Kaiming-uniform, S is zero, so the layer initially computes exactly the
// base transform. InitializePiSSA replaces the cold start with the
// decomposition of the base weight.
func New(inDim, outDim, rank int, alpha float64, opts ...Option) (*PiSSALinear, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case inDim < 1 || outDim < 1:
		return nil, fmt.Errorf("%w: dimensions must be positive, got %dx%d", ErrConfiguration, outDim, inDim)
	case rank < 1:
		return nil, fmt.Errorf("%w: rank must be at least 1, got %d", ErrConfiguration, rank)
	case alpha <= 0:
		return nil, fmt.Errorf("%w: alpha must be positive, got %v", ErrConfiguration, alpha)
	case o.dropout < 0 || o.dropout >= 1:
		return nil, fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrConfiguration, o.dropout)
	}
	if !o.quantizeBase && (o.blockSize != 0 || o.scalerBlockSize != 0) {
		return nil, fmt.Errorf("%w: base is not quantized, but received quantization arguments (block size %d, scaler block size %d)",
			ErrConfiguration, o.blockSize, o.scalerBlockSize)
	}
	if o.quantizeBase && o.device == nn.Meta {
		return nil, fmt.Errorf("%w: cannot quantize a base weight on the meta device", ErrConfiguration)
	}

	l := &PiSSALinear{
		inDim: inDim, outDim: outDim,
		rank: rank, alpha: alpha,
		dropoutP:     o.dropout,
		useBias:      o.useBias,
		quantizeBase: o.quantizeBase,
		dt:           o.dt,
		seed:         o.seed,
	}
	if o.blockSize != 0 {
		l.quantOpts = append(l.quantOpts, quant.WithBlockSize(o.blockSize))
	}
	if o.scalerBlockSize != 0 {
		l.quantOpts = append(l.quantOpts, quant.WithScalerBlockSize(o.scalerBlockSize))
	}

	src := rand.NewSource(o.seed)

	base := nn.NewLinear(inDim, outDim, o.useBias, o.dt, o.device)
	if o.device != nn.Meta {
		nn.ResetLinear(base, src)
	}
	l.Weight = base.Weight
	l.Bias = base.Bias

	if o.quantizeBase {
		qw, err := quant.Quantize(l.Weight.Data(), l.quantOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		l.QWeight = qw
		l.Weight = nil
	}

	l.dropout = nn.NewDropout(o.dropout, rand.NewSource(o.seed+1))
	l.PissaU = nn.NewLinear(inDim, rank, false, o.dt, o.device)
	l.PissaS = nn.NewParameter(1, rank, o.dt, o.device)
	l.PissaV = nn.NewLinear(rank, outDim, false, o.dt, o.device)
	if o.device != nn.Meta {
		l.resetAdapter(src)
	}

	return l, nil
}

// resetAdapter applies the cold-start initialization: Kaiming uniform for
// U and V, zeros for S.
func (l *PiSSALinear) resetAdapter(src rand.Source) {
	a := math.Sqrt(5)
	nn.KaimingUniform(l.PissaU.Weight, a, src)
	nn.Zeros(l.PissaS)
	nn.KaimingUniform(l.PissaV.Weight, a, src)
}

func (l *PiSSALinear) InDim() int       { return l.inDim }
func (l *PiSSALinear) OutDim() int      { return l.outDim }
func (l *PiSSALinear) Rank() int        { return l.rank }
func (l *PiSSALinear) Alpha() float64   { return l.alpha }
func (l *PiSSALinear) Dropout() float64 { return l.dropoutP }

// Scale is the effective adapter scale alpha/rank.
func (l *PiSSALinear) Scale() float64 { return l.alpha / float64(l.rank) }

// QuantizedBase reports whether the base weight is stored quantized.
func (l *PiSSALinear) QuantizedBase() bool { return l.quantizeBase }

// ToEmpty re-allocates the adapter parameters on device, preserving each
// parameter's trainability. The base weight is left alone; it is owned by
// whatever loads the pretrained values.
func (l *PiSSALinear) ToEmpty(device nn.Device) {
	l.PissaU.Weight.ToEmpty(device)
	l.PissaS.ToEmpty(device)
	l.PissaV.Weight.ToEmpty(device)
}

// LoadWeight overwrites the base weight with w, materializing storage
// first if needed. This is how pretrained values reach the layer before
// InitializePiSSA.
func (l *PiSSALinear) LoadWeight(w *mat.Dense) error {
	r, c := w.Dims()
	if r != l.outDim || c != l.inDim {
		return fmt.Errorf("%w: weight is %dx%d, layer expects %dx%d", ErrConfiguration, r, c, l.outDim, l.inDim)
	}
	if l.quantizeBase {
		qw, err := quant.Quantize(w, l.quantOpts...)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		l.QWeight = qw
		return nil
	}
	if l.Weight.IsMeta() {
		l.Weight.ToEmpty(nn.CPU)
	}
	l.Weight.Set(w)
	return nil
}

// AdapterParams returns the names of the parameters owned by the adapter,
// the hook a surrounding trainer uses to separate trainable adapter state
// from the frozen base.
//
// NOTE: this list has to be updated if the names of PissaU, PissaS or
// PissaV in this struct change.
func (l *PiSSALinear) AdapterParams() []string {
	return []string{"pissa_u.weight", "pissa_s", "pissa_v.weight"}
}

// InitializePiSSA decomposes the base weight with an exact singular value
// decomposition and rewrites the layer so that U, S, V hold the top rank
// components and the base weight holds the residual. The total transform is
// unchanged up to the rank truncation error and storage rounding.
//
// This must be called after the base weight has its final pretrained values
// and after all parameters are materialized, and it is meant to be called
// once: a second call decomposes the residual, not the original weight.
func (l *PiSSALinear) InitializePiSSA() error {
	return l.initialize(0, false)
}

// InitializePiSSAFast is InitializePiSSA with a randomized decomposition:
// cheaper on large matrices, approximate, converging toward the exact
// result as niter grows. Setting niter equal to the rank is recommended.
func (l *PiSSALinear) InitializePiSSAFast(niter int) error {
	if niter < 0 {
		return fmt.Errorf("%w: fast svd niter must be a non-negative integer (recommended: the rank)", ErrConfiguration)
	}
	return l.initialize(niter, true)
}

func (l *PiSSALinear) initialize(niter int, fast bool) error {
	if err := l.checkMaterialized(); err != nil {
		return err
	}

	// all decomposition math happens at full precision regardless of the
	// storage dtype
	w := l.upcastWeight()

	var (
		u   *mat.Dense
		s   []float64
		vt  *mat.Dense
		err error
	)
	if fast {
		u, s, vt, err = linalg.SVDLowRank(w, l.rank, niter, rand.NewSource(l.seed))
	} else {
		u, s, vt, err = linalg.SVD(w, l.rank)
	}
	if err != nil {
		return err
	}

	// undo the forward-pass scale so the adapter reproduces the raw
	// components at initialization
	scale := l.Scale()
	for i := range s {
		s[i] /= scale
	}

	l.PissaU.Weight.Set(vt)
	l.PissaS.Set(mat.NewDense(1, l.rank, s))
	l.PissaV.Weight.Set(u)

	// residual = w - scale · u·diag(s)·vt, which is w minus exactly what
	// the adapter now contributes
	us := mat.NewDense(l.outDim, l.rank, nil)
	us.Copy(u)
	for j, sv := range s {
		for i := range l.outDim {
			us.Set(i, j, us.At(i, j)*sv*scale)
		}
	}
	residual := mat.NewDense(l.outDim, l.inDim, nil)
	residual.Mul(us, vt)
	residual.Sub(w, residual)

	if l.quantizeBase {
		qw, err := quant.Quantize(residual, l.quantOpts...)
		if err != nil {
			return err
		}
		l.QWeight = qw
		return nil
	}
	l.Weight.Set(residual) // cast back to the storage dtype
	return nil
}

// checkMaterialized verifies no required tensor is still on the meta
// device. Runs before any write so a failed initialization mutates nothing.
func (l *PiSSALinear) checkMaterialized() error {
	named := []struct {
		name string
		p    *nn.Parameter
	}{
		{"weight", l.Weight},
		{"pissa_u.weight", l.PissaU.Weight},
		{"pissa_s", l.PissaS},
		{"pissa_v.weight", l.PissaV.Weight},
	}
	for _, t := range named {
		if t.p == nil {
			continue // quantized base weight, always materialized
		}
		if t.p.IsMeta() {
			return fmt.Errorf("%w: %s is still on the meta device", ErrUninitialized, t.name)
		}
	}
	return nil
}

// upcastWeight returns the base weight as a full-precision dense matrix,
// dequantizing when the base is quantized.
func (l *PiSSALinear) upcastWeight() *mat.Dense {
	if l.quantizeBase {
		return l.QWeight.Dequantize()
	}
	return mat.DenseCopyOf(l.Weight.Data())
}

// Forward computes the layer output for x of shape [batch, inDim],
// returning [batch, outDim]. Shape mismatches panic per the gonum contract.
func (l *PiSSALinear) Forward(x *mat.Dense) *mat.Dense {
	out := l.baseOutput(x)
	if l.Disabled {
		return out
	}
	out.Add(out, l.adapterOutput(x))
	return out
}

func (l *PiSSALinear) baseOutput(x *mat.Dense) *mat.Dense {
	if l.quantizeBase {
		return quant.DequantizedLinear(x, l.QWeight, l.biasVec())
	}

	batch, _ := x.Dims()
	y := mat.NewDense(batch, l.outDim, nil)
	y.Mul(x, l.Weight.Data().T())
	if b := l.biasVec(); b != nil {
		for i := range batch {
			row := y.RawRowView(i)
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return y
}

// adapterOutput computes the scaled low-rank correction. Shared by the
// plain layer and the quantization-aware variant, which only differ in how
// the base output is produced.
func (l *PiSSALinear) adapterOutput(x *mat.Dense) *mat.Dense {
	h := l.PissaU.Forward(l.dropout.Forward(x, l.Training))

	batch, _ := h.Dims()
	s := l.PissaS.Data().RawRowView(0)
	scale := l.Scale()
	for i := range batch {
		row := h.RawRowView(i)
		for j := range row {
			row[j] *= s[j] * scale
		}
	}
	return l.PissaV.Forward(h)
}

func (l *PiSSALinear) biasVec() []float64 {
	if l.Bias == nil {
		return nil
	}
	return l.Bias.Data().RawRowView(0)
}
