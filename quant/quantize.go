// Package quant implements the base-weight quantization codec and the fake
// quantization transforms used for quantization-aware training. The codec is
// a 4-bit NormalFloat (NF4) scheme: weights are grouped into fixed-size
// blocks along each row, scaled by the block absmax and snapped to the 16
// QLoRA quantile levels; the block scales themselves are stored quantized
// per scaler block (double quantization).
package quant

import (
	"fmt"
	"math"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/mat"
)

// nf4Levels are the 16 fixed QLoRA NF4 dequantization values.
var nf4Levels = [16]float64{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

const (
	defaultBlockSize       = 64
	defaultScalerBlockSize = 256
)

type config struct {
	blockSize       int
	scalerBlockSize int
}

type Option func(*config)

// WithBlockSize sets how many consecutive row elements share one scale.
func WithBlockSize(n int) Option {
	return func(c *config) { c.blockSize = n }
}

// WithScalerBlockSize sets how many block scales share one scaler constant
// in the double-quantization of the scales themselves.
func WithScalerBlockSize(n int) Option {
	return func(c *config) { c.scalerBlockSize = n }
}

// QuantizedWeight is an NF4-quantized matrix. It is immutable; rewriting a
// quantized weight means quantizing a new matrix.
type QuantizedWeight struct {
	rows, cols      int
	blockSize       int
	scalerBlockSize int

	codes        []uint8   // one 4-bit code per element, two per byte, low nibble first
	scaleCodes   []uint8   // per-block scale, quantized against its scaler constant
	scalerScales []float64 // absmax per scaler block of scales
}

func (q *QuantizedWeight) Dims() (rows, cols int) { return q.rows, q.cols }

func (q *QuantizedWeight) BlockSize() int { return q.blockSize }

// Quantize encodes w. The block size must evenly divide the row length.
func Quantize(w *mat.Dense, opts ...Option) (*QuantizedWeight, error) {
	cfg := config{blockSize: defaultBlockSize, scalerBlockSize: defaultScalerBlockSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	rows, cols := w.Dims()
	if cfg.blockSize <= 0 {
		return nil, fmt.Errorf("quant: block size must be positive, got %d", cfg.blockSize)
	}
	if cols%cfg.blockSize != 0 {
		return nil, fmt.Errorf("quant: row length %d not divisible by block size %d", cols, cfg.blockSize)
	}
	if cfg.scalerBlockSize <= 0 {
		return nil, fmt.Errorf("quant: scaler block size must be positive, got %d", cfg.scalerBlockSize)
	}

	blocks, err := blockView(w, cfg.blockSize)
	if err != nil {
		return nil, err
	}

	q := &QuantizedWeight{
		rows:      rows,
		cols:      cols,
		blockSize: cfg.blockSize, scalerBlockSize: cfg.scalerBlockSize,
		codes: make([]uint8, (rows*cols+1)/2),
	}

	scales := make([]float64, len(blocks))
	for i, block := range blocks {
		var absmax float64
		for _, v := range block {
			if a := math.Abs(float64(v)); a > absmax {
				absmax = a
			}
		}
		scales[i] = absmax

		for j, v := range block {
			code := nearestNF4(float64(v), absmax)
			pos := i*cfg.blockSize + j
			if pos%2 == 0 {
				q.codes[pos/2] |= code
			} else {
				q.codes[pos/2] |= code << 4
			}
		}
	}

	// Double quantization of the block scales. The final scaler block may
	// be short when the block count is not a multiple of the scaler size.
	q.scaleCodes = make([]uint8, len(scales))
	for start := 0; start < len(scales); start += cfg.scalerBlockSize {
		end := min(start+cfg.scalerBlockSize, len(scales))
		var smax float64
		for _, s := range scales[start:end] {
			if s > smax {
				smax = s
			}
		}
		q.scalerScales = append(q.scalerScales, smax)
		if smax == 0 {
			continue
		}
		for i := start; i < end; i++ {
			q.scaleCodes[i] = uint8(math.Round(scales[i] / smax * 255))
		}
	}

	return q, nil
}

// blockView reshapes w into its quantization blocks, one slice per block.
func blockView(w *mat.Dense, blockSize int) ([][]float32, error) {
	rows, cols := w.Dims()
	f32s := make([]float32, rows*cols)
	for i := range rows {
		for j := range cols {
			f32s[i*cols+j] = float32(w.At(i, j))
		}
	}

	t := tensor.New(tensor.WithShape(rows*cols/blockSize, blockSize), tensor.WithBacking(f32s))
	blocks, err := native.SelectF32(t, 0)
	if err != nil {
		return nil, fmt.Errorf("quant: block view: %w", err)
	}
	return blocks, nil
}

func nearestNF4(v, absmax float64) uint8 {
	if absmax == 0 {
		return 7 // the zero level
	}
	x := v / absmax
	best, bestDist := 0, math.Inf(1)
	for i, level := range nf4Levels {
		if d := math.Abs(x - level); d < bestDist {
			best, bestDist = i, d
		}
	}
	return uint8(best)
}

// blockScale reconstructs the scale of block i from its double-quantized form.
func (q *QuantizedWeight) blockScale(i int) float64 {
	smax := q.scalerScales[i/q.scalerBlockSize]
	return float64(q.scaleCodes[i]) / 255 * smax
}

// Dequantize reconstructs the full-precision matrix.
func (q *QuantizedWeight) Dequantize() *mat.Dense {
	w := mat.NewDense(q.rows, q.cols, nil)
	for i := range q.rows {
		row := w.RawRowView(i)
		for j := range q.cols {
			pos := i*q.cols + j
			code := q.codes[pos/2]
			if pos%2 == 0 {
				code &= 0x0F
			} else {
				code >>= 4
			}
			row[j] = nf4Levels[code] * q.blockScale(pos/q.blockSize)
		}
	}
	return w
}

// DequantizedLinear computes x·dequant(q)ᵀ (+ bias) for x of shape
// [batch, in]. bias may be nil.
func DequantizedLinear(x *mat.Dense, q *QuantizedWeight, bias []float64) *mat.Dense {
	batch, _ := x.Dims()
	y := mat.NewDense(batch, q.rows, nil)
	y.Mul(x, q.Dequantize().T())
	if bias != nil {
		for i := range batch {
			row := y.RawRowView(i)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return y
}
