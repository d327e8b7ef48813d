// Package nn provides a minimal layer substrate for adapter fine-tuning:
// parameters with explicit storage dtypes and device placement, dense linear
// maps, dropout, and the standard initializers.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/fxmeng/pissa/dtype"
)

type Device int

const (
	CPU Device = iota
	// Meta is a placeholder device: parameters carry shape and dtype
	// metadata but no backing storage.
	Meta
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case Meta:
		return "meta"
	}
	return "unknown"
}

// Parameter is a trainable tensor. Values are held at full precision; writes
// round through the storage dtype so the parameter never holds a value its
// storage format could not represent. Vectors are stored as 1×n parameters.
type Parameter struct {
	rows, cols int
	dt         dtype.DType
	data       *mat.Dense // nil while on the meta device

	RequiresGrad bool
}

func NewParameter(rows, cols int, dt dtype.DType, device Device) *Parameter {
	p := &Parameter{rows: rows, cols: cols, dt: dt, RequiresGrad: true}
	if device != Meta {
		p.data = mat.NewDense(rows, cols, nil)
	}
	return p
}

func (p *Parameter) Dims() (rows, cols int) { return p.rows, p.cols }

func (p *Parameter) DType() dtype.DType { return p.dt }

func (p *Parameter) IsMeta() bool { return p.data == nil }

func (p *Parameter) Device() Device {
	if p.data == nil {
		return Meta
	}
	return CPU
}

// Data returns the backing matrix, nil for a meta parameter.
func (p *Parameter) Data() *mat.Dense { return p.data }

// Set overwrites the parameter with m, rounded through the storage dtype.
func (p *Parameter) Set(m mat.Matrix) {
	r, c := m.Dims()
	if r != p.rows || c != p.cols {
		panic(fmt.Errorf("nn: cannot set %dx%d parameter from %dx%d matrix", p.rows, p.cols, r, c))
	}
	if p.data == nil {
		panic("nn: cannot set a parameter on the meta device")
	}
	p.data.Copy(m)
	dtype.RoundDense(p.data, p.dt)
}

// ToEmpty re-allocates the parameter on device, preserving RequiresGrad.
// The contents after the move are unspecified.
func (p *Parameter) ToEmpty(device Device) {
	if device == Meta {
		p.data = nil
		return
	}
	p.data = mat.NewDense(p.rows, p.cols, nil)
}

// Alias makes p share backing storage with src. Mutations through either
// parameter are observed by both until one of them is re-allocated.
func (p *Parameter) Alias(src *Parameter) {
	if r, c := src.Dims(); r != p.rows || c != p.cols {
		panic(fmt.Errorf("nn: cannot alias %dx%d parameter to %dx%d parameter", p.rows, p.cols, r, c))
	}
	p.data = src.data
	p.dt = src.dt
}
