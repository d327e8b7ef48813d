package nn

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/fxmeng/pissa/dtype"
)

func TestParameterDeviceLifecycle(t *testing.T) {
	p := NewParameter(3, 4, dtype.F32, Meta)
	if !p.IsMeta() {
		t.Fatal("parameter constructed on meta should have no storage")
	}
	if p.Device() != Meta {
		t.Fatalf("device = %v, want meta", p.Device())
	}

	p.RequiresGrad = false
	p.ToEmpty(CPU)
	if p.IsMeta() {
		t.Fatal("materialized parameter still reports meta")
	}
	if p.RequiresGrad {
		t.Fatal("ToEmpty must preserve the trainability flag")
	}
	if r, c := p.Data().Dims(); r != 3 || c != 4 {
		t.Fatalf("storage dims = %dx%d, want 3x4", r, c)
	}

	p.ToEmpty(Meta)
	if !p.IsMeta() {
		t.Fatal("ToEmpty(Meta) should drop storage")
	}
}

func TestParameterSetRoundsThroughDType(t *testing.T) {
	p := NewParameter(1, 2, dtype.F16, CPU)
	p.Set(mat.NewDense(1, 2, []float64{1.0 / 3.0, 2}))
	got := p.Data().At(0, 0)
	if got == 1.0/3.0 {
		t.Error("f16 parameter stored a value beyond f16 precision")
	}
	if got != dtype.Round(1.0/3.0, dtype.F16) {
		t.Errorf("stored %v, want the f16 rounding %v", got, dtype.Round(1.0/3.0, dtype.F16))
	}
	if p.Data().At(0, 1) != 2 {
		t.Error("representable value must round-trip exactly")
	}
}

func TestParameterSetShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on shape mismatch")
		}
	}()
	p := NewParameter(2, 2, dtype.F32, CPU)
	p.Set(mat.NewDense(2, 3, nil))
}

func TestParameterAliasSharesStorage(t *testing.T) {
	a := NewParameter(2, 2, dtype.F32, CPU)
	b := NewParameter(2, 2, dtype.F32, CPU)
	b.Alias(a)
	a.Data().Set(1, 1, 42)
	if b.Data().At(1, 1) != 42 {
		t.Error("aliased parameter did not observe the write")
	}
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(3, 2, true, dtype.F32, CPU)
	l.Weight.Set(mat.NewDense(2, 3, []float64{
		1, 0, -1,
		2, 1, 0,
	}))
	l.Bias.Set(mat.NewDense(1, 2, []float64{0.5, -0.5}))

	x := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		0, 1, 0,
	})
	y := l.Forward(x)

	want := mat.NewDense(2, 2, []float64{
		1*1 + 0*2 + -1*3 + 0.5, 2*1 + 1*2 + 0*3 - 0.5,
		0 + 0.5, 1 - 0.5,
	})
	if !mat.EqualApprox(y, want, 1e-12) {
		t.Errorf("forward = %v, want %v", mat.Formatted(y), mat.Formatted(want))
	}
}

func TestKaimingUniformBound(t *testing.T) {
	p := NewParameter(64, 100, dtype.F32, CPU)
	KaimingUniform(p, math.Sqrt(5), rand.NewSource(1))

	// gain = sqrt(2/(1+5)) = 1/sqrt(3), bound = sqrt(3)*gain/sqrt(100) = 0.1
	bound := 0.1
	var nonzero int
	for i := range 64 {
		for j := range 100 {
			v := p.Data().At(i, j)
			if math.Abs(v) > bound {
				t.Fatalf("sample %v outside bound %v", v, bound)
			}
			if v != 0 {
				nonzero++
			}
		}
	}
	if nonzero < 6000 {
		t.Error("kaiming init left most of the parameter zero")
	}
}

func TestDropoutPassThrough(t *testing.T) {
	d := NewDropout(0, rand.NewSource(1))
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	if y := d.Forward(x, true); y != x {
		t.Error("p=0 dropout should return the input unchanged")
	}

	d = NewDropout(0.5, rand.NewSource(1))
	if y := d.Forward(x, false); y != x {
		t.Error("eval-mode dropout should return the input unchanged")
	}
}

func TestDropoutTraining(t *testing.T) {
	d := NewDropout(0.5, rand.NewSource(2))
	n := 200
	x := mat.NewDense(1, n, nil)
	for j := range n {
		x.Set(0, j, 1)
	}
	y := d.Forward(x, true)

	var zeros int
	for j := range n {
		switch v := y.At(0, j); v {
		case 0:
			zeros++
		case 2:
			// survivor scaled by 1/(1-p)
		default:
			t.Fatalf("unexpected value %v", v)
		}
	}
	if zeros < n/4 || zeros > 3*n/4 {
		t.Errorf("zeroed %d of %d elements with p=0.5", zeros, n)
	}
}
