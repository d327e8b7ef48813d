package quant

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestFakeQuantizerIdentity(t *testing.T) {
	f, err := NewFakeQuantizer(nil)
	if err != nil {
		t.Fatal(err)
	}
	x := mat.NewDense(2, 2, []float64{0.1, 0.2, 0.3, 0.4})
	if y := f.Forward(x); y != x {
		t.Error("nil-config quantizer must return the input itself")
	}

	var fnil *FakeQuantizer
	if y := fnil.Forward(x); y != x {
		t.Error("nil quantizer must be an identity")
	}
}

func TestFakeQuantizeSymmetricPerTensor(t *testing.T) {
	f, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int8, Granularity: PerTensor, Symmetric: true})
	if err != nil {
		t.Fatal(err)
	}

	x := mat.NewDense(1, 4, []float64{-1.27, 0, 0.5, 1.27})
	y := f.Forward(x)

	// absmax = 1.27, scale = 0.01: every input is an exact grid point
	want := []float64{-1.27, 0, 0.5, 1.27}
	for j, w := range want {
		if math.Abs(y.At(0, j)-w) > 1e-12 {
			t.Errorf("y[%d] = %v, want %v", j, y.At(0, j), w)
		}
	}
	if x.At(0, 0) != -1.27 {
		t.Error("input must not be mutated")
	}
}

func TestFakeQuantizeRoundsToGrid(t *testing.T) {
	f, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int8, Granularity: PerTensor, Symmetric: true})
	if err != nil {
		t.Fatal(err)
	}
	x := mat.NewDense(1, 3, []float64{-1.27, 0.503, 1.27})
	y := f.Forward(x)
	if got := y.At(0, 1); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("0.503 should snap to 0.50 on the 0.01 grid, got %v", got)
	}
}

func TestFakeQuantizePerTokenIndependentRows(t *testing.T) {
	f, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int8, Granularity: PerToken, Symmetric: true})
	if err != nil {
		t.Fatal(err)
	}

	// same values at very different magnitudes: per-token ranges keep the
	// relative error comparable across rows
	x := mat.NewDense(2, 3, []float64{
		0.101, 0.05, -0.127,
		101, 50, -127,
	})
	y := f.Forward(x)
	for j := range 3 {
		small, large := y.At(0, j), y.At(1, j)
		if math.Abs(small*1000-large) > 1e-9 {
			t.Errorf("col %d: rows quantized with a shared range: %v vs %v", j, small, large)
		}
	}
}

func TestFakeQuantizePerGroup(t *testing.T) {
	f, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int4, Symmetric: true, GroupSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	x := mat.NewDense(1, 4, []float64{7, 3, 0.7, 0.3})
	y := f.Forward(x)

	// int4 symmetric: absmax maps to code 7; each group has its own scale
	if y.At(0, 0) != 7 || math.Abs(y.At(0, 2)-0.7) > 1e-12 {
		t.Errorf("group absmax values must be exact: got %v, %v", y.At(0, 0), y.At(0, 2))
	}
	if math.Abs(y.At(0, 1)-3) > 0.5 || math.Abs(y.At(0, 3)-0.3) > 0.05 {
		t.Errorf("within-group error too large: got %v, %v", y.At(0, 1), y.At(0, 3))
	}
}

func TestFakeQuantizeAsymmetric(t *testing.T) {
	f, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int8, Granularity: PerTensor, Symmetric: false})
	if err != nil {
		t.Fatal(err)
	}

	// shifted data: an asymmetric range wastes no codes on the unused side
	x := mat.NewDense(1, 4, []float64{2, 2.5, 3, 0})
	y := f.Forward(x)
	for j := range 4 {
		if d := math.Abs(y.At(0, j) - x.At(0, j)); d > 3.0/254 {
			t.Errorf("value %v off by %v", x.At(0, j), d)
		}
	}
	if y.At(0, 3) != 0 {
		t.Error("zero must stay exact under asymmetric quantization")
	}
}

func TestFakeQuantizeConfigValidation(t *testing.T) {
	if _, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int4, Granularity: PerGroup}); err == nil {
		t.Error("per-group without a group size should fail")
	}
	if _, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int8, Granularity: PerToken, GroupSize: 8}); err == nil {
		t.Error("group size with per-token granularity should fail")
	}
	// group size with the default granularity implies per-group
	f, err := NewFakeQuantizer(&FakeQuantizeConfig{DType: Int4, Symmetric: true, GroupSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if f.cfg.Granularity != PerGroup {
		t.Errorf("granularity = %v, want per-group", f.cfg.Granularity)
	}
}
