package tensor

import (
	"math"
	"testing"
)

func TestNarrowCols(t *testing.T) {
	seq := FromInt64([]int64{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, 2, 4)

	tokens := seq.NarrowCols(0, 3)
	labels := seq.NarrowCols(1, 4)

	wantTokens := []int64{1, 2, 3, 5, 6, 7}
	wantLabels := []int64{2, 3, 4, 6, 7, 8}
	for i, want := range wantTokens {
		if got := tokens.Int64s()[i]; got != want {
			t.Errorf("tokens[%d] = %d, want %d", i, got, want)
		}
	}
	for i, want := range wantLabels {
		if got := labels.Int64s()[i]; got != want {
			t.Errorf("labels[%d] = %d, want %d", i, got, want)
		}
	}
	if tokens.Dim(0) != 2 || tokens.Dim(1) != 3 {
		t.Errorf("tokens shape = %v, want [2 3]", tokens.Shape())
	}
}

func TestNarrowRows(t *testing.T) {
	x := FromFloat32([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	mid := x.NarrowRows(1, 2)
	if mid.Dim(0) != 1 || mid.Dim(1) != 2 {
		t.Fatalf("shape = %v, want [1 2]", mid.Shape())
	}
	if mid.FloatAt(0, 0) != 3 || mid.FloatAt(0, 1) != 4 {
		t.Errorf("row = [%v %v], want [3 4]", mid.FloatAt(0, 0), mid.FloatAt(0, 1))
	}
}

func TestConcatRows(t *testing.T) {
	a := FromInt64([]int64{1, 2}, 1, 2)
	b := FromInt64([]int64{3, 4, 5, 6}, 2, 2)
	out := ConcatRows(a, b)
	if out.Dim(0) != 3 || out.Dim(1) != 2 {
		t.Fatalf("shape = %v, want [3 2]", out.Shape())
	}
	want := []int64{1, 2, 3, 4, 5, 6}
	for i, w := range want {
		if out.Int64s()[i] != w {
			t.Errorf("out[%d] = %d, want %d", i, out.Int64s()[i], w)
		}
	}
}

func TestConcatCols(t *testing.T) {
	a := FromInt64([]int64{1, 2, 3, 4}, 2, 2)
	b := FullInt64(9, 2, 1)
	out := ConcatCols(a, b)
	if out.Dim(0) != 2 || out.Dim(1) != 3 {
		t.Fatalf("shape = %v, want [2 3]", out.Shape())
	}
	want := []int64{1, 2, 9, 3, 4, 9}
	for i, w := range want {
		if out.Int64s()[i] != w {
			t.Errorf("out[%d] = %d, want %d", i, out.Int64s()[i], w)
		}
	}
}

func TestToFloat32(t *testing.T) {
	b := NewBool(2, 2)
	b.SetBool(true, 0, 0)
	b.SetBool(true, 1, 1)
	f := b.ToFloat32()
	want := []float32{1, 0, 0, 1}
	for i, w := range want {
		if f.Float32s()[i] != w {
			t.Errorf("f[%d] = %v, want %v", i, f.Float32s()[i], w)
		}
	}

	ints := FromInt64([]int64{-1, 7}, 2)
	fi := ints.ToFloat32()
	if fi.Float32s()[0] != -1 || fi.Float32s()[1] != 7 {
		t.Errorf("int conversion = %v, want [-1 7]", fi.Float32s())
	}
}

func TestSumFloatAndHasNaN(t *testing.T) {
	x := FromFloat32([]float32{1, 2, 3}, 3)
	if got := x.SumFloat(); got != 6 {
		t.Errorf("SumFloat() = %v, want 6", got)
	}
	if x.HasNaN() {
		t.Error("HasNaN() = true for finite tensor")
	}
	x.SetFloat(float32(math.NaN()), 1)
	if !x.HasNaN() {
		t.Error("HasNaN() = false after writing NaN")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x := FromInt64([]int64{1, 2}, 2)
	y := x.Clone()
	y.SetInt(99, 0)
	if x.IntAt(0) != 1 {
		t.Errorf("clone write leaked into source: %d", x.IntAt(0))
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("FromInt64 with wrong element count did not panic")
		}
	}()
	FromInt64([]int64{1, 2, 3}, 2, 2)
}
