package trainstep

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// sliceIterator replays a fixed batch sequence.
type sliceIterator struct {
	batches []engine.Batch
	next    int
}

func (it *sliceIterator) Next(context.Context) (engine.Batch, error) {
	if it.next >= len(it.batches) {
		return nil, engine.ErrEndOfData
	}
	b := it.batches[it.next]
	it.next++
	return b, nil
}

func singleRank(t *testing.T) comm.Communicator {
	t.Helper()
	return comm.NewLocalWorld(comm.Topology{}).Communicator(0)
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLtorMasksBasic(t *testing.T) {
	const eod = 9
	tokens := rowsTensor(t, [][]int64{{5, eod, 7, 8}})
	att, lossMask, posIDs := ltorMasks(tokens, eod, false, false, true)

	if att.Dim(0) != 1 || att.Dim(1) != 4 || att.Dim(2) != 4 {
		t.Fatalf("attention mask shape = %v, want [1 4 4]", att.Shape())
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if got := att.BoolAt(0, i, j); got != (j > i) {
				t.Errorf("att[%d][%d] = %v, want %v", i, j, got, j > i)
			}
		}
	}

	wantLoss := []float32{1, 0, 1, 1}
	for i, w := range wantLoss {
		if got := lossMask.FloatAt(0, i); got != w {
			t.Errorf("loss mask[%d] = %v, want %v (eod positions masked)", i, got, w)
		}
	}

	for i := 0; i < 4; i++ {
		if got := posIDs.IntAt(0, i); got != int64(i) {
			t.Errorf("position id[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestLtorMasksDocumentReset(t *testing.T) {
	const eod = 9
	tokens := rowsTensor(t, [][]int64{{5, eod, 7, 8}})
	att, _, posIDs := ltorMasks(tokens, eod, true, true, false)

	// Positions after the document boundary restart from zero.
	wantPos := []int64{0, 1, 0, 1}
	for i, w := range wantPos {
		if got := posIDs.IntAt(0, i); got != w {
			t.Errorf("position id[%d] = %d, want %d", i, got, w)
		}
	}

	// Tokens after the boundary cannot attend across it.
	if !att.BoolAt(0, 2, 0) || !att.BoolAt(0, 2, 1) {
		t.Error("position 2 can still attend into the previous document")
	}
	if att.BoolAt(0, 3, 2) {
		t.Error("position 3 cannot attend to position 2 inside its own document")
	}
	// Per-row masks when the attention mask resets on documents.
	if att.Dim(0) != 1 {
		t.Errorf("attention mask batch dim = %d, want 1", att.Dim(0))
	}
}

func rowsTensor(t *testing.T, rows [][]int64) *tensor.Tensor {
	t.Helper()
	flat := make([]int64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return tensor.FromInt64(flat, len(rows), len(rows[0]))
}

func TestLossMaskFromLabels(t *testing.T) {
	labels := tensor.FromInt64([]int64{4, IgnoreIndex, 0, IgnoreIndex}, 2, 2)
	mask := lossMaskFromLabels(labels)
	want := []float32{1, 0, 1, 0}
	for i, w := range want {
		if mask.Float32s()[i] != w {
			t.Errorf("mask[%d] = %v, want %v", i, mask.Float32s()[i], w)
		}
	}
}

func TestMaskedMean(t *testing.T) {
	losses := tensor.FromFloat32([]float32{2, 4, 6}, 3)
	mask := tensor.FromFloat32([]float32{1, 0, 1}, 3)
	if got := maskedMean(losses, mask); !approx(got, 4) {
		t.Errorf("maskedMean = %v, want 4", got)
	}

	empty := tensor.FromFloat32([]float32{0, 0, 0}, 3)
	if got := maskedMean(losses, empty); got != 0 {
		t.Errorf("maskedMean with zero mask = %v, want 0", got)
	}
}

func TestCrossEntropyMean(t *testing.T) {
	// Uniform two-class logits: loss is ln 2 regardless of target.
	logits := tensor.FromFloat32([]float32{0, 0, 0, 0}, 2, 2)
	if got := crossEntropyMean(logits, []int64{0, 1}, -1); !approx(got, math.Log(2)) {
		t.Errorf("crossEntropyMean = %v, want ln 2", got)
	}

	// The ignored row contributes nothing.
	skewed := tensor.FromFloat32([]float32{0, 0, 100, 0}, 2, 2)
	if got := crossEntropyMean(skewed, []int64{0, -1}, -1); !approx(got, math.Log(2)) {
		t.Errorf("crossEntropyMean with ignored row = %v, want ln 2", got)
	}
}

func TestMSEMean(t *testing.T) {
	pred := tensor.FromFloat32([]float32{1, 3}, 2, 1)
	target := tensor.FromFloat32([]float32{0, 1}, 2, 1)
	if got := mseMean(pred, target); !approx(got, 2.5) {
		t.Errorf("mseMean = %v, want 2.5", got)
	}
}

func TestBCEWithLogitsMean(t *testing.T) {
	logits := tensor.FromFloat32([]float32{0}, 1, 1)
	target := tensor.FromFloat32([]float32{0.5}, 1, 1)
	if got := bceWithLogitsMean(logits, target); !approx(got, math.Log(2)) {
		t.Errorf("bceWithLogitsMean = %v, want ln 2", got)
	}
}

func TestCheckLossFinite(t *testing.T) {
	c := singleRank(t)
	if err := checkLossFinite(1.5, c); err != nil {
		t.Errorf("checkLossFinite(1.5) = %v, want nil", err)
	}
	err := checkLossFinite(math.NaN(), c)
	if err == nil {
		t.Fatal("checkLossFinite(NaN) = nil, want error")
	}
	if !strings.Contains(err.Error(), "NaN") || !strings.Contains(err.Error(), "rank 0") {
		t.Errorf("error %q does not identify the NaN or the rank", err)
	}
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Errorf("checkLossFinite(NaN) = %v, want ErrNonFiniteLoss in the chain", err)
	}
}

func TestBroadcastNamedReplicatesFromSource(t *testing.T) {
	world := comm.NewLocalWorld(comm.Topology{TensorParallelSize: 2})

	var mu sync.Mutex
	got := make(map[int]engine.Batch)

	err := world.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		var it engine.DataIterator
		if c.Rank() == c.SourceRank(comm.TensorParallel) {
			it = &sliceIterator{batches: []engine.Batch{{
				"text": tensor.FromInt64([]int64{1, 2, 3, 4}, 2, 2),
			}}}
		}
		out, err := broadcastNamed(ctx, c, it, []string{"text"})
		if err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	for rank := 0; rank < 2; rank++ {
		text, ok := got[rank]["text"]
		if !ok {
			t.Fatalf("rank %d batch missing text", rank)
		}
		if text.Dim(0) != 2 || text.Dim(1) != 2 {
			t.Errorf("rank %d text shape = %v, want [2 2]", rank, text.Shape())
		}
		for i, w := range []int64{1, 2, 3, 4} {
			if text.Int64s()[i] != w {
				t.Errorf("rank %d text[%d] = %d, want %d", rank, i, text.Int64s()[i], w)
			}
		}
	}
}

func TestBroadcastNamedMissingIteratorOnSource(t *testing.T) {
	c := singleRank(t)
	_, err := broadcastNamed(context.Background(), c, nil, []string{"text"})
	if err == nil || !strings.Contains(err.Error(), "no data iterator") {
		t.Errorf("broadcastNamed without source iterator = %v, want missing-iterator error", err)
	}
}
