// Package trainstep holds the per-architecture batch decoding, loss
// computation and forward-step glue handed to the engine's pipeline runner.
// Handlers are stateless; running totals belong to the Trainer.
package trainstep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// ErrNonFiniteLoss marks a NaN in a rank's local loss. The run cannot
// continue past it; callers match with errors.Is to flag the abort.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// IgnoreIndex is the label value marking positions excluded from the loss.
// The -100 sentinel is the tokenizer-side convention for generic datasets and
// must not change.
const IgnoreIndex int64 = -100

// BatchFunc decodes one batch from an iterator into the named tensors the
// architecture's forward pass expects.
type BatchFunc func(ctx context.Context, it engine.DataIterator) (engine.Batch, error)

// LossValueFunc computes loss from a decoded batch and the model output.
type LossValueFunc func(ctx context.Context, batch engine.Batch, output engine.Batch) (float64, engine.LossDict, error)

// Overrides are the caller-supplied strategy hooks. A non-nil field replaces
// the built-in implementation for every architecture.
type Overrides struct {
	BatchFunc BatchFunc
	LossFunc  LossValueFunc
	// NewHandler replaces the whole per-architecture handler.
	NewHandler func(cfg *config.Train, c comm.Communicator) (Handler, error)
}

// Handler bundles batch decode, loss and forward step for one architecture.
type Handler interface {
	Name() string
	ForwardStep(ctx context.Context, it engine.DataIterator, m engine.Model) (engine.Batch, engine.LossFunc, error)
}

// New builds the handler for the configured architecture.
func New(cfg *config.Train, c comm.Communicator, ov Overrides) (Handler, error) {
	if ov.NewHandler != nil {
		return ov.NewHandler(cfg, c)
	}
	switch cfg.GetModelType() {
	case config.ModelBert:
		return newBertStep(cfg, c, ov), nil
	case config.ModelGPT:
		return newGPTStep(cfg, c, ov), nil
	case config.ModelT5:
		return newT5Step(cfg, c, ov), nil
	}
	return nil, fmt.Errorf("unsupported model type: %q", cfg.ModelType)
}

func field(b engine.Batch, key string) (*tensor.Tensor, error) {
	t, ok := b[key]
	if !ok || t == nil {
		return nil, fmt.Errorf("batch missing required field %q", key)
	}
	return t, nil
}

// broadcastNamed replicates the named int64 tensors of the next batch from
// the tensor-parallel source rank to every tensor-parallel peer. Only the
// source rank reads the iterator; every rank must call this with the same key
// order or the group deadlocks.
func broadcastNamed(ctx context.Context, c comm.Communicator, it engine.DataIterator, keys []string) (engine.Batch, error) {
	src := c.SourceRank(comm.TensorParallel)
	var data engine.Batch
	if c.Rank() == src {
		if it == nil {
			return nil, fmt.Errorf("tensor-parallel source rank %d has no data iterator", c.Rank())
		}
		var err error
		data, err = it.Next(ctx)
		if err != nil {
			return nil, err
		}
	}

	out := make(engine.Batch, len(keys))
	for _, key := range keys {
		var dims []int64
		if c.Rank() == src {
			t, err := field(data, key)
			if err != nil {
				return nil, err
			}
			for _, d := range t.Shape() {
				dims = append(dims, int64(d))
			}
		}
		ndim, err := c.BroadcastInt64s(ctx, comm.TensorParallel, src, []int64{int64(len(dims))}, 1)
		if err != nil {
			return nil, fmt.Errorf("broadcast of %q rank count: %w", key, err)
		}
		if _, err := c.BroadcastInt64s(ctx, comm.TensorParallel, src, dims, int(ndim[0])); err != nil {
			return nil, fmt.Errorf("broadcast of %q dims: %w", key, err)
		}
		var payload *tensor.Tensor
		if c.Rank() == src {
			payload = data[key]
		}
		t, err := c.BroadcastTensor(ctx, comm.TensorParallel, src, payload)
		if err != nil {
			return nil, fmt.Errorf("broadcast of %q: %w", key, err)
		}
		out[key] = t
	}
	return out, nil
}

// avgAcrossDataParallelGroup averages losses across the data-parallel group
// for logging. The backpropagation value is left untouched by design.
func avgAcrossDataParallelGroup(ctx context.Context, c comm.Communicator, vals []float64) ([]float64, error) {
	reduced, err := c.AllReduceSum(ctx, comm.Data, vals)
	if err != nil {
		return nil, err
	}
	n := float64(c.GroupSize(comm.Data))
	for i := range reduced {
		reduced[i] /= n
	}
	return reduced, nil
}

// maskedMean computes sum(losses * mask) / sum(mask) over flattened inputs.
func maskedMean(losses, mask *tensor.Tensor) float64 {
	lv := losses.Float32s()
	mv := mask.Float32s()
	if len(lv) != len(mv) {
		panic(fmt.Sprintf("trainstep: loss/mask length mismatch: %d vs %d", len(lv), len(mv)))
	}
	var num, den float64
	for i := range lv {
		num += float64(lv[i]) * float64(mv[i])
		den += float64(mv[i])
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// lossMaskFromLabels builds the float mask that is 1 everywhere labels are
// not the ignore sentinel.
func lossMaskFromLabels(labels *tensor.Tensor) *tensor.Tensor {
	out := tensor.NewFloat32(labels.Shape()...)
	vals := labels.Int64s()
	dst := out.Float32s()
	for i, v := range vals {
		if v != IgnoreIndex {
			dst[i] = 1
		}
	}
	return out
}

// crossEntropyMean is the mean softmax cross entropy of [n, k] logits against
// integer targets, skipping targets equal to ignore.
func crossEntropyMean(logits *tensor.Tensor, targets []int64, ignore int64) float64 {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("trainstep: cross entropy needs [n, k] logits, have %v", shape))
	}
	n, k := shape[0], shape[1]
	if len(targets) != n {
		panic(fmt.Sprintf("trainstep: %d targets for %d rows", len(targets), n))
	}
	vals := logits.Float32s()
	var total float64
	count := 0
	for i := 0; i < n; i++ {
		if targets[i] == ignore {
			continue
		}
		row := vals[i*k : (i+1)*k]
		maxv := float64(row[0])
		for _, v := range row[1:] {
			if float64(v) > maxv {
				maxv = float64(v)
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxv)
		}
		t := targets[i]
		if t < 0 || t >= int64(k) {
			panic(fmt.Sprintf("trainstep: target %d out of range for %d classes", t, k))
		}
		total += math.Log(sum) - (float64(row[t]) - maxv)
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func mseMean(pred, target *tensor.Tensor) float64 {
	pv := pred.Float32s()
	tv := target.Float32s()
	var total float64
	for i := range pv {
		d := float64(pv[i]) - float64(tv[i])
		total += d * d
	}
	return total / float64(len(pv))
}

func bceWithLogitsMean(logits, target *tensor.Tensor) float64 {
	lv := logits.Float32s()
	tv := target.Float32s()
	var total float64
	for i := range lv {
		x := float64(lv[i])
		z := float64(tv[i])
		// log(1 + exp(-|x|)) + max(x, 0) - x*z, the stable form
		total += math.Log1p(math.Exp(-math.Abs(x))) + math.Max(x, 0) - x*z
	}
	return total / float64(len(lv))
}

// checkLossFinite raises the numeric-health failure for a NaN local loss,
// identifying the rank and host so the offending replica can be found.
func checkLossFinite(loss float64, c comm.Communicator) error {
	if !math.IsNaN(loss) {
		return nil
	}
	host, _ := os.Hostname()
	return fmt.Errorf("rank %d: found NaN in local forward loss calculation (device: %d, node: %s): %w",
		c.Rank(), c.Rank(), host, ErrNonFiniteLoss)
}

// ltorMasks derives the left-to-right causal attention mask, the loss mask
// and position ids for decoder-only batches. With resetAttentionMask or
// resetPositionIDs set, end-of-document tokens split a row into independent
// documents.
func ltorMasks(tokens *tensor.Tensor, eod int64, resetPositionIDs, resetAttentionMask, eodMaskLoss bool) (attnMask, lossMask, positionIDs *tensor.Tensor) {
	b, s := tokens.Dim(0), tokens.Dim(1)

	maskBatch := 1
	if resetAttentionMask {
		maskBatch = b
	}
	att := tensor.NewBool(maskBatch, s, s)
	for n := 0; n < maskBatch; n++ {
		for i := 0; i < s; i++ {
			for j := 0; j < s; j++ {
				att.SetBool(j > i, n, i, j)
			}
		}
	}

	lossMask = tensor.NewFloat32(b, s)
	for i := range lossMask.Float32s() {
		lossMask.Float32s()[i] = 1
	}
	if eodMaskLoss {
		for n := 0; n < b; n++ {
			for i := 0; i < s; i++ {
				if tokens.IntAt(n, i) == eod {
					lossMask.SetFloat(0, n, i)
				}
			}
		}
	}

	positionIDs = tensor.NewInt64(b, s)
	for n := 0; n < b; n++ {
		for i := 0; i < s; i++ {
			positionIDs.SetInt(int64(i), n, i)
		}
	}

	if resetPositionIDs || resetAttentionMask {
		for n := 0; n < b; n++ {
			for i := 0; i < s; i++ {
				if tokens.IntAt(n, i) != eod {
					continue
				}
				if resetAttentionMask {
					// Tokens after this document must not attend into it.
					for qi := i + 1; qi < s; qi++ {
						for kj := 0; kj <= i; kj++ {
							att.SetBool(true, n, qi, kj)
						}
					}
				}
				if resetPositionIDs {
					for pi := i + 1; pi < s; pi++ {
						positionIDs.SetInt(int64(pi-(i+1)), n, pi)
					}
				}
			}
		}
	}

	return att, lossMask, positionIDs
}
