package trainstep

import (
	"context"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/metrics"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

type gptStep struct {
	cfg          *config.Train
	c            comm.Communicator
	getBatch     BatchFunc
	lossOverride LossValueFunc
	eodToken     int64
}

func newGPTStep(cfg *config.Train, c comm.Communicator, ov Overrides) *gptStep {
	eod := cfg.EODToken
	if cfg.VocabFile == "" {
		// Without a tokenizer the convention is the last padded vocab slot.
		eod = int64(cfg.PaddedVocabSize - 1)
	}
	s := &gptStep{cfg: cfg, c: c, eodToken: eod, lossOverride: ov.LossFunc}
	switch {
	case ov.BatchFunc != nil:
		s.getBatch = ov.BatchFunc
	case cfg.NativeDataset:
		s.getBatch = s.decodeNative
	default:
		s.getBatch = s.decodeGeneric
	}
	return s
}

func (s *gptStep) Name() string { return "gpt" }

// decodeNative broadcasts the raw token sequence from the tensor-parallel
// source rank and derives the shift-by-one tokens/labels split plus causal
// masks locally on every rank.
func (s *gptStep) decodeNative(ctx context.Context, it engine.DataIterator) (engine.Batch, error) {
	data, err := broadcastNamed(ctx, s.c, it, []string{"text"})
	if err != nil {
		return nil, err
	}
	seq, err := field(data, "text")
	if err != nil {
		return nil, err
	}
	return s.unpack(seq, s.cfg.EODMaskLoss), nil
}

// decodeGeneric handles batches that lack the native end-of-document framing:
// an EOD column is appended before the shift so the last real token still has
// a next-token label.
func (s *gptStep) decodeGeneric(ctx context.Context, it engine.DataIterator) (engine.Batch, error) {
	data, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := field(data, "input_ids")
	if err != nil {
		return nil, err
	}
	padding := tensor.FullInt64(s.eodToken, tokens.Dim(0), 1)
	seq := tensor.ConcatCols(tokens, padding)
	return s.unpack(seq, true), nil
}

// unpack turns a [b, s+1] sequence into tokens = seq[:, :-1] and
// labels = seq[:, 1:] with attention and loss masks.
func (s *gptStep) unpack(seq *tensor.Tensor, eodMaskLoss bool) engine.Batch {
	cols := seq.Dim(1)
	labels := seq.NarrowCols(1, cols)
	tokens := seq.NarrowCols(0, cols-1)
	attnMask, lossMask, positionIDs := ltorMasks(
		tokens, s.eodToken, s.cfg.ResetPositionIDs, s.cfg.ResetAttentionMask, eodMaskLoss)
	return engine.Batch{
		"text":           tokens,
		"labels":         labels,
		"loss_mask":      lossMask,
		"attention_mask": attnMask,
		"position_ids":   positionIDs,
	}
}

func (s *gptStep) ForwardStep(ctx context.Context, it engine.DataIterator, m engine.Model) (engine.Batch, engine.LossFunc, error) {
	batch, err := s.getBatch(ctx, it)
	if err != nil {
		return nil, nil, err
	}

	inputs := engine.Batch{}
	for _, key := range []string{"text", "position_ids", "attention_mask", "labels"} {
		t, err := field(batch, key)
		if err != nil {
			return nil, nil, err
		}
		inputs[key] = t
	}

	output, err := m.Forward(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}

	lossFn := func(ctx context.Context, out engine.Batch) (float64, engine.LossDict, error) {
		if s.lossOverride != nil {
			return s.lossOverride(ctx, batch, out)
		}
		return s.loss(ctx, batch, out)
	}
	return output, lossFn, nil
}

func (s *gptStep) loss(ctx context.Context, batch, output engine.Batch) (float64, engine.LossDict, error) {
	losses, err := field(output, "losses")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	lossMask, err := field(batch, "loss_mask")
	if err != nil {
		return 0, engine.LossDict{}, err
	}

	var loss float64
	if s.cfg.ContextParallelSize > 1 {
		// Each context-parallel rank holds a shard of the sequence; combine
		// the weighted sums before dividing so the ratio is exact.
		lv := losses.Float32s()
		mv := lossMask.Float32s()
		var num, den float64
		for i := range lv {
			num += float64(lv[i]) * float64(mv[i])
			den += float64(mv[i])
		}
		reduced, err := s.c.AllReduceSum(ctx, comm.ContextParallel, []float64{num, den})
		if err != nil {
			return 0, engine.LossDict{}, err
		}
		if reduced[1] != 0 {
			loss = reduced[0] / reduced[1]
		}
	} else {
		loss = maskedMean(losses, lossMask)
	}

	if s.cfg.CheckNaNInLoss {
		if err := checkLossFinite(loss, s.c); err != nil {
			metrics.NaNLossTotal.WithLabelValues(s.Name()).Inc()
			return 0, engine.LossDict{}, err
		}
	}

	avg, err := avgAcrossDataParallelGroup(ctx, s.c, []float64{loss})
	if err != nil {
		return 0, engine.LossDict{}, err
	}

	dict := engine.LossDict{Scalars: map[string]float64{"lm loss": avg[0]}}
	if s.cfg.ReturnLogits {
		if logits, ok := output["logits"]; ok {
			dict.Tensors = map[string]*tensor.Tensor{"logits": logits}
		}
	}
	return loss, dict, nil
}
