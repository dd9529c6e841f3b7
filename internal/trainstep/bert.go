package trainstep

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// bertNativeKeys is the field set the native pretraining dataset emits, in
// broadcast order.
var bertNativeKeys = []string{"text", "types", "labels", "is_random", "loss_mask", "padding_mask"}

type bertStep struct {
	cfg          *config.Train
	c            comm.Communicator
	getBatch     BatchFunc
	lossOverride LossValueFunc
}

func newBertStep(cfg *config.Train, c comm.Communicator, ov Overrides) *bertStep {
	s := &bertStep{cfg: cfg, c: c, lossOverride: ov.LossFunc}
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

func (s *bertStep) Name() string { return "bert" }

func (s *bertStep) decodeNative(ctx context.Context, it engine.DataIterator) (engine.Batch, error) {
	data, err := broadcastNamed(ctx, s.c, it, bertNativeKeys)
	if err != nil {
		return nil, err
	}
	// loss_mask arrives as int64 over the wire; the loss wants floats.
	lm, err := field(data, "loss_mask")
	if err != nil {
		return nil, err
	}
	data["loss_mask"] = lm.ToFloat32()
	return data, nil
}

func (s *bertStep) decodeGeneric(ctx context.Context, it engine.DataIterator) (engine.Batch, error) {
	data, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := field(data, "input_ids")
	if err != nil {
		return nil, err
	}
	padding, err := field(data, "attention_mask")
	if err != nil {
		return nil, err
	}
	out := engine.Batch{"text": tokens, "padding_mask": padding}
	if types, ok := data["token_type_ids"]; ok {
		out["types"] = types
	}
	if labels, ok := data["labels"]; ok {
		out["labels"] = labels
		if labels.DType() == tensor.Int64 {
			out["loss_mask"] = lossMaskFromLabels(labels)
		}
	}
	if sentenceOrder, ok := data["next_sentence_label"]; ok {
		out["is_random"] = sentenceOrder
	}
	return out, nil
}

func (s *bertStep) ForwardStep(ctx context.Context, it engine.DataIterator, m engine.Model) (engine.Batch, engine.LossFunc, error) {
	batch, err := s.getBatch(ctx, it)
	if err != nil {
		return nil, nil, err
	}

	inputs := engine.Batch{}
	for _, key := range []string{"text", "padding_mask"} {
		t, err := field(batch, key)
		if err != nil {
			return nil, nil, err
		}
		inputs[key] = t
	}
	if s.cfg.BinaryHead {
		if types, ok := batch["types"]; ok {
			inputs["types"] = types
		}
	}
	if s.cfg.Pretraining {
		if labels, ok := batch["labels"]; ok {
			inputs["labels"] = labels
		}
	}

	output, err := m.Forward(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}

	lossFn := func(ctx context.Context, out engine.Batch) (float64, engine.LossDict, error) {
		if s.lossOverride != nil {
			return s.lossOverride(ctx, batch, out)
		}
		if s.cfg.Pretraining {
			return s.lossPretrain(ctx, batch, out)
		}
		return s.lossFinetune(ctx, batch, out)
	}
	return output, lossFn, nil
}

// lossPretrain combines the masked language model loss with the optional
// next-sentence (sentence order) loss of the binary head.
func (s *bertStep) lossPretrain(ctx context.Context, batch, output engine.Batch) (float64, engine.LossDict, error) {
	lmLosses, err := field(output, "lm_loss")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	lossMask, err := field(batch, "loss_mask")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	lmLoss := maskedMean(lmLosses, lossMask)

	sopLogits, hasSOP := output["sop_logits"]
	if !hasSOP {
		avg, err := avgAcrossDataParallelGroup(ctx, s.c, []float64{lmLoss})
		if err != nil {
			return 0, engine.LossDict{}, err
		}
		return lmLoss, engine.LossDict{Scalars: map[string]float64{"lm loss": avg[0]}}, nil
	}

	sentenceOrder, err := field(batch, "is_random")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	sopLoss := crossEntropyMean(sopLogits, sentenceOrder.Int64s(), -1)
	loss := lmLoss + sopLoss
	avg, err := avgAcrossDataParallelGroup(ctx, s.c, []float64{lmLoss, sopLoss})
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	return loss, engine.LossDict{Scalars: map[string]float64{"lm loss": avg[0], "sop loss": avg[1]}}, nil
}

// lossFinetune picks regression, classification or multi-label loss from the
// label shape and dtype, matching the classification head.
func (s *bertStep) lossFinetune(ctx context.Context, batch, output engine.Batch) (float64, engine.LossDict, error) {
	logits, err := field(output, "logits")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	labels, err := field(batch, "labels")
	if err != nil {
		return 0, engine.LossDict{}, err
	}

	var loss float64
	switch {
	case s.cfg.NumLabels == 1:
		// Regression.
		target := labels
		if labels.DType() == tensor.Int64 {
			target = labels.ToFloat32()
		}
		loss = mseMean(logits, target)
	case s.cfg.NumLabels > 1 && labels.DType() == tensor.Int64:
		loss = crossEntropyMean(logits, labels.Int64s(), -1)
	default:
		if !tensor.SameShape(logits, labels) {
			return 0, engine.LossDict{}, fmt.Errorf("multi-label loss needs logits and labels of one shape, have %v and %v",
				logits.Shape(), labels.Shape())
		}
		loss = bceWithLogitsMean(logits, labels)
	}

	avg, err := avgAcrossDataParallelGroup(ctx, s.c, []float64{loss})
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	return loss, engine.LossDict{Scalars: map[string]float64{"loss": avg[0]}}, nil
}
