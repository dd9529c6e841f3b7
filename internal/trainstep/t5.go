package trainstep

import (
	"context"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// t5NativeKeys is the encoder-decoder field set of the native dataset, in
// broadcast order. Masks arrive as 0/1 int64 tensors and are binarized after
// the broadcast.
var t5NativeKeys = []string{"text_enc", "text_dec", "labels", "loss_mask", "enc_mask", "dec_mask", "enc_dec_mask"}

type t5Step struct {
	cfg          *config.Train
	c            comm.Communicator
	getBatch     BatchFunc
	lossOverride LossValueFunc
}

func newT5Step(cfg *config.Train, c comm.Communicator, ov Overrides) *t5Step {
	s := &t5Step{cfg: cfg, c: c, lossOverride: ov.LossFunc}
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

func (s *t5Step) Name() string { return "t5" }

func (s *t5Step) decodeNative(ctx context.Context, it engine.DataIterator) (engine.Batch, error) {
	data, err := broadcastNamed(ctx, s.c, it, t5NativeKeys)
	if err != nil {
		return nil, err
	}
	lm, err := field(data, "loss_mask")
	if err != nil {
		return nil, err
	}
	data["loss_mask"] = lm.ToFloat32()
	for _, key := range []string{"enc_mask", "dec_mask", "enc_dec_mask"} {
		m, err := field(data, key)
		if err != nil {
			return nil, err
		}
		data[key] = tensor.BinarizeMask(m)
	}
	return data, nil
}

// decodeGeneric builds the three kernel masks locally and, when the batch
// carries no decoder inputs, derives them by shifting labels right one
// position with a zero start token.
func (s *t5Step) decodeGeneric(ctx context.Context, it engine.DataIterator) (engine.Batch, error) {
	data, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	tokensEnc, err := field(data, "input_ids")
	if err != nil {
		return nil, err
	}
	labels, err := field(data, "labels")
	if err != nil {
		return nil, err
	}
	attentionMask, err := field(data, "attention_mask")
	if err != nil {
		return nil, err
	}

	tokensDec, hasDec := data["decoder_input_ids"]
	if !hasDec {
		b, n := labels.Dim(0), labels.Dim(1)
		tokensDec = tensor.NewInt64(b, n)
		for r := 0; r < b; r++ {
			for i := 1; i < n; i++ {
				v := labels.IntAt(r, i-1)
				if v == IgnoreIndex {
					v = 0
				}
				tokensDec.SetInt(v, r, i)
			}
		}
	}

	return engine.Batch{
		"text_enc":     tokensEnc,
		"text_dec":     tokensDec,
		"labels":       labels,
		"loss_mask":    lossMaskFromLabels(labels),
		"enc_mask":     tensor.SelfAttentionMask(attentionMask),
		"dec_mask":     tensor.CausalMask(tokensDec.Dim(1)),
		"enc_dec_mask": tensor.CrossMask(attentionMask, tokensDec.Dim(1)),
	}, nil
}

func (s *t5Step) ForwardStep(ctx context.Context, it engine.DataIterator, m engine.Model) (engine.Batch, engine.LossFunc, error) {
	batch, err := s.getBatch(ctx, it)
	if err != nil {
		return nil, nil, err
	}

	inputs := engine.Batch{}
	for _, key := range []string{"text_enc", "text_dec", "enc_mask", "dec_mask", "enc_dec_mask", "labels"} {
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

func (s *t5Step) loss(ctx context.Context, batch, output engine.Batch) (float64, engine.LossDict, error) {
	lmLosses, err := field(output, "lm_loss")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	lossMask, err := field(batch, "loss_mask")
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	loss := maskedMean(lmLosses, lossMask)
	avg, err := avgAcrossDataParallelGroup(ctx, s.c, []float64{loss})
	if err != nil {
		return 0, engine.LossDict{}, err
	}
	return loss, engine.LossDict{Scalars: map[string]float64{"lm loss": avg[0]}}, nil
}
