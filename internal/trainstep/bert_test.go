package trainstep

import (
	"context"
	"math"
	"testing"

	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

func bertConfig() *config.Train {
	cfg := config.Default()
	cfg.ModelType = config.ModelBert
	cfg.Pretraining = true
	cfg.PaddedVocabSize = 100
	return &cfg
}

func TestBertDecodeGeneric(t *testing.T) {
	cfg := bertConfig()
	s := newBertStep(cfg, singleRank(t), Overrides{})

	it := &sliceIterator{batches: []engine.Batch{{
		"input_ids":           tensor.FromInt64([]int64{1, 2, 3, 4}, 2, 2),
		"attention_mask":      tensor.FromInt64([]int64{1, 1, 1, 0}, 2, 2),
		"token_type_ids":      tensor.FromInt64([]int64{0, 0, 1, 1}, 2, 2),
		"labels":              tensor.FromInt64([]int64{5, IgnoreIndex, IgnoreIndex, 6}, 2, 2),
		"next_sentence_label": tensor.FromInt64([]int64{0, 1}, 2),
	}}}
	batch, err := s.decodeGeneric(context.Background(), it)
	if err != nil {
		t.Fatalf("decodeGeneric() = %v", err)
	}

	for _, key := range []string{"text", "padding_mask", "types", "labels", "loss_mask", "is_random"} {
		if batch[key] == nil {
			t.Errorf("decoded batch missing %q", key)
		}
	}

	// Ignore-sentinel labels drop out of the loss.
	wantMask := []float32{1, 0, 0, 1}
	for i, w := range wantMask {
		if got := batch["loss_mask"].Float32s()[i]; got != w {
			t.Errorf("loss mask[%d] = %v, want %v", i, got, w)
		}
	}
}

func TestBertLossPretrainWithoutBinaryHead(t *testing.T) {
	cfg := bertConfig()
	s := newBertStep(cfg, singleRank(t), Overrides{})

	batch := engine.Batch{"loss_mask": tensor.FromFloat32([]float32{1, 1}, 1, 2)}
	output := engine.Batch{"lm_loss": tensor.FromFloat32([]float32{2, 4}, 1, 2)}
	loss, dict, err := s.lossPretrain(context.Background(), batch, output)
	if err != nil {
		t.Fatalf("lossPretrain() = %v", err)
	}
	if !approx(loss, 3) {
		t.Errorf("loss = %v, want 3", loss)
	}
	if !approx(dict.Scalars["lm loss"], 3) {
		t.Errorf("lm loss = %v, want 3", dict.Scalars["lm loss"])
	}
	if _, ok := dict.Scalars["sop loss"]; ok {
		t.Error("sop loss reported without a binary head output")
	}
}

func TestBertLossPretrainWithBinaryHead(t *testing.T) {
	cfg := bertConfig()
	s := newBertStep(cfg, singleRank(t), Overrides{})

	batch := engine.Batch{
		"loss_mask": tensor.FromFloat32([]float32{1, 1}, 1, 2),
		"is_random": tensor.FromInt64([]int64{0}, 1),
	}
	output := engine.Batch{
		"lm_loss":    tensor.FromFloat32([]float32{2, 4}, 1, 2),
		"sop_logits": tensor.FromFloat32([]float32{0, 0}, 1, 2),
	}
	loss, dict, err := s.lossPretrain(context.Background(), batch, output)
	if err != nil {
		t.Fatalf("lossPretrain() = %v", err)
	}
	wantSOP := math.Log(2)
	if !approx(loss, 3+wantSOP) {
		t.Errorf("loss = %v, want %v", loss, 3+wantSOP)
	}
	if !approx(dict.Scalars["lm loss"], 3) || !approx(dict.Scalars["sop loss"], wantSOP) {
		t.Errorf("scalars = %v, want lm loss 3 and sop loss ln 2", dict.Scalars)
	}
}

func TestBertLossFinetune(t *testing.T) {
	tests := []struct {
		name      string
		numLabels int
		labels    *tensor.Tensor
		logits    *tensor.Tensor
		want      float64
	}{
		{
			name:      "regression uses mse",
			numLabels: 1,
			labels:    tensor.FromFloat32([]float32{0, 1}, 2, 1),
			logits:    tensor.FromFloat32([]float32{1, 3}, 2, 1),
			want:      2.5,
		},
		{
			name:      "regression converts integer labels",
			numLabels: 1,
			labels:    tensor.FromInt64([]int64{0, 1}, 2, 1),
			logits:    tensor.FromFloat32([]float32{1, 3}, 2, 1),
			want:      2.5,
		},
		{
			name:      "classification uses cross entropy",
			numLabels: 2,
			labels:    tensor.FromInt64([]int64{0, 1}, 2),
			logits:    tensor.FromFloat32([]float32{0, 0, 0, 0}, 2, 2),
			want:      math.Log(2),
		},
		{
			name:      "multi-label uses bce",
			numLabels: 2,
			labels:    tensor.FromFloat32([]float32{0.5, 0.5}, 1, 2),
			logits:    tensor.FromFloat32([]float32{0, 0}, 1, 2),
			want:      math.Log(2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := bertConfig()
			cfg.Pretraining = false
			cfg.NumLabels = tt.numLabels
			s := newBertStep(cfg, singleRank(t), Overrides{})

			batch := engine.Batch{"labels": tt.labels}
			output := engine.Batch{"logits": tt.logits}
			loss, dict, err := s.lossFinetune(context.Background(), batch, output)
			if err != nil {
				t.Fatalf("lossFinetune() = %v", err)
			}
			if !approx(loss, tt.want) {
				t.Errorf("loss = %v, want %v", loss, tt.want)
			}
			if !approx(dict.Scalars["loss"], tt.want) {
				t.Errorf("logged loss = %v, want %v", dict.Scalars["loss"], tt.want)
			}
		})
	}
}

func TestBertLossFinetuneShapeMismatch(t *testing.T) {
	cfg := bertConfig()
	cfg.Pretraining = false
	cfg.NumLabels = 3
	s := newBertStep(cfg, singleRank(t), Overrides{})

	batch := engine.Batch{"labels": tensor.FromFloat32([]float32{1, 0}, 1, 2)}
	output := engine.Batch{"logits": tensor.FromFloat32([]float32{0, 0, 0}, 1, 3)}
	if _, _, err := s.lossFinetune(context.Background(), batch, output); err == nil {
		t.Error("lossFinetune() = nil with mismatched multi-label shapes, want error")
	}
}
