package trainer

import (
	"context"
	"testing"

	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

func f64(v float64) *float64 { return &v }

func generateConfig() *config.Train {
	cfg := testConfig()
	cfg.VocabFile = "vocab.json"
	cfg.EODToken = 99
	cfg.BOSToken = 1
	return cfg
}

func TestValidateGenerateOptions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Train)
		batch   int
		opts    GenerateOptions
		wantErr bool
	}{
		{
			name:  "sampling defaults accepted",
			batch: 1,
			opts:  GenerateOptions{MaxNewTokens: 8},
		},
		{
			name:    "wrong model type",
			mutate:  func(c *config.Train) { c.ModelType = config.ModelBert },
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8},
			wantErr: true,
		},
		{
			name:    "data parallel rejected",
			mutate:  func(c *config.Train) { c.DataParallelSize = 2 },
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8},
			wantErr: true,
		},
		{
			name:    "sequence parallel rejected",
			mutate:  func(c *config.Train) { c.SequenceParallel = true },
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8},
			wantErr: true,
		},
		{
			name:    "activation recompute rejected",
			mutate:  func(c *config.Train) { c.RecomputeGranularity = "selective" },
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8},
			wantErr: true,
		},
		{
			name:    "missing vocab file",
			mutate:  func(c *config.Train) { c.VocabFile = "" },
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8},
			wantErr: true,
		},
		{
			name:    "no length budget",
			batch:   1,
			opts:    GenerateOptions{},
			wantErr: true,
		},
		{
			name:    "temperature too high",
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8, Temperature: f64(200)},
			wantErr: true,
		},
		{
			name:    "temperature zero rejected",
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8, Temperature: f64(0)},
			wantErr: true,
		},
		{
			name:  "temperature at bound accepted",
			batch: 1,
			opts:  GenerateOptions{MaxNewTokens: 8, Temperature: f64(100)},
		},
		{
			name:    "top_k too large",
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8, TopK: 1500},
			wantErr: true,
		},
		{
			name:    "top_k and top_p together",
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8, TopK: 10, TopP: 0.9},
			wantErr: true,
		},
		{
			name:  "top_p alone accepted",
			batch: 1,
			opts:  GenerateOptions{MaxNewTokens: 8, TopP: 0.9, TopPDecay: 0.5, TopPBound: 0.1},
		},
		{
			name:    "top_p above one",
			batch:   1,
			opts:    GenerateOptions{MaxNewTokens: 8, TopP: 1.5},
			wantErr: true,
		},
		{
			name:    "beam search with batch above one",
			batch:   2,
			opts:    GenerateOptions{MaxNewTokens: 8, NumBeams: 2},
			wantErr: true,
		},
		{
			name:  "beam search with single prompt",
			batch: 1,
			opts:  GenerateOptions{MaxNewTokens: 8, NumBeams: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := generateConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			tr := newTestTrainer(t, cfg, &fakeEngine{})
			inputs := tensor.NewInt64(tt.batch, 4)
			err := tr.validateGenerateOptions(context.Background(), inputs, &tt.opts)
			if tt.wantErr && err == nil {
				t.Error("validateGenerateOptions() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validateGenerateOptions() = %v, want nil", err)
			}
		})
	}
}

func TestValidateGenerateOptionsFillsDefaults(t *testing.T) {
	tr := newTestTrainer(t, generateConfig(), &fakeEngine{})
	opts := GenerateOptions{MaxNewTokens: 8}
	if err := tr.validateGenerateOptions(context.Background(), tensor.NewInt64(1, 4), &opts); err != nil {
		t.Fatalf("validateGenerateOptions() = %v", err)
	}
	if opts.Temperature == nil || *opts.Temperature != 1.0 {
		t.Errorf("Temperature = %v, want default 1.0", opts.Temperature)
	}
	if opts.LengthPenalty != 1.0 {
		t.Errorf("LengthPenalty = %v, want default 1.0", opts.LengthPenalty)
	}
}

func TestGeneratePadsPromptToMultipleOfFour(t *testing.T) {
	eng := &fakeEngine{}
	tr := newTestTrainer(t, generateConfig(), eng)

	inputs := tensor.FromInt64([]int64{5, 6, 7}, 1, 3)
	out, err := tr.Generate(context.Background(), inputs, nil, GenerateOptions{MaxNewTokens: 6})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if out == nil {
		t.Fatal("Generate() returned nil tokens")
	}

	if len(eng.sampleCalls) != 1 {
		t.Fatalf("engine sample calls = %d, want 1", len(eng.sampleCalls))
	}
	// 3 prompt + 6 new = 9, padded up to 12; padding carries the
	// end-of-document token.
	if out.Dim(1) != 12 {
		t.Errorf("prompt width = %d, want 12", out.Dim(1))
	}
	for i, w := range []int64{5, 6, 7} {
		if out.IntAt(0, i) != w {
			t.Errorf("prompt[%d] = %d, want %d", i, out.IntAt(0, i), w)
		}
	}
	for i := 3; i < 12; i++ {
		if out.IntAt(0, i) != 99 {
			t.Errorf("padding[%d] = %d, want end-of-document token 99", i, out.IntAt(0, i))
		}
	}
	if !eng.sampleCalls[0].UseStopTokenForEarlyTermination {
		t.Error("sampling must terminate early on the stop token")
	}
}

func TestGenerateAddBOS(t *testing.T) {
	eng := &fakeEngine{}
	tr := newTestTrainer(t, generateConfig(), eng)

	inputs := tensor.FromInt64([]int64{5, 6, 7}, 1, 3)
	out, err := tr.Generate(context.Background(), inputs, nil, GenerateOptions{MaxNewTokens: 4, AddBOS: true})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if out.IntAt(0, 0) != 1 {
		t.Errorf("first token = %d, want beginning-of-sequence token 1", out.IntAt(0, 0))
	}
	if out.IntAt(0, 1) != 5 {
		t.Errorf("second token = %d, want first prompt token 5", out.IntAt(0, 1))
	}
	// 1 bos + 3 prompt + 4 new = 8, already aligned.
	if out.Dim(1) != 8 {
		t.Errorf("prompt width = %d, want 8", out.Dim(1))
	}
}

func TestGenerateBeamSearchRoute(t *testing.T) {
	eng := &fakeEngine{}
	tr := newTestTrainer(t, generateConfig(), eng)

	stop := int64(42)
	inputs := tensor.FromInt64([]int64{5}, 1, 1)
	_, err := tr.Generate(context.Background(), inputs, nil, GenerateOptions{
		MaxNewTokens:  3,
		NumBeams:      4,
		LengthPenalty: 0.7,
		StopToken:     &stop,
	})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if len(eng.beamCalls) != 1 || len(eng.sampleCalls) != 0 {
		t.Fatalf("beam/sample calls = %d/%d, want 1/0", len(eng.beamCalls), len(eng.sampleCalls))
	}
	got := eng.beamCalls[0]
	if got.BeamWidth != 4 || got.LengthPenalty != 0.7 || got.StopToken != 42 {
		t.Errorf("beam options = %+v, want width 4, penalty 0.7, stop 42", got)
	}
}

func TestGeneratePromptLengthsFromAttentionMask(t *testing.T) {
	eng := &fakeEngine{generated: tensor.NewInt64(2, 8)}
	tr := newTestTrainer(t, generateConfig(), eng)

	inputs := tensor.FromInt64([]int64{5, 6, 7, 8, 9, 99}, 2, 3)
	mask := tensor.FromInt64([]int64{1, 1, 1, 1, 1, 0}, 2, 3)
	if _, err := tr.Generate(context.Background(), inputs, mask, GenerateOptions{MaxNewTokens: 5}); err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if len(eng.sampleCalls) != 1 {
		t.Fatalf("engine sample calls = %d, want 1", len(eng.sampleCalls))
	}
	lengths := eng.sampleLengths
	if lengths == nil || lengths.Dim(0) != 2 {
		t.Fatalf("prompt lengths = %v, want 2 entries", lengths)
	}
	if lengths.IntAt(0) != 3 || lengths.IntAt(1) != 2 {
		t.Errorf("prompt lengths = [%d %d], want [3 2]", lengths.IntAt(0), lengths.IntAt(1))
	}
}

func TestGenerateRejectsExhaustedLengthBudget(t *testing.T) {
	tr := newTestTrainer(t, generateConfig(), &fakeEngine{})
	inputs := tensor.FromInt64([]int64{5, 6, 7, 8}, 1, 4)
	// MaxLength not beyond the prompt leaves no room for new tokens.
	if _, err := tr.Generate(context.Background(), inputs, nil, GenerateOptions{MaxLength: 4}); err == nil {
		t.Error("Generate() = nil with exhausted length budget, want error")
	}
}
