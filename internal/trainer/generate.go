package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/metrics"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// GenerateOptions are the sampling and search parameters of Generate. Zero
// values mean "unset" and are filled with the engine defaults during
// validation.
type GenerateOptions struct {
	MaxLength    int
	MaxNewTokens int

	NumBeams      int
	LengthPenalty float64

	// Temperature scales the sampling logits. Nil means unset and is
	// filled with 1.0; an explicit 0 is out of range and rejected.
	Temperature *float64
	TopK        int
	TopP        float64
	TopPDecay   float64
	TopPBound   float64

	AddBOS bool
	// StopToken overrides the end-of-document token as the termination
	// marker. Nil keeps the default.
	StopToken  *int64
	RandomSeed int64
}

// Generate produces tokens from prompt inputs with beam search (NumBeams set)
// or top-k/top-p sampling. Only rank 0 prepares the padded prompt tensors;
// their shape and content are then broadcast so every rank enters the
// engine's generation loop with identical state.
func (t *Trainer) Generate(ctx context.Context, inputs, attentionMask *tensor.Tensor, opts GenerateOptions) (*tensor.Tensor, error) {
	if err := t.validateGenerateOptions(ctx, inputs, &opts); err != nil {
		return nil, err
	}
	start := time.Now()

	batch := inputs.Dim(0)
	promptLen := inputs.Dim(1)

	// Only rank 0 computes sizes and padded prompts; everyone else learns
	// them from the two broadcasts below.
	var sizes []int64
	var promptTokens, promptLengths *tensor.Tensor
	if t.c.Rank() == 0 {
		promptLengths = tensor.NewInt64(batch)
		if attentionMask == nil {
			for i := 0; i < batch; i++ {
				promptLengths.SetInt(int64(promptLen), i)
			}
		} else {
			for i := 0; i < batch; i++ {
				var n int64
				for j := 0; j < attentionMask.Dim(1); j++ {
					n += attentionMask.IntAt(i, j)
				}
				promptLengths.SetInt(n, i)
			}
		}

		maxNewTokens := opts.MaxNewTokens
		if maxNewTokens == 0 {
			maxNewTokens = opts.MaxLength - promptLen
		}
		if maxNewTokens <= 0 {
			return nil, fmt.Errorf("max_new_tokens must be greater than 0")
		}

		// Pad the total length to a multiple of 4: the engine's fused
		// kernels require the alignment.
		extra := 0
		if opts.AddBOS {
			extra = 1
		}
		maxLength := roundUpTo4(maxNewTokens + promptLen + extra)
		maxNewTokens = maxLength - (promptLen + extra)

		padding := tensor.FullInt64(t.cfg.EODToken, batch, maxNewTokens)
		if opts.AddBOS {
			bos := tensor.FullInt64(t.cfg.BOSToken, batch, 1)
			promptTokens = tensor.ConcatCols(bos, inputs, padding)
		} else {
			promptTokens = tensor.ConcatCols(inputs, padding)
		}
		sizes = []int64{int64(promptTokens.Dim(0)), int64(promptTokens.Dim(1))}
	}

	// First the sizes, then the tensors they describe.
	sizes, err := t.c.BroadcastInt64s(ctx, comm.World, 0, sizes, 2)
	if err != nil {
		return nil, fmt.Errorf("broadcasting prompt sizes: %w", err)
	}
	promptTokens, err = t.c.BroadcastTensor(ctx, comm.World, 0, promptTokens)
	if err != nil {
		return nil, fmt.Errorf("broadcasting prompt tokens: %w", err)
	}
	promptLengths, err = t.c.BroadcastTensor(ctx, comm.World, 0, promptLengths)
	if err != nil {
		return nil, fmt.Errorf("broadcasting prompt lengths: %w", err)
	}
	if int64(promptTokens.Dim(0)) != sizes[0] || int64(promptTokens.Dim(1)) != sizes[1] {
		return nil, fmt.Errorf("broadcast prompt shape %v does not match announced sizes %v",
			promptTokens.Shape(), sizes)
	}

	stopToken := t.cfg.EODToken
	if opts.StopToken != nil {
		stopToken = *opts.StopToken
	}

	baseModel := t.models[0]
	var tokens *tensor.Tensor
	if opts.NumBeams > 0 {
		tokens, err = t.eng.BeamSearch(ctx, baseModel, promptTokens, promptLengths, engine.BeamOptions{
			BeamWidth:     opts.NumBeams,
			StopToken:     stopToken,
			NumReturn:     1,
			LengthPenalty: opts.LengthPenalty,
		})
		if err != nil {
			return nil, fmt.Errorf("beam search: %w", err)
		}
		metrics.RecordGenerate("beam", time.Since(start))
	} else {
		tokens, err = t.eng.SampleTokens(ctx, baseModel, promptTokens, promptLengths, engine.SampleOptions{
			TopK:                            opts.TopK,
			TopP:                            opts.TopP,
			TopPDecay:                       opts.TopPDecay,
			TopPBound:                       opts.TopPBound,
			Temperature:                     *opts.Temperature,
			UseStopTokenForEarlyTermination: true,
			RandomSeed:                      opts.RandomSeed,
		})
		if err != nil {
			return nil, fmt.Errorf("sampling: %w", err)
		}
		metrics.RecordGenerate("sample", time.Since(start))
	}
	return tokens, nil
}

// validateGenerateOptions enforces the engine's generation preconditions and
// fills defaults in place. Each violated precondition raises its own error.
func (t *Trainer) validateGenerateOptions(ctx context.Context, inputs *tensor.Tensor, opts *GenerateOptions) error {
	fail := func(typ string, err error) error {
		metrics.RecordValidationError("generate", typ)
		return err
	}

	if t.cfg.GetModelType() != config.ModelGPT {
		return fail("model_type", fmt.Errorf("generate is not implemented for model type %q", t.cfg.ModelType))
	}
	if err := t.eng.Available(ctx); err != nil {
		return fail("engine", fmt.Errorf("generation engine unavailable: %w", err))
	}
	if t.cfg.DataParallelSize > 1 {
		return fail("data_parallel", fmt.Errorf("generate requires data parallelism to be 1, have %d", t.cfg.DataParallelSize))
	}
	if t.cfg.SequenceParallel {
		return fail("sequence_parallel", fmt.Errorf("generate requires sequence parallelism to be disabled"))
	}
	if t.cfg.RecomputeGranularity != "" {
		return fail("recompute", fmt.Errorf("activation recomputation cannot be set for inference"))
	}
	if t.cfg.VocabFile == "" {
		return fail("vocab_file", fmt.Errorf("a vocab file is required for inference"))
	}
	if opts.MaxLength == 0 && opts.MaxNewTokens == 0 {
		return fail("max_length", fmt.Errorf("max_length or max_new_tokens is required for inference"))
	}

	if opts.Temperature == nil {
		def := 1.0
		opts.Temperature = &def
	}
	if *opts.Temperature <= 0 || *opts.Temperature > 100 {
		return fail("temperature", fmt.Errorf("temperature must be a positive number less than or equal to 100.0, got %v", *opts.Temperature))
	}
	if opts.TopK < 0 || opts.TopK > 1000 {
		return fail("top_k", fmt.Errorf("top_k must be a positive number less than or equal to 1000, got %d", opts.TopK))
	}
	if opts.TopP > 0 && opts.TopK > 0 {
		return fail("top_p", fmt.Errorf("top_p and top_k sampling cannot be set together"))
	}
	if opts.TopP < 0 || opts.TopP > 1 {
		return fail("top_p", fmt.Errorf("top_p must be less than or equal to 1.0, got %v", opts.TopP))
	}
	if opts.TopPDecay < 0 || opts.TopPDecay > 1 {
		return fail("top_p_decay", fmt.Errorf("top_p_decay must be less than or equal to 1.0, got %v", opts.TopPDecay))
	}
	if opts.TopPBound < 0 || opts.TopPBound > 1 {
		return fail("top_p_bound", fmt.Errorf("top_p_bound must be less than or equal to 1.0, got %v", opts.TopPBound))
	}
	if opts.NumBeams < 0 {
		return fail("beam_width", fmt.Errorf("beam width must be greater than 0, got %d", opts.NumBeams))
	}
	if opts.NumBeams > 0 && inputs.Dim(0) > 1 {
		return fail("beam_batch", fmt.Errorf("beam search requires batch size 1, have %d", inputs.Dim(0)))
	}
	if opts.LengthPenalty == 0 {
		opts.LengthPenalty = 1.0
	}
	return nil
}

func roundUpTo4(n int) int {
	return 4 * ((n + 3) / 4)
}
