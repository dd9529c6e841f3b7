package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-trainer/internal/comm"
)

// Model architecture tags accepted by the trainer.
const (
	ModelBert = "bert"
	ModelGPT  = "gpt"
	ModelT5   = "t5"
)

// Train is the flat training configuration. It is assembled once at startup,
// validated, and then threaded through every component unchanged; mutable
// per-run counters (iteration, consumed samples) live on the Trainer, not
// here.
type Train struct {
	ModelType   string
	Pretraining bool
	NumLabels   int
	BinaryHead  bool

	// StructuredOutput makes the unified step return loss plus logits instead
	// of a bare scalar.
	StructuredOutput bool
	ReturnLogits     bool

	SeqLength        int
	EncoderSeqLength int
	DecoderSeqLength int

	MicroBatchSize  int
	NumMicroBatches int

	TensorParallelSize   int
	PipelineParallelSize int
	DataParallelSize     int
	ContextParallelSize  int
	// VirtualPipelineSize > 0 splits each pipeline stage into interleaved
	// model chunks, each fed its own microbatch iterator.
	VirtualPipelineSize int

	SequenceParallel     bool
	RecomputeGranularity string

	// NativeDataset selects the engine's own dataset/iterator builders over a
	// caller-supplied generic batch source.
	NativeDataset bool
	DataPath      []string
	Split         string
	Seed          int64

	ResetPositionIDs   bool
	ResetAttentionMask bool
	EODMaskLoss        bool
	CheckNaNInLoss     bool

	FP16 bool

	VocabFile                string
	OrigVocabSize            int
	PaddedVocabSize          int
	MakeVocabSizeDivisibleBy int
	EODToken                 int64
	BOSToken                 int64

	SavePath string
	LoadPath string

	LogInterval int
}

func (c *Train) Validate() error {
	switch strings.ToLower(c.ModelType) {
	case ModelBert, ModelGPT, ModelT5:
	case "":
		return fmt.Errorf("model type is required")
	default:
		return fmt.Errorf("unsupported model type: %q", c.ModelType)
	}
	if c.SeqLength <= 0 {
		return fmt.Errorf("invalid seq_length: %d (must be positive)", c.SeqLength)
	}
	if c.MicroBatchSize <= 0 {
		return fmt.Errorf("invalid micro_batch_size: %d (must be positive)", c.MicroBatchSize)
	}
	if c.NumMicroBatches <= 0 {
		return fmt.Errorf("invalid num_micro_batches: %d (must be positive)", c.NumMicroBatches)
	}
	if c.TensorParallelSize <= 0 {
		return fmt.Errorf("invalid tensor_parallel_size: %d (must be positive)", c.TensorParallelSize)
	}
	if c.PipelineParallelSize <= 0 {
		return fmt.Errorf("invalid pipeline_parallel_size: %d (must be positive)", c.PipelineParallelSize)
	}
	if c.DataParallelSize <= 0 {
		return fmt.Errorf("invalid data_parallel_size: %d (must be positive)", c.DataParallelSize)
	}
	if c.ContextParallelSize <= 0 {
		return fmt.Errorf("invalid context_parallel_size: %d (must be positive)", c.ContextParallelSize)
	}
	if c.VirtualPipelineSize < 0 {
		return fmt.Errorf("invalid virtual_pipeline_size: %d (must be non-negative)", c.VirtualPipelineSize)
	}
	if c.VirtualPipelineSize > 0 && c.PipelineParallelSize < 2 {
		return fmt.Errorf("virtual_pipeline_size requires pipeline_parallel_size >= 2, have %d", c.PipelineParallelSize)
	}
	if c.NumLabels < 0 {
		return fmt.Errorf("invalid num_labels: %d (must be non-negative)", c.NumLabels)
	}
	if strings.ToLower(c.ModelType) == ModelT5 {
		if c.EncoderSeqLength <= 0 {
			return fmt.Errorf("invalid encoder_seq_length: %d (must be positive for t5)", c.EncoderSeqLength)
		}
		if c.DecoderSeqLength <= 0 {
			return fmt.Errorf("invalid decoder_seq_length: %d (must be positive for t5)", c.DecoderSeqLength)
		}
	}
	if c.OrigVocabSize <= 0 && c.PaddedVocabSize <= 0 {
		return fmt.Errorf("one of orig_vocab_size or padded_vocab_size is required")
	}
	return nil
}

// Normalize fills derived fields: the padded vocabulary size and the bert
// binary head flag. Call after Validate.
func (c *Train) Normalize() {
	if c.PaddedVocabSize == 0 {
		c.PaddedVocabSize = vocabSizeWithPadding(c.OrigVocabSize, c.MakeVocabSizeDivisibleBy, c.TensorParallelSize)
	}
	c.BinaryHead = c.GetModelType() == ModelBert && c.Pretraining && c.NumLabels == 2
}

// GetModelType returns the lowercased architecture tag.
func (c *Train) GetModelType() string {
	return strings.ToLower(c.ModelType)
}

// Topology maps the parallelism degrees onto the communicator layout.
func (c *Train) Topology() comm.Topology {
	return comm.Topology{
		TensorParallelSize:  c.TensorParallelSize,
		ContextParallelSize: c.ContextParallelSize,
		DataParallelSize:    c.DataParallelSize,
		PipelineStages:      c.PipelineParallelSize,
	}
}

// GlobalBatchSize is the sample count consumed by one optimizer step across
// the data-parallel group.
func (c *Train) GlobalBatchSize() int {
	return c.DataParallelSize * c.MicroBatchSize * c.NumMicroBatches
}

// vocabSizeWithPadding rounds the vocabulary up so each tensor-parallel shard
// holds an equal slice aligned for the engine's fused kernels.
func vocabSizeWithPadding(origSize, divisor, tpSize int) int {
	if divisor <= 0 {
		divisor = 128
	}
	multiple := divisor * tpSize
	size := origSize
	for size%multiple != 0 {
		size++
	}
	return size
}

func Default() Train {
	return Train{
		SeqLength:                1024,
		MicroBatchSize:           1,
		NumMicroBatches:          1,
		TensorParallelSize:       1,
		PipelineParallelSize:     1,
		DataParallelSize:         1,
		ContextParallelSize:      1,
		MakeVocabSizeDivisibleBy: 128,
		Split:                    "969,30,1",
		Seed:                     1234,
		CheckNaNInLoss:           true,
		LogInterval:              100,
	}
}
