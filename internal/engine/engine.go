// Package engine declares the capability contracts the trainer consumes from
// the distributed training engine. Everything behind these interfaces — the
// pipeline schedule, gradient reduction, mixed-precision scaling, checkpoint
// serialization, KV-cache generation — belongs to the engine, not to this
// module. The in-repo implementation is the Arrow Flight client in
// internal/enginerpc; tests substitute fakes.
package engine

import (
	"context"
	"errors"

	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// ErrEndOfData is returned by DataIterator.Next when the source is exhausted.
var ErrEndOfData = errors.New("engine: end of data")

// Batch maps field names to tensors. Required keys depend on the model
// architecture; missing keys surface as errors from the batch decoders.
type Batch map[string]*tensor.Tensor

// DataIterator produces batches. Implementations must be safe to call from a
// single goroutine only.
type DataIterator interface {
	Next(ctx context.Context) (Batch, error)
}

// Model is one pipeline chunk of a constructed model. Forward consumes named
// input tensors and returns named outputs; the field sets are fixed per
// architecture.
type Model interface {
	Name() string
	SetTraining(training bool)
	Training() bool
	Forward(ctx context.Context, inputs Batch) (Batch, error)
}

// Optimizer is the engine's fused optimizer. ZeroGrad and the parameter
// update happen inside TrainStep, so callers only observe state here.
type Optimizer interface {
	// ScaleLoss applies the current loss scale (identity without FP16).
	ScaleLoss(loss float64) float64
	LossScale() float64
	LearningRate() float64
	// ReloadModelParams re-reads unscaled master parameters, needed after a
	// fresh FP16 restart.
	ReloadModelParams() error
	// FinishParamSync completes the deferred parameter all-gather for one
	// model chunk when the distributed optimizer overlaps it with compute.
	FinishParamSync(chunk int) error
}

// Scheduler advances the learning-rate schedule by consumed samples.
type Scheduler interface {
	StepSamples(n int)
}

// LossDict carries per-key reduced losses: scalars for logging, tensors for
// fields like logits that are concatenated rather than averaged.
type LossDict struct {
	Scalars map[string]float64
	Tensors map[string]*tensor.Tensor
}

// LossFunc computes the backpropagation loss and the reduced logging dict for
// one microbatch's output chunk.
type LossFunc func(ctx context.Context, output Batch) (float64, LossDict, error)

// ForwardStepFunc decodes one batch from the iterator, runs the model, and
// returns the raw output plus a loss closure pre-bound to that batch's masks
// and labels. The engine calls it once per microbatch.
type ForwardStepFunc func(ctx context.Context, it DataIterator, m Model) (Batch, LossFunc, error)

// RunConfig is the per-run execution configuration the trainer builds exactly
// once, binding gradient and parameter synchronization callbacks to the
// optimizer.
type RunConfig struct {
	GradScaleFunc func(loss float64) float64
	// NoSyncFuncs and GradSyncFuncs hold one callback per model chunk when
	// gradient reduction overlaps with the backward pass.
	NoSyncFuncs    []func()
	GradSyncFuncs  []func()
	ParamSyncFuncs []func() error
	FinalizeGrads  func() error
}

// StepResult is what one fused training step hands back.
type StepResult struct {
	Losses         LossDict
	Skipped        bool
	GradNorm       float64
	NumZerosInGrad int
}

// ModelKind distinguishes single-stack from encoder-decoder models for the
// engine's pipeline planner.
type ModelKind int

const (
	EncoderOrDecoder ModelKind = iota
	EncoderAndDecoder
)

// BuildOptions carry the pipeline-ownership flags passed to a model provider:
// whether this rank holds the input embedding (PreProcess), the output head
// (PostProcess), and which stacks of an encoder-decoder model it owns.
type BuildOptions struct {
	PreProcess  bool
	PostProcess bool
	AddEncoder  bool
	AddDecoder  bool
}

// ModelProvider builds one model chunk for the stage described by opts.
type ModelProvider func(opts BuildOptions) (Model, error)

// ModelSpec is the architecture-resolved construction request handed to the
// engine.
type ModelSpec struct {
	Architecture  string
	NumTokenTypes int
	AddBinaryHead bool
	NumClasses    int
	// ParallelOutput keeps output logits sharded across the tensor-parallel
	// group instead of gathering them.
	ParallelOutput bool
	Options        BuildOptions
}

// DatasetRequest describes the native dataset build for one run.
type DatasetRequest struct {
	DataPath          []string
	Split             string
	Seed              int64
	MaxSeqLength      int
	MaxSeqLengthDec   int
	BinaryHead        bool
	DatasetType       string
	TrainValidTestNum [3]int
	MicroBatchSize    int
	ConsumedTrain     int
	ConsumedValid     int
	ConsumedTest      int
}

// BeamOptions parameterize beam-search decoding.
type BeamOptions struct {
	BeamWidth     int
	StopToken     int64
	NumReturn     int
	LengthPenalty float64
}

// SampleOptions parameterize top-k/top-p sampling.
type SampleOptions struct {
	TopK        int
	TopP        float64
	TopPDecay   float64
	TopPBound   float64
	Temperature float64
	// UseStopTokenForEarlyTermination stops a sequence at the end-of-document
	// token before the length budget runs out.
	UseStopTokenForEarlyTermination bool
	RandomSeed                      int64
}

// Engine is the full contract consumed from the external distributed
// training engine.
type Engine interface {
	// Available probes that the engine and its accelerators are reachable.
	Available(ctx context.Context) error

	// BuildModel constructs one model chunk from an architecture-resolved
	// spec.
	BuildModel(ctx context.Context, spec ModelSpec) (Model, error)

	// Setup constructs model chunks, optimizer and scheduler through the
	// given provider, honoring the pipeline layout.
	Setup(ctx context.Context, provider ModelProvider, kind ModelKind) ([]Model, Optimizer, Scheduler, error)

	// TrainStep runs the fused forward-backward-optimizer routine across all
	// configured microbatches. data holds one iterator per model chunk.
	TrainStep(ctx context.Context, fwd ForwardStepFunc, data []DataIterator, models []Model, opt Optimizer, sched Scheduler, run *RunConfig) (StepResult, error)

	// ForwardOnly runs the pipeline-parallel forward pass without gradients
	// and returns one loss dict per microbatch.
	ForwardOnly(ctx context.Context, fwd ForwardStepFunc, data []DataIterator, models []Model, numMicrobatches, seqLength, microBatchSize int) ([]LossDict, error)

	// BuildDataIterators builds the native train/valid/test iterators. Any of
	// the three may be nil on ranks that read no data.
	BuildDataIterators(ctx context.Context, req DatasetRequest) (train, valid, test DataIterator, err error)

	// SaveCheckpoint persists model, optimizer and scheduler state keyed by
	// iteration, plus the FLOP counter.
	SaveCheckpoint(ctx context.Context, dir string, iteration int64, flops float64, models []Model, opt Optimizer, sched Scheduler) error

	// LoadCheckpoint restores state and returns the saved iteration and FLOP
	// counter.
	LoadCheckpoint(ctx context.Context, dir string, models []Model, opt Optimizer, sched Scheduler) (iteration int64, flops float64, err error)

	// BeamSearch decodes with beam search and returns generated tokens.
	BeamSearch(ctx context.Context, m Model, tokens, lengths *tensor.Tensor, opts BeamOptions) (*tensor.Tensor, error)

	// SampleTokens decodes with temperature plus top-k or top-p sampling.
	SampleTokens(ctx context.Context, m Model, tokens, lengths *tensor.Tensor, opts SampleOptions) (*tensor.Tensor, error)

	// NumFloatingPointOperations estimates the FLOPs of one step at the given
	// global batch size.
	NumFloatingPointOperations(batchSize int) float64
}
