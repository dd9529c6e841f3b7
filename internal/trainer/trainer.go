// Package trainer is the step-orchestrating wrapper around the distributed
// training engine: it owns the model chunks, splits full-step batches into
// microbatches, routes train and eval steps into the engine, and brackets
// checkpoint traffic with world barriers.
package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/logger"
	"github.com/23skdu/longbow-trainer/internal/metrics"
	"github.com/23skdu/longbow-trainer/internal/tensor"
	"github.com/23skdu/longbow-trainer/internal/trainstep"
)

// StepOutput is the unified step result: the summed scalar loss, plus logits
// when structured outputs were requested.
type StepOutput struct {
	Loss   float64
	Logits *tensor.Tensor
	// Structured reports whether Logits is meaningful for this model
	// configuration.
	Structured bool
}

// Trainer wraps the engine's training entry points behind a model-shaped
// object. All mutable run state (iteration, totals, consumed samples) lives
// here; the configuration itself stays immutable.
type Trainer struct {
	cfg     *config.Train
	c       comm.Communicator
	eng     engine.Engine
	models  []engine.Model
	opt     *OptimizerWrapper
	sched   *SchedulerWrapper
	handler trainstep.Handler

	runCfg *engine.RunConfig

	iteration  int64
	flopsSoFar float64

	consumedTrain int
	consumedValid int

	evalTotals    map[string]float64
	evalTotalIter map[string]float64
}

// New assembles the trainer: models, optimizer and scheduler through the
// engine, and the per-architecture step handler.
func New(ctx context.Context, cfg *config.Train, c comm.Communicator, eng engine.Engine, plugin Plugin) (*Trainer, error) {
	models, opt, sched, err := prepareModelOptimizerScheduler(ctx, eng, cfg, plugin)
	if err != nil {
		return nil, err
	}
	handler, err := trainstep.New(cfg, c, plugin.Overrides)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:           cfg,
		c:             c,
		eng:           eng,
		models:        models,
		opt:           WrapOptimizer(opt),
		sched:         WrapScheduler(sched),
		handler:       handler,
		evalTotals:    map[string]float64{},
		evalTotalIter: map[string]float64{},
	}, nil
}

// Optimizer returns the framework-facing optimizer wrapper.
func (t *Trainer) Optimizer() *OptimizerWrapper { return t.opt }

// Scheduler returns the framework-facing scheduler wrapper.
func (t *Trainer) Scheduler() *SchedulerWrapper { return t.sched }

// Iteration returns the completed training iteration count.
func (t *Trainer) Iteration() int64 { return t.iteration }

// FloatingPointOperationsSoFar returns the accumulated FLOP estimate.
func (t *Trainer) FloatingPointOperationsSoFar() float64 { return t.flopsSoFar }

// ConsumedTrainSamples returns the samples consumed by training steps.
func (t *Trainer) ConsumedTrainSamples() int { return t.consumedTrain }

// Train switches every model chunk to training mode. The per-run execution
// configuration is built on the first mode switch and reused afterwards.
func (t *Trainer) Train() {
	for _, m := range t.models {
		m.SetTraining(true)
	}
	t.ensureRunConfig()
	t.LogEvalResults()
}

// Eval switches every model chunk to evaluation mode.
func (t *Trainer) Eval() {
	for _, m := range t.models {
		m.SetTraining(false)
	}
	t.ensureRunConfig()
}

func (t *Trainer) ensureRunConfig() {
	if t.runCfg != nil {
		return
	}
	run := &engine.RunConfig{
		GradScaleFunc: t.opt.Unwrap().ScaleLoss,
	}
	for i := range t.models {
		chunk := i
		run.ParamSyncFuncs = append(run.ParamSyncFuncs, func() error {
			return t.opt.Unwrap().FinishParamSync(chunk)
		})
	}
	t.runCfg = run
}

// batchIterators splits a full-step batch into microbatch-sized chunks and
// wraps them in iterators, one per model chunk. An empty batch yields nil
// iterators: the engine then pulls from its own native pipeline.
func (t *Trainer) batchIterators(batch engine.Batch) []engine.DataIterator {
	var chunks []engine.Batch
	if len(batch) > 0 {
		if t.cfg.NumMicroBatches > 1 {
			for i := 0; i < t.cfg.NumMicroBatches; i++ {
				chunk := engine.Batch{}
				for key, v := range batch {
					from := i * t.cfg.MicroBatchSize
					to := from + t.cfg.MicroBatchSize
					chunk[key] = v.NarrowRows(from, to)
				}
				chunks = append(chunks, chunk)
			}
		} else {
			chunks = []engine.Batch{batch}
		}
	}

	iterators := make([]engine.DataIterator, len(t.models))
	if len(chunks) == 0 {
		return iterators
	}
	for i := range iterators {
		iterators[i] = &sliceIterator{chunks: chunks}
	}
	return iterators
}

type sliceIterator struct {
	chunks []engine.Batch
	next   int
}

func (s *sliceIterator) Next(context.Context) (engine.Batch, error) {
	if s.next >= len(s.chunks) {
		return nil, engine.ErrEndOfData
	}
	b := s.chunks[s.next]
	s.next++
	return b, nil
}

// TrainStep runs one fused forward-backward-optimizer step over the batch
// and surfaces the engine's loss dict and gradient-health diagnostics
// unchanged.
func (t *Trainer) TrainStep(ctx context.Context, batch engine.Batch) (engine.StepResult, error) {
	t.ensureRunConfig()
	start := time.Now()
	res, err := t.eng.TrainStep(ctx, t.handler.ForwardStep, t.batchIterators(batch), t.models,
		t.opt.Unwrap(), t.sched.Unwrap(), t.runCfg)
	if err != nil {
		return engine.StepResult{}, fmt.Errorf("train step: %w", err)
	}
	t.opt.setSkipped(res.Skipped)
	metrics.RecordTrainStep(time.Since(start), res.Losses.Scalars, res.GradNorm, res.Skipped)
	metrics.MicrobatchesPerStep.Observe(float64(t.cfg.NumMicroBatches))
	return res, nil
}

// EvalStep runs the forward-only pipeline across all configured microbatches
// and folds the per-microbatch loss dicts: scalars averaged, tensors
// concatenated. Only the final pipeline stage returns data; every other rank
// returns an empty dict.
func (t *Trainer) EvalStep(ctx context.Context, batch engine.Batch) (engine.LossDict, error) {
	t.ensureRunConfig()
	start := time.Now()
	dicts, err := t.eng.ForwardOnly(ctx, t.handler.ForwardStep, t.batchIterators(batch), t.models,
		t.cfg.NumMicroBatches, t.cfg.SeqLength, t.cfg.MicroBatchSize)
	if err != nil {
		return engine.LossDict{}, fmt.Errorf("eval step: %w", err)
	}
	metrics.EvalStepDuration.Observe(time.Since(start).Seconds())

	consumed := t.cfg.GlobalBatchSize()
	t.consumedValid += consumed
	metrics.RecordConsumedSamples("valid", consumed)

	if !t.c.IsPipelineLastStage() {
		return engine.LossDict{}, nil
	}
	return reduceLossDicts(dicts), nil
}

func reduceLossDicts(dicts []engine.LossDict) engine.LossDict {
	out := engine.LossDict{}
	if len(dicts) == 0 {
		return out
	}
	if len(dicts[0].Scalars) > 0 {
		out.Scalars = map[string]float64{}
		for key := range dicts[0].Scalars {
			var sum float64
			for _, d := range dicts {
				sum += d.Scalars[key]
			}
			out.Scalars[key] = sum / float64(len(dicts))
		}
	}
	if len(dicts[0].Tensors) > 0 {
		out.Tensors = map[string]*tensor.Tensor{}
		for key := range dicts[0].Tensors {
			parts := make([]*tensor.Tensor, 0, len(dicts))
			for _, d := range dicts {
				if t, ok := d.Tensors[key]; ok {
					parts = append(parts, t)
				}
			}
			out.Tensors[key] = tensor.ConcatRows(parts...)
		}
	}
	return out
}

// Step is the unified entry point: it routes to TrainStep or EvalStep from
// the model's training flag, bookkeeps iteration count, consumed samples and
// the FLOP estimate, and returns the summed scalar loss (plus logits when
// structured outputs are configured).
func (t *Trainer) Step(ctx context.Context, batch engine.Batch) (StepOutput, error) {
	var dict engine.LossDict
	if t.models[0].Training() {
		res, err := t.TrainStep(ctx, batch)
		if err != nil {
			return StepOutput{}, err
		}
		dict = res.Losses
		t.iteration++
		batchSize := t.cfg.GlobalBatchSize()
		t.consumedTrain += batchSize
		metrics.RecordConsumedSamples("train", batchSize)
		flops := t.eng.NumFloatingPointOperations(batchSize)
		t.flopsSoFar += flops
		metrics.RecordFLOPs(flops)
		if t.cfg.LogInterval > 0 && t.iteration%int64(t.cfg.LogInterval) == 0 {
			logger.Log.Info("training progress",
				"iteration", t.iteration,
				"consumed_samples", t.consumedTrain,
				"loss_scale", t.opt.LossScale(),
				"skipped", res.Skipped,
				"grad_norm", res.GradNorm,
				"zeros_in_grad", res.NumZerosInGrad)
		}
	} else {
		var err error
		dict, err = t.EvalStep(ctx, batch)
		if err != nil {
			return StepOutput{}, err
		}
		for key, v := range dict.Scalars {
			t.evalTotals[key] += v
			t.evalTotalIter[key]++
		}
	}

	out := StepOutput{Structured: t.cfg.StructuredOutput}
	for _, v := range dict.Scalars {
		out.Loss += v
	}
	if logits, ok := dict.Tensors["logits"]; ok {
		out.Logits = logits
	}
	return out, nil
}

// LogEvalResults reports the validation losses accumulated since the last
// call, with perplexity for pretraining runs, then resets the totals.
func (t *Trainer) LogEvalResults() {
	if t.iteration == 0 || len(t.evalTotals) == 0 {
		return
	}
	for key, total := range t.evalTotals {
		value := total / t.evalTotalIter[key]
		args := []interface{}{"iteration", t.iteration, "key", key, "value", value}
		if t.cfg.Pretraining {
			args = append(args, "ppl", math.Exp(math.Min(20, value)))
		}
		logger.Log.Info("validation loss", args...)
	}
	t.evalTotals = map[string]float64{}
	t.evalTotalIter = map[string]float64{}
}

// SaveCheckpoint persists the run at the current iteration. The world
// barrier on both sides guarantees no rank touches the checkpoint directory
// before all ranks have arrived, and none races ahead before the write
// completes.
func (t *Trainer) SaveCheckpoint(ctx context.Context, dir string) error {
	t.LogEvalResults()
	start := time.Now()
	if err := t.c.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier before checkpoint save: %w", err)
	}
	if err := t.eng.SaveCheckpoint(ctx, dir, t.iteration, t.flopsSoFar, t.models,
		t.opt.Unwrap(), t.sched.Unwrap()); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	if err := t.c.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier after checkpoint save: %w", err)
	}
	metrics.RecordCheckpoint("save", time.Since(start))
	logger.Log.InfoRank0("saved checkpoint", "dir", dir, "iteration", t.iteration)
	return nil
}

// LoadCheckpoint restores the run, resets consumed-sample counters, and for
// a fresh FP16 restart reloads unscaled master parameters.
func (t *Trainer) LoadCheckpoint(ctx context.Context, dir string) error {
	start := time.Now()
	t.consumedTrain = 0
	t.consumedValid = 0
	if err := t.c.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier before checkpoint load: %w", err)
	}
	iteration, flops, err := t.eng.LoadCheckpoint(ctx, dir, t.models, t.opt.Unwrap(), t.sched.Unwrap())
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if err := t.c.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier after checkpoint load: %w", err)
	}
	t.iteration = iteration
	t.flopsSoFar = flops
	if t.cfg.FP16 && t.iteration == 0 {
		if err := t.opt.Unwrap().ReloadModelParams(); err != nil {
			return fmt.Errorf("reloading model params: %w", err)
		}
	}
	metrics.RecordCheckpoint("load", time.Since(start))
	logger.Log.InfoRank0("loaded checkpoint", "dir", dir, "iteration", t.iteration)
	return nil
}
