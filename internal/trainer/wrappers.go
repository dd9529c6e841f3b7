package trainer

import (
	"github.com/23skdu/longbow-trainer/internal/engine"
)

// OptimizerWrapper satisfies the optimizer shape the calling framework
// expects. ZeroGrad and Step are deliberate no-ops: the engine's fused
// forward-backward entry point zeroes, steps and reduces gradients itself.
// The only real state surfaced is whether the last step was skipped.
type OptimizerWrapper struct {
	opt     engine.Optimizer
	skipped bool
}

// WrapOptimizer adapts the engine optimizer.
func WrapOptimizer(opt engine.Optimizer) *OptimizerWrapper {
	return &OptimizerWrapper{opt: opt}
}

func (w *OptimizerWrapper) ZeroGrad() {}

func (w *OptimizerWrapper) Step() {}

// StepWasSkipped reports whether the engine skipped the last parameter
// update because of gradient overflow.
func (w *OptimizerWrapper) StepWasSkipped() bool { return w.skipped }

// LossScale exposes the engine's current loss scale.
func (w *OptimizerWrapper) LossScale() float64 { return w.opt.LossScale() }

// LearningRate exposes the engine's current learning rate.
func (w *OptimizerWrapper) LearningRate() float64 { return w.opt.LearningRate() }

func (w *OptimizerWrapper) setSkipped(skipped bool) { w.skipped = skipped }

// Unwrap returns the underlying engine optimizer.
func (w *OptimizerWrapper) Unwrap() engine.Optimizer { return w.opt }

// SchedulerWrapper satisfies the scheduler shape of the calling framework.
// Step is a no-op for the same reason as the optimizer's.
type SchedulerWrapper struct {
	sched engine.Scheduler
}

// WrapScheduler adapts the engine scheduler.
func WrapScheduler(sched engine.Scheduler) *SchedulerWrapper {
	return &SchedulerWrapper{sched: sched}
}

func (w *SchedulerWrapper) Step() {}

// Unwrap returns the underlying engine scheduler.
func (w *SchedulerWrapper) Unwrap() engine.Scheduler { return w.sched }

// DummyScheduler is a placeholder carrying schedule shape for callers that
// configure the real schedule on the engine side.
type DummyScheduler struct {
	Optimizer      engine.Optimizer
	TotalNumSteps  int
	WarmupNumSteps int
}

func (d *DummyScheduler) StepSamples(int) {}
