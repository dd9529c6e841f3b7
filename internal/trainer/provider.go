package trainer

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/logger"
	"github.com/23skdu/longbow-trainer/internal/trainstep"
)

// Plugin carries the caller's customization hooks. Every field is optional;
// nil means "use the built-in implementation".
type Plugin struct {
	// ModelProvider replaces the default architecture dispatch.
	ModelProvider engine.ModelProvider
	// PrepareModel replaces the engine's whole model/optimizer assembly. It
	// requires ModelProvider to be set as well.
	PrepareModel func(ctx context.Context, provider engine.ModelProvider) ([]engine.Model, error)
	// Overrides feed the per-architecture train-step handlers.
	Overrides trainstep.Overrides
}

// ModelSpecFor resolves the architecture tag and pipeline-ownership flags
// into a construction request. The tag set is closed; anything else is a
// configuration error.
func ModelSpecFor(cfg *config.Train, opts engine.BuildOptions) (engine.ModelSpec, error) {
	spec := engine.ModelSpec{Architecture: cfg.GetModelType(), Options: opts, ParallelOutput: true}
	switch cfg.GetModelType() {
	case config.ModelBert:
		if cfg.Pretraining {
			if cfg.BinaryHead {
				spec.NumTokenTypes = 2
			}
			spec.AddBinaryHead = cfg.BinaryHead
		} else {
			spec.NumTokenTypes = 2
			spec.NumClasses = cfg.NumLabels
			spec.ParallelOutput = false
		}
	case config.ModelGPT:
	case config.ModelT5:
	default:
		return engine.ModelSpec{}, fmt.Errorf("unsupported model type: %q", cfg.ModelType)
	}
	return spec, nil
}

// DefaultProvider builds model chunks through the engine's constructors
// using the architecture dispatch above.
func DefaultProvider(ctx context.Context, eng engine.Engine, cfg *config.Train) engine.ModelProvider {
	mode := "fine-tuning"
	if cfg.Pretraining {
		mode = "pre-training"
	}
	return func(opts engine.BuildOptions) (engine.Model, error) {
		logger.Log.InfoRank0("building model", "model_type", cfg.GetModelType(), "mode", mode)
		spec, err := ModelSpecFor(cfg, opts)
		if err != nil {
			return nil, err
		}
		return eng.BuildModel(ctx, spec)
	}
}

// prepareModelOptimizerScheduler assembles the model chunks, optimizer and
// scheduler, honoring plugin hooks.
func prepareModelOptimizerScheduler(ctx context.Context, eng engine.Engine, cfg *config.Train, plugin Plugin) ([]engine.Model, engine.Optimizer, engine.Scheduler, error) {
	if plugin.PrepareModel != nil {
		if plugin.ModelProvider == nil {
			return nil, nil, nil, fmt.Errorf("a ModelProvider is required when PrepareModel is set")
		}
		models, err := plugin.PrepareModel(ctx, plugin.ModelProvider)
		if err != nil {
			return nil, nil, nil, err
		}
		_, opt, sched, err := eng.Setup(ctx, passthroughProvider(models), modelKind(cfg))
		if err != nil {
			return nil, nil, nil, err
		}
		return models, opt, sched, nil
	}

	provider := DefaultProvider(ctx, eng, cfg)
	if plugin.ModelProvider != nil {
		provider = plugin.ModelProvider
	}
	return setupThrough(ctx, eng, provider, cfg)
}

func setupThrough(ctx context.Context, eng engine.Engine, provider engine.ModelProvider, cfg *config.Train) ([]engine.Model, engine.Optimizer, engine.Scheduler, error) {
	models, opt, sched, err := eng.Setup(ctx, provider, modelKind(cfg))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("engine setup: %w", err)
	}
	if len(models) == 0 {
		return nil, nil, nil, fmt.Errorf("engine setup returned no model chunks")
	}
	return models, opt, sched, nil
}

func modelKind(cfg *config.Train) engine.ModelKind {
	if cfg.GetModelType() == config.ModelT5 {
		return engine.EncoderAndDecoder
	}
	return engine.EncoderOrDecoder
}

// passthroughProvider hands back pre-built chunks in order, for callers that
// assembled the model themselves.
func passthroughProvider(models []engine.Model) engine.ModelProvider {
	i := 0
	return func(engine.BuildOptions) (engine.Model, error) {
		if i >= len(models) {
			return nil, fmt.Errorf("provider asked for chunk %d but only %d were prepared", i, len(models))
		}
		m := models[i]
		i++
		return m, nil
	}
}
