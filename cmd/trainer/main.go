package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/dataloader"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/enginerpc"
	"github.com/23skdu/longbow-trainer/internal/logger"
	"github.com/23skdu/longbow-trainer/internal/monitoring"
	"github.com/23skdu/longbow-trainer/internal/trainer"
	"github.com/23skdu/longbow-trainer/internal/trainstep"
)

var (
	engineAddr = flag.String("engine", "localhost:3000", "Training engine Flight address")
	modelType  = flag.String("model-type", "gpt", "Model architecture: bert, gpt or t5")
	dataPath   = flag.String("data-path", "", "Comma-separated dataset path prefixes")
	split      = flag.String("split", "969,30,1", "Train/valid/test split ratios")
	seqLength  = flag.Int("seq-length", 1024, "Sequence length")
	decSeqLen  = flag.Int("decoder-seq-length", 0, "Decoder sequence length (t5 only)")
	vocabSize  = flag.Int("vocab-size", 0, "Unpadded vocabulary size")
	vocabFile  = flag.String("vocab-file", "", "Vocabulary file path")

	microBatch = flag.Int("micro-batch-size", 1, "Micro batch size")
	numMicro   = flag.Int("num-micro-batches", 1, "Microbatches per optimizer step")
	tpSize     = flag.Int("tensor-parallel", 1, "Tensor parallel degree")
	ppSize     = flag.Int("pipeline-parallel", 1, "Pipeline parallel degree")
	dpSize     = flag.Int("data-parallel", 1, "Data parallel degree")
	cpSize     = flag.Int("context-parallel", 1, "Context parallel degree")
	fp16       = flag.Bool("fp16", false, "Mixed-precision training")

	trainIters   = flag.Int("train-iters", 1000, "Training iterations")
	evalInterval = flag.Int("eval-interval", 0, "Iterations between evaluations (0 disables)")
	evalIters    = flag.Int("eval-iters", 10, "Evaluation iterations per run")
	saveInterval = flag.Int("save-interval", 0, "Iterations between checkpoints (0 disables)")
	savePath     = flag.String("save", "", "Checkpoint output directory")
	loadPath     = flag.String("load", "", "Checkpoint directory to resume from")
	seed         = flag.Int64("seed", 1234, "Dataset shuffling seed")

	logInterval = flag.Int("log-interval", 100, "Iterations between progress logs")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	monitorAddr = flag.String("monitor", ":9090", "Health and metrics listen address")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *dataPath == "" {
		fmt.Println("Error: --data-path flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.ModelType = *modelType
	cfg.Pretraining = true
	cfg.DataPath = strings.Split(*dataPath, ",")
	cfg.Split = *split
	cfg.SeqLength = *seqLength
	cfg.EncoderSeqLength = *seqLength
	cfg.DecoderSeqLength = *decSeqLen
	cfg.OrigVocabSize = *vocabSize
	cfg.VocabFile = *vocabFile
	cfg.MicroBatchSize = *microBatch
	cfg.NumMicroBatches = *numMicro
	cfg.TensorParallelSize = *tpSize
	cfg.PipelineParallelSize = *ppSize
	cfg.DataParallelSize = *dpSize
	cfg.ContextParallelSize = *cpSize
	cfg.FP16 = *fp16
	cfg.NativeDataset = true
	cfg.Seed = *seed
	cfg.SavePath = *savePath
	cfg.LoadPath = *loadPath
	cfg.LogInterval = *logInterval

	if err := cfg.Validate(); err != nil {
		logger.Log.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}
	cfg.Normalize()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := enginerpc.New(*engineAddr, cfg.NumMicroBatches)
	if err := client.Connect(ctx); err != nil {
		logger.Log.Error("failed to connect to engine", "addr", *engineAddr, "error", err.Error())
		os.Exit(1)
	}
	defer client.Close()

	topo := cfg.Topology()
	monitor := monitoring.NewHealthMonitor(0, topo.WorldSize())
	go func() {
		if err := monitor.Start(*monitorAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Warn("health monitor stopped", "error", err.Error())
		}
	}()
	defer monitor.Stop(context.Background())

	if err := client.Available(ctx); err != nil {
		monitor.SetEngineReachable(false)
		logger.Log.Error("training engine unavailable", "addr", *engineAddr, "error", err.Error())
		os.Exit(1)
	}
	monitor.SetEngineReachable(true)

	logger.Log.Info("starting training run",
		"model_type", cfg.GetModelType(),
		"world_size", topo.WorldSize(),
		"global_batch_size", cfg.GlobalBatchSize(),
		"train_iters", *trainIters)

	world := comm.NewLocalWorld(topo)
	err := world.Run(ctx, func(ctx context.Context, c comm.Communicator) error {
		return runRank(ctx, c, &cfg, client, monitor)
	})
	if err != nil {
		logger.Log.Error("training run failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Log.Info("training run complete")
}

func runRank(ctx context.Context, c comm.Communicator, cfg *config.Train, eng engine.Engine, monitor *monitoring.HealthMonitor) error {
	logger.SetRank(c.Rank())

	t, err := trainer.New(ctx, cfg, c, eng, trainer.Plugin{})
	if err != nil {
		return fmt.Errorf("assembling trainer: %w", err)
	}

	if cfg.LoadPath != "" {
		if err := t.LoadCheckpoint(ctx, cfg.LoadPath); err != nil {
			return fmt.Errorf("resuming from checkpoint: %w", err)
		}
	}

	data, err := dataloader.PrepareNative(ctx, c, eng, cfg, dataloader.Consumed{
		Train: t.ConsumedTrainSamples(),
	})
	if err != nil {
		return fmt.Errorf("preparing dataloaders: %w", err)
	}

	t.Train()
	for t.Iteration() < int64(*trainIters) {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := nextBatch(ctx, data.Train)
		if err == engine.ErrEndOfData {
			logger.Log.InfoRank0("training data exhausted", "iteration", t.Iteration())
			break
		}
		if err != nil {
			return fmt.Errorf("reading training batch: %w", err)
		}

		start := time.Now()
		if _, err := t.Step(ctx, batch); err != nil {
			if errors.Is(err, trainstep.ErrNonFiniteLoss) {
				monitor.RecordLossFailure(err.Error())
			}
			return fmt.Errorf("training step %d: %w", t.Iteration(), err)
		}
		if c.Rank() == 0 {
			monitor.RecordStep(t.Iteration(), cfg.GlobalBatchSize(), time.Since(start), t.Optimizer().StepWasSkipped())
		}

		if *evalInterval > 0 && t.Iteration()%int64(*evalInterval) == 0 {
			if err := evaluate(ctx, t, data.Valid); err != nil {
				return err
			}
		}
		if *saveInterval > 0 && cfg.SavePath != "" && t.Iteration()%int64(*saveInterval) == 0 {
			if err := t.SaveCheckpoint(ctx, cfg.SavePath); err != nil {
				return fmt.Errorf("saving checkpoint at %d: %w", t.Iteration(), err)
			}
		}
	}

	if cfg.SavePath != "" {
		if err := t.SaveCheckpoint(ctx, cfg.SavePath); err != nil {
			return fmt.Errorf("saving final checkpoint: %w", err)
		}
	}
	return nil
}

func evaluate(ctx context.Context, t *trainer.Trainer, valid []engine.DataIterator) error {
	t.Eval()
	defer t.Train()

	for i := 0; i < *evalIters; i++ {
		batch, err := nextBatch(ctx, valid)
		if err == engine.ErrEndOfData {
			break
		}
		if err != nil {
			return fmt.Errorf("reading validation batch: %w", err)
		}
		if _, err := t.Step(ctx, batch); err != nil {
			return fmt.Errorf("evaluation step: %w", err)
		}
	}
	t.LogEvalResults()
	return nil
}

// nextBatch pulls one optimizer-step batch from the first chunk iterator.
// Ranks whose iterator is absent feed the step orchestrator an empty batch;
// the engine sources their data inside the pipeline.
func nextBatch(ctx context.Context, its []engine.DataIterator) (engine.Batch, error) {
	if len(its) == 0 || its[0] == nil {
		return engine.Batch{}, nil
	}
	return its[0].Next(ctx)
}
