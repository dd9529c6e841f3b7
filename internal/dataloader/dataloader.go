// Package dataloader adapts batch sources to the shapes the engine's
// pipeline runner expects: native-mode iterators built by the engine itself,
// or generic batch iterables resized and sharded across the data-parallel
// group.
package dataloader

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-trainer/internal/comm"
	"github.com/23skdu/longbow-trainer/internal/config"
	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/logger"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// NullIterator stands in for an absent upstream iterator on ranks whose
// tensor-parallel peers do hold data. It yields empty batches forever so the
// rank keeps issuing the same collective calls as its peers instead of
// stalling them.
type NullIterator struct{}

func (NullIterator) Next(context.Context) (engine.Batch, error) {
	return engine.Batch{}, nil
}

// Split bundles the per-model-chunk iterators of the three dataset splits.
// Each slice holds one iterator per model chunk (length 1 without virtual
// pipelining).
type Split struct {
	Train []engine.DataIterator
	Valid []engine.DataIterator
	Test  []engine.DataIterator
}

// Consumed carries restored sample counters across a checkpoint restart.
type Consumed struct {
	Train int
	Valid int
	Test  int
}

// PrepareNative builds the engine's own train/valid/test iterators. The
// builder consumes whole optimizer-step batches, so the requested micro batch
// size is temporarily multiplied by the microbatch count; the step
// orchestrator splits it back into microbatches.
func PrepareNative(ctx context.Context, c comm.Communicator, eng engine.Engine, cfg *config.Train, consumed Consumed) (Split, error) {
	logger.Log.InfoRank0("preparing native dataloaders",
		"data_path", cfg.DataPath, "split", cfg.Split)

	req := engine.DatasetRequest{
		DataPath:       cfg.DataPath,
		Split:          cfg.Split,
		Seed:           cfg.Seed,
		MaxSeqLength:   cfg.SeqLength,
		MicroBatchSize: cfg.MicroBatchSize * cfg.NumMicroBatches,
		ConsumedTrain:  consumed.Train,
		ConsumedValid:  consumed.Valid,
		ConsumedTest:   consumed.Test,
	}
	switch cfg.GetModelType() {
	case config.ModelBert:
		req.BinaryHead = cfg.BinaryHead
	case config.ModelT5:
		req.MaxSeqLength = cfg.EncoderSeqLength
		req.MaxSeqLengthDec = cfg.DecoderSeqLength
		req.DatasetType = "t5"
	}

	chunks := 1
	if cfg.VirtualPipelineSize > 0 {
		chunks = cfg.VirtualPipelineSize
	}

	var out Split
	for i := 0; i < chunks; i++ {
		train, valid, test, err := eng.BuildDataIterators(ctx, req)
		if err != nil {
			return Split{}, fmt.Errorf("building data iterators for chunk %d: %w", i, err)
		}
		for _, s := range []struct {
			it   engine.DataIterator
			dest *[]engine.DataIterator
		}{
			{train, &out.Train},
			{valid, &out.Valid},
			{test, &out.Test},
		} {
			wrapped, err := handleAbsentIterator(ctx, c, s.it)
			if err != nil {
				return Split{}, err
			}
			*s.dest = append(*s.dest, wrapped)
		}
	}
	return out, nil
}

// handleAbsentIterator broadcasts whether the tensor-parallel source rank
// holds an iterator. A rank with no iterator whose source does gets the
// NullIterator stand-in; if the source itself has none, nil passes through
// (no peer will read from it).
func handleAbsentIterator(ctx context.Context, c comm.Communicator, it engine.DataIterator) (engine.DataIterator, error) {
	src := c.SourceRank(comm.TensorParallel)
	srcEmpty, err := c.BroadcastBool(ctx, comm.TensorParallel, src, it == nil)
	if err != nil {
		return nil, fmt.Errorf("broadcasting iterator presence: %w", err)
	}
	if !srcEmpty && it == nil {
		return NullIterator{}, nil
	}
	return it, nil
}

// Dataset is a generic record source: indexable samples, each an engine
// batch with leading dimension 1.
type Dataset interface {
	Len() int
	Sample(ctx context.Context, i int) (engine.Batch, error)
}

// GenericLoader wraps a Dataset into full-step batches of
// micro_batch_size × num_micro_batches samples, sharded across the
// data-parallel group: replica r takes batches r, r+W, r+2W, … and performs
// no further intra-group splitting (the step orchestrator slices
// microbatches).
type GenericLoader struct {
	ds        Dataset
	batchSize int
	shard     int
	world     int
	next      int
}

// PrepareGeneric builds the generic-mode loader for this rank.
func PrepareGeneric(cfg *config.Train, c comm.Communicator, ds Dataset) *GenericLoader {
	logger.Log.InfoRank0("preparing generic dataloader",
		"effective_batch_size", cfg.MicroBatchSize*cfg.NumMicroBatches,
		"data_parallel_size", c.GroupSize(comm.Data))
	l := &GenericLoader{
		ds:        ds,
		batchSize: cfg.MicroBatchSize * cfg.NumMicroBatches,
		shard:     c.GroupRank(comm.Data),
		world:     c.GroupSize(comm.Data),
	}
	l.next = l.shard
	return l
}

// EffectiveBatchSize is the sample count of each produced batch.
func (l *GenericLoader) EffectiveBatchSize() int { return l.batchSize }

// Next assembles this replica's next batch. Incomplete trailing batches are
// dropped.
func (l *GenericLoader) Next(ctx context.Context) (engine.Batch, error) {
	start := l.next * l.batchSize
	if start+l.batchSize > l.ds.Len() {
		return nil, engine.ErrEndOfData
	}
	l.next += l.world

	samples := make([]engine.Batch, l.batchSize)
	for i := range samples {
		s, err := l.ds.Sample(ctx, start+i)
		if err != nil {
			return nil, fmt.Errorf("reading sample %d: %w", start+i, err)
		}
		samples[i] = s
	}
	return stack(samples)
}

// Reset rewinds the loader to its first shard position.
func (l *GenericLoader) Reset() { l.next = l.shard }

func stack(samples []engine.Batch) (engine.Batch, error) {
	out := engine.Batch{}
	for key := range samples[0] {
		parts := make([]*tensor.Tensor, len(samples))
		for i, s := range samples {
			t, ok := s[key]
			if !ok {
				return nil, fmt.Errorf("sample %d missing field %q", i, key)
			}
			parts[i] = t
		}
		out[key] = tensor.ConcatRows(parts...)
	}
	return out, nil
}
