// Package comm defines the collective-communication surface the trainer is
// allowed to touch. Every call names its group and, where relevant, its root
// rank, so the per-rank call order that a collective requires is visible at
// the call site rather than implicit in surrounding control flow.
//
// All ranks of a group must reach the same collectives in the same order; a
// rank that diverges deadlocks the group. No timeouts are imposed here beyond
// context cancellation.
package comm

import (
	"context"

	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// Group selects which process group a collective runs over.
type Group int

const (
	// World spans every rank in the job.
	World Group = iota
	// Data spans ranks holding identical model replicas (loss/grad averaging).
	Data
	// TensorParallel spans ranks sharding a single layer's parameters.
	TensorParallel
	// Pipeline spans ranks holding successive layer stages.
	Pipeline
	// ContextParallel spans ranks sharding the sequence dimension.
	ContextParallel
)

func (g Group) String() string {
	switch g {
	case World:
		return "world"
	case Data:
		return "data"
	case TensorParallel:
		return "tensor"
	case Pipeline:
		return "pipeline"
	case ContextParallel:
		return "context"
	}
	return "unknown"
}

// Communicator is one rank's handle on the job's process groups.
type Communicator interface {
	Rank() int
	WorldSize() int

	GroupRank(g Group) int
	GroupSize(g Group) int

	// SourceRank returns the global rank of the group member with group rank
	// zero, i.e. the conventional broadcast root for that group.
	SourceRank(g Group) int

	// IsPipelineLastStage reports whether this rank holds the final pipeline
	// stage (the stage that owns losses and logits).
	IsPipelineLastStage() bool

	// BroadcastBool sends root's value to every member of g.
	BroadcastBool(ctx context.Context, g Group, root int, v bool) (bool, error)

	// BroadcastInt64s sends root's n-element slice to every member of g.
	// Non-root callers may pass nil.
	BroadcastInt64s(ctx context.Context, g Group, root int, vals []int64, n int) ([]int64, error)

	// BroadcastTensor sends root's tensor to every member of g. Non-root
	// callers pass nil and receive a copy.
	BroadcastTensor(ctx context.Context, g Group, root int, t *tensor.Tensor) (*tensor.Tensor, error)

	// AllReduceSum replaces vals on every member with the elementwise sum
	// across g.
	AllReduceSum(ctx context.Context, g Group, vals []float64) ([]float64, error)

	// AllGatherTensor returns every member's tensor, ordered by group rank.
	AllGatherTensor(ctx context.Context, g Group, t *tensor.Tensor) ([]*tensor.Tensor, error)

	// Barrier blocks until every rank in the world has arrived.
	Barrier(ctx context.Context) error
}

// Topology describes how the world factors into parallel groups. Rank
// coordinates follow the engine's ordering: tensor parallel varies fastest,
// then context, then data, then pipeline.
type Topology struct {
	TensorParallelSize  int
	ContextParallelSize int
	DataParallelSize    int
	PipelineStages      int
}

func (t Topology) normalized() Topology {
	if t.TensorParallelSize < 1 {
		t.TensorParallelSize = 1
	}
	if t.ContextParallelSize < 1 {
		t.ContextParallelSize = 1
	}
	if t.DataParallelSize < 1 {
		t.DataParallelSize = 1
	}
	if t.PipelineStages < 1 {
		t.PipelineStages = 1
	}
	return t
}

// WorldSize returns the rank count the topology implies.
func (t Topology) WorldSize() int {
	t = t.normalized()
	return t.TensorParallelSize * t.ContextParallelSize * t.DataParallelSize * t.PipelineStages
}

type coords struct {
	tp, cp, dp, pp int
}

func (t Topology) coordsOf(rank int) coords {
	t = t.normalized()
	c := coords{}
	c.tp = rank % t.TensorParallelSize
	rank /= t.TensorParallelSize
	c.cp = rank % t.ContextParallelSize
	rank /= t.ContextParallelSize
	c.dp = rank % t.DataParallelSize
	rank /= t.DataParallelSize
	c.pp = rank
	return c
}

func (t Topology) rankOf(c coords) int {
	t = t.normalized()
	return ((c.pp*t.DataParallelSize+c.dp)*t.ContextParallelSize+c.cp)*t.TensorParallelSize + c.tp
}
