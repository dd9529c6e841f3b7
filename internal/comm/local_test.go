package comm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/longbow-trainer/internal/tensor"
)

func TestBroadcastInt64sWorld(t *testing.T) {
	world := NewLocalWorld(Topology{TensorParallelSize: 2, DataParallelSize: 2})

	var mu sync.Mutex
	got := make(map[int][]int64)

	err := world.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		var vals []int64
		if c.Rank() == 0 {
			vals = []int64{7, 8, 9}
		}
		out, err := c.BroadcastInt64s(ctx, World, 0, vals, 3)
		if err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	for rank := 0; rank < 4; rank++ {
		out := got[rank]
		if len(out) != 3 || out[0] != 7 || out[1] != 8 || out[2] != 9 {
			t.Errorf("rank %d received %v, want [7 8 9]", rank, out)
		}
	}
}

func TestBroadcastTensorPerGroup(t *testing.T) {
	// Two tensor-parallel groups of two ranks each: {0, 1} and {2, 3}.
	world := NewLocalWorld(Topology{TensorParallelSize: 2, DataParallelSize: 2})

	var mu sync.Mutex
	got := make(map[int]int64)

	err := world.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		root := c.SourceRank(TensorParallel)
		var payload *tensor.Tensor
		if c.Rank() == root {
			payload = tensor.FromInt64([]int64{int64(root * 10)}, 1)
		}
		out, err := c.BroadcastTensor(ctx, TensorParallel, root, payload)
		if err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = out.IntAt(0)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	want := map[int]int64{0: 0, 1: 0, 2: 20, 3: 20}
	for rank, w := range want {
		if got[rank] != w {
			t.Errorf("rank %d received %d, want %d", rank, got[rank], w)
		}
	}
}

func TestBroadcastTensorCopies(t *testing.T) {
	world := NewLocalWorld(Topology{TensorParallelSize: 2})

	var mu sync.Mutex
	got := make(map[int]*tensor.Tensor)

	err := world.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		var payload *tensor.Tensor
		if c.Rank() == 0 {
			payload = tensor.FromInt64([]int64{5}, 1)
		}
		out, err := c.BroadcastTensor(ctx, TensorParallel, 0, payload)
		if err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// Writes on one rank's copy must not leak into the other's.
	got[0].SetInt(99, 0)
	if got[1].IntAt(0) != 5 {
		t.Errorf("rank 1 tensor = %d after rank 0 write, want 5", got[1].IntAt(0))
	}
}

func TestAllReduceSum(t *testing.T) {
	world := NewLocalWorld(Topology{DataParallelSize: 4})

	var mu sync.Mutex
	got := make(map[int][]float64)

	err := world.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		out, err := c.AllReduceSum(ctx, Data, []float64{float64(c.Rank()), 1})
		if err != nil {
			return err
		}
		mu.Lock()
		got[c.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	for rank := 0; rank < 4; rank++ {
		out := got[rank]
		if len(out) != 2 || out[0] != 6 || out[1] != 4 {
			t.Errorf("rank %d reduced to %v, want [6 4]", rank, out)
		}
	}
}

func TestAllGatherTensorOrder(t *testing.T) {
	world := NewLocalWorld(Topology{DataParallelSize: 3})

	var mu sync.Mutex
	got := make(map[int][]int64)

	err := world.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		mine := tensor.FromInt64([]int64{int64(c.Rank())}, 1)
		all, err := c.AllGatherTensor(ctx, Data, mine)
		if err != nil {
			return err
		}
		vals := make([]int64, len(all))
		for i, g := range all {
			vals[i] = g.IntAt(0)
		}
		mu.Lock()
		got[c.Rank()] = vals
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	for rank := 0; rank < 3; rank++ {
		out := got[rank]
		if len(out) != 3 || out[0] != 0 || out[1] != 1 || out[2] != 2 {
			t.Errorf("rank %d gathered %v, want [0 1 2]", rank, out)
		}
	}
}

func TestBarrierBlocksUntilAllArrive(t *testing.T) {
	world := NewLocalWorld(Topology{DataParallelSize: 2})

	released := make(chan int, 2)
	err := world.Run(context.Background(), func(ctx context.Context, c Communicator) error {
		if c.Rank() == 1 {
			time.Sleep(20 * time.Millisecond)
		}
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		released <- c.Rank()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	close(released)
	count := 0
	for range released {
		count++
	}
	if count != 2 {
		t.Errorf("released %d ranks, want 2", count)
	}
}

func TestBroadcastCancellation(t *testing.T) {
	world := NewLocalWorld(Topology{DataParallelSize: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := world.Run(ctx, func(ctx context.Context, c Communicator) error {
		if c.Rank() == 1 {
			// Never joins the collective.
			<-ctx.Done()
			return nil
		}
		_, err := c.BroadcastBool(ctx, World, 0, true)
		return err
	})
	if err == nil {
		t.Error("Run() = nil, want context deadline error from stranded broadcast")
	}
}

func TestTopologyCoordinates(t *testing.T) {
	topo := Topology{TensorParallelSize: 2, DataParallelSize: 2, PipelineStages: 2}
	world := NewLocalWorld(topo)

	tests := []struct {
		rank      int
		tpRank    int
		dpRank    int
		ppRank    int
		tpSource  int
		lastStage bool
	}{
		{0, 0, 0, 0, 0, false},
		{1, 1, 0, 0, 0, false},
		{2, 0, 1, 0, 2, false},
		{3, 1, 1, 0, 2, false},
		{4, 0, 0, 1, 4, true},
		{7, 1, 1, 1, 6, true},
	}

	for _, tt := range tests {
		c := world.Communicator(tt.rank)
		if got := c.GroupRank(TensorParallel); got != tt.tpRank {
			t.Errorf("rank %d: GroupRank(TensorParallel) = %d, want %d", tt.rank, got, tt.tpRank)
		}
		if got := c.GroupRank(Data); got != tt.dpRank {
			t.Errorf("rank %d: GroupRank(Data) = %d, want %d", tt.rank, got, tt.dpRank)
		}
		if got := c.GroupRank(Pipeline); got != tt.ppRank {
			t.Errorf("rank %d: GroupRank(Pipeline) = %d, want %d", tt.rank, got, tt.ppRank)
		}
		if got := c.SourceRank(TensorParallel); got != tt.tpSource {
			t.Errorf("rank %d: SourceRank(TensorParallel) = %d, want %d", tt.rank, got, tt.tpSource)
		}
		if got := c.IsPipelineLastStage(); got != tt.lastStage {
			t.Errorf("rank %d: IsPipelineLastStage() = %v, want %v", tt.rank, got, tt.lastStage)
		}
	}
}
