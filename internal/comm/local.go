package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// LocalWorld runs every rank of an SPMD job inside one process, one goroutine
// per rank. Collectives rendezvous through shared memory. This backs unit
// tests and single-node runs; multi-node jobs get their communicator from the
// remote engine instead.
type LocalWorld struct {
	topo Topology
	size int

	mu     sync.Mutex
	points map[string]*rendezvous
}

type rendezvous struct {
	need     int
	arrived  int
	payloads []interface{}
	done     chan struct{}
	result   interface{}
	err      error
}

// NewLocalWorld builds the shared state for a topology.
func NewLocalWorld(topo Topology) *LocalWorld {
	topo = topo.normalized()
	return &LocalWorld{
		topo:   topo,
		size:   topo.WorldSize(),
		points: make(map[string]*rendezvous),
	}
}

// Communicator returns the handle for one rank.
func (w *LocalWorld) Communicator(rank int) Communicator {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("comm: rank %d out of range for world size %d", rank, w.size))
	}
	return &localComm{world: w, rank: rank, seq: make(map[string]int)}
}

// Run executes fn once per rank, each on its own goroutine, and returns the
// first error. Matches the SPMD model: every rank runs the same function.
func (w *LocalWorld) Run(ctx context.Context, fn func(ctx context.Context, c Communicator) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < w.size; rank++ {
		c := w.Communicator(rank)
		g.Go(func() error { return fn(ctx, c) })
	}
	return g.Wait()
}

type localComm struct {
	world *LocalWorld
	rank  int

	mu  sync.Mutex
	seq map[string]int
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.world.size }

func (c *localComm) GroupRank(g Group) int {
	co := c.world.topo.coordsOf(c.rank)
	switch g {
	case World:
		return c.rank
	case Data:
		return co.dp
	case TensorParallel:
		return co.tp
	case Pipeline:
		return co.pp
	case ContextParallel:
		return co.cp
	}
	panic(fmt.Sprintf("comm: unknown group %d", int(g)))
}

func (c *localComm) GroupSize(g Group) int {
	t := c.world.topo
	switch g {
	case World:
		return c.world.size
	case Data:
		return t.DataParallelSize
	case TensorParallel:
		return t.TensorParallelSize
	case Pipeline:
		return t.PipelineStages
	case ContextParallel:
		return t.ContextParallelSize
	}
	panic(fmt.Sprintf("comm: unknown group %d", int(g)))
}

func (c *localComm) SourceRank(g Group) int {
	co := c.world.topo.coordsOf(c.rank)
	switch g {
	case World:
		return 0
	case Data:
		co.dp = 0
	case TensorParallel:
		co.tp = 0
	case Pipeline:
		co.pp = 0
	case ContextParallel:
		co.cp = 0
	}
	return c.world.topo.rankOf(co)
}

func (c *localComm) IsPipelineLastStage() bool {
	co := c.world.topo.coordsOf(c.rank)
	return co.pp == c.world.topo.normalized().PipelineStages-1
}

// groupKey identifies one collective instance: the fixed coordinates of the
// group this rank belongs to, plus a per-group sequence number so successive
// collectives on the same group do not collide.
func (c *localComm) groupKey(g Group) (key string, size, slot int) {
	co := c.world.topo.coordsOf(c.rank)
	switch g {
	case World:
		key = "world"
	case Data:
		key = fmt.Sprintf("data/%d/%d/%d", co.tp, co.cp, co.pp)
	case TensorParallel:
		key = fmt.Sprintf("tensor/%d/%d/%d", co.cp, co.dp, co.pp)
	case Pipeline:
		key = fmt.Sprintf("pipeline/%d/%d/%d", co.tp, co.cp, co.dp)
	case ContextParallel:
		key = fmt.Sprintf("context/%d/%d/%d", co.tp, co.dp, co.pp)
	}
	c.mu.Lock()
	n := c.seq[key]
	c.seq[key]++
	c.mu.Unlock()
	return fmt.Sprintf("%s#%d", key, n), c.GroupSize(g), c.GroupRank(g)
}

// exchange is the single rendezvous primitive: all group members arrive with
// a payload, the last arrival folds them with reduce, and everyone leaves
// with the folded result.
func (c *localComm) exchange(ctx context.Context, key string, size, slot int, payload interface{}, reduce func([]interface{}) (interface{}, error)) (interface{}, error) {
	w := c.world
	w.mu.Lock()
	r, ok := w.points[key]
	if !ok {
		r = &rendezvous{need: size, payloads: make([]interface{}, size), done: make(chan struct{})}
		w.points[key] = r
	}
	r.payloads[slot] = payload
	r.arrived++
	last := r.arrived == r.need
	if last {
		r.result, r.err = reduce(r.payloads)
		delete(w.points, key)
		close(r.done)
	}
	w.mu.Unlock()

	if !last {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.result, r.err
}

func (c *localComm) broadcast(ctx context.Context, g Group, root int, payload interface{}) (interface{}, error) {
	key, size, slot := c.groupKey(g)
	rootSlot := c.groupSlotOf(g, root)
	if rootSlot < 0 {
		return nil, fmt.Errorf("comm: root rank %d is not a member of group %s on rank %d", root, g, c.rank)
	}
	return c.exchange(ctx, key, size, slot, payload, func(ps []interface{}) (interface{}, error) {
		if ps[rootSlot] == nil {
			return nil, fmt.Errorf("comm: broadcast root %d supplied no payload on group %s", root, g)
		}
		return ps[rootSlot], nil
	})
}

// groupSlotOf maps a global rank to its slot within this rank's instance of
// group g, or -1 when it belongs to a different instance.
func (c *localComm) groupSlotOf(g Group, rank int) int {
	if rank < 0 || rank >= c.world.size {
		return -1
	}
	mine := c.world.topo.coordsOf(c.rank)
	theirs := c.world.topo.coordsOf(rank)
	switch g {
	case World:
		return rank
	case Data:
		if mine.tp == theirs.tp && mine.cp == theirs.cp && mine.pp == theirs.pp {
			return theirs.dp
		}
	case TensorParallel:
		if mine.cp == theirs.cp && mine.dp == theirs.dp && mine.pp == theirs.pp {
			return theirs.tp
		}
	case Pipeline:
		if mine.tp == theirs.tp && mine.cp == theirs.cp && mine.dp == theirs.dp {
			return theirs.pp
		}
	case ContextParallel:
		if mine.tp == theirs.tp && mine.dp == theirs.dp && mine.pp == theirs.pp {
			return theirs.cp
		}
	}
	return -1
}

func (c *localComm) BroadcastBool(ctx context.Context, g Group, root int, v bool) (bool, error) {
	var payload interface{}
	if c.rank == root {
		payload = v
	}
	out, err := c.broadcast(ctx, g, root, payload)
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (c *localComm) BroadcastInt64s(ctx context.Context, g Group, root int, vals []int64, n int) ([]int64, error) {
	var payload interface{}
	if c.rank == root {
		if len(vals) != n {
			return nil, fmt.Errorf("comm: broadcast root has %d values, expected %d", len(vals), n)
		}
		payload = append([]int64(nil), vals...)
	}
	out, err := c.broadcast(ctx, g, root, payload)
	if err != nil {
		return nil, err
	}
	got := out.([]int64)
	if len(got) != n {
		return nil, fmt.Errorf("comm: broadcast produced %d values, expected %d", len(got), n)
	}
	return append([]int64(nil), got...), nil
}

func (c *localComm) BroadcastTensor(ctx context.Context, g Group, root int, t *tensor.Tensor) (*tensor.Tensor, error) {
	var payload interface{}
	if c.rank == root {
		if t == nil {
			return nil, fmt.Errorf("comm: broadcast root %d has nil tensor on group %s", root, g)
		}
		payload = t
	}
	out, err := c.broadcast(ctx, g, root, payload)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Tensor).Clone(), nil
}

func (c *localComm) AllReduceSum(ctx context.Context, g Group, vals []float64) ([]float64, error) {
	key, size, slot := c.groupKey(g)
	payload := append([]float64(nil), vals...)
	out, err := c.exchange(ctx, key, size, slot, payload, func(ps []interface{}) (interface{}, error) {
		sum := make([]float64, len(vals))
		for _, p := range ps {
			v := p.([]float64)
			if len(v) != len(sum) {
				return nil, fmt.Errorf("comm: allreduce length mismatch: %d vs %d", len(v), len(sum))
			}
			for i := range sum {
				sum[i] += v[i]
			}
		}
		return sum, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), out.([]float64)...), nil
}

func (c *localComm) AllGatherTensor(ctx context.Context, g Group, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	key, size, slot := c.groupKey(g)
	out, err := c.exchange(ctx, key, size, slot, t, func(ps []interface{}) (interface{}, error) {
		gathered := make([]*tensor.Tensor, len(ps))
		for i, p := range ps {
			if p == nil {
				return nil, fmt.Errorf("comm: allgather member %d supplied no tensor", i)
			}
			gathered[i] = p.(*tensor.Tensor)
		}
		return gathered, nil
	})
	if err != nil {
		return nil, err
	}
	src := out.([]*tensor.Tensor)
	copies := make([]*tensor.Tensor, len(src))
	for i, s := range src {
		copies[i] = s.Clone()
	}
	return copies, nil
}

func (c *localComm) Barrier(ctx context.Context) error {
	key, size, slot := c.groupKey(World)
	_, err := c.exchange(ctx, key, size, slot, nil, func([]interface{}) (interface{}, error) {
		return nil, nil
	})
	return err
}
