package enginerpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-trainer/internal/engine"
	"github.com/23skdu/longbow-trainer/internal/logger"
	"github.com/23skdu/longbow-trainer/internal/tensor"
)

// DefaultPort is where the training engine serves its Flight endpoint.
const DefaultPort = 3000

// Client talks to the external training engine over Arrow Flight. Control
// operations travel as DoAction calls with JSON bodies; tensor payloads
// travel as record batches over DoGet, DoPut and DoExchange.
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration

	numMicrobatches int

	mu             sync.Mutex
	flopsPerSample float64
}

// New prepares a client for the engine at addr. numMicrobatches is how many
// microbatches one fused training step consumes.
func New(addr string, numMicrobatches int) *Client {
	return &Client{
		addr:            addr,
		timeout:         30 * time.Second,
		numMicrobatches: numMicrobatches,
	}
}

// Connect establishes the Flight connection.
func (c *Client) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to engine at %s: %w", c.addr, err)
	}
	c.client = client
	return nil
}

// Close disconnects from the engine.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// action performs one DoAction round trip with JSON request and reply bodies.
// resp may be nil when the action returns nothing useful.
func (c *Client) action(ctx context.Context, typ string, req, resp interface{}) error {
	var body []byte
	if req != nil {
		var err error
		body, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", typ, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return fmt.Errorf("engine action %s: %w", typ, err)
	}
	result, err := stream.Recv()
	if err == io.EOF {
		result = nil
	} else if err != nil {
		return fmt.Errorf("engine action %s: %w", typ, err)
	}
	// Drain so the stream terminates cleanly.
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	if resp == nil {
		return nil
	}
	if result == nil || len(result.Body) == 0 {
		return fmt.Errorf("engine action %s: empty reply", typ)
	}
	if err := json.Unmarshal(result.Body, resp); err != nil {
		return fmt.Errorf("decoding %s reply: %w", typ, err)
	}
	return nil
}

// exchange runs one DoExchange round trip: send cmd as the descriptor, write
// the request batch, then read a single reply batch.
func (c *Client) exchange(ctx context.Context, cmd interface{}, in engine.Batch) (engine.Batch, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding exchange command: %w", err)
	}
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine exchange: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(batchSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  body,
	})
	rec, err := batchToRecord(in)
	if err != nil {
		return nil, err
	}
	if err := wr.Write(rec); err != nil {
		rec.Release()
		return nil, fmt.Errorf("engine exchange write: %w", err)
	}
	rec.Release()
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("engine exchange close: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("engine exchange close send: %w", err)
	}

	rd, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("engine exchange reply: %w", err)
	}
	defer rd.Release()
	if !rd.Next() {
		if err := rd.Err(); err != nil && err != io.EOF {
			return nil, fmt.Errorf("engine exchange reply: %w", err)
		}
		return nil, fmt.Errorf("engine exchange: no reply batch")
	}
	out, err := recordToBatch(rd.Record())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Available probes the engine.
func (c *Client) Available(ctx context.Context) error {
	return c.action(ctx, "ping", nil, nil)
}

type buildModelReply struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BuildModel asks the engine to construct one model chunk.
func (c *Client) BuildModel(ctx context.Context, spec engine.ModelSpec) (engine.Model, error) {
	var reply buildModelReply
	if err := c.action(ctx, "build_model", spec, &reply); err != nil {
		return nil, err
	}
	return &remoteModel{client: c, id: reply.ID, name: reply.Name, training: true}, nil
}

type planStage struct {
	PreProcess  bool `json:"pre_process"`
	PostProcess bool `json:"post_process"`
	AddEncoder  bool `json:"add_encoder"`
	AddDecoder  bool `json:"add_decoder"`
}

type setupReply struct {
	LossScale      float64 `json:"loss_scale"`
	LearningRate   float64 `json:"learning_rate"`
	FLOPsPerSample float64 `json:"flops_per_sample"`
}

// Setup asks the engine for this rank's pipeline plan, builds one model chunk
// per planned stage through the provider, then finalizes the engine-side
// optimizer and scheduler.
func (c *Client) Setup(ctx context.Context, provider engine.ModelProvider, kind engine.ModelKind) ([]engine.Model, engine.Optimizer, engine.Scheduler, error) {
	var stages []planStage
	if err := c.action(ctx, "plan_model", map[string]int{"kind": int(kind)}, &stages); err != nil {
		return nil, nil, nil, err
	}
	if len(stages) == 0 {
		return nil, nil, nil, fmt.Errorf("engine planned no model chunks for this rank")
	}
	models := make([]engine.Model, 0, len(stages))
	for _, s := range stages {
		m, err := provider(engine.BuildOptions{
			PreProcess:  s.PreProcess,
			PostProcess: s.PostProcess,
			AddEncoder:  s.AddEncoder,
			AddDecoder:  s.AddDecoder,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("building model chunk: %w", err)
		}
		models = append(models, m)
	}

	var reply setupReply
	if err := c.action(ctx, "setup_optimizer", nil, &reply); err != nil {
		return nil, nil, nil, err
	}
	c.mu.Lock()
	c.flopsPerSample = reply.FLOPsPerSample
	c.mu.Unlock()

	opt := &remoteOptimizer{client: c, lossScale: reply.LossScale, lr: reply.LearningRate}
	return models, opt, &remoteScheduler{client: c}, nil
}

type stepReply struct {
	Skipped        bool    `json:"skipped"`
	GradNorm       float64 `json:"grad_norm"`
	NumZerosInGrad int     `json:"num_zeros_in_grad"`
	LossScale      float64 `json:"loss_scale"`
	LearningRate   float64 `json:"learning_rate"`
}

// TrainStep runs the fused step: each microbatch's forward executes through
// the remote model, the scaled losses are reported back, and a single
// optimizer action applies the recorded backward pass and parameter update.
// Virtual pipeline interleaving stays inside the engine, so only the first
// model chunk is driven from here.
func (c *Client) TrainStep(ctx context.Context, fwd engine.ForwardStepFunc, data []engine.DataIterator, models []engine.Model, opt engine.Optimizer, sched engine.Scheduler, run *engine.RunConfig) (engine.StepResult, error) {
	if len(models) == 0 {
		return engine.StepResult{}, fmt.Errorf("train step with no model chunks")
	}
	var it engine.DataIterator
	if len(data) > 0 {
		it = data[0]
	}

	scaled := make([]float64, 0, c.numMicrobatches)
	dicts := make([]engine.LossDict, 0, c.numMicrobatches)
	for i := 0; i < c.numMicrobatches; i++ {
		output, lossFn, err := fwd(ctx, it, models[0])
		if err != nil {
			return engine.StepResult{}, fmt.Errorf("microbatch %d forward: %w", i, err)
		}
		loss, dict, err := lossFn(ctx, output)
		if err != nil {
			return engine.StepResult{}, fmt.Errorf("microbatch %d loss: %w", i, err)
		}
		if run != nil && run.GradScaleFunc != nil {
			loss = run.GradScaleFunc(loss)
		}
		scaled = append(scaled, loss)
		dicts = append(dicts, dict)
	}

	if run != nil && run.FinalizeGrads != nil {
		if err := run.FinalizeGrads(); err != nil {
			return engine.StepResult{}, fmt.Errorf("finalizing gradients: %w", err)
		}
	}
	var reply stepReply
	if err := c.action(ctx, "optimizer_step", map[string]interface{}{"scaled_losses": scaled}, &reply); err != nil {
		return engine.StepResult{}, err
	}
	if ro, ok := opt.(*remoteOptimizer); ok {
		ro.update(reply.LossScale, reply.LearningRate)
	}
	return engine.StepResult{
		Losses:         mergeLossDicts(dicts),
		Skipped:        reply.Skipped,
		GradNorm:       reply.GradNorm,
		NumZerosInGrad: reply.NumZerosInGrad,
	}, nil
}

// ForwardOnly runs numMicrobatches forward passes without touching gradients.
func (c *Client) ForwardOnly(ctx context.Context, fwd engine.ForwardStepFunc, data []engine.DataIterator, models []engine.Model, numMicrobatches, seqLength, microBatchSize int) ([]engine.LossDict, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("forward pass with no model chunks")
	}
	var it engine.DataIterator
	if len(data) > 0 {
		it = data[0]
	}
	dicts := make([]engine.LossDict, 0, numMicrobatches)
	for i := 0; i < numMicrobatches; i++ {
		output, lossFn, err := fwd(ctx, it, models[0])
		if err != nil {
			return nil, fmt.Errorf("microbatch %d forward: %w", i, err)
		}
		_, dict, err := lossFn(ctx, output)
		if err != nil {
			return nil, fmt.Errorf("microbatch %d loss: %w", i, err)
		}
		dicts = append(dicts, dict)
	}
	return dicts, nil
}

type datasetReply struct {
	Train string `json:"train"`
	Valid string `json:"valid"`
	Test  string `json:"test"`
}

// BuildDataIterators asks the engine to build the native datasets and returns
// one DoGet-backed iterator per split ticket. An empty ticket means this rank
// reads no data for that split and yields a nil iterator.
func (c *Client) BuildDataIterators(ctx context.Context, req engine.DatasetRequest) (train, valid, test engine.DataIterator, err error) {
	var reply datasetReply
	if err := c.action(ctx, "build_datasets", req, &reply); err != nil {
		return nil, nil, nil, err
	}
	mk := func(ticket string) engine.DataIterator {
		if ticket == "" {
			return nil
		}
		return &flightIterator{client: c, ticket: ticket}
	}
	return mk(reply.Train), mk(reply.Valid), mk(reply.Test), nil
}

type checkpointRequest struct {
	Dir       string  `json:"dir"`
	Iteration int64   `json:"iteration"`
	FLOPs     float64 `json:"flops"`
}

type checkpointReply struct {
	Iteration int64   `json:"iteration"`
	FLOPs     float64 `json:"flops"`
}

// SaveCheckpoint persists model, optimizer and scheduler state engine-side.
func (c *Client) SaveCheckpoint(ctx context.Context, dir string, iteration int64, flops float64, models []engine.Model, opt engine.Optimizer, sched engine.Scheduler) error {
	req := checkpointRequest{Dir: dir, Iteration: iteration, FLOPs: flops}
	return c.action(ctx, "save_checkpoint", req, nil)
}

// LoadCheckpoint restores engine-side state and reports the saved counters.
func (c *Client) LoadCheckpoint(ctx context.Context, dir string, models []engine.Model, opt engine.Optimizer, sched engine.Scheduler) (int64, float64, error) {
	var reply checkpointReply
	if err := c.action(ctx, "load_checkpoint", checkpointRequest{Dir: dir}, &reply); err != nil {
		return 0, 0, err
	}
	return reply.Iteration, reply.FLOPs, nil
}

type generateCmd struct {
	Op     string      `json:"op"`
	Model  string      `json:"model"`
	Beam   interface{} `json:"beam,omitempty"`
	Sample interface{} `json:"sample,omitempty"`
}

// BeamSearch decodes remotely with beam search.
func (c *Client) BeamSearch(ctx context.Context, m engine.Model, tokens, lengths *tensor.Tensor, opts engine.BeamOptions) (*tensor.Tensor, error) {
	return c.generate(ctx, m, tokens, lengths, generateCmd{Op: "beam", Beam: opts})
}

// SampleTokens decodes remotely with temperature and top-k/top-p sampling.
func (c *Client) SampleTokens(ctx context.Context, m engine.Model, tokens, lengths *tensor.Tensor, opts engine.SampleOptions) (*tensor.Tensor, error) {
	return c.generate(ctx, m, tokens, lengths, generateCmd{Op: "sample", Sample: opts})
}

func (c *Client) generate(ctx context.Context, m engine.Model, tokens, lengths *tensor.Tensor, cmd generateCmd) (*tensor.Tensor, error) {
	if rm, ok := m.(*remoteModel); ok {
		cmd.Model = rm.id
	}
	out, err := c.exchange(ctx, cmd, engine.Batch{"tokens": tokens, "lengths": lengths})
	if err != nil {
		return nil, err
	}
	generated, ok := out["tokens"]
	if !ok {
		return nil, fmt.Errorf("engine generate reply missing tokens")
	}
	return generated, nil
}

// NumFloatingPointOperations estimates one step's FLOPs from the per-sample
// figure the engine reported at setup.
func (c *Client) NumFloatingPointOperations(batchSize int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flopsPerSample * float64(batchSize)
}

// mergeLossDicts averages scalars and concatenates tensors over microbatches.
func mergeLossDicts(dicts []engine.LossDict) engine.LossDict {
	out := engine.LossDict{Scalars: map[string]float64{}, Tensors: map[string]*tensor.Tensor{}}
	if len(dicts) == 0 {
		return out
	}
	counts := map[string]int{}
	pending := map[string][]*tensor.Tensor{}
	for _, d := range dicts {
		for k, v := range d.Scalars {
			out.Scalars[k] += v
			counts[k]++
		}
		for k, t := range d.Tensors {
			pending[k] = append(pending[k], t)
		}
	}
	for k, n := range counts {
		out.Scalars[k] /= float64(n)
	}
	for k, ts := range pending {
		out.Tensors[k] = tensor.ConcatRows(ts...)
	}
	return out
}

// remoteModel is a handle to one engine-side model chunk. Forward is a
// DoExchange round trip carrying the input and output batches.
type remoteModel struct {
	client   *Client
	id       string
	name     string
	training bool
}

func (m *remoteModel) Name() string { return m.name }

func (m *remoteModel) SetTraining(training bool) {
	if m.training == training {
		return
	}
	m.training = training
	err := m.client.action(context.Background(), "set_training",
		map[string]interface{}{"model": m.id, "training": training}, nil)
	if err != nil {
		logger.Log.Warn("failed to toggle training mode", "model", m.name, "error", err.Error())
	}
}

func (m *remoteModel) Training() bool { return m.training }

func (m *remoteModel) Forward(ctx context.Context, inputs engine.Batch) (engine.Batch, error) {
	return m.client.exchange(ctx, map[string]interface{}{
		"op":       "forward",
		"model":    m.id,
		"training": m.training,
	}, inputs)
}

// remoteOptimizer mirrors the engine's fused optimizer. The loss scale and
// learning rate are refreshed from every step reply, so the accessors never
// block on the network.
type remoteOptimizer struct {
	client *Client

	mu        sync.Mutex
	lossScale float64
	lr        float64
}

func (o *remoteOptimizer) update(lossScale, lr float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if lossScale > 0 {
		o.lossScale = lossScale
	}
	o.lr = lr
}

func (o *remoteOptimizer) ScaleLoss(loss float64) float64 {
	return loss * o.LossScale()
}

func (o *remoteOptimizer) LossScale() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lossScale == 0 {
		return 1
	}
	return o.lossScale
}

func (o *remoteOptimizer) LearningRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lr
}

func (o *remoteOptimizer) ReloadModelParams() error {
	return o.client.action(context.Background(), "reload_model_params", nil, nil)
}

func (o *remoteOptimizer) FinishParamSync(chunk int) error {
	return o.client.action(context.Background(), "finish_param_sync",
		map[string]int{"chunk": chunk}, nil)
}

// remoteScheduler advances the engine-side learning-rate schedule.
type remoteScheduler struct {
	client *Client
}

func (s *remoteScheduler) StepSamples(n int) {
	err := s.client.action(context.Background(), "scheduler_step",
		map[string]int{"samples": n}, nil)
	if err != nil {
		logger.Log.Warn("failed to advance scheduler", "error", err.Error())
	}
}

// flightIterator streams one dataset split through DoGet. The stream opens
// lazily on the first Next and is re-armed from the ticket after exhaustion
// so epochs can repeat.
type flightIterator struct {
	client *Client
	ticket string

	stream flight.FlightService_DoGetClient
	reader *flight.Reader
}

func (it *flightIterator) open(ctx context.Context) error {
	stream, err := it.client.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(it.ticket)})
	if err != nil {
		return fmt.Errorf("opening dataset stream: %w", err)
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("opening dataset reader: %w", err)
	}
	it.stream = stream
	it.reader = reader
	return nil
}

func (it *flightIterator) Next(ctx context.Context) (engine.Batch, error) {
	if it.reader == nil {
		if err := it.open(ctx); err != nil {
			return nil, err
		}
	}
	if !it.reader.Next() {
		err := it.reader.Err()
		it.reader.Release()
		it.reader = nil
		it.stream = nil
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading dataset stream: %w", err)
		}
		return nil, engine.ErrEndOfData
	}
	return recordToBatch(it.reader.Record())
}

var _ engine.Engine = (*Client)(nil)
