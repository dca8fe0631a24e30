package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"offload/pkg/device"
	"offload/pkg/log"
	"offload/pkg/metrics"
	"offload/pkg/monitor"
	"offload/pkg/registry"
	"offload/pkg/tasks"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// HighCPUThreshold is the average CPU fraction above which work is offloaded.
	HighCPUThreshold = 0.6
	// LowCPUThreshold is the average CPU fraction at or below which the node counts as idle.
	LowCPUThreshold = 0.3
	// HighMemoryPercent is the average memory use above which work is offloaded.
	HighMemoryPercent = 85.0

	DefaultDeliveryTimeout = 10 * time.Second
	DefaultAsyncWorkers    = 4

	// LocalExecutor is the ExecutedBy value for tasks run on this node.
	LocalExecutor = "local"
)

// Decision is the load classification taken for one submission.
type Decision string

const (
	DecisionOffload     Decision = "offload"
	DecisionLocalLow    Decision = "local_low"
	DecisionLocalMedium Decision = "local_medium"
)

// LoadSampler provides the node's load snapshot.
type LoadSampler interface {
	Sample(ctx context.Context) monitor.Snapshot
}

// DeviceReader provides one coherent load reading for a device class.
type DeviceReader interface {
	Read(ctx context.Context, class device.Class) device.Reading
}

// PeerLister provides the current peer snapshot.
type PeerLister interface {
	ListPeers() []registry.Peer
}

// Sender delivers a task to a peer and returns its result.
type Sender interface {
	Send(ctx context.Context, peer registry.Peer, task tasks.Task) (json.RawMessage, error)
}

// Runner executes tasks locally.
type Runner interface {
	Validate(task tasks.Task) error
	ClassOf(task tasks.Task) device.Class
	Execute(ctx context.Context, task tasks.Task) (json.RawMessage, error)
}

// Thresholds are the load classification boundaries.
type Thresholds struct {
	HighCPU           float64
	LowCPU            float64
	HighMemoryPercent float64
}

// DefaultThresholds returns the standard classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighCPU:           HighCPUThreshold,
		LowCPU:            LowCPUThreshold,
		HighMemoryPercent: HighMemoryPercent,
	}
}

// Options configures an Engine.
type Options struct {
	NodeID          string
	Thresholds      Thresholds
	DeliveryTimeout time.Duration
	AsyncWorkers    int64
}

// Result describes where and how a task was executed.
type Result struct {
	TaskID         string
	Value          json.RawMessage
	ExecutedBy     string
	Decision       Decision
	Fallback       bool
	FallbackReason string
}

// Outcome is delivered on the channel returned by SubmitAsync.
type Outcome struct {
	Result Result
	Err    error
}

// Engine decides per task whether to run locally or on a peer.
type Engine struct {
	sampler LoadSampler
	devices DeviceReader
	peers   PeerLister
	sender  Sender
	runner  Runner

	opts   Options
	pool   *semaphore.Weighted
	logger zerolog.Logger
}

// NewEngine creates a dispatch engine. devices may be nil, in which case every class reads as idle.
func NewEngine(sampler LoadSampler, devices DeviceReader, peers PeerLister, sender Sender, runner Runner, opts Options) *Engine {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.AsyncWorkers <= 0 {
		opts.AsyncWorkers = DefaultAsyncWorkers
	}

	return &Engine{
		sampler: sampler,
		devices: devices,
		peers:   peers,
		sender:  sender,
		runner:  runner,
		opts:    opts,
		pool:    semaphore.NewWeighted(opts.AsyncWorkers),
		logger:  log.Component("dispatch"),
	}
}

// Classify maps one load snapshot and device reading onto a decision.
func Classify(snapshot monitor.Snapshot, reading device.Reading, thresholds Thresholds) Decision {
	avg := snapshot.Average
	switch {
	case avg.CPU > thresholds.HighCPU || avg.MemoryPercent > thresholds.HighMemoryPercent || reading.ShouldOffload:
		return DecisionOffload
	case avg.CPU <= thresholds.LowCPU && reading.CanReceive:
		return DecisionLocalLow
	default:
		return DecisionLocalMedium
	}
}

// Classify samples load once and classifies it for the given class.
func (e *Engine) Classify(ctx context.Context, class device.Class) (Decision, monitor.Snapshot, device.Reading) {
	snapshot := e.sampler.Sample(ctx)

	reading := device.Reading{Class: class, CanReceive: true}
	if e.devices != nil {
		reading = e.devices.Read(ctx, class)
	}

	return Classify(snapshot, reading, e.opts.Thresholds), snapshot, reading
}

// Submit runs the task locally or on a peer. Only task failures are returned as errors;
// missing peers and delivery failures fall back to local execution.
func (e *Engine) Submit(ctx context.Context, task tasks.Task) (Result, error) {
	if err := e.runner.Validate(task); err != nil {
		return Result{TaskID: task.ID}, err
	}

	class := e.runner.ClassOf(task)
	decision, snapshot, reading := e.Classify(ctx, class)
	metrics.DispatchDecisionsTotal.WithLabelValues(string(decision)).Inc()

	e.logger.Debug().
		Str("task_id", task.ID).
		Str("function", task.Function).
		Str("class", class.String()).
		Float64("avg_cpu", snapshot.Average.CPU).
		Float64("avg_mem_pct", snapshot.Average.MemoryPercent).
		Float64("device_load", reading.Load).
		Str("decision", string(decision)).
		Msg("Dispatch decision")

	if decision != DecisionOffload {
		return e.runLocal(ctx, task, decision, "")
	}

	peer, ok := SelectPeer(e.peers.ListPeers())
	if !ok {
		metrics.DeliveryFailuresTotal.WithLabelValues("no_peers").Inc()
		e.logger.Info().Str("task_id", task.ID).Msg("No peers available, executing locally")
		return e.runLocal(ctx, task, decision, ErrNoPeers.Error())
	}

	value, err := e.deliver(ctx, peer, task)
	if err == nil {
		return Result{
			TaskID:     task.ID,
			Value:      value,
			ExecutedBy: peer.Key(),
			Decision:   decision,
		}, nil
	}

	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return Result{TaskID: task.ID, ExecutedBy: peer.Key(), Decision: decision}, err
	}

	reason := deliveryReason(err)
	localCtx := ctx
	if ctx.Err() != nil {
		// The caller gave up on the offload attempt; the task still completes here.
		reason = "cancelled"
		localCtx = context.WithoutCancel(ctx)
	}

	metrics.DeliveryFailuresTotal.WithLabelValues(reason).Inc()
	e.logger.Warn().
		Err(err).
		Str("task_id", task.ID).
		Str("peer", peer.Key()).
		Str("reason", reason).
		Msg("Offload failed, executing locally")

	return e.runLocal(localCtx, task, decision, err.Error())
}

// SubmitAsync runs Submit on the bounded worker pool.
func (e *Engine) SubmitAsync(ctx context.Context, task tasks.Task) <-chan Outcome {
	out := make(chan Outcome, 1)

	go func() {
		defer close(out)

		if err := e.pool.Acquire(ctx, 1); err != nil {
			out <- Outcome{Result: Result{TaskID: task.ID}, Err: err}
			return
		}
		defer e.pool.Release(1)

		result, err := e.Submit(ctx, task)
		out <- Outcome{Result: result, Err: err}
	}()

	return out
}

func (e *Engine) deliver(ctx context.Context, peer registry.Peer, task tasks.Task) (json.RawMessage, error) {
	deliverCtx, cancel := context.WithTimeout(ctx, e.opts.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	value, err := e.sender.Send(deliverCtx, peer, task)
	if err == nil {
		metrics.TaskDurationSeconds.WithLabelValues("remote").Observe(time.Since(start).Seconds())
		metrics.TasksExecutedTotal.WithLabelValues("remote", "true").Inc()
		e.logger.Debug().Str("task_id", task.ID).Str("peer", peer.Key()).Dur("took", time.Since(start)).Msg("Task offloaded")
		return value, nil
	}

	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		metrics.TasksExecutedTotal.WithLabelValues("remote", "false").Inc()
		return nil, err
	}

	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		err = &DeliveryError{Peer: peer.Key(), Err: err}
	}
	return nil, err
}

func (e *Engine) runLocal(ctx context.Context, task tasks.Task, decision Decision, fallbackReason string) (Result, error) {
	start := time.Now()
	value, err := e.runner.Execute(ctx, task)
	metrics.TaskDurationSeconds.WithLabelValues("local").Observe(time.Since(start).Seconds())
	metrics.TasksExecutedTotal.WithLabelValues("local", strconv.FormatBool(err == nil)).Inc()

	result := Result{
		TaskID:         task.ID,
		Value:          value,
		ExecutedBy:     LocalExecutor,
		Decision:       decision,
		Fallback:       fallbackReason != "",
		FallbackReason: fallbackReason,
	}
	return result, err
}

func deliveryReason(err error) string {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) && deliveryErr.StatusCode != 0 {
		return "status"
	}
	return "transport"
}

// SelectPeer prefers LAN peers, then the lowest declared load. Peers without a
// declared load are chosen only when nothing else is available in the partition.
func SelectPeer(peers []registry.Peer) (registry.Peer, bool) {
	var lan, wan []registry.Peer
	for _, peer := range peers {
		locality := peer.Locality
		if locality == "" {
			locality = registry.ClassifyAddress(peer.Address)
		}
		if locality == registry.LAN {
			lan = append(lan, peer)
		} else {
			wan = append(wan, peer)
		}
	}

	for _, partition := range [][]registry.Peer{lan, wan} {
		if len(partition) == 0 {
			continue
		}
		registry.SortByLoad(partition)
		return partition[0], true
	}

	return registry.Peer{}, false
}
