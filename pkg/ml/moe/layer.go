package moe

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Layer runs the forward passes of the routing core on one worker: it routes the elements of the local
// batch to the experts of the group, runs the local expert on the elements it receives, and combines the
// results returned by the experts.
//
// All workers of the group must call Forward the same number of times, since each pass is a sequence of
// collectives. Any error is fatal: the Layer closes its communicator, so peers fail instead of waiting,
// and every later pass returns distributed.ErrGroupFailed.
//
// Forward passes on one Layer are serialized.
type Layer struct {
	comm   distributed.Communicator
	topo   distributed.Topology
	cfg    Config
	router Router
	expert Expert

	mu             sync.Mutex
	phase          distributed.Phase
	phaseStart     time.Time
	started        bool
	err            error
	passes         int
	warnedCapacity bool
}

// NewLayer creates a Layer for the worker owning comm.
// The router scores elements against all experts, and expert is the one owned by this worker.
func NewLayer(comm distributed.Communicator, cfg Config, router Router, expert Expert) (*Layer, error) {
	topo := comm.Topology()
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(topo.NumExperts()); err != nil {
		return nil, err
	}
	if router == nil || expert == nil {
		return nil, errors.New("NewLayer requires a router and an expert")
	}
	return &Layer{comm: comm, topo: topo, cfg: cfg, router: router, expert: expert, phase: distributed.PhaseIdle}, nil
}

// Topology of the worker running the layer.
func (l *Layer) Topology() distributed.Topology { return l.topo }

// Config of the layer.
func (l *Layer) Config() Config { return l.cfg }

// Phase returns the current phase of the layer.
func (l *Layer) Phase() distributed.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Err returns the error that made the layer fail, or nil.
func (l *Layer) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Start verifies that all workers of the group have the same configuration and a consistent assignment
// of experts. It is a collective: all workers must call it. If not called explicitly, it is called by
// the first Forward.
//
// It returns an error wrapping distributed.ErrConfigMismatch if the workers disagree.
func (l *Layer) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	return l.lockedStart(ctx)
}

func (l *Layer) usable() error {
	if l.phase == distributed.PhaseFailed {
		return errors.WithMessagef(distributed.ErrGroupFailed, "worker %d: layer failed earlier: %v", l.topo.WorkerID, l.err)
	}
	return nil
}

func (l *Layer) lockedStart(ctx context.Context) error {
	if l.started {
		return nil
	}
	fingerprint := append(l.cfg.fingerprint(), int64(l.topo.WorkerID), int64(l.topo.ExpertID))
	configLen := len(fingerprint) - 2
	gathered, err := l.comm.AllGather(ctx, fingerprint)
	if err != nil {
		l.lockedFail(err)
		return errors.WithMessage(err, "failed to exchange configurations")
	}
	me := l.topo.WorkerID
	for worker, other := range gathered {
		if !slices.Equal(other[:configLen], fingerprint[:configLen]) {
			err = errors.Wrapf(distributed.ErrConfigMismatch, "worker %d has config {%s}, worker %d has fingerprint %v",
				me, l.cfg, worker, other[:configLen])
			break
		}
		if int(other[configLen]) != worker {
			err = errors.Wrapf(distributed.ErrConfigMismatch, "worker %d reports id %d", worker, other[configLen])
			break
		}
		expert := int(other[configLen+1])
		if expert < 0 || expert >= l.topo.NumExperts() || l.topo.WorkerOf(expert) != worker {
			err = errors.Wrapf(distributed.ErrConfigMismatch, "worker %d owns expert %d, but worker %d assigns experts as %v",
				worker, expert, me, l.topo.ExpertAssignment())
			break
		}
	}
	if err != nil {
		l.lockedFail(err)
		return err
	}
	l.started = true
	klog.V(1).Infof("worker %d: routing layer started: %s, config {%s}", me, l.topo, l.cfg)
	return nil
}

// lockedFail moves the layer to PhaseFailed and closes the communicator.
func (l *Layer) lockedFail(err error) {
	if l.phase == distributed.PhaseFailed {
		return
	}
	klog.Errorf("worker %d: routing layer failed in phase %s: %+v", l.topo.WorkerID, l.phase, err)
	l.phase = distributed.PhaseFailed
	l.err = err
	if closeErr := l.comm.Close(); closeErr != nil {
		klog.Warningf("worker %d: failed to close communicator: %v", l.topo.WorkerID, closeErr)
	}
}

// transition moves the layer to the next phase, accounting the time spent in the current one.
func (l *Layer) transition(next distributed.Phase, stats *Stats) error {
	now := time.Now()
	if l.phase != distributed.PhaseIdle {
		stats.Durations[l.phase] += now.Sub(l.phaseStart)
	}
	phase, err := l.phase.Transition(next)
	if err != nil {
		return err
	}
	l.phase = phase
	l.phaseStart = now
	klog.V(2).Infof("worker %d: pass #%d phase %s", l.topo.WorkerID, stats.Pass, phase)
	return nil
}

// Forward runs one forward pass on the local batch x, shaped (B, T, C).
//
// It returns the combined expert outputs, with the same shape as x, and the statistics of the pass.
// Elements (or some of their K slots) dropped for lack of capacity get a zero contribution from
// the dropped experts.
func (l *Layer) Forward(ctx context.Context, x *Batch) (output *Batch, stats *Stats, err error) {
	if x == nil {
		return nil, nil, errors.New("moe.Layer.Forward: nil input batch")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err = l.usable(); err != nil {
		return nil, nil, err
	}
	if err = l.lockedStart(ctx); err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			l.lockedFail(err)
			output = nil
		}
	}()

	start := time.Now()
	b, t, c := x.Dims()
	me := l.topo.WorkerID
	numExperts := l.topo.NumExperts()
	stats = &Stats{Worker: me, Pass: l.passes, BatchSize: b, SeqLen: t,
		Durations: make(map[distributed.Phase]time.Duration)}
	l.passes++

	// Batch offsets: the global row id of the first row of each worker.
	if !l.cfg.DropLast {
		if err = l.transition(distributed.PhaseReconciling, stats); err != nil {
			return
		}
	}
	offsets, err := BatchOffsets(ctx, l.comm, l.cfg.DropLast, b, t)
	if err != nil {
		return
	}
	stats.RowOffset = offsets[me]

	// Routing and capacity: local only.
	assignment, err := Assign(x, l.router, l.cfg.K, numExperts)
	if err != nil {
		return
	}
	stats.Capacity = Capacity(t, numExperts, l.cfg.CapacityFactor)
	if stats.Capacity == MaxCapacity {
		err = errors.Errorf("worker %d: sequence length %d with %d experts and capacity factor %g needs a capacity "+
			"of at least the maximum %d", me, t, numExperts, l.cfg.CapacityFactor, MaxCapacity)
		return
	}
	if stats.Capacity == 0 && t > 0 && !l.warnedCapacity {
		klog.Warningf("worker %d: capacity is 0 for sequence length %d, %d experts and capacity factor %g: "+
			"all elements will be dropped", me, t, numExperts, l.cfg.CapacityFactor)
		l.warnedCapacity = true
	}
	send, err := BuildSendBuffers(l.topo, x, assignment, stats.RowOffset)
	if err != nil {
		return
	}

	if err = l.transition(distributed.PhaseAwaitingCounts, stats); err != nil {
		return
	}
	plan, err := PlanExchange(ctx, l.comm, send.Counts)
	if err != nil {
		return
	}
	stats.Sent = plan.TotalSend()
	stats.Received = plan.TotalRecv()
	stats.SentPerPeer = slices.Clone(plan.SendCounts)
	stats.ReceivedPerPeer = slices.Clone(plan.RecvCounts)

	if err = l.transition(distributed.PhaseAwaitingMetadata, stats); err != nil {
		return
	}
	metadata, features, err := ExchangePayloads(ctx, l.comm, plan, send, c)
	if err != nil {
		return
	}
	batch, err := GroupByRow(metadata, features, c, stats.Capacity, l.cfg.PaddingValue)
	if err != nil {
		return
	}
	stats.Kept, stats.Dropped = batch.Kept(), batch.Dropped
	stats.Rows, stats.Padded = batch.Rows(), batch.Padded()

	if err = l.transition(distributed.PhaseComputing, stats); err != nil {
		return
	}
	expertOutput, err := Dispatch(l.expert, batch)
	if err != nil {
		err = errors.WithMessagef(err, "worker %d, expert %d", me, l.topo.ExpertID)
		return
	}

	if err = l.transition(distributed.PhaseAwaitingResults, stats); err != nil {
		return
	}
	results, err := Unpermute(ctx, l.comm, plan, batch, expertOutput)
	if err != nil {
		return
	}

	if err = l.transition(distributed.PhaseCombining, stats); err != nil {
		return
	}
	output, err = Combine(assignment, c, send.Records, results)
	if err != nil {
		return
	}
	if err = l.transition(distributed.PhaseIdle, stats); err != nil {
		return
	}
	stats.Total = time.Since(start)
	klog.V(1).Info(stats)
	return output, stats, nil
}
