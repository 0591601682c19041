package main

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/gomlx/moerouter/pkg/ml/moe/experts"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// simulation holds the parameters of a run. Every worker, in-process or not, derives the same router,
// experts and inputs from them.
type simulation struct {
	cfg               moe.Config
	numWorkers        int
	passes            int
	batch, seqLen     int
	width, hidden     int
	uneven            bool
	seed              uint64
	temperature       float64
	verify            bool
	verifyTolerance   float64
	expertParallelism int
	expertAssignment  []int
	reportStats       func(stats *moe.Stats)
}

// passResult of one worker for one forward pass. input and output are only kept when verifying.
type passResult struct {
	stats         *moe.Stats
	input, output *moe.Batch
}

// workerResult holds the outcome of all the passes of one worker.
type workerResult struct {
	worker  int
	passes  []*passResult
	traffic [2]int64 // Bytes sent and received, if the transport reports it.
}

// Streams of the random number generators.
const (
	routerStream = 1 << 40
	expertStream = 2 << 40
	inputStream  = 3 << 40
)

func (s *simulation) validate() error {
	if s.numWorkers <= 0 {
		return errors.Errorf("at least one worker is required, got %d", s.numWorkers)
	}
	if s.passes <= 0 || s.batch < 0 || s.seqLen <= 0 || s.width <= 0 || s.hidden <= 0 {
		return errors.Errorf("invalid simulation dimensions: passes=%d, batch=%d, seq=%d, width=%d, hidden=%d",
			s.passes, s.batch, s.seqLen, s.width, s.hidden)
	}
	if s.uneven && s.cfg.DropLast {
		return errors.New("uneven batches require drop_last=false")
	}
	return s.cfg.Validate(s.numWorkers)
}

// router returns the router shared by all workers.
func (s *simulation) router() *experts.LinearRouter {
	rng := rand.New(rand.NewPCG(s.seed, routerStream))
	return experts.NewRandomRouter(rng, s.width, s.numWorkers, s.temperature)
}

// experts returns all the experts, indexed by expert id. Each worker only runs its own, the others
// are used for verification.
func (s *simulation) experts() []moe.Expert {
	ffns := make([]moe.Expert, s.numWorkers)
	for e := range ffns {
		rng := rand.New(rand.NewPCG(s.seed, expertStream+uint64(e)))
		ffns[e] = experts.NewRandomFFN(rng, s.width, s.hidden).WithParallelism(s.expertParallelism)
	}
	return ffns
}

// batchSize of worker on the given pass: with uneven batches, the last pass is smaller on all
// workers but the first, possibly empty.
func (s *simulation) batchSize(worker, pass int) int {
	if s.uneven && pass == s.passes-1 {
		return max(s.batch-worker, 0)
	}
	return s.batch
}

// input generates the batch of worker for the given pass, with values uniformly distributed in [-1, 1).
func (s *simulation) input(worker, pass int) *moe.Batch {
	rng := rand.New(rand.NewPCG(s.seed, inputStream+uint64(worker)<<20+uint64(pass)))
	x := moe.NewBatch(s.batchSize(worker, pass), s.seqLen, s.width)
	for i := range x.Data {
		x.Data[i] = 2*rng.Float32() - 1
	}
	return x
}

// runWorker runs all the passes of one worker over comm.
func (s *simulation) runWorker(ctx context.Context, comm distributed.Communicator, router moe.Router,
	allExperts []moe.Expert) (*workerResult, error) {
	topo := comm.Topology()
	layer, err := moe.NewLayer(comm, s.cfg, router, allExperts[topo.ExpertID])
	if err != nil {
		return nil, errors.WithMessagef(err, "worker %d", topo.WorkerID)
	}
	if err = layer.Start(ctx); err != nil {
		return nil, err
	}
	result := &workerResult{worker: topo.WorkerID}
	for pass := range s.passes {
		x := s.input(topo.WorkerID, pass)
		output, stats, err := layer.Forward(ctx, x)
		if err != nil {
			return nil, errors.WithMessagef(err, "worker %d failed on pass %d", topo.WorkerID, pass)
		}
		pr := &passResult{stats: stats}
		if s.verify {
			pr.input, pr.output = x, output
		}
		result.passes = append(result.passes, pr)
		if s.reportStats != nil {
			s.reportStats(stats)
		}
	}
	if traffic, ok := comm.(interface{ Traffic() (int64, int64) }); ok {
		result.traffic[0], result.traffic[1] = traffic.Traffic()
	}
	return result, nil
}

// verification summarizes the comparison of the layer outputs with moe.Reference.
type verification struct {
	checked, skipped int
	maxError         float64
}

// verifyPass compares the output of one pass with the reference computation. It can only be used if no
// element was dropped during the pass on any worker.
func (s *simulation) verifyPass(pr *passResult, router moe.Router, allExperts []moe.Expert, v *verification) error {
	a, err := moe.Assign(pr.input, router, s.cfg.K, s.numWorkers)
	if err != nil {
		return err
	}
	want, err := moe.Reference(pr.input, a, allExperts)
	if err != nil {
		return err
	}
	for i, value := range want.Data {
		diff := math.Abs(float64(value - pr.output.Data[i]))
		v.maxError = max(v.maxError, diff)
		if diff > s.verifyTolerance {
			return errors.Errorf("worker %d pass %d: output #%d is %g, but the reference is %g",
				pr.stats.Worker, pr.stats.Pass, i, pr.output.Data[i], value)
		}
	}
	v.checked++
	return nil
}

// verifyResults compares the outputs of the given workers with the reference. Passes where some worker
// dropped elements are skipped, unless the capacity makes drops impossible. groupDropped, if known, holds
// the number of dropped elements per pass over the whole group.
func (s *simulation) verifyResults(results []*workerResult, router moe.Router, allExperts []moe.Expert,
	groupDropped []int) (*verification, error) {
	v := &verification{}
	for _, r := range results {
		for pass, pr := range r.passes {
			noDrops := pr.stats.Capacity >= s.seqLen
			if groupDropped != nil {
				noDrops = noDrops || groupDropped[pass] == 0
			}
			if !noDrops {
				v.skipped++
				continue
			}
			if err := s.verifyPass(pr, router, allExperts, v); err != nil {
				return v, err
			}
		}
	}
	klog.V(1).Infof("verified %d passes (%d skipped), max error %g", v.checked, v.skipped, v.maxError)
	return v, nil
}
