package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/gomlx/moerouter/pkg/core/distributed/localgroup"
	"github.com/gomlx/moerouter/pkg/core/distributed/netgroup"
	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// runLocal runs all workers in this process, one goroutine each, connected by a localgroup.
func runLocal(ctx context.Context, s *simulation) ([]*workerResult, error) {
	g, err := localgroup.New(s.numWorkers, s.expertAssignment...)
	if err != nil {
		return nil, err
	}
	router := s.router()
	allExperts := s.experts()
	results := make([]*workerResult, s.numWorkers)
	eg, egCtx := errgroup.WithContext(ctx)
	for worker, member := range g.Members() {
		eg.Go(func() error {
			defer func() { _ = member.Close() }()
			r, err := s.runWorker(egCtx, member, router, allExperts)
			results[worker] = r
			return err
		})
	}
	if err = eg.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("localgroup %s: %d workers finished %d passes", g.ID(), s.numWorkers, s.passes)
	return results, nil
}

// runTCP runs one worker of a group connected by netgroup, gRPC over TCP. The other workers are expected to be started
// with the same flags, except -worker.
func runTCP(ctx context.Context, s *simulation, addresses []string, workerID int, session uuid.UUID,
	wire distributed.WireFormat) ([]*workerResult, error) {
	comm, err := netgroup.Connect(ctx, netgroup.Config{
		Addresses:        addresses,
		WorkerID:         workerID,
		Session:          session,
		Wire:             wire,
		ExpertAssignment: s.expertAssignment,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "worker %d failed to connect to its peers", workerID)
	}
	defer func() { _ = comm.Close() }()
	r, err := s.runWorker(ctx, comm, s.router(), s.experts())
	if err != nil {
		return nil, err
	}
	return []*workerResult{r}, nil
}

// sessionFor derives the session id from the parameters all the workers of a TCP group share.
func sessionFor(addresses []string, seed uint64, settings string) uuid.UUID {
	name := []byte(settings)
	for _, address := range addresses {
		name = append(name, ';')
		name = append(name, address...)
	}
	name = fmt.Appendf(name, ";seed=%d", seed)
	return uuid.NewSHA1(uuid.NameSpaceURL, name)
}

// passAggregator merges the stats of all workers for each pass, and reports the merged stats once every
// worker has finished the pass. It is safe for concurrent use.
type passAggregator struct {
	mu         sync.Mutex
	numWorkers int
	pending    map[int]*moe.Stats
	counts     map[int]int
	onPass     func(merged *moe.Stats)
}

func newPassAggregator(numWorkers int, onPass func(merged *moe.Stats)) *passAggregator {
	return &passAggregator{
		numWorkers: numWorkers,
		pending:    make(map[int]*moe.Stats),
		counts:     make(map[int]int),
		onPass:     onPass,
	}
}

// add the stats of one worker.
func (pa *passAggregator) add(stats *moe.Stats) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	merged, found := pa.pending[stats.Pass]
	if !found {
		merged = &moe.Stats{Worker: -1, Pass: stats.Pass, SeqLen: stats.SeqLen, Capacity: stats.Capacity}
		pa.pending[stats.Pass] = merged
	}
	merged.BatchSize += stats.BatchSize
	slowest := max(merged.Total, stats.Total)
	merged.Merge(stats)
	merged.Total = slowest // The pass ends with the slowest worker.
	pa.counts[stats.Pass]++
	if pa.counts[stats.Pass] < pa.numWorkers {
		return
	}
	delete(pa.pending, stats.Pass)
	delete(pa.counts, stats.Pass)
	pa.onPass(merged)
}
