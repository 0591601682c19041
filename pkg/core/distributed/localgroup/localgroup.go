// Package localgroup implements distributed.Communicator for workers running as goroutines of the same process.
//
// A Group is created with a fixed number of members, one per worker. Each collective is a rendezvous:
// the posts of all members for the same sequence number are collected, validated against each other,
// and only then every member builds its own result. A protocol violation (different operations, or
// mismatching counts) fails the collective on every member with a *distributed.ProtocolError, and a
// cancelled context fails the whole group instead of leaving peers blocked.
package localgroup

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Group of in-process workers. Create it with New.
type Group struct {
	id      uuid.UUID
	members []*Member

	mu     sync.Mutex
	rounds map[uint64]*round
	err    error
}

// Member is the distributed.Communicator of one worker of a Group.
type Member struct {
	group  *Group
	topo   distributed.Topology
	seq    uint64
	closed bool
}

var _ distributed.Communicator = (*Member)(nil)

// post is what one member contributes to a collective. It is never modified after being posted.
type post struct {
	op                     distributed.Op
	ints                   []int64
	floats                 []float32
	sendCounts, recvCounts []int
}

// round collects the posts of all members for one collective.
type round struct {
	seq       uint64
	posts     []*post
	arrived   int
	collected int
	done      chan struct{}
	closed    bool
	err       error
}

// New creates a group of numWorkers members, where worker i owns expert i.
//
// Optionally, expertAssignment gives the worker owning each expert (see distributed.Topology.WithExpertAssignment).
func New(numWorkers int, expertAssignment ...int) (*Group, error) {
	if numWorkers <= 0 {
		return nil, errors.Errorf("localgroup.New requires at least one worker, got %d", numWorkers)
	}
	g := &Group{
		id:      uuid.New(),
		members: make([]*Member, numWorkers),
		rounds:  make(map[uint64]*round),
	}
	for workerID := range numWorkers {
		topo, err := distributed.NewTopology(workerID, numWorkers)
		if err != nil {
			return nil, err
		}
		if len(expertAssignment) > 0 {
			topo, err = topo.WithExpertAssignment(expertAssignment...)
			if err != nil {
				return nil, errors.WithMessagef(err, "localgroup.New")
			}
		}
		g.members[workerID] = &Member{group: g, topo: topo}
	}
	klog.V(1).Infof("localgroup %s: created with %d workers", g.id, numWorkers)
	return g, nil
}

// ID returns the unique id of the group, used in logs.
func (g *Group) ID() uuid.UUID { return g.id }

// Size returns the number of workers in the group.
func (g *Group) Size() int { return len(g.members) }

// Member returns the communicator of the given worker.
func (g *Group) Member(workerID int) *Member { return g.members[workerID] }

// Members returns the communicators of all workers, indexed by worker id.
func (g *Group) Members() []*Member { return slices.Clone(g.members) }

// Err returns the error that made the group fail, or nil if it is still usable.
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// lockedFail marks the group as failed and releases every pending round with the error.
// It must be called with g.mu acquired.
func (g *Group) lockedFail(err error) {
	if g.err == nil {
		g.err = err
		klog.Warningf("localgroup %s: group failed: %v", g.id, err)
	}
	for _, r := range g.rounds {
		if !r.closed {
			r.err = err
			r.closed = true
			close(r.done)
		}
	}
}

func (g *Group) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lockedFail(err)
}

// Topology implements distributed.Communicator.
func (m *Member) Topology() distributed.Topology { return m.topo }

// Close implements distributed.Communicator.
// Closing a member while peers are still waiting on a collective fails the group.
func (m *Member) Close() error {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, r := range g.rounds {
		if !r.closed && r.posts[m.topo.WorkerID] == nil {
			g.lockedFail(errors.Wrapf(distributed.ErrGroupFailed, "worker %d closed with collective #%d pending",
				m.topo.WorkerID, r.seq))
			break
		}
	}
	return nil
}

// collective posts p for the next sequence number and waits for all peers.
// It returns the completed round: its posts are read-only from then on.
func (m *Member) collective(ctx context.Context, p *post) (*round, error) {
	g := m.group
	me := m.topo.WorkerID
	g.mu.Lock()
	if m.closed {
		g.mu.Unlock()
		return nil, errors.Errorf("localgroup: worker %d used after Close", me)
	}
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return nil, errors.WithMessagef(distributed.ErrGroupFailed, "worker %d %s: %v", me, p.op, err)
	}
	seq := m.seq
	m.seq++
	r, found := g.rounds[seq]
	if !found {
		r = &round{seq: seq, posts: make([]*post, len(g.members)), done: make(chan struct{})}
		g.rounds[seq] = r
	}
	r.posts[me] = p
	r.arrived++
	for peer, member := range g.members {
		if member.closed && r.posts[peer] == nil {
			g.lockedFail(errors.Wrapf(distributed.ErrGroupFailed, "worker %d is closed and won't join %s #%d",
				peer, p.op, seq))
			break
		}
	}
	if !r.closed && r.arrived == len(g.members) {
		if err := r.validate(); err != nil {
			g.lockedFail(err)
		} else {
			r.closed = true
			close(r.done)
		}
	}
	g.mu.Unlock()
	klog.V(2).Infof("localgroup %s: worker %d posted %s #%d", g.id, me, p.op, seq)

	select {
	case <-r.done:
	case <-ctx.Done():
		select {
		case <-r.done:
			// Completed concurrently with the cancellation.
		default:
			g.fail(errors.Wrapf(ctx.Err(), "worker %d cancelled while waiting on %s #%d", me, p.op, seq))
			<-r.done
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r, nil
}

// release is called by each member after it extracted its result from the round.
func (m *Member) release(r *round) {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()
	r.collected++
	if r.collected == len(g.members) {
		delete(g.rounds, r.seq)
	}
}

// validate checks that all posts of the round agree. It is called once, when the last post arrives.
func (r *round) validate() error {
	first := r.posts[0]
	for worker, p := range r.posts {
		if p.op != first.op {
			return &distributed.ProtocolError{
				Op: p.op, Seq: r.seq, Worker: worker, Peer: 0,
				Reason: "peer issued " + first.op.String() + " instead",
			}
		}
	}
	switch first.op {
	case distributed.OpAllGather:
		for worker, p := range r.posts {
			if len(p.ints) != len(first.ints) {
				return &distributed.ProtocolError{
					Op: first.op, Seq: r.seq, Worker: worker, Peer: 0,
					Expected: len(first.ints), Got: len(p.ints),
					Reason: "all-gather payloads have different lengths",
				}
			}
		}
	case distributed.OpAllToAllInts, distributed.OpAllToAllFloats:
		for receiver, p := range r.posts {
			for sender, q := range r.posts {
				if q.sendCounts[receiver] != p.recvCounts[sender] {
					return &distributed.ProtocolError{
						Op: first.op, Seq: r.seq, Worker: receiver, Peer: sender,
						Expected: p.recvCounts[sender], Got: q.sendCounts[receiver],
						Reason: "peer sends a different number of values than the worker expects to receive",
					}
				}
			}
		}
	}
	return nil
}

// AllGather implements distributed.Communicator.
func (m *Member) AllGather(ctx context.Context, values []int64) ([][]int64, error) {
	r, err := m.collective(ctx, &post{op: distributed.OpAllGather, ints: slices.Clone(values)})
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	gathered := make([][]int64, len(r.posts))
	for worker, p := range r.posts {
		gathered[worker] = slices.Clone(p.ints)
	}
	return gathered, nil
}

// AllToAll implements distributed.Communicator.
func (m *Member) AllToAll(ctx context.Context, send []int64) ([]int64, error) {
	if len(send) != m.topo.PeerCount {
		err := errors.Errorf("AllToAll on worker %d: send must have one value per peer (%d), got %d",
			m.topo.WorkerID, m.topo.PeerCount, len(send))
		m.group.fail(err)
		return nil, err
	}
	r, err := m.collective(ctx, &post{op: distributed.OpAllToAll, ints: slices.Clone(send)})
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	recv := make([]int64, len(r.posts))
	for worker, p := range r.posts {
		recv[worker] = p.ints[m.topo.WorkerID]
	}
	return recv, nil
}

// AllToAllInts implements distributed.Communicator.
func (m *Member) AllToAllInts(ctx context.Context, send []int64, sendCounts, recvCounts []int) ([]int64, error) {
	if err := distributed.CheckCounts(m.topo, len(send), sendCounts, recvCounts); err != nil {
		m.group.fail(err)
		return nil, err
	}
	r, err := m.collective(ctx, &post{
		op: distributed.OpAllToAllInts, ints: slices.Clone(send),
		sendCounts: slices.Clone(sendCounts), recvCounts: slices.Clone(recvCounts),
	})
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	return gatherSlices(r, m.topo.WorkerID, func(p *post) []int64 { return p.ints }), nil
}

// AllToAllFloats implements distributed.Communicator.
func (m *Member) AllToAllFloats(ctx context.Context, send []float32, sendCounts, recvCounts []int) ([]float32, error) {
	if err := distributed.CheckCounts(m.topo, len(send), sendCounts, recvCounts); err != nil {
		m.group.fail(err)
		return nil, err
	}
	r, err := m.collective(ctx, &post{
		op: distributed.OpAllToAllFloats, floats: slices.Clone(send),
		sendCounts: slices.Clone(sendCounts), recvCounts: slices.Clone(recvCounts),
	})
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	return gatherSlices(r, m.topo.WorkerID, func(p *post) []float32 { return p.floats }), nil
}

// gatherSlices concatenates, in worker order, the part of each post's buffer addressed to receiver.
func gatherSlices[T any](r *round, receiver int, buffer func(p *post) []T) []T {
	me := r.posts[receiver]
	total := 0
	for _, count := range me.recvCounts {
		total += count
	}
	recv := make([]T, 0, total)
	for _, p := range r.posts {
		offsets := distributed.Offsets(p.sendCounts)
		recv = append(recv, buffer(p)[offsets[receiver]:offsets[receiver+1]]...)
	}
	return recv
}
