// Package netgroup implements distributed.Communicator over gRPC, for groups with one worker per process.
//
// Workers are connected in a full mesh of bidirectional gRPC streams (see mesh.proto): worker i opens a
// stream to every worker j < i, and serves the streams opened by every worker j > i. The stream metadata
// carries the handshake, which checks that both sides agree on the number of workers, the session id
// and the wire format.
//
// Each collective sends exactly one frame to every peer and reads exactly one frame from every peer.
// Frames carry the collective sequence number, the operation and, besides the payload, the number of
// values the sender expects to receive back: so a count mismatch is reported as a *distributed.ProtocolError
// on both sides of the stream. A worker that fails ends its streams with a gRPC status, codes.FailedPrecondition
// for protocol and configuration mismatches, and its peers fail in turn.
package netgroup

import (
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"
	"k8s.io/klog/v2"
)

// Config for Connect.
type Config struct {
	// Addresses of all workers ("host:port"), indexed by worker id.
	Addresses []string

	// WorkerID of this process.
	WorkerID int

	// Session identifies the run: all workers must be given the same one. uuid.Nil is accepted, but then
	// workers of different runs listening on the same addresses could be mixed up.
	Session uuid.UUID

	// Wire format for float payloads. All workers must use the same.
	Wire distributed.WireFormat

	// ExpertAssignment optionally gives the worker owning each expert. Default is the identity.
	ExpertAssignment []int

	// Listener to serve the streams of peers with larger worker ids. If nil, Connect listens on
	// Addresses[WorkerID]. It is closed by Comm.Close.
	Listener net.Listener

	// DialRetryPeriod is the initial backoff before retrying to connect to a peer that is not listening yet.
	// Defaults to DefaultDialRetryPeriod.
	DialRetryPeriod time.Duration

	// CloseTimeout bounds how long Close waits for the peers to receive what was already sent.
	// Defaults to DefaultCloseTimeout.
	CloseTimeout time.Duration
}

var (
	// DefaultDialRetryPeriod is used if Config.DialRetryPeriod is not set.
	DefaultDialRetryPeriod = 100 * time.Millisecond

	// DefaultCloseTimeout is used if Config.CloseTimeout is not set.
	DefaultCloseTimeout = 5 * time.Second
)

// maxMessageBytes raises gRPC's default 4MB limit: one frame carries all the records sent to a peer.
const maxMessageBytes = 1 << 30

// inboxSize of each peer: a peer is at most one collective ahead of this worker, since it can't complete
// a collective without this worker's frame. The extra room is for the error that ends the stream.
const inboxSize = 4

// Comm is the distributed.Communicator of one worker of a gRPC group. Create it with Connect.
type Comm struct {
	topo distributed.Topology
	cfg  Config
	seq  uint64

	muPeers sync.Mutex
	peers   []*peer // Indexed by worker id, nil for this worker.
	conns   []*grpc.ClientConn
	server  *grpc.Server

	// accepted receives the result of each stream served during Connect.
	accepted chan error

	// streamCtx is the context of the dialed streams: cancelling it tears them down without flushing.
	streamCtx context.Context
	cancel    context.CancelFunc

	muFailed sync.Mutex
	failed   error
	done     chan struct{} // Closed when failed is set.

	closeOnce sync.Once

	bytesSent, bytesReceived atomic.Int64
}

var _ distributed.Communicator = (*Comm)(nil)

// frameStream is the part of grpc.ClientStream and grpc.ServerStream used to exchange frames.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// peer is the stream with one other worker.
type peer struct {
	workerID int
	stream   frameStream
	client   grpc.ClientStream // Nil if the peer dialed this worker.

	inbox    chan received
	recvDone chan struct{}

	// sendMu serializes SendMsg and CloseSend: gRPC streams allow only one sender at a time.
	sendMu     sync.Mutex
	sendClosed bool
}

type received struct {
	f    *frame
	size int
	err  error
}

func newPeer(workerID int, stream frameStream, client grpc.ClientStream) *peer {
	return &peer{
		workerID: workerID,
		stream:   stream,
		client:   client,
		inbox:    make(chan received, inboxSize),
		recvDone: make(chan struct{}),
	}
}

func (p *peer) send(m proto.Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.sendClosed {
		return errors.Errorf("stream to peer %d already closed", p.workerID)
	}
	return p.stream.SendMsg(m)
}

// closeSend stops sending to the peer, after the frames already sent. For streams served by this worker,
// the handler returning does the equivalent.
func (p *peer) closeSend() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.sendClosed {
		return
	}
	p.sendClosed = true
	if p.client != nil {
		_ = p.client.CloseSend()
	}
}

// Connect establishes the streams with all peers and returns the worker's communicator.
//
// It blocks until every peer is connected, or ctx is done.
func Connect(ctx context.Context, cfg Config) (*Comm, error) {
	numWorkers := len(cfg.Addresses)
	topo, err := distributed.NewTopology(cfg.WorkerID, numWorkers)
	if err != nil {
		return nil, errors.WithMessage(err, "netgroup.Connect")
	}
	if len(cfg.ExpertAssignment) > 0 {
		topo, err = topo.WithExpertAssignment(cfg.ExpertAssignment...)
		if err != nil {
			return nil, errors.WithMessage(err, "netgroup.Connect")
		}
	}
	if cfg.DialRetryPeriod <= 0 {
		cfg.DialRetryPeriod = DefaultDialRetryPeriod
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	me := cfg.WorkerID
	numServed := numWorkers - 1 - me
	c := &Comm{
		topo:     topo,
		cfg:      cfg,
		peers:    make([]*peer, numWorkers),
		accepted: make(chan error, numWorkers),
		done:     make(chan struct{}),
	}
	c.streamCtx, c.cancel = context.WithCancel(context.Background())

	if numServed > 0 {
		listener := cfg.Listener
		if listener == nil {
			listener, err = net.Listen("tcp", cfg.Addresses[me])
			if err != nil {
				c.cancel()
				return nil, errors.Wrapf(err, "worker %d failed to listen on %q", me, cfg.Addresses[me])
			}
		}
		c.server = grpc.NewServer(grpc.MaxRecvMsgSize(maxMessageBytes), grpc.MaxSendMsgSize(maxMessageBytes))
		c.server.RegisterService(&meshServiceDesc, c)
		go func() {
			if err := c.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				klog.Errorf("netgroup: worker %d stopped serving: %+v", me, err)
			}
		}()
	} else if cfg.Listener != nil {
		_ = cfg.Listener.Close()
	}

	// Cancelling ctx while connecting aborts all streams.
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()
	var eg errgroup.Group
	if numServed > 0 {
		eg.Go(func() error {
			for range numServed {
				select {
				case err := <-c.accepted:
					if err != nil {
						c.cancel()
						return err
					}
				case <-c.streamCtx.Done():
					return errors.Errorf("worker %d: connection aborted while waiting for peers", me)
				}
			}
			return nil
		})
	}
	for peerID := range me {
		eg.Go(func() error {
			if err := c.dial(peerID); err != nil {
				c.cancel()
				return err
			}
			return nil
		})
	}
	err = eg.Wait()
	if err == nil && !stop() {
		err = errors.Errorf("worker %d: Connect cancelled", me)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "worker %d failed to connect: %v", me, err)
		}
		c.fail(err)
		c.shutdown()
		return nil, err
	}
	klog.V(1).Infof("netgroup: worker %d connected to %d peers (session %s, wire %s)",
		me, numWorkers-1, cfg.Session, cfg.Wire)
	return c, nil
}

// dial opens the stream to peerID, waiting for it to listen, and checks its handshake.
func (c *Comm) dial(peerID int) error {
	me := c.topo.WorkerID
	address := c.cfg.Addresses[peerID]
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  c.cfg.DialRetryPeriod,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   10 * c.cfg.DialRetryPeriod,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageBytes), grpc.MaxCallSendMsgSize(maxMessageBytes)),
	)
	if err != nil {
		return errors.Wrapf(err, "worker %d failed to create client for peer %d at %q", me, peerID, address)
	}
	c.muPeers.Lock()
	c.conns = append(c.conns, conn)
	c.muPeers.Unlock()

	streamCtx := metadata.NewOutgoingContext(c.streamCtx, c.hello().metadata())
	stream, err := conn.NewStream(streamCtx, &meshServiceDesc.Streams[0], exchangeMethod, grpc.WaitForReady(true))
	if err != nil {
		return handshakeError(err, me, peerID, address)
	}
	header, err := stream.Header()
	if err == nil && len(header) == 0 {
		// The peer ended the stream without accepting it: the status tells why.
		err = stream.RecvMsg(dynamicpb.NewMessage(frameDesc))
		if err == nil {
			err = errors.Errorf("peer sent a frame before its handshake")
		}
	}
	if err != nil {
		return handshakeError(err, me, peerID, address)
	}
	theirs, err := parseHello(header)
	if err != nil {
		return errors.WithMessagef(err, "worker %d connecting to peer %d at %q", me, peerID, address)
	}
	if err = c.checkHello(theirs, peerID); err != nil {
		return err
	}
	p := newPeer(peerID, stream, stream)
	c.muPeers.Lock()
	c.peers[peerID] = p
	c.muPeers.Unlock()
	go c.receive(p)
	return nil
}

// serveExchange handles the stream opened by a peer with a larger worker id. It returns when the
// communicator fails or is closed, ending the stream with the corresponding status.
func (c *Comm) serveExchange(stream grpc.ServerStream) error {
	me := c.topo.WorkerID
	md, _ := metadata.FromIncomingContext(stream.Context())
	theirs, err := parseHello(md)
	if err != nil {
		err = errors.WithMessagef(err, "worker %d", me)
	} else {
		err = c.checkHello(theirs, anyCount)
	}
	var p *peer
	if err == nil {
		c.muPeers.Lock()
		if c.peers[theirs.workerID] != nil {
			err = errors.Errorf("worker %d: peer %d connected twice", me, theirs.workerID)
		} else {
			p = newPeer(theirs.workerID, stream, nil)
			c.peers[theirs.workerID] = p
		}
		c.muPeers.Unlock()
	}
	if err == nil {
		err = stream.SendHeader(c.hello().metadata())
	}
	select {
	case c.accepted <- err:
	default:
	}
	if err != nil {
		klog.V(1).Infof("netgroup: worker %d rejected a stream: %v", me, err)
		return statusOf(err)
	}
	go c.receive(p)
	<-c.done
	p.closeSend()
	return statusOf(c.err())
}

// receive reads the frames of p into its inbox, until the stream ends.
func (c *Comm) receive(p *peer) {
	defer close(p.recvDone)
	for {
		m := dynamicpb.NewMessage(frameDesc)
		var r received
		if err := p.stream.RecvMsg(m); err != nil {
			r.err = peerError(err, c.topo.WorkerID, p.workerID)
		} else {
			r.f, r.err = frameFromMessage(m)
			r.size = proto.Size(m)
		}
		select {
		case p.inbox <- r:
		case <-c.streamCtx.Done():
			return
		}
		if r.err != nil {
			return
		}
	}
}

// Topology implements distributed.Communicator.
func (c *Comm) Topology() distributed.Topology { return c.topo }

// Traffic returns the number of bytes sent and received so far in collectives.
func (c *Comm) Traffic() (sent, received int64) {
	return c.bytesSent.Load(), c.bytesReceived.Load()
}

// Close implements distributed.Communicator.
//
// It waits up to Config.CloseTimeout for the peers to receive the frames already sent.
func (c *Comm) Close() error {
	me := c.topo.WorkerID
	c.fail(errors.Wrapf(distributed.ErrGroupFailed, "worker %d closed", me))
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()
		// A dialed stream ends once the peer is done with it.
	wait:
		for _, p := range c.snapshotPeers() {
			if p == nil || p.client == nil {
				continue
			}
			select {
			case <-p.recvDone:
			case <-ctx.Done():
				klog.Warningf("netgroup: worker %d timed out waiting for peer %d to close", me, p.workerID)
				break wait
			}
		}
		if c.server != nil {
			stopped := make(chan struct{})
			go func() {
				c.server.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
			}
		}
		c.shutdown()
		sent, received := c.Traffic()
		klog.V(1).Infof("netgroup: worker %d closed after %d collectives, sent %s, received %s",
			me, c.seq, humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(received)))
	})
	return nil
}

// shutdown tears down the streams and connections immediately.
func (c *Comm) shutdown() {
	c.cancel()
	if c.server != nil {
		c.server.Stop()
	}
	c.muPeers.Lock()
	defer c.muPeers.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
}

func (c *Comm) snapshotPeers() []*peer {
	c.muPeers.Lock()
	defer c.muPeers.Unlock()
	return slices.Clone(c.peers)
}

// fail marks the communicator as unusable and ends the streams, after the frames already sent, so the
// peers also fail.
func (c *Comm) fail(err error) {
	c.muFailed.Lock()
	if c.failed != nil {
		c.muFailed.Unlock()
		return
	}
	c.failed = err
	close(c.done)
	c.muFailed.Unlock()
	klog.V(1).Infof("netgroup: worker %d failed: %v", c.topo.WorkerID, err)
	for _, p := range c.snapshotPeers() {
		if p != nil && p.client != nil {
			// It may wait for a SendMsg in flight.
			go p.closeSend()
		}
	}
}

func (c *Comm) err() error {
	c.muFailed.Lock()
	defer c.muFailed.Unlock()
	return c.failed
}

func (c *Comm) usable() error {
	if err := c.err(); err != nil {
		return errors.WithMessagef(distributed.ErrGroupFailed, "worker %d: %v", c.topo.WorkerID, err)
	}
	return nil
}

// exchange sends out[j] to each peer j and reads one frame from each of them.
// expect[j] is the number of values to receive from peer j, or anyCount.
// The frame for this worker itself is returned as is, without going through the network.
func (c *Comm) exchange(ctx context.Context, op distributed.Op, out []*frame, expect []int) ([]*frame, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	me := c.topo.WorkerID
	seq := c.seq
	c.seq++
	in := make([]*frame, len(c.peers))
	in[me] = out[me]

	stop := context.AfterFunc(ctx, func() {
		c.fail(errors.Wrapf(context.Cause(ctx), "worker %d cancelled during %s #%d", me, op, seq))
	})
	// Protocol violations don't abort the exchange: the frames of this collective are still delivered,
	// so the peer can detect the violation on its side too.
	protocolErrs := make([]error, len(c.peers))
	var eg errgroup.Group
	for peerID, p := range c.peers {
		if p == nil {
			continue
		}
		f := out[peerID]
		f.seq, f.op, f.expect = seq, op, expect[peerID]
		eg.Go(func() error {
			m := f.message()
			if err := p.send(m); err != nil {
				err = errors.Wrapf(err, "worker %d sending %s #%d to peer %d", me, op, seq, peerID)
				c.fail(err)
				return err
			}
			c.bytesSent.Add(int64(proto.Size(m)))
			return nil
		})
		eg.Go(func() error {
			var r received
			select {
			case r = <-p.inbox:
			case <-c.done:
				return c.usable()
			}
			if r.err != nil {
				err := errors.WithMessagef(r.err, "worker %d receiving %s #%d from peer %d", me, op, seq, peerID)
				c.fail(err)
				return err
			}
			c.bytesReceived.Add(int64(r.size))
			protocolErrs[peerID] = c.checkFrame(r.f, f, seq, op, peerID, expect[peerID])
			in[peerID] = r.f
			return nil
		})
	}
	err := eg.Wait()
	for _, protocolErr := range protocolErrs {
		if protocolErr != nil {
			err = protocolErr
			break
		}
	}
	if !stop() && err == nil {
		err = errors.Errorf("worker %d cancelled at the end of %s #%d", me, op, seq)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "worker %d cancelled during %s #%d: %v", me, op, seq, err)
		}
		c.fail(err)
		return nil, err
	}
	klog.V(2).Infof("netgroup: worker %d completed %s #%d", me, op, seq)
	return in, nil
}

// checkFrame validates a frame received from peerID against what this worker sent and expects.
func (c *Comm) checkFrame(received, sent *frame, seq uint64, op distributed.Op, peerID, expect int) error {
	protocolErr := func(reason string, expected, got int) error {
		return &distributed.ProtocolError{
			Op: op, Seq: seq, Worker: c.topo.WorkerID, Peer: peerID,
			Expected: expected, Got: got, Reason: reason,
		}
	}
	switch {
	case received.seq != seq:
		return protocolErr("collectives out of sequence", int(seq), int(received.seq))
	case received.op != op:
		return protocolErr("peer issued "+received.op.String()+" instead", 0, 0)
	case received.kind != sent.kind:
		return protocolErr("peer encodes values differently", int(sent.kind), int(received.kind))
	case expect != anyCount && received.count() != expect:
		return protocolErr("peer sends a different number of values than the worker expects to receive",
			expect, received.count())
	case received.expect != anyCount && received.expect != sent.count():
		return protocolErr("peer expects a different number of values than the worker sends",
			received.expect, sent.count())
	}
	return nil
}

// checkSelfCounts validates the part of a variable-size all-to-all that this worker sends to itself,
// which does not go through exchange.
func (c *Comm) checkSelfCounts(op distributed.Op, sendCounts, recvCounts []int) error {
	me := c.topo.WorkerID
	if sendCounts[me] == recvCounts[me] {
		return nil
	}
	err := &distributed.ProtocolError{
		Op: op, Seq: c.seq, Worker: me, Peer: me,
		Expected: recvCounts[me], Got: sendCounts[me],
		Reason: "worker sends itself a different number of values than it expects",
	}
	c.fail(err)
	return err
}

// AllGather implements distributed.Communicator.
func (c *Comm) AllGather(ctx context.Context, values []int64) ([][]int64, error) {
	numWorkers := c.topo.PeerCount
	out := make([]*frame, numWorkers)
	expect := make([]int, numWorkers)
	for peerID := range out {
		out[peerID] = &frame{kind: kindInt64, ints: slices.Clone(values)}
		expect[peerID] = len(values)
	}
	in, err := c.exchange(ctx, distributed.OpAllGather, out, expect)
	if err != nil {
		return nil, err
	}
	gathered := make([][]int64, numWorkers)
	for peerID, f := range in {
		gathered[peerID] = f.ints
	}
	return gathered, nil
}

// AllToAll implements distributed.Communicator.
func (c *Comm) AllToAll(ctx context.Context, send []int64) ([]int64, error) {
	numWorkers := c.topo.PeerCount
	if len(send) != numWorkers {
		err := errors.Errorf("AllToAll on worker %d: send must have one value per peer (%d), got %d",
			c.topo.WorkerID, numWorkers, len(send))
		c.fail(err)
		return nil, err
	}
	out := make([]*frame, numWorkers)
	expect := make([]int, numWorkers)
	for peerID := range out {
		out[peerID] = &frame{kind: kindInt64, ints: []int64{send[peerID]}}
		expect[peerID] = 1
	}
	in, err := c.exchange(ctx, distributed.OpAllToAll, out, expect)
	if err != nil {
		return nil, err
	}
	recv := make([]int64, numWorkers)
	for peerID, f := range in {
		recv[peerID] = f.ints[0]
	}
	return recv, nil
}

// AllToAllInts implements distributed.Communicator.
func (c *Comm) AllToAllInts(ctx context.Context, send []int64, sendCounts, recvCounts []int) ([]int64, error) {
	if err := distributed.CheckCounts(c.topo, len(send), sendCounts, recvCounts); err != nil {
		c.fail(err)
		return nil, err
	}
	if err := c.checkSelfCounts(distributed.OpAllToAllInts, sendCounts, recvCounts); err != nil {
		return nil, err
	}
	offsets := distributed.Offsets(sendCounts)
	out := make([]*frame, c.topo.PeerCount)
	for peerID := range out {
		out[peerID] = &frame{kind: kindInt64, ints: send[offsets[peerID]:offsets[peerID+1]]}
	}
	in, err := c.exchange(ctx, distributed.OpAllToAllInts, out, recvCounts)
	if err != nil {
		return nil, err
	}
	recv := make([]int64, 0, distributed.Offsets(recvCounts)[len(recvCounts)])
	for _, f := range in {
		recv = append(recv, f.ints...)
	}
	return recv, nil
}

// AllToAllFloats implements distributed.Communicator.
//
// With Config.Wire set to distributed.WireFloat16, values sent to peers lose precision, but the values
// this worker sends to itself are kept as is.
func (c *Comm) AllToAllFloats(ctx context.Context, send []float32, sendCounts, recvCounts []int) ([]float32, error) {
	if err := distributed.CheckCounts(c.topo, len(send), sendCounts, recvCounts); err != nil {
		c.fail(err)
		return nil, err
	}
	offsets := distributed.Offsets(sendCounts)
	valuesKind := floatKind(c.cfg.Wire)
	out := make([]*frame, c.topo.PeerCount)
	for peerID := range out {
		out[peerID] = &frame{kind: valuesKind, floats: send[offsets[peerID]:offsets[peerID+1]]}
	}
	if err := c.checkSelfCounts(distributed.OpAllToAllFloats, sendCounts, recvCounts); err != nil {
		return nil, err
	}
	in, err := c.exchange(ctx, distributed.OpAllToAllFloats, out, recvCounts)
	if err != nil {
		return nil, err
	}
	recv := make([]float32, 0, distributed.Offsets(recvCounts)[len(recvCounts)])
	for _, f := range in {
		recv = append(recv, f.floats...)
	}
	return recv, nil
}
