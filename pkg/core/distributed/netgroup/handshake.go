package netgroup

import (
	"context"
	"io"
	"strconv"

	"github.com/gomlx/moerouter/pkg/core/distributed"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys of the handshake.
const (
	mdWorker  = "moerouter-worker"
	mdPeers   = "moerouter-peers"
	mdWire    = "moerouter-wire"
	mdSession = "moerouter-session"
)

// hello is the handshake exchanged by two workers when the stream between them is opened: the dialing
// worker sends it in the request metadata, the accepting worker in the response header.
type hello struct {
	workerID  int
	peerCount int
	wire      distributed.WireFormat
	session   uuid.UUID
}

func (h hello) metadata() metadata.MD {
	return metadata.Pairs(
		mdWorker, strconv.Itoa(h.workerID),
		mdPeers, strconv.Itoa(h.peerCount),
		mdWire, h.wire.String(),
		mdSession, h.session.String(),
	)
}

func parseHello(md metadata.MD) (h hello, err error) {
	get := func(key string) (string, error) {
		values := md.Get(key)
		if len(values) != 1 {
			return "", errors.Errorf("handshake has %d values for %q, is the peer a netgroup worker?", len(values), key)
		}
		return values[0], nil
	}
	var value string
	if value, err = get(mdWorker); err != nil {
		return
	}
	if h.workerID, err = strconv.Atoi(value); err != nil {
		return h, errors.Wrapf(err, "invalid worker id in handshake")
	}
	if value, err = get(mdPeers); err != nil {
		return
	}
	if h.peerCount, err = strconv.Atoi(value); err != nil {
		return h, errors.Wrapf(err, "invalid number of workers in handshake")
	}
	if value, err = get(mdWire); err != nil {
		return
	}
	if h.wire, err = distributed.WireFormatString(value); err != nil {
		return h, errors.Wrapf(err, "invalid wire format in handshake")
	}
	if value, err = get(mdSession); err != nil {
		return
	}
	if h.session, err = uuid.Parse(value); err != nil {
		return h, errors.Wrapf(err, "invalid session in handshake")
	}
	return h, nil
}

func (c *Comm) hello() hello {
	return hello{workerID: c.topo.WorkerID, peerCount: c.topo.PeerCount, wire: c.cfg.Wire, session: c.cfg.Session}
}

// checkHello validates the handshake of a peer. If wantPeer is anyCount, any peer with a larger worker id
// is accepted.
func (c *Comm) checkHello(theirs hello, wantPeer int) error {
	me := c.topo.WorkerID
	switch {
	case wantPeer != anyCount && theirs.workerID != wantPeer:
		return errors.Errorf("worker %d dialed peer %d, but worker %d answered", me, wantPeer, theirs.workerID)
	case wantPeer == anyCount && (theirs.workerID <= me || theirs.workerID >= c.topo.PeerCount):
		return errors.Errorf("worker %d got an unexpected connection from worker %d", me, theirs.workerID)
	case theirs.peerCount != c.topo.PeerCount:
		return errors.Wrapf(distributed.ErrConfigMismatch, "worker %d has %d workers, peer %d has %d",
			me, c.topo.PeerCount, theirs.workerID, theirs.peerCount)
	case theirs.session != c.cfg.Session:
		return errors.Wrapf(distributed.ErrConfigMismatch, "worker %d is in session %s, peer %d in session %s",
			me, c.cfg.Session, theirs.workerID, theirs.session)
	case theirs.wire != c.cfg.Wire:
		return errors.Wrapf(distributed.ErrConfigMismatch, "worker %d uses wire format %s, peer %d uses %s",
			me, c.cfg.Wire, theirs.workerID, theirs.wire)
	}
	return nil
}

// statusOf converts the failure of a worker to the status its server returns to the peers that dialed it.
func statusOf(err error) error {
	if err == nil {
		return nil
	}
	var protocolErr *distributed.ProtocolError
	switch {
	case errors.As(err, &protocolErr), errors.Is(err, distributed.ErrConfigMismatch):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.Canceled, "%v", err)
	default:
		return status.Errorf(codes.Aborted, "%v", err)
	}
}

// peerError converts the error that ended the stream with peerID.
func peerError(err error, me, peerID int) error {
	if errors.Is(err, io.EOF) {
		return errors.Wrapf(distributed.ErrGroupFailed, "worker %d: peer %d closed its stream", me, peerID)
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(err, "worker %d: stream with peer %d broken", me, peerID)
	}
	if st.Code() == codes.FailedPrecondition {
		return errors.Wrapf(distributed.ErrGroupFailed, "worker %d: peer %d failed on a mismatch: %s",
			me, peerID, st.Message())
	}
	return errors.Wrapf(distributed.ErrGroupFailed, "worker %d: stream with peer %d ended (%s): %s",
		me, peerID, st.Code(), st.Message())
}

// handshakeError converts the error of a stream rejected by peerID while connecting.
func handshakeError(err error, me, peerID int, address string) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
		return errors.Wrapf(distributed.ErrConfigMismatch, "worker %d rejected by peer %d: %s", me, peerID, st.Message())
	}
	return errors.Wrapf(err, "worker %d failed to connect to peer %d at %q", me, peerID, address)
}
