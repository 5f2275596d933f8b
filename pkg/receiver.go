package protocol

import (
	"bytes"
	"net"
	"sync"

	"github.com/pkg/errors"
)

type ReceiverState int

const (
	ReceiverListening ReceiverState = iota
	ReceiverReceiving
	ReceiverComplete
	ReceiverAborted
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverListening:
		return "LISTENING"
	case ReceiverReceiving:
		return "RECEIVING"
	case ReceiverComplete:
		return "COMPLETE"
	case ReceiverAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

type ReceiverStats struct {
	Accepted   int // in-order data packets appended
	Discarded  int // duplicates and out of order
	Corrupt    int // malformed or failing the checksum
	Foreign    int // from an address other than the pinned peer
	AcksSent   int
	BytesTotal int
}

// ReceiverSession is the Go-Back-N receive side of one transfer.
type ReceiverSession struct {
	cfg     Config
	binding Binding

	mu       sync.Mutex
	state    ReceiverState
	err      error
	expected uint32
	buf      bytes.Buffer
	peer     net.Addr
	result   []byte
	stats    ReceiverStats
}

func NewReceiverSession(cfg Config, binding Binding) *ReceiverSession {
	return &ReceiverSession{
		cfg:     cfg,
		binding: binding,
		state:   ReceiverListening,
	}
}

// OnPacket handles one raw datagram. It returns nil when the datagram was
// accepted, otherwise the reason it was dropped. Drops are never fatal; a
// failed acknowledgment write is, and aborts the session.
func (r *ReceiverSession) OnPacket(raw []byte, from net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == ReceiverComplete || r.state == ReceiverAborted {
		return errors.Wrapf(ErrStaleOrOutOfOrder, "session %s", r.state)
	}
	if r.peer != nil && from != nil && from.String() != r.peer.String() {
		r.stats.Foreign++
		return errors.Wrapf(ErrForeignPeer, "%v, pinned to %v", from, r.peer)
	}

	pkt, err := UnmarshalPacket(raw)
	if err != nil {
		r.stats.Corrupt++
		return r.dupAckLocked(from, err)
	}
	if !pkt.Verify() {
		r.stats.Corrupt++
		return r.dupAckLocked(from, errors.Wrapf(ErrChecksumMismatch, "packet %d", pkt.SeqNum))
	}

	if r.peer == nil {
		r.peer = from
	}
	if r.state == ReceiverListening {
		r.state = ReceiverReceiving
	}

	if pkt.IsEOF() && r.eofAcceptableLocked(pkt.SeqNum) {
		r.result = bytes.Clone(r.buf.Bytes())
		if r.result == nil {
			r.result = []byte{}
		}
		r.state = ReceiverComplete
		log.Debugf("receiver: EOF %d from %v, %d bytes reassembled", pkt.SeqNum, from, len(r.result))
		return nil
	}

	if pkt.SeqNum == r.expected {
		r.buf.Write(pkt.Payload)
		r.expected++
		r.stats.Accepted++
		r.stats.BytesTotal += len(pkt.Payload)
		log.Tracef("receiver: packet %d ok", pkt.SeqNum)
		return r.ackLocked(from)
	}

	r.stats.Discarded++
	return r.dupAckLocked(from, errors.Wrapf(ErrStaleOrOutOfOrder, "packet %d, expecting %d", pkt.SeqNum, r.expected))
}

// eofAcceptableLocked keeps the lenient rule by default: any EOF at or past
// the expected number finishes the transfer.
func (r *ReceiverSession) eofAcceptableLocked(seq uint32) bool {
	if r.cfg.StrictEOF {
		return seq == r.expected
	}
	return seq >= r.expected
}

// dupAckLocked re-acknowledges the unchanged expected number and reports
// why the datagram was dropped.
func (r *ReceiverSession) dupAckLocked(to net.Addr, reason error) error {
	log.Tracef("receiver: %v", reason)
	if err := r.ackLocked(to); err != nil {
		return err
	}
	return reason
}

func (r *ReceiverSession) ackLocked(to net.Addr) error {
	if to == nil {
		return nil
	}
	if err := r.binding.WriteTo(MarshalAck(r.expected), to); err != nil {
		r.failLocked(errors.Wrapf(err, "ack %d", r.expected))
		return r.err
	}
	r.stats.AcksSent++
	return nil
}

// Run reads datagrams until the terminal packet arrives or the channel goes
// quiet for IdleTimeout.
func (r *ReceiverSession) Run() ([]byte, error) {
	for {
		r.mu.Lock()
		switch r.state {
		case ReceiverComplete:
			result := r.result
			r.mu.Unlock()
			return result, nil
		case ReceiverAborted:
			err := r.err
			r.mu.Unlock()
			return nil, err
		}
		r.mu.Unlock()

		raw, from, err := r.binding.ReadFrom(r.cfg.IdleTimeout)
		if err != nil {
			if IsTimeout(err) {
				err = errors.Wrapf(ErrIdleReceiveTimeout, "nothing received for %v", r.cfg.IdleTimeout)
			}
			r.Abort(err)
			continue
		}
		if err := r.OnPacket(raw, from); err != nil {
			log.Tracef("receiver: dropped datagram from %v: %v", from, err)
		}
	}
}

// Abort ends the session unless it already completed, and returns the
// session's final error.
func (r *ReceiverSession) Abort(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
	return r.err
}

func (r *ReceiverSession) failLocked(err error) {
	if r.state == ReceiverComplete || r.state == ReceiverAborted {
		return
	}
	r.state = ReceiverAborted
	r.err = err
	r.buf.Reset()
	log.Errorf("receiver: transfer aborted: %v", err)
}

func (r *ReceiverSession) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ReceiverSession) Expected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// Buffered returns a copy of the bytes reassembled so far.
func (r *ReceiverSession) Buffered() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes())
}

func (r *ReceiverSession) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
