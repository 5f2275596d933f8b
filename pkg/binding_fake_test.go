package protocol

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type datagram struct {
	data []byte
	addr net.Addr
}

// recordingBinding keeps every write and serves reads from inbox.
type recordingBinding struct {
	mu        sync.Mutex
	writes    []datagram
	writeErr  error
	inbox     chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func newRecordingBinding() *recordingBinding {
	return &recordingBinding{
		inbox:  make(chan datagram, 64),
		closed: make(chan struct{}),
	}
}

func (b *recordingBinding) WriteTo(p []byte, addr net.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	b.writes = append(b.writes, datagram{data: append([]byte(nil), p...), addr: addr})
	return nil
}

func (b *recordingBinding) ReadFrom(timeout time.Duration) ([]byte, net.Addr, error) {
	select {
	case d := <-b.inbox:
		return d.data, d.addr, nil
	case <-b.closed:
		return nil, nil, errors.Wrap(ErrBindingClosed, "fake")
	case <-time.After(timeout):
		return nil, nil, errors.Wrap(ErrReadTimeout, "fake")
	}
}

func (b *recordingBinding) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *recordingBinding) sent() []datagram {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]datagram(nil), b.writes...)
}

// sentSeqs decodes every write as a data packet and returns the sequence
// numbers in order.
func (b *recordingBinding) sentSeqs() []uint32 {
	var seqs []uint32
	for _, d := range b.sent() {
		pkt, err := UnmarshalPacket(d.data)
		if err != nil {
			continue
		}
		seqs = append(seqs, pkt.SeqNum)
	}
	return seqs
}

// sentAcks decodes every write as an ack.
func (b *recordingBinding) sentAcks() []uint32 {
	var acks []uint32
	for _, d := range b.sent() {
		ack, err := UnmarshalAck(d.data)
		if err != nil {
			continue
		}
		acks = append(acks, ack)
	}
	return acks
}

func (b *recordingBinding) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = nil
}
