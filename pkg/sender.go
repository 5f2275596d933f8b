package protocol

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

type SenderState int

const (
	SenderIdle SenderState = iota
	SenderSending
	SenderDraining
	SenderDone
	SenderFailed
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "IDLE"
	case SenderSending:
		return "SENDING"
	case SenderDraining:
		return "DRAINING"
	case SenderDone:
		return "DONE"
	case SenderFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

type SenderStats struct {
	PacketsSent     int // data packets, first transmissions and retransmissions
	Retransmissions int
	Timeouts        int
	MaxInFlight     int // largest next-base ever observed
}

// SenderSession is the Go-Back-N transmit side of one transfer. Every field
// below mu is guarded by it, including from the retransmission timer.
type SenderSession struct {
	cfg     Config
	binding Binding

	mu     sync.Mutex
	state  SenderState
	err    error
	dest   net.Addr
	chunks [][]byte
	total  seqnum.Value
	base   seqnum.Value // lowest unacknowledged
	next   seqnum.Value // lowest not yet transmitted

	timer    *time.Timer
	timerGen uint64 // bumped on every stop; a callback holding an old value is stale
	stalled  int    // consecutive timeouts without base moving

	stats SenderStats
}

func NewSenderSession(cfg Config, binding Binding) *SenderSession {
	return &SenderSession{
		cfg:     cfg,
		binding: binding,
		state:   SenderIdle,
	}
}

// Start loads the chunks and moves the session to SENDING. Nothing is
// transmitted until Pump or Run.
func (s *SenderSession) Start(chunks [][]byte, dest net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SenderIdle {
		return errors.Errorf("sender session is %s, not IDLE", s.state)
	}
	s.dest = dest
	for i, c := range chunks {
		if bytes.Equal(c, EOFMarker) {
			s.failLocked(errors.Wrapf(ErrReservedPayload, "chunk %d", i))
			return s.err
		}
	}
	s.chunks = chunks
	s.total = seqnum.Value(len(chunks))
	s.base = 0
	s.next = 0
	s.state = SenderSending
	log.Debugf("sender: %d chunks to %v, window %d", len(chunks), dest, s.cfg.WindowSize)
	return nil
}

// Pump transmits as many new packets as the window allows.
func (s *SenderSession) Pump() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpLocked()
}

func (s *SenderSession) pumpLocked() error {
	if s.state != SenderSending {
		return s.err
	}
	window := seqnum.Size(s.cfg.WindowSize)
	for s.next.InWindow(s.base, window) && s.next.LessThan(s.total) {
		firstInWindow := s.base == s.next
		if err := s.transmitLocked(s.next); err != nil {
			s.failLocked(err)
			return s.err
		}
		s.next.UpdateForward(1)
		if firstInWindow {
			s.armTimerLocked()
		}
		if inFlight := int(s.base.Size(s.next)); inFlight > s.stats.MaxInFlight {
			s.stats.MaxInFlight = inFlight
		}
	}
	return nil
}

// OnAck applies a cumulative acknowledgment. Acks at or below base are
// stale and change nothing; acks beyond next were never earned and are
// ignored too.
func (s *SenderSession) OnAck(ack uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SenderSending {
		return
	}
	a := seqnum.Value(ack)
	if !s.base.LessThan(a) || s.next.LessThan(a) {
		log.Tracef("sender: ignoring ack %d (base %d, next %d)", ack, s.base, s.next)
		return
	}
	s.base = a
	s.stalled = 0
	if s.base == s.next {
		s.stopTimerLocked()
	} else {
		s.armTimerLocked()
	}
}

// OnTimeout resends the whole outstanding window, [base, next).
func (s *SenderSession) OnTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTimeoutLocked()
}

func (s *SenderSession) onTimeoutLocked() {
	if s.state != SenderSending || s.base == s.next {
		return
	}
	s.stats.Timeouts++
	s.stalled++
	if s.cfg.MaxTimeouts > 0 && s.stalled > s.cfg.MaxTimeouts {
		s.failLocked(errors.Wrapf(ErrPeerUnresponsive, "%d consecutive retransmission timeouts at base %d", s.stalled-1, s.base))
		return
	}
	log.Tracef("sender: %v, resending [%d, %d)", ErrRetransmissionTimeout, s.base, s.next)
	for seq := s.base; seq.LessThan(s.next); seq.UpdateForward(1) {
		if err := s.transmitLocked(seq); err != nil {
			s.failLocked(err)
			return
		}
		s.stats.Retransmissions++
	}
	s.armTimerLocked()
}

// Run drives the session to a terminal state: it alternates between filling
// the window and waiting one RTO for an acknowledgment, then drains.
func (s *SenderSession) Run() error {
	for {
		s.mu.Lock()
		if s.state == SenderIdle {
			s.mu.Unlock()
			return errors.New("sender session not started")
		}
		if s.state == SenderFailed {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if s.base == s.total {
			s.mu.Unlock()
			break
		}
		err := s.pumpLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}

		raw, _, err := s.binding.ReadFrom(s.cfg.RTO)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return s.Abort(err)
		}
		ack, err := UnmarshalAck(raw)
		if err != nil {
			log.Tracef("sender: dropping datagram: %v", err)
			continue
		}
		s.OnAck(ack)
	}
	return s.drain()
}

// drain sends the terminal packet EOFRedundancy times. No ack is expected
// for it, the copies only raise the odds that one gets through.
func (s *SenderSession) drain() error {
	s.mu.Lock()
	if s.state != SenderSending {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.state = SenderDraining
	s.stopTimerLocked()
	eof := NewEOFPacket(uint32(s.total)).Marshal()
	dest := s.dest
	s.mu.Unlock()

	for i := 0; i < s.cfg.EOFRedundancy; i++ {
		if i > 0 && s.cfg.EOFInterval > 0 {
			time.Sleep(s.cfg.EOFInterval)
		}
		if err := s.binding.WriteTo(eof, dest); err != nil {
			return s.Abort(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderDraining {
		return s.err
	}
	s.state = SenderDone
	log.Debugf("sender: done, %d packets sent, %d retransmitted", s.stats.PacketsSent, s.stats.Retransmissions)
	return nil
}

// Abort fails the session unless it already finished, and returns the
// session's final error.
func (s *SenderSession) Abort(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
	return s.err
}

func (s *SenderSession) transmitLocked(seq seqnum.Value) error {
	pkt := NewPacket(uint32(seq), s.chunks[seq])
	if err := s.binding.WriteTo(pkt.Marshal(), s.dest); err != nil {
		return errors.Wrapf(err, "send packet %d", seq)
	}
	s.stats.PacketsSent++
	log.Tracef("sender: packet %d (%d bytes)", seq, len(pkt.Payload))
	return nil
}

func (s *SenderSession) failLocked(err error) {
	if s.state == SenderDone || s.state == SenderFailed {
		return
	}
	s.stopTimerLocked()
	s.state = SenderFailed
	s.err = err
	log.Errorf("sender: transfer to %v failed: %v", s.dest, err)
}

func (s *SenderSession) armTimerLocked() {
	s.stopTimerLocked()
	gen := s.timerGen
	s.timer = time.AfterFunc(s.cfg.RTO, func() { s.fire(gen) })
}

func (s *SenderSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *SenderSession) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen {
		return
	}
	s.timer = nil
	s.onTimeoutLocked()
}

func (s *SenderSession) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Window returns base and next_to_send.
func (s *SenderSession) Window() (base, next uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.base), uint32(s.next)
}

// TimerArmed reports whether a retransmission timer is pending.
func (s *SenderSession) TimerArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *SenderSession) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SenderSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
