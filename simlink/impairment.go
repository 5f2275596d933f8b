// Package simlink provides in-memory and impaired datagram channels for
// exercising transfers under loss, corruption, delay and reordering.
package simlink

import (
	"math/rand"
	"net"
	"sync"
	"time"

	protocol "gbn-rdt-pa/pkg"

	"github.com/getlantern/golog"
	"github.com/pkg/errors"
)

var log = golog.LoggerFor("gbn.simlink")

// Impairment describes what happens to datagrams on their way out.
type Impairment struct {
	LossRate    float64 // probability in [0, 1) that a datagram is dropped
	CorruptRate float64 // probability that one payload bit of a data packet is flipped
	MinDelay    time.Duration
	MaxDelay    time.Duration // a delay range wider than zero reorders datagrams

	// Intercept sees every datagram before the random impairments. It may
	// modify b in place; returning false drops the datagram.
	Intercept func(b []byte, to net.Addr) bool

	// Seed for the impairment random source; zero seeds from the clock.
	Seed int64
}

func (imp Impairment) Validate() error {
	switch {
	case imp.LossRate < 0 || imp.LossRate >= 1:
		return errors.Errorf("loss rate %v not in [0, 1)", imp.LossRate)
	case imp.CorruptRate < 0 || imp.CorruptRate > 1:
		return errors.Errorf("corrupt rate %v not in [0, 1]", imp.CorruptRate)
	case imp.MinDelay < 0 || imp.MaxDelay < imp.MinDelay:
		return errors.Errorf("delay range [%v, %v]", imp.MinDelay, imp.MaxDelay)
	}
	return nil
}

// Stats counts what an impairment did to outgoing datagrams.
type Stats struct {
	Sent      int
	Lost      int
	Corrupted int
	Delayed   int
}

// impairer applies an Impairment. It is safe for concurrent use.
type impairer struct {
	imp   Impairment
	mu    sync.Mutex
	rng   *rand.Rand
	stats Stats
}

func newImpairer(imp Impairment) *impairer {
	seed := imp.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &impairer{imp: imp, rng: rand.New(rand.NewSource(seed))}
}

// apply returns the datagram as it should arrive and after how long, or
// ok=false when it is lost. The caller's slice is never modified.
func (im *impairer) apply(b []byte, to net.Addr) (out []byte, delay time.Duration, ok bool) {
	out = make([]byte, len(b))
	copy(out, b)

	im.mu.Lock()
	defer im.mu.Unlock()
	im.stats.Sent++

	if im.imp.Intercept != nil && !im.imp.Intercept(out, to) {
		im.stats.Lost++
		log.Tracef("intercepted datagram to %v", to)
		return nil, 0, false
	}
	if im.imp.LossRate > 0 && im.rng.Float64() < im.imp.LossRate {
		im.stats.Lost++
		log.Tracef("lost datagram to %v", to)
		return nil, 0, false
	}
	// Only payload bytes are damaged. Headers and ACKs carry no checksum, so a
	// flipped bit there would go undetected.
	if len(out) > protocol.HeaderLen && im.imp.CorruptRate > 0 && im.rng.Float64() < im.imp.CorruptRate {
		i := protocol.HeaderLen + im.rng.Intn(len(out)-protocol.HeaderLen)
		out[i] ^= 1 << uint(im.rng.Intn(8))
		im.stats.Corrupted++
		log.Tracef("corrupted byte %d of datagram to %v", i, to)
	}
	delay = im.imp.MinDelay
	if spread := im.imp.MaxDelay - im.imp.MinDelay; spread > 0 {
		delay += time.Duration(im.rng.Int63n(int64(spread) + 1))
	}
	if delay > 0 {
		im.stats.Delayed++
	}
	return out, delay, true
}

func (im *impairer) snapshot() Stats {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.stats
}
