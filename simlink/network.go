package simlink

import (
	"container/heap"
	"net"
	"sync"
	"time"

	protocol "gbn-rdt-pa/pkg"
	"gbn-rdt-pa/priorityQueue"

	"github.com/pkg/errors"
)

// Addr names an endpoint on a simulated Network.
type Addr string

func (a Addr) Network() string { return "sim" }
func (a Addr) String() string  { return string(a) }

// Network is an in-memory datagram fabric. Datagrams to unknown names are
// silently dropped, like UDP to a closed port.
type Network struct {
	mu   sync.Mutex
	ends map[Addr]*Endpoint
}

func NewNetwork() *Network {
	return &Network{ends: make(map[Addr]*Endpoint)}
}

// Listen attaches a named endpoint. imp applies to everything it sends.
func (n *Network) Listen(name string, imp Impairment) (*Endpoint, error) {
	if err := imp.Validate(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := Addr(name)
	if _, exists := n.ends[addr]; exists {
		return nil, errors.Errorf("sim address %q in use", name)
	}
	e := &Endpoint{
		network: n,
		addr:    addr,
		imp:     newImpairer(imp),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	n.ends[addr] = e
	return e, nil
}

// Pipe returns two endpoints "a" and "b" on a fresh network, each sending
// through its own impairment.
func Pipe(aImp, bImp Impairment) (*Endpoint, *Endpoint, error) {
	n := NewNetwork()
	a, err := n.Listen("a", aImp)
	if err != nil {
		return nil, nil, err
	}
	b, err := n.Listen("b", bImp)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func (n *Network) lookup(addr net.Addr) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ends[Addr(addr.String())]
}

func (n *Network) detach(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.ends, addr)
}

// Endpoint is a protocol.Binding on a simulated Network. Delayed datagrams
// wait in a delivery-time priority queue, so unequal delays reorder them.
type Endpoint struct {
	network *Network
	addr    Addr
	imp     *impairer

	mu     sync.Mutex
	queue  priorityQueue.PriorityQueue
	order  uint64
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (e *Endpoint) Addr() Addr { return e.addr }

// Stats reports what this endpoint's impairment did to its sends.
func (e *Endpoint) Stats() Stats { return e.imp.snapshot() }

func (e *Endpoint) WriteTo(b []byte, addr net.Addr) error {
	select {
	case <-e.closed:
		return errors.Wrapf(protocol.ErrBindingClosed, "sim endpoint %s", e.addr)
	default:
	}
	out, delay, ok := e.imp.apply(b, addr)
	if !ok {
		return nil
	}
	dst := e.network.lookup(addr)
	if dst == nil {
		log.Tracef("%s: no endpoint %v, dropping", e.addr, addr)
		return nil
	}
	dst.enqueue(out, e.addr, time.Now().Add(delay))
	return nil
}

func (e *Endpoint) enqueue(b []byte, from net.Addr, at time.Time) {
	e.mu.Lock()
	e.order++
	heap.Push(&e.queue, &priorityQueue.ScheduledDatagram{
		DeliverAt: at,
		Order:     e.order,
		Payload:   b,
		From:      from,
	})
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) ReadFrom(timeout time.Duration) ([]byte, net.Addr, error) {
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-e.closed:
			return nil, nil, errors.Wrapf(protocol.ErrBindingClosed, "sim endpoint %s", e.addr)
		default:
		}

		now := time.Now()
		wait := deadline.Sub(now)
		e.mu.Lock()
		if head := e.queue.Peek(); head != nil {
			if !head.DeliverAt.After(now) {
				heap.Pop(&e.queue)
				e.mu.Unlock()
				return head.Payload, head.From, nil
			}
			if until := head.DeliverAt.Sub(now); until < wait {
				wait = until
			}
		}
		e.mu.Unlock()

		if !now.Before(deadline) {
			return nil, nil, errors.Wrapf(protocol.ErrReadTimeout, "sim endpoint %s after %v", e.addr, timeout)
		}
		timer := time.NewTimer(wait)
		select {
		case <-e.notify:
		case <-e.closed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close detaches the endpoint and wakes a blocked ReadFrom.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.network.detach(e.addr)
	})
	return nil
}
