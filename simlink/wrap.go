package simlink

import (
	"net"
	"time"

	protocol "gbn-rdt-pa/pkg"
)

// ImpairedBinding impairs the outgoing side of a real binding. Delayed
// datagrams are written from a timer; a write that fails because the
// binding closed in the meantime is dropped.
type ImpairedBinding struct {
	protocol.Binding
	imp *impairer
}

func Wrap(b protocol.Binding, imp Impairment) (*ImpairedBinding, error) {
	if err := imp.Validate(); err != nil {
		return nil, err
	}
	return &ImpairedBinding{Binding: b, imp: newImpairer(imp)}, nil
}

func (b *ImpairedBinding) WriteTo(p []byte, addr net.Addr) error {
	out, delay, ok := b.imp.apply(p, addr)
	if !ok {
		return nil
	}
	if delay <= 0 {
		return b.Binding.WriteTo(out, addr)
	}
	time.AfterFunc(delay, func() {
		if err := b.Binding.WriteTo(out, addr); err != nil {
			log.Tracef("delayed write to %v: %v", addr, err)
		}
	})
	return nil
}

func (b *ImpairedBinding) Stats() Stats { return b.imp.snapshot() }
