package simlink

import (
	"bytes"
	"net"
	"testing"
	"time"

	protocol "gbn-rdt-pa/pkg"
)

func TestPipeDelivers(t *testing.T) {
	a, b, err := Pipe(Impairment{}, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	if err := a.WriteTo([]byte("hello"), b.Addr()); err != nil {
		t.Fatal(err)
	}
	got, from, err := b.ReadFrom(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" || from.String() != "a" {
		t.Fatalf("got %q from %v", got, from)
	}
}

func TestReadTimeout(t *testing.T) {
	a, b, err := Pipe(Impairment{}, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	start := time.Now()
	_, _, err = b.ReadFrom(30 * time.Millisecond)
	if !protocol.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("ReadFrom returned before its deadline")
	}
}

func TestCloseWakesReader(t *testing.T) {
	a, b, err := Pipe(Impairment{}, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := b.ReadFrom(10 * time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !protocol.IsClosed(err) {
			t.Fatalf("expected closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrom did not return after Close")
	}
	if err := b.WriteTo([]byte("x"), a.Addr()); !protocol.IsClosed(err) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestDelayReorders(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen("a", Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Listen("b", Impairment{})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	b.enqueue([]byte("late"), a.Addr(), now.Add(40*time.Millisecond))
	b.enqueue([]byte("early"), a.Addr(), now)

	for _, want := range []string{"early", "late"} {
		got, _, err := b.ReadFrom(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestInterceptAndLoss(t *testing.T) {
	dropped := 0
	imp := Impairment{
		Intercept: func(b []byte, to net.Addr) bool {
			if b[0] == 'x' {
				dropped++
				return false
			}
			return true
		},
	}
	a, b, err := Pipe(imp, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	a.WriteTo([]byte("x1"), b.Addr())
	a.WriteTo([]byte("ok"), b.Addr())

	got, _, err := b.ReadFrom(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ok" {
		t.Fatalf("got %q", got)
	}
	if dropped != 1 {
		t.Errorf("intercepted %d, want 1", dropped)
	}
	if s := a.Stats(); s.Sent != 2 || s.Lost != 1 {
		t.Errorf("stats %+v", s)
	}
}

func TestCorruptionFlipsOneBit(t *testing.T) {
	a, b, err := Pipe(Impairment{CorruptRate: 1, Seed: 7}, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	orig := []byte("some datagram payload")
	sent := append([]byte(nil), orig...)
	a.WriteTo(sent, b.Addr())
	got, _, err := b.ReadFrom(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sent, orig) {
		t.Fatal("impairment modified the caller's buffer")
	}
	diff := 0
	for i := range got {
		x := got[i] ^ orig[i]
		for ; x != 0; x &= x - 1 {
			diff++
		}
	}
	if diff != 1 {
		t.Fatalf("%d bits differ, want 1", diff)
	}
	if !bytes.Equal(got[:protocol.HeaderLen], orig[:protocol.HeaderLen]) {
		t.Fatal("header bytes corrupted")
	}
}

func TestCorruptionSkipsHeadersAndAcks(t *testing.T) {
	a, b, err := Pipe(Impairment{CorruptRate: 1, Seed: 3}, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	for _, d := range [][]byte{
		protocol.MarshalAck(5),
		protocol.NewPacket(9, nil).Marshal(),
	} {
		a.WriteTo(d, b.Addr())
		got, _, err := b.ReadFrom(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, d) {
			t.Fatalf("got % x, want % x", got, d)
		}
	}
	if s := a.Stats(); s.Corrupted != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestInvalidImpairment(t *testing.T) {
	for _, imp := range []Impairment{
		{LossRate: 1},
		{LossRate: -0.1},
		{CorruptRate: 2},
		{MinDelay: time.Second, MaxDelay: time.Millisecond},
	} {
		if _, err := NewNetwork().Listen("a", imp); err == nil {
			t.Errorf("Listen accepted %+v", imp)
		}
	}
}

func TestWrapDropsAndDelays(t *testing.T) {
	a, b, err := Pipe(Impairment{}, Impairment{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	w, err := Wrap(a, Impairment{MinDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := w.WriteTo([]byte("later"), b.Addr()); err != nil {
		t.Fatal(err)
	}
	got, _, err := b.ReadFrom(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "later" {
		t.Fatalf("got %q", got)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("datagram arrived before its delay")
	}
	if w.Stats().Delayed != 1 {
		t.Errorf("stats %+v", w.Stats())
	}
}
