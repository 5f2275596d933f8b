package chat

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	protocol "gbn-rdt-pa/pkg"

	"github.com/pkg/errors"
)

type peer struct {
	*Client
	events chan Event
	dir    string
}

func startRelay(t *testing.T) string {
	t.Helper()
	h, err := ListenHub(HubConfig{Listen: "127.0.0.1:0", PresenceTimeout: time.Minute, SweepInterval: time.Second, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h.Addr().String()
}

func testTransferConfig() protocol.Config {
	cfg := protocol.DefaultConfig()
	cfg.RTO = 50 * time.Millisecond
	cfg.IdleTimeout = 3 * time.Second
	cfg.EOFInterval = time.Millisecond
	return cfg
}

func dialPeer(t *testing.T, relay, name string, vip netip.Addr) *peer {
	t.Helper()
	p := &peer{events: make(chan Event, 128), dir: t.TempDir()}
	cfg := ClientConfig{
		Relay:       relay,
		Heartbeat:   time.Second,
		Advertise:   "127.0.0.1",
		DownloadDir: p.dir,
		VIP:         vip,
		Transfer:    testTransferConfig(),
	}
	c, err := Dial(name, cfg, func(ev Event) { p.events <- ev })
	if err != nil {
		t.Fatal(err)
	}
	p.Client = c
	t.Cleanup(func() { c.Close() })
	return p
}

func (p *peer) waitFor(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", p.Username(), what)
		}
	}
}

func kind(k EventKind) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == k }
}

// joinBoth puts alice and bob in one room and waits until the relay knows
// them both.
func joinBoth(t *testing.T, alice, bob *peer) {
	t.Helper()
	if err := alice.Join("general"); err != nil {
		t.Fatal(err)
	}
	alice.waitFor(t, "own userlist", kind(EventUserList))
	if err := bob.Join("general"); err != nil {
		t.Fatal(err)
	}
	bob.waitFor(t, "userlist with both", func(ev Event) bool {
		return ev.Kind == EventUserList && len(ev.Users) == 2
	})
}

func TestClientChat(t *testing.T) {
	relay := startRelay(t)
	alice := dialPeer(t, relay, "alice", netip.Addr{})
	bob := dialPeer(t, relay, "bob", netip.Addr{})
	joinBoth(t, alice, bob)

	if err := alice.Say("hello | world"); err != nil {
		t.Fatal(err)
	}
	ev := bob.waitFor(t, "room message", kind(EventMessage))
	if ev.From != "alice" || ev.Room != "general" || ev.Text != "hello | world" {
		t.Fatalf("event %+v", ev)
	}

	if err := alice.PM("bob", "just you"); err != nil {
		t.Fatal(err)
	}
	ev = bob.waitFor(t, "private message", kind(EventPrivate))
	if ev.From != "alice" || ev.Text != "just you" {
		t.Fatalf("event %+v", ev)
	}

	if err := bob.PM("nobody", "hi"); err != nil {
		t.Fatal(err)
	}
	bob.waitFor(t, "unknown user notice", kind(EventNotice))
}

func TestClientRooms(t *testing.T) {
	relay := startRelay(t)
	c := dialPeer(t, relay, "carol", netip.Addr{})

	if err := c.Say("anyone?"); errors.Cause(err) != ErrNoRoom {
		t.Fatalf("Say without room: %v", err)
	}
	c.Join("a")
	c.Join("b")
	if c.Current() != "b" {
		t.Fatalf("current %q", c.Current())
	}
	if err := c.Switch("a"); err != nil || c.Current() != "a" {
		t.Fatalf("switch: %v, current %q", err, c.Current())
	}
	if err := c.Switch("zzz"); errors.Cause(err) != ErrNotJoined {
		t.Fatalf("switch to unjoined room: %v", err)
	}
	if err := c.Leave("a"); err != nil || c.Current() != "b" {
		t.Fatalf("leave: %v, current %q", err, c.Current())
	}
	if err := c.Join("bad|name"); errors.Cause(err) != ErrInvalidName {
		t.Fatalf("join bad name: %v", err)
	}
}

func transferFile(t *testing.T, alice, bob *peer, size int) {
	t.Helper()
	joinBoth(t, alice, bob)

	src := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(src)
	path := filepath.Join(alice.dir, "photo.png")
	if err := os.WriteFile(path, src, 0o644); err != nil {
		t.Fatal(err)
	}

	offered, err := alice.Offer("bob", path, KindSticker)
	if err != nil {
		t.Fatal(err)
	}
	ev := bob.waitFor(t, "offer", kind(EventOffer))
	if ev.Transfer.Offer != offered.Offer || ev.From != "alice" {
		t.Fatalf("offer event %+v", ev.Transfer)
	}
	if err := bob.Accept(offered.Offer.ID); err != nil {
		t.Fatal(err)
	}

	done := alice.waitFor(t, "send outcome", func(ev Event) bool {
		return ev.Kind == EventTransferDone || ev.Kind == EventTransferFailed
	})
	if done.Err != nil {
		t.Fatalf("send failed: %v", done.Err)
	}
	done = bob.waitFor(t, "receive outcome", func(ev Event) bool {
		return ev.Kind == EventTransferDone || ev.Kind == EventTransferFailed
	})
	if done.Err != nil {
		t.Fatalf("receive failed: %v", done.Err)
	}

	got, err := os.ReadFile(filepath.Join(bob.dir, "received_photo.png"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("received file differs")
	}
	for _, p := range []*peer{alice, bob} {
		ts := p.Transfers()
		if len(ts) != 1 || ts[0].State != TransferDone {
			t.Fatalf("%s transfers %+v", p.Username(), ts)
		}
	}
}

func TestClientFileTransfer(t *testing.T) {
	relay := startRelay(t)
	transferFile(t, dialPeer(t, relay, "alice", netip.Addr{}), dialPeer(t, relay, "bob", netip.Addr{}), 40000)
}

func TestClientFileTransferOverVirtualLink(t *testing.T) {
	relay := startRelay(t)
	alice := dialPeer(t, relay, "alice", netip.MustParseAddr("10.0.0.1"))
	bob := dialPeer(t, relay, "bob", netip.MustParseAddr("10.0.0.2"))
	transferFile(t, alice, bob, 15000)
}

func TestClientRejectOffer(t *testing.T) {
	relay := startRelay(t)
	alice := dialPeer(t, relay, "alice", netip.Addr{})
	bob := dialPeer(t, relay, "bob", netip.Addr{})
	joinBoth(t, alice, bob)

	path := filepath.Join(alice.dir, "clip.mp3")
	os.WriteFile(path, []byte("la la la"), 0o644)
	offered, err := alice.Offer("bob", path, KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	bob.waitFor(t, "offer", kind(EventOffer))
	if err := bob.Reject(offered.Offer.ID); err != nil {
		t.Fatal(err)
	}
	ev := alice.waitFor(t, "rejection", kind(EventRejected))
	if ev.Transfer.State != TransferRejected {
		t.Fatalf("event %+v", ev.Transfer)
	}
	if err := bob.Accept(offered.Offer.ID); errors.Cause(err) != ErrUnknownOffer {
		t.Fatalf("accept after reject: %v", err)
	}
	if _, err := os.Stat(filepath.Join(bob.dir, "received_clip.mp3")); !os.IsNotExist(err) {
		t.Fatal("rejected file was written")
	}
}

func TestClientOfferMissingFile(t *testing.T) {
	relay := startRelay(t)
	alice := dialPeer(t, relay, "alice", netip.Addr{})
	_, err := alice.Offer("bob", filepath.Join(alice.dir, "nope.txt"), KindFile)
	if errors.Cause(err) != protocol.ErrSourceUnreadable {
		t.Fatalf("err %v", err)
	}
	if len(alice.Transfers()) != 0 {
		t.Fatal("failed offer recorded")
	}
}

// answerOffers plays a relay whose only peer accepts every offer the moment
// it is relayed, pointing the sender at port.
func answerOffers(conn *net.UDPConn, port int) {
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := ParseMessage(buf[:n])
		if err != nil || msg.Command != CmdPM {
			continue
		}
		offer, ok := negotiationOf(msg.Payload).(Offer)
		if !ok {
			continue
		}
		accept := Accept{ID: offer.ID, Host: "127.0.0.1", Port: port}
		reply := Message{Command: CmdPMRecv, Sender: msg.Target, Payload: accept.Payload()}
		conn.WriteToUDP(reply.Marshal(), from)
	}
}

func negotiationOf(payload string) Negotiation {
	n, _ := ParseNegotiation(payload)
	return n
}

func TestClientOfferAcceptedAtOnce(t *testing.T) {
	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer relay.Close()
	recv, err := protocol.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer recv.Close()
	go answerOffers(relay, recv.LocalAddr().Port)

	alice := dialPeer(t, relay.LocalAddr().String(), "alice", netip.Addr{})
	src := make([]byte, 5000)
	rand.New(rand.NewSource(5)).Read(src)
	path := filepath.Join(alice.dir, "notes.txt")
	if err := os.WriteFile(path, src, 0o644); err != nil {
		t.Fatal(err)
	}

	offered, err := alice.Offer("bob", path, KindFile)
	if err != nil {
		t.Fatal(err)
	}
	if offered.State != TransferPending {
		t.Fatalf("offer returned in state %v", offered.State)
	}

	out := filepath.Join(t.TempDir(), "notes.txt")
	if err := protocol.ReceiveFile(context.Background(), recv, out, testTransferConfig()); err != nil {
		t.Fatal(err)
	}
	done := alice.waitFor(t, "send outcome", func(ev Event) bool {
		return ev.Kind == EventTransferDone || ev.Kind == EventTransferFailed
	})
	if done.Err != nil {
		t.Fatalf("send failed: %v", done.Err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("received file differs")
	}
}

func TestClientOfferFailedPMIsForgotten(t *testing.T) {
	relay := startRelay(t)
	alice := dialPeer(t, relay, "alice", netip.Addr{})
	path := filepath.Join(alice.dir, "a.txt")
	os.WriteFile(path, []byte("a"), 0o644)
	alice.conn.Close()

	if _, err := alice.Offer("bob", path, KindFile); err == nil {
		t.Fatal("offer over a closed socket succeeded")
	}
	if len(alice.Transfers()) != 0 {
		t.Fatalf("failed offer kept: %+v", alice.Transfers())
	}
}
