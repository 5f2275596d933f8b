package chat

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	protocol "gbn-rdt-pa/pkg"
	"gbn-rdt-pa/simlink"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNoRoom       = errors.New("not in any room")
	ErrNotJoined    = errors.New("not a member of that room")
	ErrUnknownOffer = errors.New("no pending offer with that id")
)

type ClientConfig struct {
	Relay       string
	Heartbeat   time.Duration
	P2PPortLo   int // transfer endpoints bind a random port in [P2PPortLo, P2PPortHi]; 0 means ephemeral
	P2PPortHi   int
	Advertise   string // host put in ACCEPT replies
	DownloadDir string
	VIP         netip.Addr // when valid, transfers run over a virtual link
	Transfer    protocol.Config
	Impairment  *simlink.Impairment // applied to the outgoing side of transfer endpoints
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventPrivate
	EventUserList
	EventNotice
	EventOffer
	EventRejected
	EventTransferStarted
	EventTransferDone
	EventTransferFailed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPrivate:
		return "private"
	case EventUserList:
		return "userlist"
	case EventNotice:
		return "notice"
	case EventOffer:
		return "offer"
	case EventRejected:
		return "rejected"
	case EventTransferStarted:
		return "transfer-started"
	case EventTransferDone:
		return "transfer-done"
	case EventTransferFailed:
		return "transfer-failed"
	}
	return "unknown"
}

// Event is something the relay or a peer did. Transfer events carry a
// snapshot of the transfer.
type Event struct {
	Kind     EventKind
	From     string
	Room     string
	Text     string
	Users    []string
	Transfer *Transfer
	Err      error
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "in"
	}
	return "out"
}

type TransferState int

const (
	TransferPending TransferState = iota
	TransferRunning
	TransferDone
	TransferFailed
	TransferRejected
)

func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferRunning:
		return "running"
	case TransferDone:
		return "done"
	case TransferFailed:
		return "failed"
	case TransferRejected:
		return "rejected"
	}
	return "unknown"
}

type Transfer struct {
	Offer     Offer
	Peer      string
	Direction Direction
	State     TransferState
	Path      string // source file when outgoing, destination when incoming
	Err       error
	Started   time.Time
	Finished  time.Time
}

// Client is one peer's connection to the relay. The event handler runs on
// the client's own goroutines and must be safe for concurrent use.
type Client struct {
	cfg      ClientConfig
	username string
	conn     *net.UDPConn
	relay    *net.UDPAddr
	handler  func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	rooms     map[string]bool
	current   string
	transfers map[string]*Transfer // by offer id
	order     []string
	rng       *rand.Rand
}

// Dial opens the client socket and starts the receive and heartbeat loops.
// Nothing is sent to the relay until the first Join.
func Dial(username string, cfg ClientConfig, handler func(Event)) (*Client, error) {
	if !ValidName(username) {
		return nil, errors.Wrapf(ErrInvalidName, "%q", username)
	}
	if err := cfg.Transfer.Validate(); err != nil {
		return nil, err
	}
	relay, err := net.ResolveUDPAddr("udp4", cfg.Relay)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve relay %s", cfg.Relay)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	if handler == nil {
		handler = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		username:  username,
		conn:      conn,
		relay:     relay,
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]bool),
		transfers: make(map[string]*Transfer),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.wg.Add(2)
	go c.receiveLoop()
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) Username() string { return c.username }

func (c *Client) send(msg Message) error {
	if _, err := c.conn.WriteToUDP(msg.Marshal(), c.relay); err != nil {
		return errors.Wrapf(err, "send %s", msg.Command)
	}
	return nil
}

func (c *Client) Join(room string) error {
	if !ValidName(room) {
		return errors.Wrapf(ErrInvalidName, "room %q", room)
	}
	if err := c.send(Message{Command: CmdJoin, Sender: c.username, Target: room}); err != nil {
		return err
	}
	c.mu.Lock()
	c.rooms[room] = true
	c.current = room
	c.mu.Unlock()
	return nil
}

func (c *Client) Leave(room string) error {
	c.mu.Lock()
	if !c.rooms[room] {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotJoined, "%q", room)
	}
	delete(c.rooms, room)
	if c.current == room {
		c.current = ""
		if rest := c.roomsLocked(); len(rest) > 0 {
			c.current = rest[0]
		}
	}
	c.mu.Unlock()
	return c.send(Message{Command: CmdLeave, Sender: c.username, Target: room})
}

// Switch makes room, already joined, the target of Say.
func (c *Client) Switch(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rooms[room] {
		return errors.Wrapf(ErrNotJoined, "%q", room)
	}
	c.current = room
	return nil
}

// Say sends text to the current room.
func (c *Client) Say(text string) error {
	room := c.Current()
	if room == "" {
		return ErrNoRoom
	}
	return c.send(Message{Command: CmdMsg, Sender: c.username, Target: room, Payload: text})
}

func (c *Client) PM(user, text string) error {
	if !ValidName(user) {
		return errors.Wrapf(ErrInvalidName, "user %q", user)
	}
	return c.send(Message{Command: CmdPM, Sender: c.username, Target: user, Payload: text})
}

func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsLocked()
}

func (c *Client) roomsLocked() []string {
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Offer proposes sending the file at path to user. The file is read only
// once the peer accepts.
func (c *Client) Offer(user, path, kind string) (Transfer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Transfer{}, errors.Wrap(protocol.ErrSourceUnreadable, err.Error())
	}
	if info.IsDir() {
		return Transfer{}, errors.Wrapf(protocol.ErrSourceUnreadable, "%s is a directory", path)
	}
	name := filepath.Base(path)
	if strings.ContainsRune(name, '|') {
		return Transfer{}, errors.Errorf("file name %q contains '|'", name)
	}
	offer := Offer{ID: uuid.NewString(), Kind: kind, Filename: name, Size: info.Size()}
	t := &Transfer{Offer: offer, Peer: user, Direction: Outgoing, State: TransferPending, Path: path}

	// Registered before the PM goes out: the ACCEPT may arrive at once.
	c.mu.Lock()
	c.addLocked(t)
	cp := *t
	c.mu.Unlock()

	if err := c.PM(user, offer.Payload()); err != nil {
		c.mu.Lock()
		c.removeLocked(offer.ID)
		c.mu.Unlock()
		return Transfer{}, err
	}
	log.Debugf("offered %s (%d bytes) to %s as %s", name, info.Size(), user, offer.ID)
	return cp, nil
}

// Accept binds a transfer endpoint, tells the offering peer where it is and
// receives the file into DownloadDir in the background.
func (c *Client) Accept(id string) error {
	c.mu.Lock()
	t, ok := c.transfers[id]
	if !ok || t.Direction != Incoming || t.State != TransferPending {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownOffer, "%q", id)
	}
	t.State = TransferRunning
	t.Started = time.Now()
	peer, out := t.Peer, t.Path
	c.mu.Unlock()

	binding, port, err := c.bindTransfer()
	if err != nil {
		c.finish(id, err)
		return err
	}
	accept := Accept{ID: id, Host: c.cfg.Advertise, Port: port, VIP: c.cfg.VIP}
	if err := c.PM(peer, accept.Payload()); err != nil {
		binding.Close()
		c.finish(id, err)
		return err
	}
	log.Debugf("accepted %s from %s, receiving on port %d", id, peer, port)
	c.emit(Event{Kind: EventTransferStarted, From: peer, Transfer: c.snapshot(id)})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer binding.Close()
		c.finish(id, protocol.ReceiveFile(c.ctx, binding, out, c.cfg.Transfer))
	}()
	return nil
}

func (c *Client) Reject(id string) error {
	c.mu.Lock()
	t, ok := c.transfers[id]
	if !ok || t.Direction != Incoming || t.State != TransferPending {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownOffer, "%q", id)
	}
	t.State = TransferRejected
	t.Finished = time.Now()
	peer := t.Peer
	c.mu.Unlock()
	return c.PM(peer, Reject{ID: id}.Payload())
}

// Transfers lists every offer made or received, oldest first.
func (c *Client) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transfer, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.transfers[id])
	}
	return out
}

// Close leaves every room, stops the loops and cancels running transfers.
func (c *Client) Close() error {
	for _, room := range c.Rooms() {
		c.send(Message{Command: CmdLeave, Sender: c.username, Target: room})
	}
	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) addLocked(t *Transfer) {
	c.transfers[t.Offer.ID] = t
	c.order = append(c.order, t.Offer.ID)
}

func (c *Client) removeLocked(id string) {
	delete(c.transfers, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Client) snapshot(id string) *Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (c *Client) finish(id string, err error) {
	c.mu.Lock()
	t := c.transfers[id]
	t.Finished = time.Now()
	t.Err = err
	kind := EventTransferDone
	if err != nil {
		t.State = TransferFailed
		kind = EventTransferFailed
		log.Errorf("transfer %s (%s) with %s failed: %v", id, t.Offer.Filename, t.Peer, err)
	} else {
		t.State = TransferDone
		log.Debugf("transfer %s (%s) with %s done in %v", id, t.Offer.Filename, t.Peer, t.Finished.Sub(t.Started))
	}
	cp := *t
	c.mu.Unlock()
	c.emit(Event{Kind: kind, From: cp.Peer, Transfer: &cp, Err: err})
}

// bindTransfer opens a transfer endpoint on a random port in the
// configured range.
func (c *Client) bindTransfer() (protocol.Binding, int, error) {
	const attempts = 20
	var lastErr error
	for i := 0; i < attempts; i++ {
		port := c.pickPort()
		b, bound, err := c.listen(port)
		if err == nil {
			return b, bound, nil
		}
		lastErr = err
		if port == 0 {
			break
		}
	}
	return nil, 0, errors.Wrapf(lastErr, "no free port in %d-%d", c.cfg.P2PPortLo, c.cfg.P2PPortHi)
}

func (c *Client) pickPort() int {
	lo, hi := c.cfg.P2PPortLo, c.cfg.P2PPortHi
	if lo <= 0 || hi < lo {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo + c.rng.Intn(hi-lo+1)
}

func (c *Client) listen(port int) (protocol.Binding, int, error) {
	addr := ":" + strconv.Itoa(port)
	var (
		b     protocol.Binding
		bound int
	)
	if c.cfg.VIP.IsValid() {
		l, err := protocol.ListenVirtual(c.cfg.VIP, addr)
		if err != nil {
			return nil, 0, err
		}
		b, bound = l, int(l.LocalAddr().Link.Port())
	} else {
		u, err := protocol.ListenUDP(addr)
		if err != nil {
			return nil, 0, err
		}
		b, bound = u, u.LocalAddr().Port
	}
	return c.impair(b), bound, nil
}

func (c *Client) impair(b protocol.Binding) protocol.Binding {
	if c.cfg.Impairment == nil {
		return b
	}
	w, err := simlink.Wrap(b, *c.cfg.Impairment)
	if err != nil {
		log.Errorf("ignoring impairment: %v", err)
		return b
	}
	return w
}

func (c *Client) emit(ev Event) {
	c.handler(ev)
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	if c.cfg.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(Message{Command: CmdHeartbeat, Sender: c.username}); err != nil && c.ctx.Err() == nil {
				log.Errorf("heartbeat: %v", err)
			}
		}
	}
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65507)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("relay read: %v", err)
			continue
		}
		msg, err := ParseMessage(buf[:n])
		if err != nil {
			log.Debugf("dropping relay datagram: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Command {
	case CmdBroadcast:
		if msg.Sender != c.username {
			c.emit(Event{Kind: EventMessage, From: msg.Sender, Room: msg.Target, Text: msg.Payload})
		}
	case CmdPMRecv:
		c.dispatchPrivate(msg.Sender, msg.Payload)
	case CmdUserList:
		var users []string
		if msg.Payload != "" {
			users = strings.Split(msg.Payload, ",")
		}
		c.emit(Event{Kind: EventUserList, Room: msg.Target, Users: users})
	case CmdNotice:
		c.emit(Event{Kind: EventNotice, Room: msg.Target, Text: msg.Payload})
	default:
		log.Debugf("unexpected %s from relay", msg.Command)
	}
}

func (c *Client) dispatchPrivate(from, payload string) {
	n, err := ParseNegotiation(payload)
	if err != nil {
		log.Debugf("bad negotiation from %s: %v", from, err)
		c.emit(Event{Kind: EventPrivate, From: from, Text: payload})
		return
	}
	switch v := n.(type) {
	case nil:
		c.emit(Event{Kind: EventPrivate, From: from, Text: payload})
	case Offer:
		c.handleOffer(from, v)
	case Accept:
		c.handleAccept(from, v)
	case Reject:
		c.handleReject(from, v)
	}
}

func (c *Client) handleOffer(from string, o Offer) {
	name := filepath.Base(o.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		c.emit(Event{Kind: EventNotice, From: from, Text: fmt.Sprintf("ignored offer of unusable file name %q", o.Filename)})
		return
	}
	c.mu.Lock()
	if _, dup := c.transfers[o.ID]; dup {
		c.mu.Unlock()
		return
	}
	t := &Transfer{
		Offer:     o,
		Peer:      from,
		Direction: Incoming,
		State:     TransferPending,
		Path:      filepath.Join(c.cfg.DownloadDir, "received_"+name),
	}
	c.addLocked(t)
	cp := *t
	c.mu.Unlock()
	c.emit(Event{Kind: EventOffer, From: from, Transfer: &cp})
}

func (c *Client) handleAccept(from string, a Accept) {
	c.mu.Lock()
	t, ok := c.transfers[a.ID]
	if !ok || t.Direction != Outgoing || t.State != TransferPending || t.Peer != from {
		c.mu.Unlock()
		log.Debugf("ignoring accept %s from %s", a.ID, from)
		return
	}
	t.State = TransferRunning
	t.Started = time.Now()
	path := t.Path
	c.mu.Unlock()

	binding, dest, err := c.dialTransfer(a)
	if err != nil {
		c.finish(a.ID, err)
		return
	}
	c.emit(Event{Kind: EventTransferStarted, From: from, Transfer: c.snapshot(a.ID)})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer binding.Close()
		c.finish(a.ID, protocol.SendFile(c.ctx, path, binding, dest, c.cfg.Transfer))
	}()
}

// dialTransfer opens an ephemeral endpoint for sending to an accepting
// peer, over a virtual link when the peer advertised a VIP.
func (c *Client) dialTransfer(a Accept) (protocol.Binding, net.Addr, error) {
	host, err := netip.ParseAddr(a.Host)
	if err != nil {
		ips, lookupErr := net.LookupIP(a.Host)
		if lookupErr != nil || len(ips) == 0 {
			return nil, nil, errors.Wrapf(err, "accept host %q", a.Host)
		}
		host, _ = netip.AddrFromSlice(ips[0].To4())
	}
	link := netip.AddrPortFrom(host.Unmap(), uint16(a.Port))

	if a.VIP.IsValid() {
		local := c.cfg.VIP
		if !local.IsValid() {
			local = netip.IPv4Unspecified()
		}
		l, err := protocol.ListenVirtual(local, ":0")
		if err != nil {
			return nil, nil, err
		}
		return c.impair(l), protocol.VirtualAddr{VIP: a.VIP, Link: link}, nil
	}
	u, err := protocol.ListenUDP(":0")
	if err != nil {
		return nil, nil, err
	}
	return c.impair(u), net.UDPAddrFromAddrPort(link), nil
}

func (c *Client) handleReject(from string, r Reject) {
	c.mu.Lock()
	t, ok := c.transfers[r.ID]
	if !ok || t.Direction != Outgoing || t.State != TransferPending || t.Peer != from {
		c.mu.Unlock()
		return
	}
	t.State = TransferRejected
	t.Finished = time.Now()
	cp := *t
	c.mu.Unlock()
	c.emit(Event{Kind: EventRejected, From: from, Transfer: &cp})
}
