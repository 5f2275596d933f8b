package chat

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type HubConfig struct {
	Listen          string
	PresenceTimeout time.Duration // silence after which a client is disconnected
	SweepInterval   time.Duration
	Workers         int
}

type member struct {
	username string
	addr     net.Addr
	lastSeen time.Time
}

type outgoing struct {
	msg Message
	to  net.Addr
}

// Hub is the chat relay. Rooms, clients and the username index share one
// mutex; datagrams are written after it is released.
type Hub struct {
	cfg  HubConfig
	conn net.PacketConn
	now  func() time.Time

	mu      sync.Mutex
	rooms   map[string]map[string]net.Addr // room -> addr key -> addr
	clients map[string]*member             // addr key -> member
	users   map[string]net.Addr            // username -> addr
}

func NewHub(conn net.PacketConn, cfg HubConfig) *Hub {
	return &Hub{
		cfg:     cfg,
		conn:    conn,
		now:     time.Now,
		rooms:   make(map[string]map[string]net.Addr),
		clients: make(map[string]*member),
		users:   make(map[string]net.Addr),
	}
}

// ListenHub binds the relay socket on cfg.Listen.
func ListenHub(cfg HubConfig) (*Hub, error) {
	conn, err := net.ListenPacket("udp4", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Listen)
	}
	return NewHub(conn, cfg), nil
}

func (h *Hub) Addr() net.Addr {
	return h.conn.LocalAddr()
}

type job struct {
	data []byte
	from net.Addr
}

// Run serves until ctx is cancelled: one goroutine reads datagrams and
// queues them to cfg.Workers handlers while another sweeps idle clients.
func (h *Hub) Run(ctx context.Context) error {
	workers := h.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan job, 256)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				h.Handle(j.data, j.from)
			}
		}()
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if h.cfg.SweepInterval <= 0 {
			return
		}
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Sweep(h.now())
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() { h.conn.Close() })
	defer stop()

	log.Debugf("relay listening on %v with %d workers", h.Addr(), workers)
	buf := make([]byte, 65507)
	var err error
	for {
		n, from, readErr := h.conn.ReadFrom(buf)
		if readErr != nil {
			if ctx.Err() == nil {
				err = errors.Wrap(readErr, "relay read")
			}
			break
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		jobs <- job{data: data, from: from}
	}
	close(jobs)
	wg.Wait()
	<-sweepDone
	return err
}

func (h *Hub) Close() error {
	return h.conn.Close()
}

// Handle processes one datagram from a client.
func (h *Hub) Handle(data []byte, from net.Addr) {
	msg, err := ParseMessage(data)
	if err != nil {
		log.Debugf("dropping datagram from %v: %v", from, err)
		return
	}

	h.mu.Lock()
	now := h.now()
	key := from.String()
	if m, ok := h.clients[key]; ok {
		m.lastSeen = now
	}
	var out []outgoing
	switch msg.Command {
	case CmdJoin:
		out = h.joinLocked(msg, from, now)
	case CmdLeave:
		out = h.leaveLocked(msg.Target, from)
	case CmdMsg:
		out = h.relayLocked(msg, from)
	case CmdPM:
		out = h.privateLocked(msg, from)
	case CmdHeartbeat:
	default:
		log.Debugf("unknown command %q from %v", msg.Command, from)
	}
	h.mu.Unlock()

	h.send(out)
}

func (h *Hub) joinLocked(msg Message, from net.Addr, now time.Time) []outgoing {
	if !ValidName(msg.Sender) || !ValidName(msg.Target) {
		return []outgoing{{Message{Command: CmdNotice, Payload: fmt.Sprintf("Invalid name %q / %q.", msg.Sender, msg.Target)}, from}}
	}
	key := from.String()
	m, ok := h.clients[key]
	if !ok {
		m = &member{addr: from}
		h.clients[key] = m
	}
	m.username = msg.Sender
	m.lastSeen = now
	h.users[msg.Sender] = from

	room, ok := h.rooms[msg.Target]
	if !ok {
		room = make(map[string]net.Addr)
		h.rooms[msg.Target] = room
	}
	room[key] = from
	log.Debugf("%s (%v) joined %s", msg.Sender, from, msg.Target)

	out := h.noticeLocked(msg.Target, fmt.Sprintf("'%s' joined the room.", msg.Sender), key)
	return append(out, h.userListLocked(msg.Target)...)
}

func (h *Hub) leaveLocked(roomName string, from net.Addr) []outgoing {
	key := from.String()
	room, ok := h.rooms[roomName]
	if !ok {
		return nil
	}
	if _, in := room[key]; !in {
		return nil
	}
	delete(room, key)
	username := key
	if m, ok := h.clients[key]; ok {
		username = m.username
	}
	log.Debugf("%s (%v) left %s", username, from, roomName)
	return h.afterDepartureLocked(roomName, fmt.Sprintf("'%s' left the room.", username))
}

// afterDepartureLocked deletes a room that emptied or tells the remaining
// members about it.
func (h *Hub) afterDepartureLocked(roomName, notice string) []outgoing {
	if len(h.rooms[roomName]) == 0 {
		delete(h.rooms, roomName)
		log.Debugf("room %s removed, empty", roomName)
		return nil
	}
	out := h.noticeLocked(roomName, notice, "")
	return append(out, h.userListLocked(roomName)...)
}

func (h *Hub) relayLocked(msg Message, from net.Addr) []outgoing {
	key := from.String()
	room, ok := h.rooms[msg.Target]
	if !ok {
		return nil
	}
	if _, in := room[key]; !in {
		return nil
	}
	sender := msg.Sender
	if m, ok := h.clients[key]; ok {
		sender = m.username
	}
	bcast := Message{Command: CmdBroadcast, Sender: sender, Target: msg.Target, Payload: msg.Payload}
	var out []outgoing
	for k, addr := range room {
		if k != key {
			out = append(out, outgoing{bcast, addr})
		}
	}
	return out
}

func (h *Hub) privateLocked(msg Message, from net.Addr) []outgoing {
	dest, ok := h.users[msg.Target]
	if !ok {
		return []outgoing{{Message{Command: CmdNotice, Payload: fmt.Sprintf("User '%s' not found.", msg.Target)}, from}}
	}
	sender := msg.Sender
	if m, ok := h.clients[from.String()]; ok {
		sender = m.username
	}
	log.Tracef("PM %s -> %s: %s", sender, msg.Target, truncate(msg.Payload, 30))
	return []outgoing{{Message{Command: CmdPMRecv, Sender: sender, Payload: msg.Payload}, dest}}
}

func (h *Hub) noticeLocked(roomName, text, excludeKey string) []outgoing {
	notice := Message{Command: CmdNotice, Target: roomName, Payload: text}
	var out []outgoing
	for k, addr := range h.rooms[roomName] {
		if k != excludeKey {
			out = append(out, outgoing{notice, addr})
		}
	}
	return out
}

func (h *Hub) userListLocked(roomName string) []outgoing {
	list := Message{Command: CmdUserList, Target: roomName, Payload: strings.Join(h.roomUsersLocked(roomName), ",")}
	var out []outgoing
	for _, addr := range h.rooms[roomName] {
		out = append(out, outgoing{list, addr})
	}
	return out
}

func (h *Hub) roomUsersLocked(roomName string) []string {
	var names []string
	for k := range h.rooms[roomName] {
		if m, ok := h.clients[k]; ok {
			names = append(names, m.username)
		}
	}
	sort.Strings(names)
	return names
}

func (h *Hub) send(out []outgoing) {
	for _, o := range out {
		if _, err := h.conn.WriteTo(o.msg.Marshal(), o.to); err != nil {
			log.Errorf("send %s to %v: %v", o.msg.Command, o.to, err)
		}
	}
}

// Sweep disconnects every client silent for longer than PresenceTimeout
// and returns their usernames.
func (h *Hub) Sweep(now time.Time) []string {
	h.mu.Lock()
	var gone []string
	var out []outgoing
	for key, m := range h.clients {
		if now.Sub(m.lastSeen) <= h.cfg.PresenceTimeout {
			continue
		}
		log.Debugf("disconnecting %s (%v), idle since %v", m.username, m.addr, m.lastSeen.Format(time.TimeOnly))
		gone = append(gone, m.username)
		delete(h.clients, key)
		if addr, ok := h.users[m.username]; ok && addr.String() == key {
			delete(h.users, m.username)
		}
		for roomName, room := range h.rooms {
			if _, in := room[key]; !in {
				continue
			}
			delete(room, key)
			out = append(out, h.afterDepartureLocked(roomName, fmt.Sprintf("'%s' disconnected (timeout).", m.username))...)
		}
	}
	h.mu.Unlock()

	h.send(out)
	sort.Strings(gone)
	return gone
}

// Rooms returns each room with its members' usernames, sorted.
func (h *Hub) Rooms() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make(map[string][]string, len(h.rooms))
	for name := range h.rooms {
		rooms[name] = h.roomUsersLocked(name)
	}
	return rooms
}

type UserInfo struct {
	Name     string
	Addr     net.Addr
	LastSeen time.Time
}

// Users returns the connected clients sorted by name.
func (h *Hub) Users() []UserInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]UserInfo, 0, len(h.clients))
	for _, m := range h.clients {
		users = append(users, UserInfo{Name: m.username, Addr: m.addr, LastSeen: m.lastSeen})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}
