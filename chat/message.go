// Package chat implements the relay that peers use to find each other, talk
// in rooms and negotiate direct file transfers, plus the peer-side client.
//
// Every relay datagram is one text line "COMMAND|sender|target|payload".
// Only the first three separators are significant, so payloads may contain
// '|'.
package chat

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/getlantern/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var log = golog.LoggerFor("gbn.chat")

// Client to relay.
const (
	CmdJoin      = "JOIN"
	CmdLeave     = "LEAVE"
	CmdMsg       = "MSG"
	CmdPM        = "PM"
	CmdHeartbeat = "HEARTBEAT"
)

// Relay to client.
const (
	CmdBroadcast = "MSG_BCAST"
	CmdPMRecv    = "PM_RECV"
	CmdUserList  = "USERLIST"
	CmdNotice    = "NOTICE"
)

var (
	ErrMalformedMessage = errors.New("malformed chat message")
	ErrInvalidName      = errors.New("invalid user or room name")
)

type Message struct {
	Command string
	Sender  string
	Target  string // room for JOIN/LEAVE/MSG, user for PM
	Payload string
}

func (m Message) Marshal() []byte {
	return []byte(m.Command + "|" + m.Sender + "|" + m.Target + "|" + m.Payload)
}

func (m Message) String() string {
	return string(m.Marshal())
}

func ParseMessage(b []byte) (Message, error) {
	parts := strings.SplitN(string(b), "|", 4)
	if len(parts) != 4 || parts[0] == "" {
		return Message{}, errors.Wrapf(ErrMalformedMessage, "%q", truncate(string(b), 40))
	}
	return Message{
		Command: parts[0],
		Sender:  parts[1],
		Target:  parts[2],
		Payload: parts[3],
	}, nil
}

// ValidName reports whether s can travel as a user or room name: non-empty,
// and free of the field and user-list separators and of whitespace.
func ValidName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "|, \t\r\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// File kinds a peer can offer.
const (
	KindFile    = "file"
	KindAudio   = "audio"
	KindSticker = "sticker"
)

// Negotiation is a file-transfer control message carried in a PM payload.
type Negotiation interface {
	Payload() string
	OfferID() string
}

type Offer struct {
	ID       string
	Kind     string
	Filename string // base name only
	Size     int64
}

func (o Offer) OfferID() string { return o.ID }

func (o Offer) Payload() string {
	return "OFFER|" + o.ID + "|" + o.Kind + "|" + o.Filename + "|" + strconv.FormatInt(o.Size, 10)
}

// Accept tells the offering peer where to send. VIP is set when the
// acceptor listens on a virtual link.
type Accept struct {
	ID   string
	Host string
	Port int
	VIP  netip.Addr
}

func (a Accept) OfferID() string { return a.ID }

func (a Accept) Payload() string {
	p := "ACCEPT|" + a.ID + "|" + a.Host + "|" + strconv.Itoa(a.Port)
	if a.VIP.IsValid() {
		p += "|" + a.VIP.String()
	}
	return p
}

type Reject struct {
	ID string
}

func (r Reject) OfferID() string { return r.ID }

func (r Reject) Payload() string { return "REJECT|" + r.ID }

// ShortID is the prefix of an offer id shown to users.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseOfferID(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return "", errors.Wrapf(ErrMalformedMessage, "offer id %q", truncate(id, 40))
	}
	return u.String(), nil
}

// ParseNegotiation decodes a PM payload. It returns nil, nil for ordinary
// private text.
func ParseNegotiation(payload string) (Negotiation, error) {
	verb, rest, _ := strings.Cut(payload, "|")
	fields := strings.Split(rest, "|")
	switch verb {
	case "OFFER":
		if len(fields) != 4 || fields[2] == "" {
			return nil, errors.Wrapf(ErrMalformedMessage, "offer %q", payload)
		}
		id, err := parseOfferID(fields[0])
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || size < 0 {
			return nil, errors.Wrapf(ErrMalformedMessage, "offer size %q", fields[3])
		}
		return Offer{ID: id, Kind: fields[1], Filename: fields[2], Size: size}, nil
	case "ACCEPT":
		if len(fields) != 3 && len(fields) != 4 {
			return nil, errors.Wrapf(ErrMalformedMessage, "accept %q", payload)
		}
		id, err := parseOfferID(fields[0])
		if err != nil {
			return nil, err
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil || port == 0 {
			return nil, errors.Wrapf(ErrMalformedMessage, "accept port %q", fields[2])
		}
		a := Accept{ID: id, Host: fields[1], Port: int(port)}
		if len(fields) == 4 {
			vip, err := netip.ParseAddr(fields[3])
			if err != nil || !vip.Is4() {
				return nil, errors.Wrapf(ErrMalformedMessage, "accept vip %q", fields[3])
			}
			a.VIP = vip
		}
		return a, nil
	case "REJECT":
		if len(fields) != 1 {
			return nil, errors.Wrapf(ErrMalformedMessage, "reject %q", payload)
		}
		id, err := parseOfferID(fields[0])
		if err != nil {
			return nil, err
		}
		return Reject{ID: id}, nil
	}
	return nil, nil
}
