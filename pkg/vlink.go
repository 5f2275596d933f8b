package protocol

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	GBNProtocol = 201 // IPv4 protocol number carried by transfer datagrams
	DefaultTTL  = 16
)

// VirtualAddr names an endpoint on a virtual link: the node's virtual IP and
// the UDP address its link is bound to.
type VirtualAddr struct {
	VIP  netip.Addr
	Link netip.AddrPort
}

func (a VirtualAddr) Network() string { return "vip" }

func (a VirtualAddr) String() string {
	return a.VIP.String() + "@" + a.Link.String()
}

// VirtualLink is a Binding that wraps every datagram in an IPv4 header, the
// way vhost nodes talk over their UDP "links". Packets with a bad header
// checksum, another destination, another protocol or an expired TTL are
// dropped on receipt.
type VirtualLink struct {
	IP   netip.Addr // our virtual IP; the unspecified address accepts any destination
	TTL  int
	Conn *net.UDPConn

	nextID  atomic.Uint32
	dropped atomic.Uint64
	buf     []byte
}

func ListenVirtual(vip netip.Addr, udpAddr string) (*VirtualLink, error) {
	if !vip.Is4() {
		return nil, errors.Errorf("virtual ip %v is not IPv4", vip)
	}
	addr, err := net.ResolveUDPAddr("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", udpAddr)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", udpAddr)
	}
	return &VirtualLink{
		IP:   vip,
		TTL:  DefaultTTL,
		Conn: conn,
		buf:  make([]byte, MaxDatagramSize),
	}, nil
}

// LocalAddr returns the address peers should send to.
func (l *VirtualLink) LocalAddr() VirtualAddr {
	return VirtualAddr{VIP: l.IP, Link: unmapAddrPort(l.Conn.LocalAddr().(*net.UDPAddr).AddrPort())}
}

func (l *VirtualLink) WriteTo(b []byte, addr net.Addr) error {
	var dst VirtualAddr
	switch a := addr.(type) {
	case VirtualAddr:
		dst = a
	case *VirtualAddr:
		dst = *a
	default:
		return errors.Errorf("virtual link cannot send to %s address %v", addr.Network(), addr)
	}

	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(b),
		ID:       int(uint16(l.nextID.Add(1))),
		Flags:    0,
		FragOff:  0,
		TTL:      l.TTL,
		Protocol: GBNProtocol,
		Checksum: 0, // filled in below
		Src:      l.IP,
		Dst:      dst.VIP,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ipv4 header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ipv4 header")
	}

	packet := make([]byte, 0, len(headerBytes)+len(b))
	packet = append(packet, headerBytes...)
	packet = append(packet, b...)
	_, err = l.Conn.WriteToUDP(packet, net.UDPAddrFromAddrPort(dst.Link))
	return classifyNetErr(err)
}

func (l *VirtualLink) ReadFrom(timeout time.Duration) ([]byte, net.Addr, error) {
	if err := l.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, classifyNetErr(err)
	}
	for {
		n, from, err := l.Conn.ReadFromUDP(l.buf)
		if err != nil {
			return nil, nil, classifyNetErr(err)
		}
		payload, src, err := l.decapsulate(l.buf[:n])
		if err != nil {
			l.dropped.Add(1)
			log.Tracef("vlink: dropping datagram from %v: %v", from, err)
			continue
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		return data, VirtualAddr{VIP: src, Link: unmapAddrPort(from.AddrPort())}, nil
	}
}

func (l *VirtualLink) decapsulate(b []byte) ([]byte, netip.Addr, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, netip.Addr{}, errors.Wrap(err, "parse ipv4 header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return nil, netip.Addr{}, errors.Errorf("bad lengths: header %d, total %d, datagram %d", hdr.Len, hdr.TotalLen, len(b))
	}
	if !ValidateChecksum(b[:hdr.Len], uint16(hdr.Checksum)) {
		return nil, netip.Addr{}, errors.New("bad ipv4 header checksum")
	}
	if hdr.Protocol != GBNProtocol {
		return nil, netip.Addr{}, errors.Errorf("protocol %d", hdr.Protocol)
	}
	if hdr.TTL <= 0 {
		return nil, netip.Addr{}, errors.New("ttl expired")
	}
	if !l.IP.IsUnspecified() && hdr.Dst != l.IP {
		return nil, netip.Addr{}, errors.Errorf("destined for %v, we are %v", hdr.Dst, l.IP)
	}
	return b[hdr.Len:hdr.TotalLen], hdr.Src, nil
}

// Dropped counts datagrams discarded by header validation.
func (l *VirtualLink) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *VirtualLink) Close() error {
	return l.Conn.Close()
}

// ComputeChecksum returns the internet checksum of an IPv4 header whose
// checksum field is zero.
func ComputeChecksum(headerBytes []byte) uint16 {
	checksum := header.Checksum(headerBytes, 0)
	return checksum ^ 0xffff
}

// ValidateChecksum recomputes the header checksum with the checksum field
// zeroed and compares it to fromHeader.
func ValidateChecksum(headerBytes []byte, fromHeader uint16) bool {
	zeroed := make([]byte, len(headerBytes))
	copy(zeroed, headerBytes)
	zeroed[10], zeroed[11] = 0, 0
	return ComputeChecksum(zeroed) == fromHeader
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
