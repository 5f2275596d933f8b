package protocol

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// Binding is the datagram primitive a transfer runs on. The caller owns it:
// it picks the local endpoint and hands one binding to exactly one session.
type Binding interface {
	// WriteTo sends one whole datagram to addr.
	WriteTo(b []byte, addr net.Addr) error
	// ReadFrom blocks for the next datagram for at most timeout. Deadline
	// expiry returns an error satisfying IsTimeout.
	ReadFrom(timeout time.Duration) ([]byte, net.Addr, error)
	Close() error
}

// UDPBinding is a Binding over one UDP socket.
type UDPBinding struct {
	Conn *net.UDPConn
	buf  []byte
}

// ListenUDP binds a UDP socket on addr ("host:port", port 0 for ephemeral).
func ListenUDP(addr string) (*UDPBinding, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return NewUDPBinding(conn), nil
}

func NewUDPBinding(conn *net.UDPConn) *UDPBinding {
	return &UDPBinding{Conn: conn, buf: make([]byte, MaxDatagramSize)}
}

func (b *UDPBinding) LocalAddr() *net.UDPAddr {
	return b.Conn.LocalAddr().(*net.UDPAddr)
}

func (b *UDPBinding) WriteTo(p []byte, addr net.Addr) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp4", addr.String())
		if err != nil {
			return errors.Wrapf(err, "resolve %s", addr)
		}
		udpAddr = resolved
	}
	_, err := b.Conn.WriteToUDP(p, udpAddr)
	return classifyNetErr(err)
}

func (b *UDPBinding) ReadFrom(timeout time.Duration) ([]byte, net.Addr, error) {
	if err := b.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, classifyNetErr(err)
	}
	n, addr, err := b.Conn.ReadFromUDP(b.buf)
	if err != nil {
		return nil, nil, classifyNetErr(err)
	}
	data := make([]byte, n)
	copy(data, b.buf[:n])
	return data, addr, nil
}

func (b *UDPBinding) Close() error {
	return b.Conn.Close()
}

// classifyNetErr maps socket errors onto ErrReadTimeout and ErrBindingClosed.
func classifyNetErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return errors.Wrap(ErrBindingClosed, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrReadTimeout, err.Error())
	}
	return err
}
