package protocol

import (
	"github.com/getlantern/golog"
	"github.com/pkg/errors"
)

var log = golog.LoggerFor("gbn.protocol")

// Per-packet conditions. These are handled inside a session and never reach
// the caller of Send or Receive.
var (
	ErrMalformedPacket       = errors.New("malformed packet")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrStaleOrOutOfOrder     = errors.New("stale or out of order packet")
	ErrRetransmissionTimeout = errors.New("retransmission timeout")
	ErrForeignPeer           = errors.New("datagram from a foreign peer")
)

// Session-terminal conditions, surfaced as the single transfer result.
var (
	ErrIdleReceiveTimeout = errors.New("idle receive timeout")
	ErrSourceUnreadable   = errors.New("source unreadable")
	ErrPeerUnresponsive   = errors.New("peer unresponsive")
	ErrReservedPayload    = errors.New("chunk collides with the EOF marker")
	ErrBindingClosed      = errors.New("binding closed")
	ErrReadTimeout        = errors.New("read timeout")
	ErrInvalidConfig      = errors.New("invalid config")
)

// IsTimeout reports whether err is (or wraps) a binding read deadline expiry.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrReadTimeout
}

// IsClosed reports whether err is (or wraps) ErrBindingClosed.
func IsClosed(err error) bool {
	return errors.Cause(err) == ErrBindingClosed
}
