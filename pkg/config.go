package protocol

import (
	"time"

	"github.com/pkg/errors"
)

const (
	MaxDatagramSize = 65507                            // largest UDP payload over IPv4
	MaxPayloadSize  = MaxDatagramSize - HeaderLen - 20 // leaves room for a virtual link IPv4 header
)

// Config holds the tunables of one transfer. Both ends of a transfer should
// agree on ChunkSize only loosely: the receiver accepts any payload length.
type Config struct {
	ChunkSize     int           // payload bytes per data packet
	WindowSize    int           // max unacknowledged packets in flight
	RTO           time.Duration // retransmission timeout
	IdleTimeout   time.Duration // receiver gives up after this much silence
	EOFRedundancy int           // copies of the terminal packet
	EOFInterval   time.Duration // spacing between terminal packet copies
	MaxTimeouts   int           // consecutive timeouts without progress before the sender fails, 0 = never
	StrictEOF     bool          // accept EOF only at exactly the expected sequence number
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:     1000,
		WindowSize:    10,
		RTO:           500 * time.Millisecond,
		IdleTimeout:   10 * time.Second,
		EOFRedundancy: 5,
		EOFInterval:   100 * time.Millisecond,
		MaxTimeouts:   40,
	}
}

func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0 || c.ChunkSize > MaxPayloadSize:
		return errors.Wrapf(ErrInvalidConfig, "chunk size %d not in [1, %d]", c.ChunkSize, MaxPayloadSize)
	case c.WindowSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "window size %d", c.WindowSize)
	case c.RTO <= 0:
		return errors.Wrapf(ErrInvalidConfig, "rto %v", c.RTO)
	case c.IdleTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "idle timeout %v", c.IdleTimeout)
	case c.EOFRedundancy <= 0:
		return errors.Wrapf(ErrInvalidConfig, "eof redundancy %d", c.EOFRedundancy)
	case c.EOFInterval < 0:
		return errors.Wrapf(ErrInvalidConfig, "eof interval %v", c.EOFInterval)
	case c.MaxTimeouts < 0:
		return errors.Wrapf(ErrInvalidConfig, "max timeouts %d", c.MaxTimeouts)
	}
	return nil
}
