// Package lnxconfig parses the line-oriented node files the vhost and vrelay
// binaries are started with.
//
// Each non-empty line is a key followed by its value; '#' starts a comment:
//
//	# peer alice
//	relay 127.0.0.1:12000
//	window-size 16
//	rto 250ms
//	p2p-ports 15000-20000
//	impair-loss 0.1
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gbn-rdt-pa/chat"
	protocol "gbn-rdt-pa/pkg"
	"gbn-rdt-pa/simlink"

	"github.com/pkg/errors"
)

type NodeConfig struct {
	Transfer protocol.Config

	// Relay side
	Listen          string
	PresenceTimeout time.Duration
	SweepInterval   time.Duration
	Workers         int

	// Peer side
	Relay       string
	Heartbeat   time.Duration
	P2PPortLo   int
	P2PPortHi   int
	Advertise   string
	DownloadDir string
	VIP         netip.Addr // zero unless set; transfers then run over a virtual link

	Impairment simlink.Impairment
}

func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Transfer:        protocol.DefaultConfig(),
		Listen:          "127.0.0.1:12000",
		PresenceTimeout: 60 * time.Second,
		SweepInterval:   15 * time.Second,
		Workers:         4,
		Relay:           "127.0.0.1:12000",
		Heartbeat:       30 * time.Second,
		P2PPortLo:       15000,
		P2PPortHi:       20000,
		Advertise:       "127.0.0.1",
		DownloadDir:     ".",
	}
}

type setter func(c *NodeConfig, value string) error

var setters = map[string]setter{
	"chunk-size":       intSetter(func(c *NodeConfig) *int { return &c.Transfer.ChunkSize }),
	"window-size":      intSetter(func(c *NodeConfig) *int { return &c.Transfer.WindowSize }),
	"eof-redundancy":   intSetter(func(c *NodeConfig) *int { return &c.Transfer.EOFRedundancy }),
	"max-timeouts":     intSetter(func(c *NodeConfig) *int { return &c.Transfer.MaxTimeouts }),
	"workers":          intSetter(func(c *NodeConfig) *int { return &c.Workers }),
	"rto":              durationSetter(func(c *NodeConfig) *time.Duration { return &c.Transfer.RTO }),
	"idle-timeout":     durationSetter(func(c *NodeConfig) *time.Duration { return &c.Transfer.IdleTimeout }),
	"eof-interval":     durationSetter(func(c *NodeConfig) *time.Duration { return &c.Transfer.EOFInterval }),
	"heartbeat":        durationSetter(func(c *NodeConfig) *time.Duration { return &c.Heartbeat }),
	"presence-timeout": durationSetter(func(c *NodeConfig) *time.Duration { return &c.PresenceTimeout }),
	"sweep-interval":   durationSetter(func(c *NodeConfig) *time.Duration { return &c.SweepInterval }),
	"relay":            addrSetter(func(c *NodeConfig) *string { return &c.Relay }),
	"listen":           addrSetter(func(c *NodeConfig) *string { return &c.Listen }),
	"impair-loss":      rateSetter(func(c *NodeConfig) *float64 { return &c.Impairment.LossRate }),
	"impair-corrupt":   rateSetter(func(c *NodeConfig) *float64 { return &c.Impairment.CorruptRate }),

	"strict-eof": func(c *NodeConfig, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Errorf("not a boolean: %q", value)
		}
		c.Transfer.StrictEOF = b
		return nil
	},
	"advertise": func(c *NodeConfig, value string) error {
		if _, err := netip.ParseAddr(value); err != nil {
			return errors.Errorf("not an IP address: %q", value)
		}
		c.Advertise = value
		return nil
	},
	"download-dir": func(c *NodeConfig, value string) error {
		c.DownloadDir = value
		return nil
	},
	"vip": func(c *NodeConfig, value string) error {
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return errors.Errorf("not an IPv4 address: %q", value)
		}
		c.VIP = addr
		return nil
	},
	"p2p-ports": func(c *NodeConfig, value string) error {
		lo, hi, ok := strings.Cut(value, "-")
		if !ok {
			return errors.Errorf("want LO-HI, got %q", value)
		}
		loPort, err1 := strconv.ParseUint(lo, 10, 16)
		hiPort, err2 := strconv.ParseUint(hi, 10, 16)
		if err1 != nil || err2 != nil || loPort == 0 || loPort > hiPort {
			return errors.Errorf("bad port range %q", value)
		}
		c.P2PPortLo, c.P2PPortHi = int(loPort), int(hiPort)
		return nil
	},
	"impair-delay": func(c *NodeConfig, value string) error {
		lo, hi, ok := strings.Cut(value, "-")
		if !ok {
			hi = lo
		}
		minDelay, err1 := time.ParseDuration(lo)
		maxDelay, err2 := time.ParseDuration(hi)
		if err1 != nil || err2 != nil || minDelay < 0 || maxDelay < minDelay {
			return errors.Errorf("bad delay range %q", value)
		}
		c.Impairment.MinDelay, c.Impairment.MaxDelay = minDelay, maxDelay
		return nil
	},
}

func intSetter(field func(*NodeConfig) *int) setter {
	return func(c *NodeConfig, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("not an integer: %q", value)
		}
		*field(c) = n
		return nil
	}
}

func durationSetter(field func(*NodeConfig) *time.Duration) setter {
	return func(c *NodeConfig, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Errorf("not a duration: %q", value)
		}
		*field(c) = d
		return nil
	}
}

func rateSetter(field func(*NodeConfig) *float64) setter {
	return func(c *NodeConfig, value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Errorf("not a number: %q", value)
		}
		*field(c) = f
		return nil
	}
}

func addrSetter(field func(*NodeConfig) *string) setter {
	return func(c *NodeConfig, value string) error {
		if _, err := netip.ParseAddrPort(value); err != nil {
			return errors.Errorf("not a host:port address: %q", value)
		}
		*field(c) = value
		return nil
	}
}

// ParseConfig reads the node file at path.
func ParseConfig(path string) (*NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Parse reads a node file from r, starting from DefaultNodeConfig.
func Parse(r io.Reader) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: want \"key value\", got %d fields", lineNum, len(fields))
		}
		set, ok := setters[fields[0]]
		if !ok {
			return nil, errors.Errorf("line %d: unknown key %q", lineNum, fields[0])
		}
		if err := set(cfg, fields[1]); err != nil {
			return nil, errors.Wrapf(err, "line %d: %s", lineNum, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *NodeConfig) Validate() error {
	if err := c.Transfer.Validate(); err != nil {
		return err
	}
	if err := c.Impairment.Validate(); err != nil {
		return errors.Wrap(err, "impairment")
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers %d", c.Workers)
	}
	if c.Heartbeat <= 0 || c.PresenceTimeout <= 0 || c.SweepInterval <= 0 {
		return errors.New("heartbeat, presence-timeout and sweep-interval must be positive")
	}
	return nil
}

// Impaired reports whether any impair-* key is in effect.
func (c *NodeConfig) Impaired() bool {
	imp := c.Impairment
	return imp.LossRate > 0 || imp.CorruptRate > 0 || imp.MaxDelay > 0
}

func (c *NodeConfig) HubConfig() chat.HubConfig {
	return chat.HubConfig{
		Listen:          c.Listen,
		PresenceTimeout: c.PresenceTimeout,
		SweepInterval:   c.SweepInterval,
		Workers:         c.Workers,
	}
}

func (c *NodeConfig) ClientConfig() chat.ClientConfig {
	cc := chat.ClientConfig{
		Relay:       c.Relay,
		Heartbeat:   c.Heartbeat,
		P2PPortLo:   c.P2PPortLo,
		P2PPortHi:   c.P2PPortHi,
		Advertise:   c.Advertise,
		DownloadDir: c.DownloadDir,
		VIP:         c.VIP,
		Transfer:    c.Transfer,
	}
	if c.Impaired() {
		imp := c.Impairment
		cc.Impairment = &imp
	}
	return cc
}
