package lnxconfig

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	protocol "gbn-rdt-pa/pkg"
)

const sample = `
# alice's node
relay        127.0.0.1:12000
chunk-size   512    # smaller datagrams
window-size  16
rto          250ms
idle-timeout 5s
strict-eof   true
heartbeat    10s
p2p-ports    16000-16010
advertise    127.0.0.1
download-dir /tmp/dl
vip          10.0.0.1
impair-loss  0.1
impair-delay 1ms-5ms
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transfer.ChunkSize != 512 || cfg.Transfer.WindowSize != 16 || cfg.Transfer.RTO != 250*time.Millisecond {
		t.Errorf("transfer %+v", cfg.Transfer)
	}
	if !cfg.Transfer.StrictEOF || cfg.Transfer.IdleTimeout != 5*time.Second {
		t.Errorf("transfer %+v", cfg.Transfer)
	}
	// Unset keys keep their defaults.
	if cfg.Transfer.EOFRedundancy != protocol.DefaultConfig().EOFRedundancy || cfg.Workers != 4 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.P2PPortLo != 16000 || cfg.P2PPortHi != 16010 {
		t.Errorf("ports %d-%d", cfg.P2PPortLo, cfg.P2PPortHi)
	}
	if cfg.VIP != netip.MustParseAddr("10.0.0.1") || cfg.DownloadDir != "/tmp/dl" {
		t.Errorf("vip %v, dir %q", cfg.VIP, cfg.DownloadDir)
	}
	if !cfg.Impaired() || cfg.Impairment.MinDelay != time.Millisecond || cfg.Impairment.MaxDelay != 5*time.Millisecond {
		t.Errorf("impairment %+v", cfg.Impairment)
	}

	cc := cfg.ClientConfig()
	if cc.Relay != "127.0.0.1:12000" || cc.Heartbeat != 10*time.Second || cc.Impairment == nil {
		t.Errorf("client config %+v", cc)
	}
	if hc := cfg.HubConfig(); hc.Workers != 4 || hc.PresenceTimeout != 60*time.Second {
		t.Errorf("hub config %+v", hc)
	}
}

func TestParseErrorsCarryLineNumbers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown key", "relay 127.0.0.1:1\nbogus 3\n", "line 2"},
		{"bad int", "window-size lots", "line 1"},
		{"bad duration", "\n\nrto fast", "line 3"},
		{"missing value", "rto", "line 1"},
		{"extra value", "rto 1s 2s", "line 1"},
		{"bad port range", "p2p-ports 20000-10000", "line 1"},
		{"bad vip", "vip ::1", "line 1"},
		{"bad relay", "relay localhost", "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("no error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	for _, input := range []string{
		"window-size 0",
		"chunk-size 70000",
		"impair-loss 1",
		"workers 0",
	} {
		if _, err := Parse(strings.NewReader(input)); err == nil {
			t.Errorf("%q accepted", input)
		}
	}
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.lnx")
	if err := os.WriteFile(path, []byte("listen 127.0.0.1:13000\nworkers 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ParseConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:13000" || cfg.Workers != 8 || cfg.Impaired() {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.ClientConfig().Impairment != nil {
		t.Fatal("unimpaired config produced an impairment")
	}

	if _, err := ParseConfig(filepath.Join(t.TempDir(), "missing.lnx")); err == nil {
		t.Fatal("missing file accepted")
	}
}
