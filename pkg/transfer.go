package protocol

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Send reliably delivers everything src yields to dest over b. The source is
// read up front; if that fails no packet goes out. Cancelling ctx closes b,
// which ends the session as failed.
func Send(ctx context.Context, src io.Reader, b Binding, dest net.Addr, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return errors.Wrap(ErrSourceUnreadable, err.Error())
	}

	session := NewSenderSession(cfg, b)
	if err := session.Start(Split(data, cfg.ChunkSize), dest); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { b.Close() })
	defer stop()

	if err := session.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(err, "send cancelled (%v)", ctx.Err())
		}
		return err
	}
	return nil
}

// Receive waits on b for one complete transfer and returns its bytes.
func Receive(ctx context.Context, b Binding, cfg Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	session := NewReceiverSession(cfg, b)
	stop := context.AfterFunc(ctx, func() { b.Close() })
	defer stop()

	data, err := session.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(err, "receive cancelled (%v)", ctx.Err())
		}
		return nil, err
	}
	return data, nil
}

// SendFile sends the contents of path.
func SendFile(ctx context.Context, path string, b Binding, dest net.Addr, cfg Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(ErrSourceUnreadable, err.Error())
	}
	log.Debugf("sending %s (%d bytes) to %v", path, len(data), dest)
	return Send(ctx, bytes.NewReader(data), b, dest, cfg)
}

// ReceiveFile receives one transfer into outPath. The file only appears once
// the transfer completed; a failed transfer leaves nothing behind.
func ReceiveFile(ctx context.Context, b Binding, outPath string, cfg Config) error {
	data, err := Receive(ctx, b, cfg)
	if err != nil {
		return err
	}

	dir, name := filepath.Split(outPath)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+name+".part-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", outPath)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return errors.Wrapf(err, "rename to %s", outPath)
	}
	log.Debugf("received %s (%d bytes)", outPath, len(data))
	return nil
}
