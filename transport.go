package fpgaboot

import (
	"errors"
	"io"
	"os"

	"github.com/goburrow/serial"
)

// Transport is the connection a shell session is bound to.
type Transport interface {
	// Connected reports whether a host is attached.
	Connected() bool
	// Open returns the stream for one session.
	Open() (io.ReadWriteCloser, error)
}

// SerialTransport serves sessions over a USB CDC serial device. The device is
// considered connected while its node exists.
type SerialTransport struct {
	cfg serial.Config
}

func NewSerialTransport(c SerialConfig) *SerialTransport {
	return &SerialTransport{
		cfg: serial.Config{
			Address:  c.Address,
			BaudRate: c.BaudRate,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
	}
}

func (t *SerialTransport) Connected() bool {
	if t.cfg.Address == "" {
		return false
	}
	_, err := os.Stat(t.cfg.Address)
	return err == nil
}

func (t *SerialTransport) Open() (io.ReadWriteCloser, error) {
	if t.cfg.Address == "" {
		return nil, errors.New("serial address not configured")
	}
	return serial.Open(&t.cfg)
}
