package ecu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.bug.st/serial"
)

// SerialConfig holds connection settings for the Datalogit serial link.
type SerialConfig struct {
	PortPath     string `yaml:"port_path" json:"portPath"`
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"`
	OpenAttempts uint   `yaml:"open_attempts" json:"openAttempts"`
}

const (
	powerFCBaud   = 57600
	readTimeout   = 50 * time.Millisecond // bounds how long Close waits on a blocked Read
	openRetryWait = 250 * time.Millisecond
	openTimeout   = 3 * time.Second
)

// ErrPortClosed is returned by Read and Write when the port is not open.
var ErrPortClosed = errors.New("ecu: serial port closed")

// Serial is a powerfc.Transport over a real serial port, 8N1 without flow
// control.
type Serial struct {
	cfg  SerialConfig
	mu   sync.Mutex
	port serial.Port
}

// NewSerial creates a serial transport. The port is opened by Open.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = powerFCBaud
	}
	if cfg.OpenAttempts == 0 {
		cfg.OpenAttempts = 3
	}
	return &Serial{cfg: cfg}
}

// Open opens the port, retrying briefly for adapters that are still
// enumerating, and discards any stale input. It may block for up to
// openTimeout.
func (s *Serial) Open() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	var port serial.Port
	err := retry.Do(func() error {
		p, err := serial.Open(s.cfg.PortPath, mode)
		if err != nil {
			return err
		}
		port = p
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(s.cfg.OpenAttempts),
		retry.Delay(openRetryWait),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[serial] open %s attempt %d: %v", s.cfg.PortPath, n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("ecu: failed to open %s: %w", s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("ecu: failed to set read timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[serial] reset input buffer: %v", err)
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	log.Printf("[serial] opened %s at %d baud", s.cfg.PortPath, s.cfg.BaudRate)
	return nil
}

// Close closes the port; a blocked Read returns an error.
func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	log.Printf("[serial] closing %s", s.cfg.PortPath)
	return port.Close()
}

func (s *Serial) current() serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Read blocks until at least one byte arrives or the port is closed.
func (s *Serial) Read(p []byte) (int, error) {
	port := s.current()
	if port == nil {
		return 0, ErrPortClosed
	}
	for {
		n, err := port.Read(p)
		if err != nil || n > 0 {
			return n, err
		}
		// read timeout, poll again
	}
}

// Write sends p in full.
func (s *Serial) Write(p []byte) (int, error) {
	port := s.current()
	if port == nil {
		return 0, ErrPortClosed
	}
	return port.Write(p)
}
