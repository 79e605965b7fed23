package mcu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"tuya-meter-gateway/internal/tuya"
)

// DefaultBaud is the baud rate of Tuya MCU boards.
const DefaultBaud = 9600

// DefaultHeartbeat is the heartbeat period the MCU expects from the module.
const DefaultHeartbeat = 15 * time.Second

// Config holds serial link configuration.
type Config struct {
	Port      string
	Baud      int
	Heartbeat time.Duration
}

// Handler receives the datapoint reports of one frame, in wire order.
type Handler func(reports []tuya.Report) error

// Link reads datapoint reports from one MCU. It only sends heartbeats and
// status/product queries; datapoint commands are never written.
type Link struct {
	port      io.ReadWriteCloser
	reader    *bufio.Reader
	heartbeat time.Duration
	handler   Handler
	logger    *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens a serial port and wraps it in a Link.
func Open(cfg Config, handler Handler, logger *slog.Logger) (*Link, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("mcu: open %s: %w", cfg.Port, err)
	}
	return NewLink(port, cfg.Heartbeat, handler, logger.With("port", cfg.Port)), nil
}

// NewLink wraps an already open port.
func NewLink(port io.ReadWriteCloser, heartbeat time.Duration, handler Handler, logger *slog.Logger) *Link {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Link{
		port:      port,
		reader:    bufio.NewReader(port),
		heartbeat: heartbeat,
		handler:   handler,
		logger:    logger.With("component", "mcu"),
		done:      make(chan struct{}),
	}
}

// Run queries the MCU and processes frames until ctx is cancelled or the
// link is closed. It returns nil on a clean shutdown.
func (l *Link) Run(ctx context.Context) error {
	defer l.Close()
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.done:
		}
	}()

	for _, cmd := range []uint8{CmdHeartbeat, CmdProductInfo, CmdQueryStatus} {
		if err := l.send(cmd, nil); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.heartbeatLoop()
	}()
	l.readLoop()
	wg.Wait()
	return nil
}

// Close stops the link and closes the port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}

func (l *Link) send(cmd uint8, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(Encode(Frame{Version: Version, Command: cmd, Data: data})); err != nil {
		return fmt.Errorf("mcu: write cmd 0x%02X: %w", cmd, err)
	}
	return nil
}

func (l *Link) heartbeatLoop() {
	t := time.NewTicker(l.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			if err := l.send(CmdHeartbeat, nil); err != nil {
				l.logger.Warn("heartbeat", "err", err)
			}
		}
	}
}

func (l *Link) readLoop() {
	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-l.done:
			return
		default:
		}

		f, err := ReadFrame(l.reader)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, ErrChecksum) || errors.Is(err, ErrFrameTooLong) {
				l.logger.Warn("frame dropped", "err", err)
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				l.logger.Error("read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-l.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		l.handleFrame(f)
	}
}

func (l *Link) handleFrame(f Frame) {
	switch {
	case f.IsReport():
		reports, perr := f.Reports()
		if perr != nil {
			l.logger.Warn("datapoint records", "cmd", fmt.Sprintf("0x%02X", f.Command), "err", perr)
		}
		if len(reports) == 0 {
			return
		}
		if err := l.handler(reports); err != nil {
			l.logger.Debug("frame partially discarded", "reports", len(reports), "err", err)
		}
	case f.Command == CmdHeartbeat:
		if len(f.Data) == 1 && f.Data[0] == 0x00 {
			l.logger.Info("mcu restarted, querying status")
			if err := l.send(CmdQueryStatus, nil); err != nil {
				l.logger.Warn("query status", "err", err)
			}
		}
	case f.Command == CmdProductInfo:
		l.logger.Info("mcu product info", "info", string(f.Data))
	default:
		l.logger.Debug("unhandled frame", "cmd", fmt.Sprintf("0x%02X", f.Command), "len", len(f.Data))
	}
}
