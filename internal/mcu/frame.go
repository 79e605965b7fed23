// Package mcu speaks the Tuya MCU serial protocol to a meter's main board and
// turns its datapoint status reports into tuya.Report values.
package mcu

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"tuya-meter-gateway/internal/tuya"
)

// Frame layout: 55 AA | version | command | length(2 BE) | data | checksum.
const (
	header0 = 0x55
	header1 = 0xAA

	headerLen = 6
	maxData   = 1024
)

// Commands used by the link.
const (
	CmdHeartbeat      uint8 = 0x00
	CmdProductInfo    uint8 = 0x01
	CmdSendDP         uint8 = 0x06
	CmdReportDP       uint8 = 0x07
	CmdQueryStatus    uint8 = 0x08
	CmdReportDPRecord uint8 = 0x22
)

// Version is the protocol version written in frames sent by the link.
const Version = 0x00

var (
	ErrChecksum      = errors.New("mcu: bad checksum")
	ErrFrameTooLong  = errors.New("mcu: frame too long")
	ErrNotDataReport = errors.New("mcu: not a datapoint report")
)

// Frame is one decoded MCU protocol frame.
type Frame struct {
	Version uint8
	Command uint8
	Data    []byte
}

// IsReport reports whether the frame carries datapoint records.
func (f Frame) IsReport() bool {
	switch f.Command {
	case CmdSendDP, CmdReportDP, CmdReportDPRecord:
		return true
	}
	return false
}

// Reports parses the datapoint records of a report frame.
func (f Frame) Reports() ([]tuya.Report, error) {
	if !f.IsReport() {
		return nil, fmt.Errorf("command 0x%02X: %w", f.Command, ErrNotDataReport)
	}
	return tuya.ParseDataPoints(f.Data)
}

// Encode serializes a frame including header and checksum.
func Encode(f Frame) []byte {
	buf := make([]byte, headerLen+len(f.Data)+1)
	buf[0] = header0
	buf[1] = header1
	buf[2] = f.Version
	buf[3] = f.Command
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(f.Data)))
	copy(buf[headerLen:], f.Data)
	buf[len(buf)-1] = checksum(buf[:len(buf)-1])
	return buf
}

func checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}

// ReadFrame reads the next frame from r, skipping noise before a header.
// A frame with a bad checksum is consumed and reported as ErrChecksum.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	if err := syncHeader(r); err != nil {
		return Frame{}, err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.BigEndian.Uint16(hdr[2:4]))
	if n > maxData {
		return Frame{}, fmt.Errorf("length %d: %w", n, ErrFrameTooLong)
	}

	body := make([]byte, n+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	sum := checksum([]byte{header0, header1, hdr[0], hdr[1], hdr[2], hdr[3]}) + checksum(body[:n])
	if sum != body[n] {
		return Frame{}, fmt.Errorf("cmd 0x%02X: got 0x%02X, want 0x%02X: %w", hdr[1], body[n], sum, ErrChecksum)
	}
	return Frame{Version: hdr[0], Command: hdr[1], Data: body[:n]}, nil
}

// syncHeader consumes bytes until 55 AA has been read.
func syncHeader(r *bufio.Reader) error {
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if prev == header0 && b == header1 {
			return nil
		}
		prev = b
	}
}
