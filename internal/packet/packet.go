// Package packet implements the LLP framing shared by the miner and daemon
// protocols: a header byte, a 4 byte big-endian length and the payload.
// Control codes (128 and above) always carry a zero length and no payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxMinerPayload bounds any miner packet (SUBMIT_SHARE is the largest)
	MaxMinerPayload = 136
	// MaxDaemonPayload bounds any daemon packet
	MaxDaemonPayload = 1 << 20

	controlThreshold = 128
	reservedHeader   = 255
	lengthSize       = 4
)

var (
	ErrInvalidHeader = errors.New("invalid packet header")
	ErrOversized     = errors.New("packet payload too large")
	ErrWrongLength   = errors.New("packet payload has wrong length")
	ErrResponseOnly  = errors.New("response-only header from client")
)

// Packet is one framed message
type Packet struct {
	Header byte
	Length uint32
	Data   []byte
}

// New builds a data packet
func New(header byte, data []byte) Packet {
	return Packet{Header: header, Length: uint32(len(data)), Data: data}
}

// Control builds a header-only packet
func Control(header byte) Packet {
	return Packet{Header: header}
}

// IsControl reports whether the header is a control code
func (p Packet) IsControl() bool {
	return p.Header >= controlThreshold
}

// IsValid checks the packet shape: control codes carry nothing, data codes
// carry a non-empty payload matching Length.
func (p Packet) IsValid() bool {
	if p.Header == reservedHeader {
		return false
	}
	if p.IsControl() {
		return p.Length == 0 && len(p.Data) == 0
	}
	return p.Length > 0 && int(p.Length) == len(p.Data)
}

// Bytes encodes the packet for the wire
func (p Packet) Bytes() []byte {
	out := make([]byte, 0, 1+lengthSize+len(p.Data))
	out = append(out, p.Header)
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Data)))
	return append(out, p.Data...)
}

// Read reads one packet. Payloads longer than maxLen are rejected before
// being read.
func Read(r io.Reader, maxLen uint32) (Packet, error) {
	var head [1 + lengthSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Packet{}, err
	}

	p := Packet{Header: head[0], Length: binary.BigEndian.Uint32(head[1:])}
	if p.Header == reservedHeader {
		return p, ErrInvalidHeader
	}
	if p.IsControl() {
		if p.Length != 0 {
			return p, fmt.Errorf("%w: %d byte payload on control header %d", ErrWrongLength, p.Length, p.Header)
		}
		return p, nil
	}

	if p.Length == 0 {
		return p, fmt.Errorf("%w: empty payload for header %d", ErrWrongLength, p.Header)
	}
	if p.Length > maxLen {
		return p, fmt.Errorf("%w: %d bytes", ErrOversized, p.Length)
	}

	p.Data = make([]byte, p.Length)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return p, err
	}
	return p, nil
}

// Write encodes p onto w
func Write(w io.Writer, p Packet) error {
	_, err := w.Write(p.Bytes())
	return err
}

// IsViolation reports whether err is a framing or protocol violation, as
// opposed to an I/O failure.
func IsViolation(err error) bool {
	return errors.Is(err, ErrInvalidHeader) ||
		errors.Is(err, ErrOversized) ||
		errors.Is(err, ErrWrongLength) ||
		errors.Is(err, ErrResponseOnly)
}

func uint32Payload(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func uint64Payload(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
