package dobot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Command identifiers used by the cell.
const (
	CmdSetHOMEParams            byte = 30
	CmdSetEndEffectorSuctionCup byte = 62
	CmdSetPTPJointParams        byte = 80
	CmdSetPTPCommonParams       byte = 83
	CmdSetPTPCmd                byte = 84
	CmdQueuedCmdStartExec       byte = 240
	CmdQueuedCmdStopExec        byte = 241
	CmdQueuedCmdForceStopExec   byte = 242
	CmdQueuedCmdClear           byte = 245
	CmdGetQueuedCmdCurrentIndex byte = 246
)

// PTP motion modes.
const (
	ModeMOVJXYZ byte = 1
	ModeMOVLXYZ byte = 2
)

const (
	header     byte = 0xAA
	ctrlWrite  byte = 0x01
	ctrlQueued byte = 0x02
	maxParams       = 253
)

// Protocol errors.
var (
	ErrChecksum      = errors.New("dobot: checksum mismatch")
	ErrFrameTooLarge = errors.New("dobot: frame too large")
	ErrTimeout       = errors.New("dobot: response timeout")
)

// Packet is one protocol frame without the sync header and checksum.
type Packet struct {
	ID     byte
	Write  bool
	Queued bool
	Params []byte
}

func (p Packet) ctrl() byte {
	var c byte
	if p.Write {
		c |= ctrlWrite
	}
	if p.Queued {
		c |= ctrlQueued
	}
	return c
}

// checksum returns the two's complement of the byte sum.
func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return -sum
}

// Encode serialises the packet: AA AA len id ctrl params checksum.
func (p Packet) Encode() ([]byte, error) {
	if len(p.Params) > maxParams {
		return nil, fmt.Errorf("%w: %d param bytes", ErrFrameTooLarge, len(p.Params))
	}
	payload := make([]byte, 0, 2+len(p.Params))
	payload = append(payload, p.ID, p.ctrl())
	payload = append(payload, p.Params...)

	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, header, header, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, checksum(payload))
	return frame, nil
}

// ReadPacket reads the next valid frame, skipping bytes until a sync header.
func ReadPacket(r io.Reader) (Packet, error) {
	var b [1]byte
	seen := 0
	for seen < 2 {
		if err := readFull(r, b[:]); err != nil {
			return Packet{}, err
		}
		if b[0] == header {
			seen++
		} else {
			seen = 0
		}
	}

	if err := readFull(r, b[:]); err != nil {
		return Packet{}, err
	}
	n := int(b[0])
	if n < 2 {
		return Packet{}, fmt.Errorf("dobot: short frame length %d", n)
	}

	body := make([]byte, n+1)
	if err := readFull(r, body); err != nil {
		return Packet{}, err
	}
	payload, sum := body[:n], body[n]
	if checksum(payload) != sum {
		return Packet{}, ErrChecksum
	}

	return Packet{
		ID:     payload[0],
		Write:  payload[1]&ctrlWrite != 0,
		Queued: payload[1]&ctrlQueued != 0,
		Params: append([]byte(nil), payload[2:]...),
	}, nil
}

// readFull is io.ReadFull for ports that report a read timeout as (0, nil).
func readFull(r io.Reader, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := r.Read(buf[n:])
		if err != nil {
			return err
		}
		if m == 0 {
			return ErrTimeout
		}
		n += m
	}
	return nil
}

func putFloats(values ...float64) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

func queuedIndex(p Packet) (uint64, error) {
	if len(p.Params) < 8 {
		return 0, fmt.Errorf("dobot: command %d: short index response (%d bytes)", p.ID, len(p.Params))
	}
	return binary.LittleEndian.Uint64(p.Params[:8]), nil
}

// ptpCmdParams encodes a PTP command: mode then x, y, z, r as float32.
func ptpCmdParams(mode byte, x, y, z, r float64) []byte {
	return append([]byte{mode}, putFloats(x, y, z, r)...)
}

// suctionParams encodes the suction cup command: control enabled, sucked.
func suctionParams(enable bool) []byte {
	var on byte
	if enable {
		on = 1
	}
	return []byte{1, on}
}
