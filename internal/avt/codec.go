package avt

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"
)

// packetKind is the packet-type discriminator carried in the header's high
// nibble (or implied by an escape byte).
type packetKind int

const (
	kindUnknown packetKind = iota
	kindStandardShort
	kindFilteredNoStatus
	kindInvalidCommand
	kindAvtFilterNotice
	kindHighSpeedNotice
	kindInitVersion
	kindSpeedAck
)

func (k packetKind) String() string {
	switch k {
	case kindStandardShort:
		return "standard"
	case kindFilteredNoStatus:
		return "filtered"
	case kindInvalidCommand:
		return "invalid-command"
	case kindAvtFilterNotice:
		return "avt-filter"
	case kindHighSpeedNotice:
		return "high-speed"
	case kindInitVersion:
		return "init-version"
	case kindSpeedAck:
		return "speed-ack"
	default:
		return "unknown"
	}
}

// headerRule describes how a header nibble is decoded: which packet kind it
// selects and whether the device inserts a status byte before the payload.
// Status-byte presence is type-dependent, not universal.
type headerRule struct {
	kind      packetKind
	hasStatus bool
}

// nibbleRules maps the header byte's high nibble to its framing rule.
// Unlisted nibbles decode as kindUnknown with no status byte.
var nibbleRules = [16]headerRule{
	0x0: {kindStandardShort, true},
	0x2: {kindFilteredNoStatus, false},
	0x3: {kindInvalidCommand, false},
	0x6: {kindAvtFilterNotice, false},
	0x8: {kindHighSpeedNotice, false},
	0x9: {kindInitVersion, false},
	0xC: {kindSpeedAck, false},
}

// payloadReadTimeout bounds the payload-accumulation loop in readPacket,
// independent of the transport's per-read timeout. Variable so tests can
// shorten it.
var payloadReadTimeout = 2 * time.Second

// readPacket decodes one framed packet from port.
//
// Transport-level read failures (including per-read timeouts) surface as
// ErrTimeout. A rejected command returns *InvalidCommandError carrying the
// echoed bytes. A frame with no payload returns ErrBadPacket. A nonzero
// status byte is logged but the packet is still delivered.
func readPacket(port Port) (Message, error) {
	hdr, err := readByte(port)
	if err != nil {
		return Message{}, fmt.Errorf("avt: header read: %w", ErrTimeout)
	}

	var (
		length    int
		hasStatus bool
	)

	switch hdr {
	case escMediumLen:
		b, err := readByte(port)
		if err != nil {
			return Message{}, fmt.Errorf("avt: medium length byte: %w", ErrTimeout)
		}
		length = int(b)
		hasStatus = true

	case escLongLen:
		lenBuf, err := readFull(port, 2)
		if err != nil {
			return Message{}, fmt.Errorf("avt: long length bytes: %w", ErrTimeout)
		}
		length = int(binary.BigEndian.Uint16(lenBuf))
		hasStatus = true

	default:
		rule := nibbleRules[hdr>>4]
		length = int(hdr & 0x0F)
		hasStatus = rule.hasStatus

		switch rule.kind {
		case kindInvalidCommand:
			// The device echoes the rejected bytes in place of a payload.
			rejected, _ := readFull(port, length)
			log.Printf("[avt] device rejected command (header 0x%02X): % X", hdr, rejected)
			return Message{}, &InvalidCommandError{Rejected: rejected}
		case kindHighSpeedNotice:
			// The nibble counts one intrinsic non-data byte.
			length--
		case kindUnknown:
			// The low nibble may not be a length for an unrecognized type.
			// Known desync risk: we read it as one anyway rather than
			// guessing at recovery.
			log.Printf("[avt] unknown packet header 0x%02X, treating low nibble as length", hdr)
		}
	}

	if hasStatus {
		length--
		status, err := readByte(port)
		if err != nil {
			return Message{}, fmt.Errorf("avt: status byte: %w", ErrTimeout)
		}
		if status != 0 {
			log.Printf("[avt] nonzero status byte 0x%02X in packet 0x%02X", status, hdr)
		}
	}

	if length <= 0 {
		return Message{}, fmt.Errorf("avt: packet 0x%02X carries no payload: %w", hdr, ErrBadPacket)
	}

	payload, err := readFull(port, length)
	if err != nil {
		return Message{}, fmt.Errorf("avt: payload (want %d bytes): %w", length, ErrTimeout)
	}
	return Message{data: payload}, nil
}

// writePacket frames m and writes it to port. The sender never transmits a
// status byte; status bytes are a device-to-host feature only. The frame is
// built up front and written in one call so it stays contiguous on the wire.
func writePacket(port Port, m Message) error {
	frame, err := encodeFrame(m.data)
	if err != nil {
		return err
	}
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("avt: write failed: %w", err)
	}
	return nil
}

// encodeFrame chooses the header form by payload length: a single header
// byte with the length in its low nibble (<=15), escape 0x11 with a one-byte
// length (16..255), or escape 0x12 with a big-endian two-byte length (>255).
func encodeFrame(payload []byte) ([]byte, error) {
	n := len(payload)
	switch {
	case n > maxLongPayload:
		return nil, fmt.Errorf("avt: payload too large (%d bytes): %w", n, ErrBadPacket)
	case n > maxMediumPayload:
		frame := make([]byte, 0, 3+n)
		frame = append(frame, escLongLen, byte(n>>8), byte(n))
		return append(frame, payload...), nil
	case n > maxShortPayload:
		frame := make([]byte, 0, 2+n)
		frame = append(frame, escMediumLen, byte(n))
		return append(frame, payload...), nil
	default:
		frame := make([]byte, 0, 1+n)
		frame = append(frame, byte(n))
		return append(frame, payload...), nil
	}
}

// readByte reads exactly one byte from port.
func readByte(port Port) (byte, error) {
	var buf [1]byte
	for {
		n, err := port.Read(buf[:])
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return buf[0], nil
		}
	}
}

// readFull reads exactly n bytes from port, accumulating across partial
// reads, bounded by payloadReadTimeout measured from the first read. The
// port's own per-read timeout paces the loop.
func readFull(port Port, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(payloadReadTimeout)
	for got < n && time.Now().Before(deadline) {
		// A read error between partial reads just means no data yet; the
		// deadline decides when to give up.
		k, _ := port.Read(buf[got:])
		got += k
	}
	if got < n {
		log.Printf("[avt] short read: got %d/%d bytes: % X", got, n, buf[:got])
		return buf[:got], fmt.Errorf("avt: incomplete read (%d/%d bytes): %w", got, n, ErrTimeout)
	}
	return buf, nil
}
