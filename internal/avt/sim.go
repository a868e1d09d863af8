package avt

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimPort simulates an AVT 852 interface for development without hardware.
// It implements Port, answering the handshake and configuration commands
// with correctly framed replies and, once VPW mode is entered, emitting
// periodic simulated bus traffic.
type SimPort struct {
	mu       sync.Mutex
	out      []byte // bytes waiting for the host to read
	pending  []byte // partial command frame written by the host
	closed   bool
	vpwMode  bool
	speed4x  bool
	lastBus  time.Time
	resetRep byte // first reset-reply byte, selects the variant

	t float64 // virtual time for simulated engine data
}

const (
	simReadTimeout = 100 * time.Millisecond
	simBusInterval = 500 * time.Millisecond
)

// NewSimPort creates a simulated AVT 852.
func NewSimPort() *SimPort {
	return &SimPort{resetRep: resetReply852}
}

// NewSimPortVariant creates a simulator whose reset reply starts with
// resetByte, for exercising the 842 and unsupported-device paths.
func NewSimPortVariant(resetByte byte) *SimPort {
	return &SimPort{resetRep: resetByte}
}

func (p *SimPort) DiscardBuffers() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = nil
	p.pending = nil
	return nil
}

func (p *SimPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Inject queues raw bytes for the host to read, ahead of any simulated
// replies. Used by tests to script exact wire sequences.
func (p *SimPort) Inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, b...)
}

func (p *SimPort) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(simReadTimeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, fmt.Errorf("sim: port closed")
		}
		p.maybeEmitBusTraffic()
		if len(p.out) > 0 {
			n := copy(buf, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("sim: no data within read timeout: %w", ErrTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (p *SimPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("sim: port closed")
	}
	p.pending = append(p.pending, b...)
	p.consumeCommands()
	return len(b), nil
}

// consumeCommands parses complete host-side frames out of pending and
// handles each command. Host frames never carry a status byte.
func (p *SimPort) consumeCommands() {
	for len(p.pending) > 0 {
		var headerLen, payloadLen int
		switch p.pending[0] {
		case escMediumLen:
			if len(p.pending) < 2 {
				return
			}
			headerLen = 2
			payloadLen = int(p.pending[1])
		case escLongLen:
			if len(p.pending) < 3 {
				return
			}
			headerLen = 3
			payloadLen = int(p.pending[1])<<8 | int(p.pending[2])
		default:
			headerLen = 1
			payloadLen = int(p.pending[0] & 0x0F)
		}
		if len(p.pending) < headerLen+payloadLen {
			return
		}
		payload := p.pending[headerLen : headerLen+payloadLen]
		p.handleCommand(payload)
		p.pending = p.pending[headerLen+payloadLen:]
	}
}

func (p *SimPort) handleCommand(payload []byte) {
	switch {
	case bytes.Equal(payload, cmdReset):
		p.vpwMode = false
		p.speed4x = false
		p.out = append(p.out, 0x91, p.resetRep)
	case bytes.Equal(payload, cmdRequestFirmware):
		// Firmware 3.6, with a trailing build byte the host must tolerate.
		p.out = append(p.out, deviceFrame([]byte{0x04, 0x36, 0x00})...)
	case bytes.Equal(payload, cmdRequestModel):
		p.out = append(p.out, deviceFrame([]byte{0x08, 0x52})...)
	case bytes.Equal(payload, cmdEnterVPW):
		p.vpwMode = true
		p.lastBus = time.Now()
		p.out = append(p.out, deviceFrame([]byte{0x07, 0x09})...)
	case bytes.Equal(payload, cmdDisableTxAck):
		p.out = append(p.out, deviceFrame([]byte{0x40, 0x00})...)
	case len(payload) == 3 && payload[0] == 0x52 && payload[1] == 0x5B:
		p.out = append(p.out, deviceFrame([]byte{0x5B, payload[2]})...)
	case bytes.Equal(payload, cmdSpeed1X):
		p.speed4x = false
		p.out = append(p.out, 0xC2, 0xC1, 0x00)
	case bytes.Equal(payload, cmdSpeed4X):
		p.speed4x = true
		p.out = append(p.out, 0xC2, 0xC1, 0x01)
	default:
		p.replyToBusMessage(payload)
	}
}

// replyToBusMessage simulates a module answering a diagnostic request:
// the reply swaps source and target addresses and sets the response bit on
// the mode byte, followed by a couple of data bytes.
func (p *SimPort) replyToBusMessage(req []byte) {
	if !p.vpwMode || len(req) < 4 {
		return
	}
	reply := []byte{req[0], req[2], req[1], req[3] | 0x40}
	reply = append(reply, byte(rand.Intn(256)), byte(rand.Intn(256)))
	p.out = append(p.out, deviceFrame(reply)...)
}

// maybeEmitBusTraffic queues a periodic simulated broadcast frame (engine
// RPM sweeping between idle and redline) once VPW mode is active.
// Caller holds p.mu.
func (p *SimPort) maybeEmitBusTraffic() {
	if !p.vpwMode || time.Since(p.lastBus) < simBusInterval {
		return
	}
	p.lastBus = time.Now()
	p.t += 0.5

	rpm := 850.0 + 4000.0*math.Sin(p.t*0.3)*math.Sin(p.t*0.3)
	raw := uint16(rpm * 4) // quarter-RPM units, SAE style
	frame := []byte{0x48, 0x6B, 0x10, 0x0C, byte(raw >> 8), byte(raw)}
	p.out = append(p.out, deviceFrame(frame)...)
}

// deviceFrame wraps payload the way the interface frames replies to the
// host: a leading OK status byte counted in the length field.
func deviceFrame(payload []byte) []byte {
	n := len(payload) + 1 // status byte included in the length
	switch {
	case n <= maxShortPayload:
		frame := make([]byte, 0, 2+len(payload))
		frame = append(frame, byte(n), 0x00)
		return append(frame, payload...)
	case n <= maxMediumPayload:
		frame := make([]byte, 0, 3+len(payload))
		frame = append(frame, escMediumLen, byte(n), 0x00)
		return append(frame, payload...)
	default:
		frame := make([]byte, 0, 4+len(payload))
		frame = append(frame, escLongLen, byte(n>>8), byte(n), 0x00)
		return append(frame, payload...)
	}
}
