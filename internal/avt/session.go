package avt

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// DeviceVariant identifies the interface hardware, determined from the
// reset reply's first payload byte.
type DeviceVariant int

const (
	VariantUnknown DeviceVariant = iota
	VariantAvt852
	VariantAvt842
	VariantUnsupported
)

func (v DeviceVariant) String() string {
	switch v {
	case VariantAvt852:
		return "AVT 852"
	case VariantAvt842:
		return "AVT 842"
	case VariantUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Config holds connection configuration for a Session.
type Config struct {
	PortPath  string `yaml:"port_path" json:"portPath"`
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	ToolID    byte   `yaml:"tool_id" json:"toolId"`       // destination filter address
	QueueSize int    `yaml:"queue_size" json:"queueSize"` // inbound message queue depth

	// Open overrides serial-port opening when set (simulator, tests).
	Open func() (Port, error) `yaml:"-" json:"-"`
}

const (
	// findResponse polls up to findAttempts times with a fixed delay,
	// bounding handshake responsiveness to roughly 500ms per step.
	findAttempts     = 5
	findRetryDelay   = 100 * time.Millisecond
	speedSwitchDelay = 100 * time.Millisecond
	speedSettleDelay = 500 * time.Millisecond // 4X renegotiation needs longer
	defaultQueueSize = 64
	defaultToolID    = 0xF1 // scan-tool address on the VPW bus
)

// Session drives one AVT 852/842 interface over its serial transport. It
// owns the handshake, the steady-state send/receive paths, and the bus
// speed switch. A Session is long-lived, one per physical connection, and
// safe for concurrent use; each operation holds the port for a full
// packet so frame boundaries stay intact.
type Session struct {
	cfg Config

	mu        sync.Mutex
	port      Port
	variant   DeviceVariant
	fwMajor   uint8
	fwMinor   uint8
	connected bool

	inbound chan Message

	// OnFrame, if set before Connect, observes every framed payload the
	// session sends ("tx") or queues ("rx"). Used by the frame tracer.
	OnFrame func(dir string, payload []byte)
}

// NewSession creates a Session. Connect must be called before use.
func NewSession(cfg Config) *Session {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = portBaudRate
	}
	if cfg.ToolID == 0 {
		cfg.ToolID = defaultToolID
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Session{
		cfg:     cfg,
		inbound: make(chan Message, cfg.QueueSize),
	}
}

// Connect opens the transport and runs the initialization handshake:
// reset, variant detection, firmware identification, VPW mode entry, and
// device configuration. Any step's failure closes the port and aborts;
// the caller must restart initialization from the top.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port, err := s.openPort()
	if err != nil {
		return err
	}
	if err := port.DiscardBuffers(); err != nil {
		port.Close()
		return fmt.Errorf("avt: discard buffers: %w", err)
	}
	s.port = port

	if err := s.handshake(); err != nil {
		port.Close()
		s.port = nil
		s.connected = false
		return err
	}

	s.connected = true
	log.Printf("[avt] connected: %s, firmware %d.%d", s.variant, s.fwMajor, s.fwMinor)
	return nil
}

func (s *Session) openPort() (Port, error) {
	if s.cfg.Open != nil {
		return s.cfg.Open()
	}
	log.Printf("[avt] opening %s at %d baud", s.cfg.PortPath, s.cfg.BaudRate)
	return OpenSerial(s.cfg.PortPath, s.cfg.BaudRate)
}

func (s *Session) handshake() error {
	// Reset and identify the hardware variant from the first reply byte.
	if err := writePacket(s.port, NewMessage(cmdReset)); err != nil {
		return fmt.Errorf("avt: reset: %w", err)
	}
	reply, err := readPacket(s.port)
	if err != nil {
		return fmt.Errorf("avt: device not found or failed reset: %w", err)
	}
	switch reply.data[0] {
	case resetReply852:
		s.variant = VariantAvt852
	case resetReply842:
		s.variant = VariantAvt842
	default:
		s.variant = VariantUnsupported
		return fmt.Errorf("avt: unsupported device (reset reply 0x%02X)", reply.data[0])
	}
	log.Printf("[avt] %s detected", s.variant)

	// Diagnostic only: ask for the model number and log whatever comes back.
	s.probeModel()

	// Firmware identification.
	if err := writePacket(s.port, NewMessage(cmdRequestFirmware)); err != nil {
		return fmt.Errorf("avt: firmware request: %w", err)
	}
	fw, err := s.findResponse(replyFirmware)
	if err != nil {
		return fmt.Errorf("avt: no firmware reply: %w", err)
	}
	if fw.Len() >= 2 {
		s.fwMajor = fw.data[1] >> 4
		s.fwMinor = fw.data[1] & 0x0F
	}
	log.Printf("[avt] firmware version %d.%d", s.fwMajor, s.fwMinor)

	// Enter VPW operation.
	if err := writePacket(s.port, NewMessage(cmdEnterVPW)); err != nil {
		return fmt.Errorf("avt: enter VPW mode: %w", err)
	}
	if _, err := s.findResponse(replyVPWMode); err != nil {
		return fmt.Errorf("avt: no VPW mode acknowledgment: %w", err)
	}
	log.Printf("[avt] VPW mode entered")

	// Device configuration.
	if err := s.configure(); err != nil {
		return fmt.Errorf("avt: configuration failed: %w", err)
	}
	return nil
}

// probeModel sends the model-number request and logs the reply. Diagnostic
// only; a missing or odd reply does not fail the handshake.
func (s *Session) probeModel() {
	if err := writePacket(s.port, NewMessage(cmdRequestModel)); err != nil {
		log.Printf("[avt] model probe write failed: %v", err)
		return
	}
	reply, err := readPacket(s.port)
	if err != nil {
		log.Printf("[avt] model probe: no reply: %v", err)
		return
	}
	log.Printf("[avt] model reply: %s", reply)
}

// findResponse decodes packets until one's payload starts with expected,
// trying up to findAttempts times with a fixed delay between attempts.
// Replies are prefix-matched because the device appends trailing bytes.
// Returns ErrTimeout when no attempt matches.
func (s *Session) findResponse(expected []byte) (Message, error) {
	for attempt := 1; attempt <= findAttempts; attempt++ {
		msg, err := readPacket(s.port)
		if err == nil && msg.HasPrefix(expected) {
			return msg, nil
		}
		if err != nil {
			log.Printf("[avt] findResponse attempt %d/%d: %v", attempt, findAttempts, err)
		} else {
			log.Printf("[avt] findResponse attempt %d/%d: got %s, want prefix % X", attempt, findAttempts, msg, expected)
		}
		time.Sleep(findRetryDelay)
	}
	return Message{}, fmt.Errorf("avt: no response matching % X after %d attempts: %w", expected, findAttempts, ErrTimeout)
}

// configure disables transmit acknowledgments and installs the destination
// filter for the tool address. Each step sends a fixed command and
// prefix-checks the next decoded packet; either mismatch aborts.
func (s *Session) configure() error {
	steps := []struct {
		name string
		cmd  []byte
		ack  []byte
	}{
		{"disable tx ack", cmdDisableTxAck, ackDisableTxAck},
		{"destination filter", cmdDestFilter(s.cfg.ToolID), ackDestFilter(s.cfg.ToolID)},
	}
	for _, step := range steps {
		if err := writePacket(s.port, NewMessage(step.cmd)); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		reply, err := readPacket(s.port)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if !reply.HasPrefix(step.ack) {
			return fmt.Errorf("%s: unexpected reply %s, want prefix % X", step.name, reply, step.ack)
		}
	}
	return nil
}

// Send frames m and writes it to the transport. Success means the bytes
// were written; no response is awaited here — any round-trip behavior is
// the caller's responsibility.
func (s *Session) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.port == nil {
		return fmt.Errorf("avt: not connected")
	}
	if err := writePacket(s.port, m); err != nil {
		return err
	}
	if s.OnFrame != nil {
		s.OnFrame("tx", m.Bytes())
	}
	return nil
}

// ReceiveStep decodes one packet and, on success, places it on the inbound
// queue. Decode failures are logged and swallowed so a single bad read does
// not terminate the caller's receive loop. Transmit-acknowledgment notices
// are dropped; they carry no diagnostic data.
func (s *Session) ReceiveStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.port == nil {
		return
	}
	msg, err := readPacket(s.port)
	if err != nil {
		if StatusOf(err) != StatusTimeout {
			log.Printf("[avt] receive: %v", err)
		}
		return
	}
	if msg.HasPrefix(replyBlockTxAck) || msg.HasPrefix(replyTxAck) {
		log.Printf("[avt] dropping tx-ack notice: %s", msg)
		return
	}
	if s.OnFrame != nil {
		s.OnFrame("rx", msg.Bytes())
	}
	select {
	case s.inbound <- msg:
	default:
		log.Printf("[avt] inbound queue full, dropping %s", msg)
	}
}

// Inbound returns the queue of decoded messages filled by ReceiveStep.
func (s *Session) Inbound() <-chan Message { return s.inbound }

// SetSpeed switches the bus between 1X and 4X operation.
//
// Precondition for high=true: the caller must already have sent the generic
// high-speed request to the vehicle's control module. The bus answers that
// vehicle-side command with a notification packet, which this method drains
// before commanding the interface itself. The drained packets' contents are
// logged but not checked; these acknowledgments drift between firmwares.
func (s *Session) SetSpeed(high bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.port == nil {
		return fmt.Errorf("avt: not connected")
	}

	if !high {
		if err := writePacket(s.port, NewMessage(cmdSpeed1X)); err != nil {
			return err
		}
		time.Sleep(speedSwitchDelay)
		s.drainPacket("1X ack")
		log.Printf("[avt] switched to 1X speed")
		return nil
	}

	time.Sleep(speedSwitchDelay)
	s.drainPacket("bus high-speed notice")
	if err := writePacket(s.port, NewMessage(cmdSpeed4X)); err != nil {
		return err
	}
	time.Sleep(speedSettleDelay)
	s.drainPacket("4X ack")
	log.Printf("[avt] switched to 4X speed")
	return nil
}

// drainPacket decodes and discards one packet, logging only.
func (s *Session) drainPacket(label string) {
	msg, err := readPacket(s.port)
	if err != nil {
		log.Printf("[avt] drain %s: %v", label, err)
		return
	}
	log.Printf("[avt] drain %s: %s", label, msg)
}

// Connected reports whether the handshake has completed.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Variant returns the detected hardware variant.
func (s *Session) Variant() DeviceVariant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variant
}

// FirmwareVersion returns the major/minor firmware version reported during
// the handshake.
func (s *Session) FirmwareVersion() (major, minor uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fwMajor, s.fwMinor
}

// Close shuts down the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}
