package avt

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// portEvent records one transport interaction for ordering assertions.
type portEvent struct {
	kind string // "read" or "write"
	data []byte
	at   time.Time
}

// recordPort wraps a Port and records successful reads and all writes.
type recordPort struct {
	Port
	mu     sync.Mutex
	events []portEvent
}

func (r *recordPort) Read(p []byte) (int, error) {
	n, err := r.Port.Read(p)
	if n > 0 {
		r.mu.Lock()
		data := make([]byte, n)
		copy(data, p[:n])
		r.events = append(r.events, portEvent{kind: "read", data: data, at: time.Now()})
		r.mu.Unlock()
	}
	return n, err
}

func (r *recordPort) Write(p []byte) (int, error) {
	r.mu.Lock()
	data := make([]byte, len(p))
	copy(data, p)
	r.events = append(r.events, portEvent{kind: "write", data: data, at: time.Now()})
	r.mu.Unlock()
	return r.Port.Write(p)
}

func (r *recordPort) snapshot() []portEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]portEvent, len(r.events))
	copy(out, r.events)
	return out
}

func simSession(t *testing.T, sim *SimPort) *Session {
	t.Helper()
	s := NewSession(Config{Open: func() (Port, error) { return sim, nil }})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectDetects852(t *testing.T) {
	sim := NewSimPort()
	s := simSession(t, sim)

	require.NoError(t, s.Connect())
	assert.True(t, s.Connected())
	assert.Equal(t, VariantAvt852, s.Variant())

	major, minor := s.FirmwareVersion()
	assert.Equal(t, uint8(3), major)
	assert.Equal(t, uint8(6), minor)
}

func TestConnectDetects842(t *testing.T) {
	sim := NewSimPortVariant(resetReply842)
	s := simSession(t, sim)

	require.NoError(t, s.Connect())
	assert.Equal(t, VariantAvt842, s.Variant())
}

func TestConnectRejectsUnsupportedDevice(t *testing.T) {
	sim := NewSimPortVariant(0x99)
	rec := &recordPort{Port: sim}
	s := NewSession(Config{Open: func() (Port, error) { return rec, nil }})

	err := s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
	assert.False(t, s.Connected())
	assert.Equal(t, VariantUnsupported, s.Variant())

	// Initialization must fail without attempting any later step: the only
	// write on the wire is the framed reset command.
	var writes [][]byte
	for _, ev := range rec.snapshot() {
		if ev.kind == "write" {
			writes = append(writes, ev.data)
		}
	}
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x02, 0xF1, 0xA5}, writes[0])
}

func TestConnectFailsWhenDeviceSilent(t *testing.T) {
	fp := &fakePort{}
	s := NewSession(Config{Open: func() (Port, error) { return fp, nil }})

	err := s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device not found or failed reset")
	assert.False(t, s.Connected())
}

func TestResetScenario(t *testing.T) {
	// Sending payload F1 A5 puts [02 F1 A5] on the wire; the reply bytes
	// 91 27 decode to the single payload byte 27, the 852 idle marker.
	fp := &fakePort{in: []byte{0x91, 0x27}}
	require.NoError(t, writePacket(fp, NewMessage(cmdReset)))
	require.Equal(t, [][]byte{{0x02, 0xF1, 0xA5}}, fp.writes)

	msg, err := readPacket(fp)
	require.NoError(t, err)
	require.Equal(t, []byte{resetReply852}, msg.Bytes())
}

func TestFindResponseMatchesPrefix(t *testing.T) {
	// First packet does not match; the second matches on its leading byte
	// even though trailing bytes differ.
	in := append(deviceFrame([]byte{0x40, 0x00}), deviceFrame([]byte{0x07, 0x22, 0x33})...)
	s := NewSession(Config{})
	s.port = &fakePort{in: in}

	msg, err := s.findResponse(replyVPWMode)
	require.NoError(t, err)
	require.Equal(t, []byte{0x07, 0x22, 0x33}, msg.Bytes())
}

func TestFindResponseTimesOutAfterFiveAttempts(t *testing.T) {
	s := NewSession(Config{})
	s.port = &fakePort{}

	start := time.Now()
	_, err := s.findResponse(replyVPWMode)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 5*findRetryDelay,
		"five attempts with a fixed delay bound the wait")
}

func TestConfigureRejectsWrongAck(t *testing.T) {
	s := NewSession(Config{})
	s.port = &fakePort{in: deviceFrame([]byte{0x41, 0x00})} // not the tx-ack ack

	err := s.configure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disable tx ack")
}

func TestSendRequiresConnection(t *testing.T) {
	s := NewSession(Config{})
	require.Error(t, s.Send(NewMessage([]byte{0x01})))
}

func TestReceiveStepQueuesDecodedMessages(t *testing.T) {
	sim := NewSimPort()
	s := simSession(t, sim)
	require.NoError(t, s.Connect())

	want := []byte{0x48, 0x6B, 0x10, 0x01}
	sim.Inject(deviceFrame(want))
	s.ReceiveStep()

	select {
	case msg := <-s.Inbound():
		require.Equal(t, want, msg.Bytes())
	default:
		t.Fatal("expected a queued inbound message")
	}
}

func TestReceiveStepDropsTxAckNotices(t *testing.T) {
	sim := NewSimPort()
	s := simSession(t, sim)
	require.NoError(t, s.Connect())

	sim.Inject(deviceFrame([]byte{0x60, 0x01}))
	sim.Inject(deviceFrame([]byte{0xF3, 0x60, 0x01}))
	s.ReceiveStep()
	s.ReceiveStep()

	select {
	case msg := <-s.Inbound():
		t.Fatalf("tx-ack notices must not be queued, got %s", msg)
	default:
	}
}

func TestReceiveStepSurvivesBadReads(t *testing.T) {
	sim := NewSimPort()
	s := simSession(t, sim)
	require.NoError(t, s.Connect())

	sim.Inject([]byte{0x32, 0xAA}) // rejected-command packet
	s.ReceiveStep()                // swallowed, loop must go on

	want := []byte{0x48, 0x6B, 0x10, 0x02}
	sim.Inject(deviceFrame(want))
	s.ReceiveStep()

	select {
	case msg := <-s.Inbound():
		require.Equal(t, want, msg.Bytes())
	default:
		t.Fatal("receive must keep working after a bad read")
	}
}

func TestSendObservedByFrameHook(t *testing.T) {
	sim := NewSimPort()
	s := simSession(t, sim)

	var mu sync.Mutex
	var frames []string
	s.OnFrame = func(dir string, payload []byte) {
		mu.Lock()
		frames = append(frames, dir)
		mu.Unlock()
	}

	require.NoError(t, s.Connect())
	require.NoError(t, s.Send(NewMessage([]byte{0x6C, 0x10, 0xF1, 0x3C, 0x01})))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, frames, "tx")
}

func TestSetSpeedHighOrdering(t *testing.T) {
	sim := NewSimPort()
	rec := &recordPort{Port: sim}
	s := NewSession(Config{Open: func() (Port, error) { return rec, nil }})
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Connect())

	// The bus notice answering the vehicle-side command is already waiting.
	sim.Inject([]byte{0x82, 0xAA})
	require.NoError(t, s.SetSpeed(true))

	events := rec.snapshot()
	cmdWrite := -1
	for i, ev := range events {
		if ev.kind == "write" && bytes.Equal(ev.data, []byte{0x02, 0xC1, 0x01}) {
			cmdWrite = i
			break
		}
	}
	require.GreaterOrEqual(t, cmdWrite, 2, "4X command must be written")

	// Drain of the bus notice strictly precedes the 4X command. The drain
	// shows up as two reads: the header byte, then the remaining byte.
	require.Equal(t, "read", events[cmdWrite-1].kind)
	assert.Equal(t, byte(0x82), events[cmdWrite-2].data[0])

	// The second drain happens only after the long settle period.
	var ackRead *portEvent
	for i := cmdWrite + 1; i < len(events); i++ {
		if events[i].kind == "read" {
			ackRead = &events[i]
			break
		}
	}
	require.NotNil(t, ackRead, "4X acknowledgment must be drained")
	assert.GreaterOrEqual(t, ackRead.at.Sub(events[cmdWrite].at), speedSettleDelay)
}

func TestSetSpeedLow(t *testing.T) {
	sim := NewSimPort()
	rec := &recordPort{Port: sim}
	s := NewSession(Config{Open: func() (Port, error) { return rec, nil }})
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Connect())

	require.NoError(t, s.SetSpeed(false))

	// Command first, drain after.
	events := rec.snapshot()
	cmdWrite := -1
	for i, ev := range events {
		if ev.kind == "write" && bytes.Equal(ev.data, []byte{0x02, 0xC1, 0x00}) {
			cmdWrite = i
			break
		}
	}
	require.GreaterOrEqual(t, cmdWrite, 0)
	var sawAck bool
	for i := cmdWrite + 1; i < len(events); i++ {
		if events[i].kind == "read" && events[i].data[0] == 0xC2 {
			sawAck = true
		}
	}
	assert.True(t, sawAck, "1X acknowledgment must be drained after the command")
}

func TestSetSpeedRequiresConnection(t *testing.T) {
	s := NewSession(Config{})
	require.Error(t, s.SetSpeed(true))
}
