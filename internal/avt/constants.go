package avt

// Framing escape bytes. A header byte of 0x11 or 0x12 means the payload
// length does not fit in a nibble and follows as one or two bytes.
const (
	escMediumLen = 0x11 // one length byte follows (up to 255)
	escLongLen   = 0x12 // two length bytes follow, big-endian (up to 65535)
)

// Sender-side framing limits.
const (
	maxShortPayload  = 15    // length fits in the header's low nibble
	maxMediumPayload = 255   // length fits in one byte after 0x11
	maxLongPayload   = 65535 // length fits in two bytes after 0x12
)

// Host-to-interface control commands.
var (
	cmdReset           = []byte{0xF1, 0xA5} // full device reset
	cmdEnterVPW        = []byte{0xE1, 0x33} // switch the interface to VPW operation
	cmdRequestModel    = []byte{0xF0}       // report the hardware model number
	cmdRequestFirmware = []byte{0xB0}       // report the firmware version
	cmdSpeed1X         = []byte{0xC1, 0x00} // 10.4 kbps bus speed
	cmdSpeed4X         = []byte{0xC1, 0x01} // 41.6 kbps bus speed
	cmdDisableTxAck    = []byte{0x52, 0x40, 0x00}
)

// Interface-to-host reply prefixes. Replies are prefix-matched because the
// device appends trailing bytes (counters, echoes) that vary by firmware.
var (
	ackDisableTxAck = []byte{0x40, 0x00}
	replyVPWMode    = []byte{0x07}
	replyFirmware   = []byte{0x04}
	replyTxAck      = []byte{0x60}       // transmit acknowledgment notice
	replyBlockTxAck = []byte{0xF3, 0x60} // block-mode transmit acknowledgment
)

// Reset-reply idle bytes identifying the hardware variant.
const (
	resetReply852 = 0x27
	resetReply842 = 0x12
)

// cmdDestFilter builds the destination-filter install command for toolID.
func cmdDestFilter(toolID byte) []byte {
	return []byte{0x52, 0x5B, toolID}
}

// ackDestFilter is the acknowledgment the device returns for cmdDestFilter.
func ackDestFilter(toolID byte) []byte {
	return []byte{0x5B, toolID}
}
