package blocktransfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame layout: [SOP][CMD|STATUS][LEN lo][LEN hi][DATA...][CHK lo][CHK hi][EOP]
const (
	StartOfPacket = 0x01
	EndOfPacket   = 0x17
	headerSize    = 4
	trailerSize   = 3
	MinFrameSize  = headerSize + trailerSize
)

// Bootloader commands.
const (
	CmdEnter      = 0x38
	CmdErasePage  = 0x34
	CmdEraseAll   = 0x35
	CmdWriteBlock = 0x39
	CmdExit       = 0x3B
)

// Status codes returned in the command byte of a response.
const (
	StatusSuccess     = 0x00
	StatusErrLength   = 0x03
	StatusErrData     = 0x04
	StatusErrCommand  = 0x05
	StatusErrChecksum = 0x08
	StatusErrAddress  = 0x0A
	StatusErrFlash    = 0x0B
)

var statusNames = map[byte]string{
	StatusSuccess:     "success",
	StatusErrLength:   "invalid length",
	StatusErrData:     "invalid data",
	StatusErrCommand:  "unknown command",
	StatusErrChecksum: "checksum mismatch",
	StatusErrAddress:  "address out of range",
	StatusErrFlash:    "flash write failed",
}

// StatusName returns a readable name for a status byte.
func StatusName(status byte) string {
	if s, ok := statusNames[status]; ok {
		return s
	}
	return "unknown"
}

// FrameError reports a malformed response frame.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "malformed frame: " + e.Reason
}

func checksum(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return 1 + (0xFFFF ^ sum)
}

// BuildFrame encodes a command with its payload.
func BuildFrame(cmd byte, data []byte) []byte {
	frame := make([]byte, 0, MinFrameSize+len(data))
	frame = append(frame, StartOfPacket, cmd)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(data)))
	frame = append(frame, data...)
	frame = binary.LittleEndian.AppendUint16(frame, checksum(frame[1:]))
	return append(frame, EndOfPacket)
}

// frameEnd returns the index just past the first complete frame in buf, or
// 0 if more bytes are needed. Bytes before the start marker are skipped.
func frameEnd(buf []byte) int {
	start := bytes.IndexByte(buf, StartOfPacket)
	if start < 0 || len(buf)-start < headerSize {
		return 0
	}
	n := int(binary.LittleEndian.Uint16(buf[start+2:]))
	end := start + headerSize + n + trailerSize
	if len(buf) < end {
		return 0
	}
	return end
}

// ParseFrame decodes a frame into its command or status byte and payload.
// Leading bytes before the start marker are ignored.
func ParseFrame(frame []byte) (byte, []byte, error) {
	start := bytes.IndexByte(frame, StartOfPacket)
	if start < 0 {
		return 0, nil, &FrameError{Reason: "missing start of packet"}
	}
	frame = frame[start:]
	if len(frame) < MinFrameSize {
		return 0, nil, &FrameError{Reason: fmt.Sprintf("frame too short (%d bytes)", len(frame))}
	}
	n := int(binary.LittleEndian.Uint16(frame[2:]))
	if len(frame) != headerSize+n+trailerSize {
		return 0, nil, &FrameError{Reason: fmt.Sprintf("length field %d does not match frame", n)}
	}
	if frame[len(frame)-1] != EndOfPacket {
		return 0, nil, &FrameError{Reason: "missing end of packet"}
	}
	body := frame[1 : headerSize+n]
	want := binary.LittleEndian.Uint16(frame[headerSize+n:])
	if got := checksum(body); got != want {
		return 0, nil, &FrameError{Reason: fmt.Sprintf("checksum 0x%04X, expected 0x%04X", got, want)}
	}
	return frame[1], frame[headerSize : headerSize+n], nil
}
