package espflash

import "strings"

// ROM loader commands.
const (
	CmdFlashBegin = 0x02
	CmdFlashData  = 0x03
	CmdFlashEnd   = 0x04
	CmdMemBegin   = 0x05
	CmdMemEnd     = 0x06
	CmdMemData    = 0x07
	CmdSync       = 0x08
	CmdWriteReg   = 0x09
	CmdReadReg    = 0x0A
	CmdSpiAttach  = 0x0D
	CmdChangeBaud = 0x0F

	// Stub-only.
	CmdEraseFlash = 0xD0
)

const (
	dirRequest  = 0x00
	dirResponse = 0x01

	FlashBlockSize  = 0x400
	FlashSectorSize = 0x1000
	ramBlockSize    = 0x1800

	checksumSeed = 0xEF

	chipMagicRegister = 0x40001000
)

// ROM error codes.
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns a readable name for a ROM error code.
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	}
	return "unknown error"
}

// Chip families as reported by magic register value.
const (
	FamilyESP8266 = "esp8266"
	FamilyESP32   = "esp32"
	FamilyESP32S2 = "esp32-s2"
	FamilyESP32S3 = "esp32-s3"
	FamilyESP32C3 = "esp32-c3"
	FamilyESP32C2 = "esp32-c2"
	FamilyESP32C6 = "esp32-c6"
)

var chipMagic = map[uint32]string{
	0xFFF0C101: FamilyESP8266,
	0x00F01D83: FamilyESP32,
	0x000007C6: FamilyESP32S2,
	0x00000009: FamilyESP32S3,
	0x6921506F: FamilyESP32C3,
	0x1B31506F: FamilyESP32C3,
	0x4881606F: FamilyESP32C3,
	0x4361606F: FamilyESP32C3,
	0x6F51306F: FamilyESP32C2,
	0x7C41A06F: FamilyESP32C2,
	0x2CE0806F: FamilyESP32C6,
}

// FamilyForMagic maps the magic register value to a chip family.
func FamilyForMagic(v uint32) (string, bool) {
	f, ok := chipMagic[v]
	return f, ok
}

// FamilyForPlatform maps a catalog platform to the chip family its ROM
// reports. The ESP8285 is an ESP8266 with in-package flash.
func FamilyForPlatform(platform string) string {
	p := strings.ToLower(platform)
	switch {
	case strings.HasPrefix(p, "esp82"):
		return FamilyESP8266
	case strings.HasPrefix(p, "esp32s"), strings.HasPrefix(p, "esp32c"):
		return p[:5] + "-" + p[5:]
	}
	return p
}

func checksum(data []byte) uint32 {
	c := byte(checksumSeed)
	for _, b := range data {
		c ^= b
	}
	return uint32(c)
}
