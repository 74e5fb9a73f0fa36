// Package flasher defines the contract shared by the device flashing
// protocols and the helpers they use to talk to a port.
package flasher

import (
	"context"
	"strings"

	"github.com/buckleypaul/elrsflash/internal/artifact"
)

// Kind selects a flashing protocol family.
type Kind int

const (
	// BlockTransfer drives a vendor bootloader over framed, acknowledged blocks.
	BlockTransfer Kind = iota
	// ManufacturerFlasher drives the chip vendor's ROM loader.
	ManufacturerFlasher
)

func (k Kind) String() string {
	switch k {
	case BlockTransfer:
		return "block-transfer"
	case ManufacturerFlasher:
		return "manufacturer"
	}
	return "unknown"
}

// KindFor picks the protocol for a target platform.
func KindFor(platform string) Kind {
	if strings.HasPrefix(platform, "stm32") {
		return BlockTransfer
	}
	return ManufacturerFlasher
}

// Handshake describes the device found during Connect.
type Handshake struct {
	Family   string
	Identity string
	BaudRate int
	Stub     bool
}

// Progress reports bytes written within one image.
type Progress struct {
	Image   int
	Written int
	Total   int
}

// ProgressFunc receives progress after every block.
type ProgressFunc func(Progress)

// Protocol is implemented by each flashing protocol.
type Protocol interface {
	// Connect verifies the attached device. It returns *MismatchError when
	// the device is the right family but a different target, and
	// *WrongMCUError when the family itself differs.
	Connect(ctx context.Context) (Handshake, error)
	// Flash writes images in order. It stops at the next block boundary
	// once ctx is cancelled.
	Flash(ctx context.Context, images []artifact.Image, fullErase bool, progress ProgressFunc) error
	// PartialErase reports whether erase can be limited to written regions.
	PartialErase() bool
	// Close releases protocol state. The port is owned by the caller.
	Close() error
}

// EffectiveErase resolves the erase mode for a flash. A disallowed erase
// always wins; a protocol that cannot erase partially always erases fully.
func EffectiveErase(allowed, partial, requested bool) bool {
	switch {
	case !allowed:
		return false
	case !partial:
		return true
	}
	return requested
}
