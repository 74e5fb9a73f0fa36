package device

import (
	"path/filepath"

	"github.com/buckleypaul/elrsflash/internal/flasher"
	"github.com/buckleypaul/elrsflash/internal/flasher/blocktransfer"
	"github.com/buckleypaul/elrsflash/internal/flasher/espflash"
	"github.com/buckleypaul/elrsflash/internal/resolver"
)

// Methods that reach the device through a flight controller or handset.
var passthroughMethods = map[string]bool{
	resolver.MethodBetaflight: true,
	resolver.MethodPassthru:   true,
	resolver.MethodETX:        true,
}

// SerialMethod reports whether method flashes through a serial port, either
// directly or through a passthrough bridge.
func SerialMethod(method string) bool {
	switch method {
	case resolver.MethodUART, resolver.MethodStock:
		return true
	}
	return passthroughMethods[method]
}

// ProtocolConfig holds link settings shared by both protocol variants.
type ProtocolConfig struct {
	// PassthroughBaud is the speed the flight controller bridges at.
	PassthroughBaud int
	// FlashBaud is the speed the ROM loader switches to after sync.
	FlashBaud int
	// Stub is uploaded to Espressif chips before flashing when set.
	Stub *espflash.Stub
	// SerialBaud is the block-transfer bootloader speed on a direct link.
	SerialBaud int
	// StubDir holds esptool flasher stubs, loaded per chip family when Stub
	// is nil.
	StubDir string
}

// OpenBaud is the speed the transport must open at for target.
func OpenBaud(target Target, cfg ProtocolConfig) int {
	switch {
	case passthroughMethods[target.Method]:
		return cfg.PassthroughBaud
	case flasher.KindFor(target.Platform) == flasher.BlockTransfer:
		return cfg.SerialBaud
	}
	return espflash.ROMBaudRate
}

// Factory builds the protocol for a target on an open port.
type Factory func(port flasher.Port, target Target, cfg ProtocolConfig) flasher.Protocol

// NewProtocol picks the variant by platform and configures it for the
// target's flash method.
func NewProtocol(port flasher.Port, target Target, cfg ProtocolConfig) flasher.Protocol {
	passthrough := passthroughMethods[target.Method]
	switch flasher.KindFor(target.Platform) {
	case flasher.BlockTransfer:
		opts := []blocktransfer.Option{
			blocktransfer.WithIdentity(target.Identity),
			blocktransfer.WithMethod(target.Method),
			blocktransfer.WithLogger(logger),
		}
		if passthrough {
			opts = append(opts, blocktransfer.WithPreamble(blocktransfer.PassthroughPreamble(cfg.PassthroughBaud)))
		}
		return blocktransfer.New(port, target.Platform, opts...)
	default:
		opts := []espflash.Option{
			espflash.WithLogger(logger),
			espflash.WithBaudRate(cfg.FlashBaud),
		}
		if passthrough {
			opts = append(opts, espflash.WithPreamble(blocktransfer.PassthroughPreamble(cfg.PassthroughBaud)))
		}
		if stub := stubFor(target.Platform, cfg); stub != nil {
			opts = append(opts, espflash.WithStub(stub))
		}
		return espflash.New(port, target.Platform, opts...)
	}
}

func stubFor(platform string, cfg ProtocolConfig) *espflash.Stub {
	if cfg.Stub != nil || cfg.StubDir == "" {
		return cfg.Stub
	}
	path := filepath.Join(cfg.StubDir, espflash.StubFile(espflash.FamilyForPlatform(platform)))
	stub, err := espflash.LoadStub(path)
	if err != nil {
		logger.Warn("flasher stub unavailable, using ROM loader", "path", path, "error", err)
		return nil
	}
	return stub
}
