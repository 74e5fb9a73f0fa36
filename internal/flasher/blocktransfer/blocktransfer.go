// Package blocktransfer flashes microcontrollers through a vendor bootloader
// that accepts fixed-size, individually acknowledged blocks.
package blocktransfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/flasher"
)

const (
	DefaultBlockSize = 1024
	DefaultPageSize  = 2048
	DefaultTimeout   = 2 * time.Second
	eraseAllTimeout  = 30 * time.Second
)

// Methods whose bootloader only supports whole-chip erase.
var fullEraseOnly = map[string]bool{
	"stock": true,
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithIdentity sets the firmware identity the device must report.
func WithIdentity(identity string) Option {
	return func(p *Protocol) { p.identity = identity }
}

// WithMethod records the flash method in use.
func WithMethod(method string) Option {
	return func(p *Protocol) { p.method = method }
}

// WithBlockSize sets the transfer block size.
func WithBlockSize(n int) Option {
	return func(p *Protocol) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithPageSize sets the erase granularity.
func WithPageSize(n int) Option {
	return func(p *Protocol) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithTimeout sets the per-command response timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPreamble sets bytes written before entering the bootloader, used to
// put a flight controller into serial passthrough.
func WithPreamble(b []byte) Option {
	return func(p *Protocol) { p.preamble = b }
}

// WithLogger sets the logger.
func WithLogger(l flasher.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.logger = l
		}
	}
}

// PassthroughPreamble returns the CLI commands that bridge a flight
// controller UART to the receiver at baud.
func PassthroughPreamble(baud int) []byte {
	return []byte(fmt.Sprintf("#\r\nserialpassthrough 0 %d\r\n", baud))
}

// Protocol implements flasher.Protocol for block-transfer bootloaders.
type Protocol struct {
	port      flasher.Port
	platform  string
	identity  string
	method    string
	blockSize int
	pageSize  int
	timeout   time.Duration
	preamble  []byte
	logger    flasher.Logger

	// closed is checked at block boundaries without holding mu.
	closed atomic.Bool

	mu        sync.Mutex
	pending   []byte
	connected bool
}

// New creates a protocol for a device expected to report platform as its
// family.
func New(port flasher.Port, platform string, opts ...Option) *Protocol {
	p := &Protocol{
		port:      port,
		platform:  platform,
		blockSize: DefaultBlockSize,
		pageSize:  DefaultPageSize,
		timeout:   DefaultTimeout,
		logger:    flasher.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PartialErase reports whether the bootloader can erase single pages.
func (p *Protocol) PartialErase() bool {
	return !fullEraseOnly[p.method]
}

// Connect enters the bootloader and checks the device identity.
func (p *Protocol) Connect(ctx context.Context) (flasher.Handshake, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return flasher.Handshake{}, flasher.ErrClosed
	}
	if err := flasher.PreparePort(p.port); err != nil {
		return flasher.Handshake{}, fmt.Errorf("configure port: %w", err)
	}
	if len(p.preamble) > 0 {
		p.logger.Debug("sending passthrough preamble", "method", p.method)
		if _, err := p.port.Write(p.preamble); err != nil {
			return flasher.Handshake{}, fmt.Errorf("passthrough: %w", err)
		}
	}
	flasher.Flush(p.port)
	p.pending = nil

	status, data, err := p.command(ctx, CmdEnter, nil, p.timeout)
	if err != nil {
		return flasher.Handshake{}, fmt.Errorf("enter bootloader: %w", err)
	}
	if status != StatusSuccess {
		return flasher.Handshake{}, &flasher.StatusError{Operation: "enter bootloader", Status: status, Detail: StatusName(status)}
	}
	family, name, err := parseIdentity(data)
	if err != nil {
		return flasher.Handshake{}, err
	}
	hs := flasher.Handshake{Family: family, Identity: name}
	p.logger.Info("bootloader entered", "family", family, "identity", name)

	if !strings.EqualFold(family, p.platform) {
		return hs, &flasher.WrongMCUError{Expected: p.platform, Actual: family}
	}
	p.connected = true
	if p.identity != "" && name != p.identity {
		return hs, &flasher.MismatchError{Expected: p.identity, Actual: name}
	}
	return hs, nil
}

// Flash writes every image block by block, erasing pages as it goes unless
// fullErase requested a single erase up front.
func (p *Protocol) Flash(ctx context.Context, images []artifact.Image, fullErase bool, progress flasher.ProgressFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return flasher.ErrClosed
	}
	if !p.connected {
		return errors.New("flash before connect")
	}
	if !fullErase && !p.PartialErase() {
		fullErase = true
	}

	if fullErase {
		p.logger.Info("erasing flash")
		if err := p.expectSuccess(ctx, "erase all", CmdEraseAll, nil, eraseAllTimeout); err != nil {
			return err
		}
	}

	erased := make(map[uint32]bool)
	for i, img := range images {
		total := len(img.Data)
		for off := 0; off < total; off += p.blockSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if p.closed.Load() {
				return flasher.ErrClosed
			}
			end := off + p.blockSize
			if end > total {
				end = total
			}
			addr := img.Address + uint32(off)
			if !fullErase {
				if err := p.erasePages(ctx, addr, uint32(end-off), erased); err != nil {
					return err
				}
			}
			if err := p.writeBlock(ctx, addr, img.Data[off:end]); err != nil {
				return err
			}
			if progress != nil {
				progress(flasher.Progress{Image: i, Written: end, Total: total})
			}
		}
	}

	if err := p.expectSuccess(ctx, "exit bootloader", CmdExit, nil, p.timeout); err != nil {
		return err
	}
	p.connected = false
	return nil
}

// Close marks the protocol unusable. A Flash in progress stops at the next
// block boundary with flasher.ErrClosed. The bootloader stays active so a
// later Connect can retry an interrupted transfer.
func (p *Protocol) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *Protocol) erasePages(ctx context.Context, addr, n uint32, erased map[uint32]bool) error {
	size := uint32(p.pageSize)
	for page := addr / size * size; page < addr+n; page += size {
		if erased[page] {
			continue
		}
		payload := binary.LittleEndian.AppendUint32(nil, page)
		if err := p.expectSuccess(ctx, fmt.Sprintf("erase page 0x%08X", page), CmdErasePage, payload, p.timeout); err != nil {
			return err
		}
		erased[page] = true
	}
	return nil
}

// writeBlock sends one block, retransmitting exactly once on a negative
// acknowledgement.
func (p *Protocol) writeBlock(ctx context.Context, addr uint32, data []byte) error {
	payload := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(data)), addr)
	payload = append(payload, data...)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		status, _, err := p.command(ctx, CmdWriteBlock, payload, p.timeout)
		var fe *FrameError
		switch {
		case err == nil && status == StatusSuccess:
			return nil
		case err == nil:
			lastErr = &flasher.StatusError{Operation: fmt.Sprintf("write block 0x%08X", addr), Status: status, Detail: StatusName(status)}
		case errors.As(err, &fe):
			lastErr = err
		default:
			return err
		}
		if attempt == 0 {
			p.logger.Debug("retransmitting block", "address", addr, "error", lastErr)
		}
	}
	return lastErr
}

func (p *Protocol) expectSuccess(ctx context.Context, op string, cmd byte, payload []byte, timeout time.Duration) error {
	status, _, err := p.command(ctx, cmd, payload, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if status != StatusSuccess {
		return &flasher.StatusError{Operation: op, Status: status, Detail: StatusName(status)}
	}
	return nil
}

func (p *Protocol) command(ctx context.Context, cmd byte, payload []byte, timeout time.Duration) (byte, []byte, error) {
	if _, err := p.port.Write(BuildFrame(cmd, payload)); err != nil {
		return 0, nil, err
	}
	frame, rest, err := flasher.ReadUntil(ctx, p.port, timeout, p.pending, frameEnd)
	p.pending = rest
	if err != nil {
		return 0, nil, err
	}
	return ParseFrame(frame)
}

// parseIdentity decodes [familyLen][family][name].
func parseIdentity(data []byte) (string, string, error) {
	if len(data) < 1 || len(data) < 1+int(data[0]) {
		return "", "", &FrameError{Reason: "short identity payload"}
	}
	n := int(data[0])
	return string(data[1 : 1+n]), strings.TrimRight(string(data[1+n:]), "\x00"), nil
}

var _ flasher.Protocol = (*Protocol)(nil)
