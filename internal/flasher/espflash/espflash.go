// Package espflash drives the serial ROM loader built into Espressif chips,
// optionally replacing it with an uploaded flasher stub.
package espflash

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/flasher"
)

const (
	DefaultTimeout     = 3 * time.Second
	DefaultSyncTimeout = 100 * time.Millisecond
	DefaultSyncRetries = 7
	DefaultResetDelay  = 50 * time.Millisecond
	DefaultFlashSize   = 4 << 20

	// ROMBaudRate is the speed the ROM loader syncs at.
	ROMBaudRate = 115200

	eraseTimeout = 120 * time.Second
)

var syncPayload = append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)

// Stub is a RAM-resident flasher uploaded over the ROM loader.
type Stub struct {
	Text      []byte
	TextStart uint32
	Data      []byte
	DataStart uint32
	Entry     uint32
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithStub uploads s after sync so flashing runs through the stub.
func WithStub(s *Stub) Option {
	return func(p *Protocol) { p.stub = s }
}

// WithBaudRate switches the link to baud once the loader is running.
func WithBaudRate(baud int) Option {
	return func(p *Protocol) { p.baud = baud }
}

// WithPreamble sets bytes written before syncing, used to put a flight
// controller or handset into serial passthrough.
func WithPreamble(b []byte) Option {
	return func(p *Protocol) { p.preamble = b }
}

// WithResetDelay sets how long the reset lines are held.
func WithResetDelay(d time.Duration) Option {
	return func(p *Protocol) { p.resetDelay = d }
}

// WithTimeout sets the per-command response timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithSync sets the number of sync attempts and the wait for each.
func WithSync(retries int, timeout time.Duration) Option {
	return func(p *Protocol) {
		if retries > 0 {
			p.syncRetries = retries
		}
		if timeout > 0 {
			p.syncTimeout = timeout
		}
	}
}

// WithFlashSize sets the region erased by a ROM-mode full erase.
func WithFlashSize(n uint32) Option {
	return func(p *Protocol) {
		if n > 0 {
			p.flashSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l flasher.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.logger = l
		}
	}
}

// Protocol implements flasher.Protocol over the Espressif ROM loader.
type Protocol struct {
	port        flasher.Port
	family      string
	stub        *Stub
	baud        int
	preamble    []byte
	resetDelay  time.Duration
	timeout     time.Duration
	syncRetries int
	syncTimeout time.Duration
	flashSize   uint32
	logger      flasher.Logger

	// closed is checked at block boundaries without holding mu.
	closed atomic.Bool

	mu        sync.Mutex
	pending   []byte
	connected bool
	stubbed   bool
}

// New creates a protocol for a device of the given catalog platform.
func New(port flasher.Port, platform string, opts ...Option) *Protocol {
	p := &Protocol{
		port:        port,
		family:      FamilyForPlatform(platform),
		resetDelay:  DefaultResetDelay,
		timeout:     DefaultTimeout,
		syncRetries: DefaultSyncRetries,
		syncTimeout: DefaultSyncTimeout,
		flashSize:   DefaultFlashSize,
		logger:      flasher.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PartialErase reports whether FLASH_BEGIN may erase only the sectors an
// image covers. The ESP8266 ROM loader miscalculates that region, so without
// the stub those chips are erased whole.
func (p *Protocol) PartialErase() bool {
	return p.family != FamilyESP8266 || p.stubbed
}

// Connect resets the chip into its loader, syncs, checks the chip family and
// prepares the link for flashing.
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
		p.logger.Debug("sending passthrough preamble")
		if _, err := p.port.Write(p.preamble); err != nil {
			return flasher.Handshake{}, fmt.Errorf("passthrough: %w", err)
		}
	} else if err := p.resetToLoader(ctx); err != nil {
		return flasher.Handshake{}, fmt.Errorf("reset: %w", err)
	}

	if err := p.sync(ctx); err != nil {
		return flasher.Handshake{}, err
	}

	magic, _, err := p.command(ctx, CmdReadReg, binary.LittleEndian.AppendUint32(nil, chipMagicRegister), 0, p.timeout)
	if err != nil {
		return flasher.Handshake{}, fmt.Errorf("read chip id: %w", err)
	}
	family, ok := FamilyForMagic(magic)
	if !ok {
		family = fmt.Sprintf("unknown (0x%08X)", magic)
	}
	hs := flasher.Handshake{Family: family, Identity: family, BaudRate: ROMBaudRate}
	p.logger.Info("chip detected", "family", family)
	if family != p.family {
		return hs, &flasher.WrongMCUError{Expected: p.family, Actual: family}
	}

	if p.stub != nil {
		if err := p.runStub(ctx); err != nil {
			return hs, &flasher.StubError{Err: err}
		}
		p.stubbed = true
		hs.Stub = true
	} else if family != FamilyESP8266 {
		if _, _, err := p.command(ctx, CmdSpiAttach, make([]byte, 8), 0, p.timeout); err != nil {
			return hs, fmt.Errorf("attach flash: %w", err)
		}
	}

	if p.baud > 0 && p.baud != ROMBaudRate {
		if err := p.changeBaud(ctx, p.baud); err != nil {
			return hs, err
		}
		hs.BaudRate = p.baud
	}
	p.connected = true
	return hs, nil
}

// Flash writes every image through FLASH_BEGIN / FLASH_DATA and finishes
// with FLASH_END, which reboots into the new firmware.
func (p *Protocol) Flash(ctx context.Context, images []artifact.Image, fullErase bool, progress flasher.ProgressFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return flasher.ErrClosed
	}
	if !p.connected {
		return errors.New("flash before connect")
	}

	if fullErase {
		if err := p.eraseAll(ctx); err != nil {
			return err
		}
	}

	for i, img := range images {
		if err := p.flashImage(ctx, i, img, progress); err != nil {
			return err
		}
	}

	if err := p.check(ctx, "flash end", CmdFlashEnd, binary.LittleEndian.AppendUint32(nil, 0), 0, p.timeout); err != nil {
		return err
	}
	p.connected = false
	return nil
}

// Close marks the protocol unusable. A Flash in progress stops at the next
// block boundary with flasher.ErrClosed. The port is left to its owner.
func (p *Protocol) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *Protocol) resetToLoader(ctx context.Context) error {
	mc, ok := p.port.(flasher.ModemControl)
	if !ok {
		return nil
	}
	steps := []struct{ dtr, rts bool }{
		{false, true}, // EN low
		{true, false}, // IO0 low, EN high
		{false, false},
	}
	for _, s := range steps {
		if err := mc.SetDTR(s.dtr); err != nil {
			return err
		}
		if err := mc.SetRTS(s.rts); err != nil {
			return err
		}
		if err := sleep(ctx, p.resetDelay); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) sync(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < p.syncRetries; attempt++ {
		flasher.Flush(p.port)
		p.pending = nil
		_, _, err := p.command(ctx, CmdSync, syncPayload, 0, p.syncTimeout)
		if err == nil {
			p.drain(ctx)
			p.logger.Debug("synced", "attempts", attempt+1)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
	}
	return fmt.Errorf("sync with loader: %w", lastErr)
}

// drain discards the extra responses the ROM sends for one sync.
func (p *Protocol) drain(ctx context.Context) {
	for {
		_, rest, err := flasher.ReadUntil(ctx, p.port, flasher.PollInterval, p.pending, slipFrameEnd)
		if err != nil {
			p.pending = nil
			return
		}
		p.pending = rest
	}
}

func (p *Protocol) runStub(ctx context.Context) error {
	p.logger.Info("uploading flasher stub")
	if err := p.memWrite(ctx, p.stub.Text, p.stub.TextStart); err != nil {
		return fmt.Errorf("text segment: %w", err)
	}
	if len(p.stub.Data) > 0 {
		if err := p.memWrite(ctx, p.stub.Data, p.stub.DataStart); err != nil {
			return fmt.Errorf("data segment: %w", err)
		}
	}
	var end []byte
	end = binary.LittleEndian.AppendUint32(end, 0)
	end = binary.LittleEndian.AppendUint32(end, p.stub.Entry)
	if err := p.check(ctx, "mem end", CmdMemEnd, end, 0, p.timeout); err != nil {
		return err
	}

	msg, rest, err := flasher.ReadUntil(ctx, p.port, p.timeout, p.pending, slipFrameEnd)
	p.pending = rest
	if err != nil {
		return fmt.Errorf("waiting for stub: %w", err)
	}
	hello, err := slipDecode(msg)
	if err != nil {
		return err
	}
	if string(hello) != "OHAI" {
		return fmt.Errorf("unexpected stub greeting %q", hello)
	}
	return nil
}

func (p *Protocol) memWrite(ctx context.Context, data []byte, addr uint32) error {
	blocks := (len(data) + ramBlockSize - 1) / ramBlockSize
	var begin []byte
	begin = binary.LittleEndian.AppendUint32(begin, uint32(len(data)))
	begin = binary.LittleEndian.AppendUint32(begin, uint32(blocks))
	begin = binary.LittleEndian.AppendUint32(begin, ramBlockSize)
	begin = binary.LittleEndian.AppendUint32(begin, addr)
	if err := p.check(ctx, "mem begin", CmdMemBegin, begin, 0, p.timeout); err != nil {
		return err
	}
	for seq := 0; seq < blocks; seq++ {
		start := seq * ramBlockSize
		end := min(start+ramBlockSize, len(data))
		chunk := data[start:end]
		if err := p.check(ctx, "mem data", CmdMemData, dataPacket(seq, chunk), checksum(chunk), p.timeout); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) changeBaud(ctx context.Context, baud int) error {
	prior := uint32(0)
	if p.stubbed {
		prior = ROMBaudRate
	}
	var payload []byte
	payload = binary.LittleEndian.AppendUint32(payload, uint32(baud))
	payload = binary.LittleEndian.AppendUint32(payload, prior)
	if err := p.check(ctx, "change baud", CmdChangeBaud, payload, 0, p.timeout); err != nil {
		return err
	}
	bs, ok := p.port.(flasher.BaudSetter)
	if !ok {
		return errors.New("port cannot change baud rate")
	}
	if err := bs.SetBaudRate(baud); err != nil {
		return fmt.Errorf("set baud rate: %w", err)
	}
	if err := sleep(ctx, flasher.PollInterval); err != nil {
		return err
	}
	flasher.Flush(p.port)
	p.pending = nil
	p.logger.Info("baud rate changed", "baud", baud)
	return nil
}

func (p *Protocol) eraseAll(ctx context.Context) error {
	p.logger.Info("erasing flash", "stub", p.stubbed)
	if p.stubbed {
		return p.check(ctx, "erase flash", CmdEraseFlash, nil, 0, eraseTimeout)
	}
	return p.check(ctx, "erase flash", CmdFlashBegin, p.flashBegin(p.flashSize, 0, 0), 0, eraseTimeout)
}

func (p *Protocol) flashImage(ctx context.Context, index int, img artifact.Image, progress flasher.ProgressFunc) error {
	total := len(img.Data)
	blocks := (total + FlashBlockSize - 1) / FlashBlockSize
	begin := p.flashBegin(uint32(total), uint32(blocks), img.Address)
	if err := p.check(ctx, fmt.Sprintf("flash begin 0x%08X", img.Address), CmdFlashBegin, begin, 0, p.eraseWait(total)); err != nil {
		return err
	}
	for seq := 0; seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.closed.Load() {
			return flasher.ErrClosed
		}
		start := seq * FlashBlockSize
		end := min(start+FlashBlockSize, total)
		block := make([]byte, FlashBlockSize)
		copy(block, img.Data[start:end])
		for i := end - start; i < FlashBlockSize; i++ {
			block[i] = 0xFF
		}
		op := fmt.Sprintf("flash data 0x%08X", img.Address+uint32(start))
		if err := p.check(ctx, op, CmdFlashData, dataPacket(seq, block), checksum(block), p.timeout); err != nil {
			return err
		}
		if progress != nil {
			progress(flasher.Progress{Image: index, Written: end, Total: total})
		}
	}
	return nil
}

func (p *Protocol) flashBegin(size, blocks, offset uint32) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, size)
	b = binary.LittleEndian.AppendUint32(b, blocks)
	b = binary.LittleEndian.AppendUint32(b, FlashBlockSize)
	b = binary.LittleEndian.AppendUint32(b, offset)
	if !p.stubbed && p.family != FamilyESP8266 && p.family != FamilyESP32 {
		b = binary.LittleEndian.AppendUint32(b, 0)
	}
	return b
}

// eraseWait scales the FLASH_BEGIN timeout with the region it erases.
func (p *Protocol) eraseWait(size int) time.Duration {
	perMB := 10 * time.Second
	d := time.Duration(size) * perMB / (1 << 20)
	return max(d, p.timeout)
}

func (p *Protocol) check(ctx context.Context, op string, cmd byte, data []byte, chk uint32, timeout time.Duration) error {
	if _, _, err := p.command(ctx, cmd, data, chk, timeout); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// command sends one request and waits for the matching response, returning
// the value field and any payload before the status bytes.
func (p *Protocol) command(ctx context.Context, cmd byte, data []byte, chk uint32, timeout time.Duration) (uint32, []byte, error) {
	req := make([]byte, 0, 8+len(data))
	req = append(req, dirRequest, cmd)
	req = binary.LittleEndian.AppendUint16(req, uint16(len(data)))
	req = binary.LittleEndian.AppendUint32(req, chk)
	req = append(req, data...)
	if _, err := p.port.Write(slipEncode(req)); err != nil {
		return 0, nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, flasher.ErrTimeout
		}
		msg, rest, err := flasher.ReadUntil(ctx, p.port, wait, p.pending, slipFrameEnd)
		p.pending = rest
		if err != nil {
			return 0, nil, err
		}
		resp, err := slipDecode(msg)
		if err != nil || len(resp) < 8 || resp[0] != dirResponse || resp[1] != cmd {
			continue
		}
		value := binary.LittleEndian.Uint32(resp[4:8])
		body := resp[8:]
		return value, body, responseStatus(cmd, body)
	}
}

// responseStatus reads the status and error bytes that end every response.
// Commands used here carry no other payload, so they lead the body for both
// the two-byte and the four-byte status layouts.
func responseStatus(cmd byte, body []byte) error {
	if len(body) < 2 {
		return &flasher.StatusError{Operation: fmt.Sprintf("command 0x%02X", cmd), Status: 0xFF, Detail: "missing status"}
	}
	if body[0] != 0 {
		return &flasher.StatusError{Operation: fmt.Sprintf("command 0x%02X", cmd), Status: body[1], Detail: ErrorMessage(body[1])}
	}
	return nil
}

func dataPacket(seq int, payload []byte) []byte {
	b := make([]byte, 0, 16+len(payload))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	b = binary.LittleEndian.AppendUint32(b, uint32(seq))
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 0)
	return append(b, payload...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ flasher.Protocol = (*Protocol)(nil)
