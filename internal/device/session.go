// Package device owns the connection to one physical device and drives a
// flashing protocol through connect, flash and close.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/flasher"
	"github.com/buckleypaul/elrsflash/internal/resolver"
)

var logger = slog.Default()

// InitLogger sets the package logger.
func InitLogger(l *slog.Logger) {
	logger = l
}

// Step is the session's position in its lifecycle. It only moves forward
// until the session is closed.
type Step int

const (
	StepIdle Step = iota + 1
	StepConnected
	StepTransferring
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepConnected:
		return "connected"
	case StepTransferring:
		return "transferring"
	case StepDone:
		return "done"
	}
	return "unknown"
}

// Transport is an exclusively owned link to the device.
type Transport interface {
	flasher.Port
	io.Closer
	// Disconnected is closed when the device goes away.
	Disconnected() <-chan struct{}
}

// Opener acquires a transport from the host.
type Opener interface {
	Open(ctx context.Context, target Target) (Transport, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, target Target) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, target Target) (Transport, error) {
	return f(ctx, target)
}

// Target is what the session needs to know about the selected hardware.
type Target struct {
	Name       string
	Platform   string
	Method     string
	Identity   string
	AllowErase bool
}

// TargetFor builds a Target from resolved choices.
func TargetFor(c resolver.Choices) (Target, error) {
	if c.Target == nil || c.Selection.Method == "" {
		return Target{}, &Error{Kind: SelectionIncomplete, Err: resolver.ErrSelectionIncomplete}
	}
	if !SerialMethod(c.Selection.Method) {
		return Target{}, unsupported(c.Selection.Method)
	}
	cfg := c.Target.Config
	identity := cfg.Firmware
	if identity == "" {
		identity = cfg.ProductName
	}
	return Target{
		Name:       cfg.ProductName,
		Platform:   cfg.Platform,
		Method:     c.Selection.Method,
		Identity:   identity,
		AllowErase: c.AllowErase,
	}, nil
}

// FlashOptions are the operator's choices for one flash.
type FlashOptions struct {
	FullErase bool
	// Force flashes a device whose identity did not match the target.
	Force bool
}

// Event reports session progress. Written and Total are cumulative across
// all images.
type Event struct {
	Step     Step
	Image    int
	Written  int
	Total    int
	Progress int
	Message  string
	// FullErase is the erase mode actually used, after platform and
	// method rules were applied to the request.
	FullErase bool
}

// State is a snapshot of the session.
type State struct {
	Step      Step
	Failed    bool
	Mismatch  bool
	Target    Target
	Handshake flasher.Handshake
}

// Option configures a Session.
type Option func(*Session)

// WithFactory replaces the protocol constructor.
func WithFactory(f Factory) Option {
	return func(s *Session) { s.factory = f }
}

// WithProtocolConfig sets link settings passed to each protocol.
func WithProtocolConfig(cfg ProtocolConfig) Option {
	return func(s *Session) { s.config = cfg }
}

// Session is the single device connection. The zero value is not usable;
// construct with NewSession.
type Session struct {
	opener  Opener
	factory Factory
	config  ProtocolConfig

	mu        sync.Mutex
	step      Step
	failed    bool
	mismatch  bool
	busy      bool
	gen       uint64
	target    Target
	handshake flasher.Handshake
	transport Transport
	protocol  flasher.Protocol
	cancel    context.CancelFunc
	flashDone chan struct{}
}

// NewSession creates an idle session that acquires transports from opener.
func NewSession(opener Opener, opts ...Option) *Session {
	s := &Session{
		opener:  opener,
		factory: NewProtocol,
		step:    StepIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Step:      s.step,
		Failed:    s.failed,
		Mismatch:  s.mismatch,
		Target:    s.target,
		Handshake: s.handshake,
	}
}

// Connect tears down any previous connection, opens a transport and runs the
// protocol handshake for target. A *Error of kind DeviceMismatch leaves the
// session connected so the operator can force the flash.
func (s *Session) Connect(ctx context.Context, target Target) (flasher.Handshake, error) {
	if target.Platform == "" || target.Method == "" {
		return flasher.Handshake{}, &Error{Kind: SelectionIncomplete, Err: resolver.ErrSelectionIncomplete}
	}
	if !SerialMethod(target.Method) {
		return flasher.Handshake{}, unsupported(target.Method)
	}
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return flasher.Handshake{}, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	s.Close()

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	transport, err := s.opener.Open(ctx, target)
	if err != nil {
		logger.Error("open transport failed", "error", err)
		return flasher.Handshake{}, &Error{Kind: TransportFault, Err: err}
	}

	proto := s.factory(transport, target, s.config)
	logger.Info("connecting", "target", target.Name, "platform", target.Platform, "method", target.Method, "protocol", flasher.KindFor(target.Platform))
	hs, err := proto.Connect(ctx)

	var (
		mismatch *flasher.MismatchError
		wrong    *flasher.WrongMCUError
	)
	switch {
	case err == nil, errors.As(err, &mismatch):
	case errors.As(err, &wrong):
		release(proto, transport)
		logger.Error("wrong device family", "expected", wrong.Expected, "actual", wrong.Actual)
		return hs, &Error{Kind: WrongDeviceFamily, Err: err}
	default:
		release(proto, transport)
		logger.Error("handshake failed", "error", err)
		return hs, &Error{Kind: TransportFault, Err: err}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		release(proto, transport)
		return hs, &Error{Kind: TransportFault, Err: ErrClosed}
	}
	s.gen++
	gen = s.gen
	s.step = StepConnected
	s.target = target
	s.handshake = hs
	s.transport = transport
	s.protocol = proto
	s.mismatch = mismatch != nil
	s.failed = mismatch != nil
	s.mu.Unlock()

	go s.watch(gen, transport.Disconnected())

	if mismatch != nil {
		logger.Info("device mismatch", "expected", mismatch.Expected, "actual", mismatch.Actual)
		return hs, &Error{Kind: DeviceMismatch, Err: err}
	}
	logger.Info("connected", "family", hs.Family, "identity", hs.Identity, "baud", hs.BaudRate, "stub", hs.Stub)
	return hs, nil
}

// Flash writes images to the connected device, sending progress on events
// and closing it before returning. events may be nil; otherwise the caller
// must drain it. On success the protocol and transport are released and the
// session is done.
func (s *Session) Flash(ctx context.Context, images []artifact.Image, opts FlashOptions, events chan<- Event) error {
	if events != nil {
		defer close(events)
	}

	s.mu.Lock()
	switch {
	case s.busy:
		s.mu.Unlock()
		return ErrBusy
	case s.step != StepConnected:
		s.mu.Unlock()
		return ErrNotConnected
	case s.mismatch && !opts.Force:
		s.mu.Unlock()
		return &Error{Kind: DeviceMismatch, Err: errors.New("flash not forced")}
	}
	if len(images) == 0 {
		s.mu.Unlock()
		return &Error{Kind: TransferFault, Err: artifact.ErrNoImages}
	}
	flashCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.busy = true
	s.step = StepTransferring
	s.failed = false
	s.cancel = cancel
	s.flashDone = done
	gen := s.gen
	proto := s.protocol
	target := s.target
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	erase := flasher.EffectiveErase(target.AllowErase, proto.PartialErase(), opts.FullErase)
	total := 0
	offsets := make([]int, len(images))
	for i, img := range images {
		offsets[i] = total
		total += img.Size()
	}
	logger.Info("flashing", "images", len(images), "bytes", total, "full_erase", erase)

	emit := func(ev Event) {
		if events == nil {
			return
		}
		ev.FullErase = erase
		select {
		case events <- ev:
		case <-flashCtx.Done():
		}
	}
	emit(Event{Step: StepTransferring, Total: total, Message: eraseMessage(erase)})

	last := 0
	err := proto.Flash(flashCtx, images, erase, func(p flasher.Progress) {
		written := offsets[p.Image] + p.Written
		pct := 0
		if total > 0 {
			pct = written * 100 / total
		}
		pct = min(max(pct, last), 99)
		last = pct
		emit(Event{Step: StepTransferring, Image: p.Image, Written: written, Total: total, Progress: pct})
	})

	s.mu.Lock()
	s.busy = false
	s.cancel = nil
	s.flashDone = nil
	if s.gen != gen {
		s.mu.Unlock()
		logger.Info("flash stopped by close", "error", err)
		return &Error{Kind: TransferFault, Err: ErrClosed}
	}
	if err != nil {
		s.step = StepConnected
		s.failed = true
		s.mu.Unlock()
		logger.Error("flash failed", "error", err)
		return &Error{Kind: TransferFault, Err: err}
	}
	s.gen++
	s.step = StepDone
	transport := s.transport
	s.protocol = nil
	s.transport = nil
	s.mu.Unlock()

	release(proto, transport)
	logger.Info("flash complete", "bytes", total)
	emit(Event{Step: StepDone, Image: len(images) - 1, Written: total, Total: total, Progress: 100, Message: "Flashing complete"})
	return nil
}

// Close cancels any flash in progress, waits for it to stop at a block
// boundary, releases the device and returns the session to idle. It is safe
// to call at any time and any number of times.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	cancel, done := s.cancel, s.flashDone
	proto, transport := s.protocol, s.transport
	s.protocol, s.transport = nil, nil
	s.cancel, s.flashDone = nil, nil
	s.step = StepIdle
	s.failed = false
	s.mismatch = false
	s.target = Target{}
	s.handshake = flasher.Handshake{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	release(proto, transport)
}

// watch closes the session when the transport reports a disconnect, unless
// the session has moved on to another generation.
func (s *Session) watch(gen uint64, disconnected <-chan struct{}) {
	if disconnected == nil {
		return
	}
	<-disconnected
	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if current {
		logger.Info("device disconnected")
		s.Close()
	}
}

func unsupported(method string) *Error {
	return &Error{Kind: UnsupportedMethod, Err: fmt.Errorf("%s: %w", method, ErrNoSerialProtocol)}
}

func release(proto flasher.Protocol, transport Transport) {
	if proto != nil {
		if err := proto.Close(); err != nil {
			logger.Debug("protocol close", "error", err)
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			logger.Debug("transport close", "error", err)
		}
	}
}

func eraseMessage(full bool) string {
	if full {
		return "Erasing and writing firmware"
	}
	return "Writing firmware"
}
