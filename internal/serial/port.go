package serial

import (
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// WatchInterval is how often an open port is checked for removal.
const WatchInterval = 500 * time.Millisecond

// ErrClosed is returned by I/O on a closed port.
var ErrClosed = errors.New("serial port closed")

// Port is an open serial connection to a device.
type Port struct {
	port serial.Port
	name string
	mode *serial.Mode

	mu     sync.Mutex
	closed bool
	gone   chan struct{}
	once   sync.Once
	done   chan struct{}
}

// Open opens name at baud with 8N1 framing and starts watching for the
// device to disappear.
func Open(name string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}

	p := &Port{
		port: port,
		name: name,
		mode: mode,
		gone: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.watch()
	return p, nil
}

// Name returns the device path.
func (p *Port) Name() string { return p.name }

// BaudRate returns the current line speed.
func (p *Port) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode.BaudRate
}

// Read reads available bytes, returning (0, nil) when the read timeout
// elapses without data.
func (p *Port) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err != nil {
		p.lost()
		if p.isClosed() {
			return n, ErrClosed
		}
	}
	return n, err
}

// Write sends b to the device.
func (p *Port) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	n, err := p.port.Write(b)
	if err != nil {
		p.lost()
	}
	return n, err
}

// SetBaudRate changes the line speed of the open port.
func (p *Port) SetBaudRate(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mode := *p.mode
	mode.BaudRate = baud
	if err := p.port.SetMode(&mode); err != nil {
		return err
	}
	p.mode = &mode
	return nil
}

// SetReadTimeout bounds each Read.
func (p *Port) SetReadTimeout(t time.Duration) error {
	return p.port.SetReadTimeout(t)
}

// SetDTR drives the DTR line.
func (p *Port) SetDTR(v bool) error {
	return p.port.SetDTR(v)
}

// SetRTS drives the RTS line.
func (p *Port) SetRTS(v bool) error {
	return p.port.SetRTS(v)
}

// ResetInputBuffer discards unread input.
func (p *Port) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

// Disconnected is closed when the device goes away or the port is closed.
func (p *Port) Disconnected() <-chan struct{} {
	return p.gone
}

// Close releases the port. It is safe to call more than once.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	err := p.port.Close()
	p.lost()
	return err
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) lost() {
	p.once.Do(func() { close(p.gone) })
}

// watch polls the modem lines; the driver fails the call once the USB
// device has been unplugged.
func (p *Port) watch() {
	ticker := time.NewTicker(WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if _, err := p.port.GetModemStatusBits(); err != nil {
				p.lost()
				return
			}
		}
	}
}
