package flasher

import (
	"context"
	"io"
	"time"
)

// Port is the byte stream a protocol drives. Read may return (0, nil) when
// no data arrived within the port's read timeout.
type Port interface {
	io.ReadWriter
}

// ReadTimeouter is implemented by ports with a configurable read timeout.
type ReadTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// BaudSetter is implemented by ports whose speed can change after open.
type BaudSetter interface {
	SetBaudRate(baud int) error
}

// ModemControl is implemented by ports that expose DTR and RTS lines.
type ModemControl interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// InputFlusher is implemented by ports that can discard pending input.
type InputFlusher interface {
	ResetInputBuffer() error
}

// Logger matches the structured methods of *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

// PollInterval bounds each blocking read so deadlines and cancellation are
// observed.
const PollInterval = 50 * time.Millisecond

// PreparePort sets a short read timeout when the port supports it.
func PreparePort(p Port) error {
	if rt, ok := p.(ReadTimeouter); ok {
		return rt.SetReadTimeout(PollInterval)
	}
	return nil
}

// Flush discards pending input when the port supports it.
func Flush(p Port) {
	if f, ok := p.(InputFlusher); ok {
		_ = f.ResetInputBuffer()
	}
}

// ReadUntil reads from p into buf until done reports a complete message,
// the timeout elapses or ctx is cancelled. done receives everything read so
// far and returns how many bytes form the message, or 0 to keep reading.
func ReadUntil(ctx context.Context, p Port, timeout time.Duration, buf []byte, done func([]byte) int) ([]byte, []byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)
	for {
		if n := done(buf); n > 0 {
			return buf[:n], buf[n:], nil
		}
		if err := ctx.Err(); err != nil {
			return nil, buf, err
		}
		if time.Now().After(deadline) {
			return nil, buf, ErrTimeout
		}
		n, err := p.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, buf, err
		}
	}
}
