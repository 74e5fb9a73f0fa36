package espflash

import (
	"bytes"
	"errors"
)

const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

var errBadEscape = errors.New("slip: invalid escape sequence")

func slipEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipFrameEnd returns the index just past the first non-empty frame in buf,
// or 0 when no complete frame is buffered.
func slipFrameEnd(buf []byte) int {
	start := bytes.IndexByte(buf, slipEnd)
	for start >= 0 {
		next := bytes.IndexByte(buf[start+1:], slipEnd)
		if next < 0 {
			return 0
		}
		if next == 0 {
			start++
			continue
		}
		return start + next + 2
	}
	return 0
}

// slipDecode unescapes the last frame in msg, which must end with a frame
// delimiter.
func slipDecode(msg []byte) ([]byte, error) {
	if len(msg) < 2 || msg[len(msg)-1] != slipEnd {
		return nil, errors.New("slip: incomplete frame")
	}
	end := len(msg) - 1
	start := bytes.LastIndexByte(msg[:end], slipEnd)
	body := msg[start+1 : end]
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != slipEsc {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(body) {
			return nil, errBadEscape
		}
		switch body[i] {
		case slipEscEnd:
			out = append(out, slipEnd)
		case slipEscEsc:
			out = append(out, slipEsc)
		default:
			return nil, errBadEscape
		}
	}
	return out, nil
}
