package espflash

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/flasher"
)

type flashBegin struct {
	size, blocks, blockSize, offset uint32
}

// fakeROM answers SLIP requests the way the Espressif ROM loader and stub do.
type fakeROM struct {
	magic      uint32
	statusLen  int
	syncMisses int
	greeting   string
	silent     bool
	failCmd    byte
	failCode   byte

	in       []byte
	out      []byte
	raw      []byte
	commands []byte
	modem    []string
	baud     int

	begins    []flashBegin
	written   map[uint32][]byte
	curOffset uint32
	memBytes  int
	changeArg [2]uint32
	erased    int
	ended     bool
}

func newFakeROM(magic uint32, statusLen int) *fakeROM {
	return &fakeROM{magic: magic, statusLen: statusLen, written: make(map[uint32][]byte)}
}

func (f *fakeROM) Read(p []byte) (int, error) {
	if len(f.out) == 0 {
		return 0, nil
	}
	n := copy(p, f.out)
	f.out = f.out[n:]
	return n, nil
}

func (f *fakeROM) Write(p []byte) (int, error) {
	f.raw = append(f.raw, p...)
	f.in = append(f.in, p...)
	for {
		n := slipFrameEnd(f.in)
		if n == 0 {
			break
		}
		req, err := slipDecode(f.in[:n])
		f.in = f.in[n:]
		if err != nil || len(req) < 8 || req[0] != dirRequest {
			continue
		}
		f.handle(req[1], binary.LittleEndian.Uint32(req[4:8]), req[8:])
	}
	return len(p), nil
}

func (f *fakeROM) SetDTR(v bool) error {
	f.modem = append(f.modem, boolName("dtr", v))
	return nil
}

func (f *fakeROM) SetRTS(v bool) error {
	f.modem = append(f.modem, boolName("rts", v))
	return nil
}

func (f *fakeROM) SetBaudRate(baud int) error {
	f.baud = baud
	return nil
}

func boolName(name string, v bool) string {
	if v {
		return name + "+"
	}
	return name + "-"
}

func (f *fakeROM) respond(cmd byte, value uint32, status, code byte) {
	if f.silent {
		return
	}
	body := make([]byte, f.statusLen)
	body[0] = status
	body[1] = code
	resp := []byte{dirResponse, cmd}
	resp = binary.LittleEndian.AppendUint16(resp, uint16(len(body)))
	resp = binary.LittleEndian.AppendUint32(resp, value)
	resp = append(resp, body...)
	f.out = append(f.out, slipEncode(resp)...)
}

func (f *fakeROM) handle(cmd byte, chk uint32, data []byte) {
	f.commands = append(f.commands, cmd)
	if cmd == f.failCmd && cmd != 0 {
		f.respond(cmd, 0, 1, f.failCode)
		return
	}
	if cmd == CmdFlashData || cmd == CmdMemData {
		if checksum(data[16:]) != chk {
			f.respond(cmd, 0, 1, ErrInvalidCRC)
			return
		}
	}
	switch cmd {
	case CmdSync:
		if f.syncMisses > 0 {
			f.syncMisses--
			return
		}
		for i := 0; i < 3; i++ {
			f.respond(cmd, 0, 0, 0)
		}
	case CmdReadReg:
		f.respond(cmd, f.magic, 0, 0)
	case CmdMemData:
		f.memBytes += int(binary.LittleEndian.Uint32(data))
		f.respond(cmd, 0, 0, 0)
	case CmdMemEnd:
		f.respond(cmd, 0, 0, 0)
		if f.greeting != "" {
			f.statusLen = 2
			f.out = append(f.out, slipEncode([]byte(f.greeting))...)
		}
	case CmdChangeBaud:
		f.changeArg = [2]uint32{binary.LittleEndian.Uint32(data), binary.LittleEndian.Uint32(data[4:])}
		f.respond(cmd, 0, 0, 0)
	case CmdFlashBegin:
		b := flashBegin{
			size:      binary.LittleEndian.Uint32(data),
			blocks:    binary.LittleEndian.Uint32(data[4:]),
			blockSize: binary.LittleEndian.Uint32(data[8:]),
			offset:    binary.LittleEndian.Uint32(data[12:]),
		}
		f.begins = append(f.begins, b)
		f.curOffset = b.offset
		f.respond(cmd, 0, 0, 0)
	case CmdFlashData:
		seq := binary.LittleEndian.Uint32(data[4:])
		f.written[f.curOffset+seq*FlashBlockSize] = append([]byte(nil), data[16:]...)
		f.respond(cmd, 0, 0, 0)
	case CmdEraseFlash:
		f.erased++
		f.respond(cmd, 0, 0, 0)
	case CmdFlashEnd:
		f.ended = true
		f.respond(cmd, 0, 0, 0)
	default:
		f.respond(cmd, 0, 0, 0)
	}
}

func (f *fakeROM) count(cmd byte) int {
	n := 0
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

const (
	magicESP8266 = 0xFFF0C101
	magicESP32   = 0x00F01D83
	magicESP32S3 = 0x00000009
)

func testOptions(opts ...Option) []Option {
	base := []Option{WithResetDelay(0), WithSync(3, 20*time.Millisecond), WithTimeout(200 * time.Millisecond)}
	return append(base, opts...)
}

func fill(addr uint32, size int) artifact.Image {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return artifact.Image{Name: "firmware.bin", Address: addr, Data: data}
}

func TestConnectESP8285(t *testing.T) {
	f := newFakeROM(magicESP8266, 2)
	f.syncMisses = 2
	p := New(f, "esp8285", testOptions()...)

	hs, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if hs.Family != FamilyESP8266 || hs.Stub {
		t.Errorf("handshake = %+v", hs)
	}
	if f.count(CmdSync) != 3 {
		t.Errorf("sync attempts = %d, want 3", f.count(CmdSync))
	}
	if f.count(CmdSpiAttach) != 0 {
		t.Error("esp8266 ROM should not receive SPI attach")
	}
	if len(f.modem) == 0 {
		t.Error("reset lines were not toggled")
	}
}

func TestConnectPassthroughSkipsReset(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	p := New(f, "esp32", testOptions(WithPreamble([]byte("#\r\nserialpassthrough 0 420000\r\n")))...)

	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if len(f.modem) != 0 {
		t.Errorf("reset lines toggled during passthrough: %v", f.modem)
	}
	if !bytes.HasPrefix(f.raw, []byte("#\r\nserialpassthrough")) {
		t.Error("preamble not written first")
	}
	if f.count(CmdSpiAttach) != 1 {
		t.Errorf("SPI attach = %d, want 1", f.count(CmdSpiAttach))
	}
}

func TestConnectWrongMCU(t *testing.T) {
	f := newFakeROM(magicESP8266, 2)
	p := New(f, "esp32", testOptions()...)

	_, err := p.Connect(context.Background())
	var wrong *flasher.WrongMCUError
	if !errors.As(err, &wrong) {
		t.Fatalf("Connect() error = %v, want WrongMCUError", err)
	}
	if wrong.Expected != FamilyESP32 || wrong.Actual != FamilyESP8266 {
		t.Errorf("WrongMCUError = %+v", wrong)
	}
}

func TestConnectSyncTimeout(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	f.silent = true
	p := New(f, "esp32", testOptions(WithSync(2, 10*time.Millisecond))...)

	_, err := p.Connect(context.Background())
	if !errors.Is(err, flasher.ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
	if f.count(CmdSync) != 2 {
		t.Errorf("sync attempts = %d, want 2", f.count(CmdSync))
	}
}

func TestConnectWithStubAndBaud(t *testing.T) {
	f := newFakeROM(magicESP32S3, 4)
	f.greeting = "OHAI"
	stub := &Stub{Text: bytes.Repeat([]byte{0xAA}, 7000), TextStart: 0x40380000, Data: []byte{1, 2, 3}, DataStart: 0x3FC90000, Entry: 0x4038000C}
	p := New(f, "esp32s3", testOptions(WithStub(stub), WithBaudRate(921600))...)

	hs, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !hs.Stub || hs.BaudRate != 921600 || hs.Family != FamilyESP32S3 {
		t.Errorf("handshake = %+v", hs)
	}
	if f.memBytes != 7003 {
		t.Errorf("stub bytes uploaded = %d, want 7003", f.memBytes)
	}
	if f.count(CmdMemData) != 3 {
		t.Errorf("mem data blocks = %d, want 3", f.count(CmdMemData))
	}
	if f.changeArg != [2]uint32{921600, ROMBaudRate} {
		t.Errorf("change baud args = %v", f.changeArg)
	}
	if f.baud != 921600 {
		t.Errorf("port baud = %d, want 921600", f.baud)
	}
}

func TestConnectStubNoGreeting(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	p := New(f, "esp32", testOptions(WithStub(&Stub{Text: []byte{1, 2, 3, 4}, Entry: 1}), WithTimeout(30*time.Millisecond))...)

	_, err := p.Connect(context.Background())
	var se *flasher.StubError
	if !errors.As(err, &se) {
		t.Fatalf("Connect() error = %v, want StubError", err)
	}
	if !errors.Is(err, flasher.ErrTimeout) {
		t.Errorf("StubError should wrap the timeout, got %v", se.Err)
	}
}

func TestFlashImages(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	p := New(f, "esp32", testOptions()...)
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	images := []artifact.Image{fill(0x1000, 1500), fill(0x10000, 2048)}
	var reports []flasher.Progress
	err := p.Flash(context.Background(), images, false, func(pr flasher.Progress) {
		reports = append(reports, pr)
	})
	if err != nil {
		t.Fatalf("Flash() error = %v", err)
	}

	want := []flashBegin{
		{size: 1500, blocks: 2, blockSize: FlashBlockSize, offset: 0x1000},
		{size: 2048, blocks: 2, blockSize: FlashBlockSize, offset: 0x10000},
	}
	if len(f.begins) != len(want) {
		t.Fatalf("flash begins = %+v", f.begins)
	}
	for i := range want {
		if f.begins[i] != want[i] {
			t.Errorf("begin[%d] = %+v, want %+v", i, f.begins[i], want[i])
		}
	}

	first := append(append([]byte(nil), f.written[0x1000]...), f.written[0x1400]...)
	if !bytes.Equal(first[:1500], images[0].Data) {
		t.Error("first image not written intact")
	}
	for _, b := range first[1500:] {
		if b != 0xFF {
			t.Fatal("final block not padded with 0xFF")
		}
	}
	if !f.ended {
		t.Error("FLASH_END not sent")
	}
	if len(reports) != 4 || reports[3].Written != 2048 || reports[3].Image != 1 {
		t.Errorf("progress = %+v", reports)
	}
	if f.count(CmdEraseFlash) != 0 {
		t.Error("partial flash sent erase")
	}
}

func TestFullEraseWithStub(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	f.greeting = "OHAI"
	p := New(f, "esp32", testOptions(WithStub(&Stub{Text: []byte{1}, Entry: 1}))...)
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := p.Flash(context.Background(), []artifact.Image{fill(0, 100)}, true, nil); err != nil {
		t.Fatalf("Flash() error = %v", err)
	}
	if f.erased != 1 {
		t.Errorf("erase flash = %d, want 1", f.erased)
	}
}

func TestFullEraseROM(t *testing.T) {
	f := newFakeROM(magicESP8266, 2)
	p := New(f, "esp8285", testOptions(WithFlashSize(1<<20))...)
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := p.Flash(context.Background(), []artifact.Image{fill(0, 100)}, true, nil); err != nil {
		t.Fatalf("Flash() error = %v", err)
	}
	if len(f.begins) != 2 {
		t.Fatalf("flash begins = %+v", f.begins)
	}
	if f.begins[0].size != 1<<20 || f.begins[0].offset != 0 || f.begins[0].blocks != 0 {
		t.Errorf("erase begin = %+v", f.begins[0])
	}
}

func TestFlashStatusError(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	p := New(f, "esp32", testOptions()...)
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.failCmd = CmdFlashData
	f.failCode = ErrFlashWriteErr

	err := p.Flash(context.Background(), []artifact.Image{fill(0x1000, 100)}, false, nil)
	var se *flasher.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Flash() error = %v, want StatusError", err)
	}
	if se.Status != ErrFlashWriteErr {
		t.Errorf("status = 0x%02X", se.Status)
	}
	if f.ended {
		t.Error("FLASH_END sent after failure")
	}
}

func TestFlashCancel(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	p := New(f, "esp32", testOptions()...)
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := p.Flash(ctx, []artifact.Image{fill(0, 4096)}, false, func(flasher.Progress) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Flash() error = %v, want context.Canceled", err)
	}
	if f.count(CmdFlashData) != 1 {
		t.Errorf("blocks = %d, want 1", f.count(CmdFlashData))
	}
}

func TestCloseStopsFlash(t *testing.T) {
	f := newFakeROM(magicESP32, 4)
	p := New(f, "esp32", testOptions()...)
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- p.Flash(context.Background(), []artifact.Image{fill(0, 4096)}, false, func(flasher.Progress) {
			_ = p.Close()
		})
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, flasher.ErrClosed) {
			t.Fatalf("Flash() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() blocked on the running flash")
	}
	if f.count(CmdFlashData) != 1 {
		t.Errorf("blocks = %d, want 1", f.count(CmdFlashData))
	}
	if f.ended {
		t.Error("FLASH_END sent after close")
	}
}

func TestPartialEraseByFamily(t *testing.T) {
	rom := New(newFakeROM(magicESP8266, 2), "esp8285", testOptions()...)
	if _, err := rom.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if rom.PartialErase() {
		t.Error("esp8266 ROM loader should require a full erase")
	}

	f := newFakeROM(magicESP8266, 2)
	f.greeting = "OHAI"
	stubbed := New(f, "esp8285", testOptions(WithStub(&Stub{Text: []byte{1}, Entry: 1}))...)
	if _, err := stubbed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !stubbed.PartialErase() {
		t.Error("esp8266 through the stub should erase partially")
	}

	esp32 := New(newFakeROM(magicESP32, 4), "esp32", testOptions()...)
	if _, err := esp32.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !esp32.PartialErase() {
		t.Error("esp32 ROM loader should erase partially")
	}
}

func TestFlashBeforeConnect(t *testing.T) {
	p := New(newFakeROM(magicESP32, 4), "esp32", testOptions()...)
	if err := p.Flash(context.Background(), nil, false, nil); err == nil {
		t.Error("Flash() before Connect should fail")
	}
	_ = p.Close()
	if _, err := p.Connect(context.Background()); !errors.Is(err, flasher.ErrClosed) {
		t.Errorf("Connect() after Close = %v, want ErrClosed", err)
	}
}

func TestSlipRoundTrip(t *testing.T) {
	data := []byte{0x01, slipEnd, 0x02, slipEsc, 0x03}
	enc := slipEncode(data)
	if bytes.Count(enc, []byte{slipEnd}) != 2 {
		t.Errorf("encoded frame has unescaped delimiters: %x", enc)
	}

	stream := append([]byte{0x55, slipEnd, slipEnd}, enc...)
	n := slipFrameEnd(stream)
	if n != len(stream) {
		t.Fatalf("slipFrameEnd = %d, want %d", n, len(stream))
	}
	dec, err := slipDecode(stream[:n])
	if err != nil {
		t.Fatalf("slipDecode() error = %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Errorf("slipDecode() = %x, want %x", dec, data)
	}
	if slipFrameEnd(enc[:len(enc)-1]) != 0 {
		t.Error("partial frame reported complete")
	}
	if _, err := slipDecode([]byte{slipEnd, slipEsc, 0x00, slipEnd}); err == nil {
		t.Error("invalid escape accepted")
	}
}

func TestFamilyForPlatform(t *testing.T) {
	tests := map[string]string{
		"esp8285":  FamilyESP8266,
		"esp8266":  FamilyESP8266,
		"esp32":    FamilyESP32,
		"esp32s3":  FamilyESP32S3,
		"esp32-s3": FamilyESP32S3,
		"esp32c3":  FamilyESP32C3,
	}
	for platform, want := range tests {
		if got := FamilyForPlatform(platform); got != want {
			t.Errorf("FamilyForPlatform(%q) = %q, want %q", platform, got, want)
		}
	}
}
