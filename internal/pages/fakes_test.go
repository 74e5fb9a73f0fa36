package pages

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/build"
	"github.com/buckleypaul/elrsflash/internal/catalog"
	"github.com/buckleypaul/elrsflash/internal/device"
	"github.com/buckleypaul/elrsflash/internal/flasher"
	"github.com/buckleypaul/elrsflash/internal/resolver"
)

func testCatalog() *catalog.Catalog {
	cat := catalog.Empty("ExpressLRS")
	cat.Index.Tags = map[string]string{"3.4.0": "abc123", "3.5.0": "def456"}
	cat.Hardware = catalog.Hardware{
		"happymodel": {
			Name: "HappyModel",
			Bands: map[string]map[string]catalog.TargetConfig{
				"tx_2400": {
					"es24": {ProductName: "ES24TX", MinVersion: "3.0.0", Platform: "esp32", Firmware: "Unified_ESP32_2400_TX", UploadMethods: []string{"uart", "wifi", "etx", "betaflight"}},
				},
				"rx_2400": {
					"ep1": {ProductName: "EP1", MinVersion: "3.0.0", Platform: "esp8285", Firmware: "Unified_ESP8285_2400_RX", UploadMethods: []string{"uart", "wifi", "betaflight"}},
				},
			},
		},
		"frsky": {
			Name: "FrSky",
			Bands: map[string]map[string]catalog.TargetConfig{
				"rx_900": {
					"r9mm": {ProductName: "R9MM", MinVersion: "3.0.0", Platform: "stm32", UploadMethods: []string{"stock", "betaflight"}},
				},
			},
		},
	}
	return cat
}

// resolved returns choices for a complete selection in testCatalog.
func resolved(class, vendor, band, target, method string) resolver.Choices {
	return resolver.Resolve(resolver.Selection{
		Class:   class,
		Version: "3.5.0",
		Vendor:  vendor,
		Band:    band,
		Target:  target,
		Method:  method,
		Options: resolver.DefaultOptions(),
	}, testCatalog())
}

type fakeLoader struct {
	cat    *catalog.Catalog
	err    error
	loads  int
	purges int
}

func (f *fakeLoader) Load(ctx context.Context) (*catalog.Catalog, error) {
	f.loads++
	return f.cat, f.err
}

func (f *fakeLoader) Purge() { f.purges++ }

func (f *fakeLoader) LuaURL(version string) string {
	return "https://example.invalid/" + version + "/lua/elrsV3.lua"
}

type fakeBuildRunner struct {
	mu     sync.Mutex
	events []build.Event
	result build.Result
	err    error
	block  bool
	reqs   []build.Request
}

func (f *fakeBuildRunner) Run(ctx context.Context, req build.Request, events chan<- build.Event) (build.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	defer close(events)
	for _, e := range f.events {
		events <- e
	}
	if f.block {
		<-ctx.Done()
		return build.Result{State: build.StateCancelled, Reason: "build cancelled"}, nil
	}
	return f.result, f.err
}

func (f *fakeBuildRunner) requests() []build.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]build.Request(nil), f.reqs...)
}

type fakeSession struct {
	mu         sync.Mutex
	state      device.State
	connectErr error
	handshake  flasher.Handshake
	flashErr   error
	fullErase  bool
	targets    []device.Target
	flashes    []device.FlashOptions
	closes     int
}

func (f *fakeSession) State() device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Connect(ctx context.Context, target device.Target) (flasher.Handshake, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.state = device.State{Step: device.StepConnected, Target: target, Handshake: f.handshake}
	switch device.KindOf(f.connectErr) {
	case 0:
	case device.DeviceMismatch:
		f.state.Failed, f.state.Mismatch = true, true
	default:
		f.state = device.State{Step: device.StepIdle}
	}
	return f.handshake, f.connectErr
}

func (f *fakeSession) Flash(ctx context.Context, images []artifact.Image, opts device.FlashOptions, events chan<- device.Event) error {
	defer close(events)
	f.mu.Lock()
	f.flashes = append(f.flashes, opts)
	f.mu.Unlock()
	total := artifact.Size(images)
	erase := opts.FullErase || f.fullErase
	events <- device.Event{Step: device.StepTransferring, Total: total, Message: "Writing firmware", FullErase: erase}
	events <- device.Event{Step: device.StepTransferring, Written: total / 2, Total: total, Progress: 50, FullErase: erase}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flashErr != nil {
		f.state.Step = device.StepConnected
		f.state.Failed = true
		return f.flashErr
	}
	f.state = device.State{Step: device.StepDone}
	events <- device.Event{Step: device.StepDone, Written: total, Total: total, Progress: 100, FullErase: erase}
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = device.State{Step: device.StepIdle}
}

var errPortBusy = errors.New("port busy")

// pump runs cmd and feeds each resulting message back into page until no
// command is left. It returns every message seen.
func pump(page app.Page, cmd tea.Cmd) []tea.Msg {
	var msgs []tea.Msg
	for i := 0; cmd != nil && i < 100; i++ {
		msg := cmd()
		if msg == nil {
			break
		}
		msgs = append(msgs, msg)
		page, cmd = page.Update(msg)
	}
	return msgs
}

func findMsg[T any](msgs []tea.Msg) (T, bool) {
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}
