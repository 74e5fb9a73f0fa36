package pages

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/catalog"
	"github.com/buckleypaul/elrsflash/internal/config"
	"github.com/buckleypaul/elrsflash/internal/resolver"
)

func loadedFirmwarePage(t *testing.T) (*FirmwarePage, *fakeLoader, *config.Config, string) {
	t.Helper()
	cfg := config.Defaults()
	root := t.TempDir()
	loader := &fakeLoader{cat: testCatalog()}
	p := NewFirmwarePage(loader, &cfg, root)
	msgs := pump(p, p.Init())
	if _, ok := findMsg[app.SelectionChangedMsg](msgs); !ok {
		t.Fatalf("expected SelectionChangedMsg after load, got %v", msgs)
	}
	return p, loader, &cfg, root
}

func pick(p *FirmwarePage, purpose, value string) []tea.Msg {
	_, cmd := p.Update(app.PickerSelectedMsg{Purpose: purpose, Value: value})
	return pump(p, cmd)
}

func TestFirmwareLoadDefaultsToNewestRelease(t *testing.T) {
	p, loader, _, _ := loadedFirmwarePage(t)

	if loader.loads != 1 {
		t.Fatalf("expected 1 catalog load, got %d", loader.loads)
	}
	c := p.Choices()
	if c.Selection.Class != catalog.ClassTransmitter {
		t.Errorf("expected default class tx, got %q", c.Selection.Class)
	}
	if c.Selection.Version != "3.5.0" {
		t.Errorf("expected version 3.5.0, got %q", c.Selection.Version)
	}
	if len(c.Vendors) != 1 || c.Vendors[0].Value != "happymodel" {
		t.Errorf("expected only happymodel for tx, got %v", c.Vendors)
	}
}

func TestFirmwarePicksResolveDownstream(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)

	pick(p, pickVendor, "happymodel")
	c := p.Choices()
	if c.Selection.Band != "tx_2400" {
		t.Fatalf("expected the only band to be picked, got %q", c.Selection.Band)
	}

	msgs := pick(p, pickTarget, "es24")
	changed, ok := findMsg[app.SelectionChangedMsg](msgs)
	if !ok {
		t.Fatal("expected SelectionChangedMsg after picking target")
	}
	if changed.Choices.Target == nil || changed.Choices.Target.ID != "es24" {
		t.Fatalf("expected es24 target, got %+v", changed.Choices.Target)
	}
	if changed.Choices.Selection.Method != resolver.MethodDownload {
		t.Errorf("expected default method download, got %q", changed.Choices.Selection.Method)
	}

	pick(p, pickMethod, resolver.MethodUART)
	if p.Choices().Selection.Method != resolver.MethodUART {
		t.Errorf("expected uart method, got %q", p.Choices().Selection.Method)
	}
	if !strings.Contains(p.View(), "def456") {
		t.Error("expected artifact id in target panel")
	}
}

func TestFirmwareIgnoresOtherPickers(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)

	_, cmd := p.Update(app.PickerSelectedMsg{Purpose: pickPort, Value: "/dev/ttyUSB0"})
	if cmd != nil {
		t.Fatal("expected no command for a foreign picker")
	}
}

func TestFirmwareClassToggleSavesConfig(t *testing.T) {
	p, _, cfg, root := loadedFirmwarePage(t)

	p.focused = fwFieldClass
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	pump(p, cmd)

	if p.Choices().Selection.Class != catalog.ClassReceiver {
		t.Fatalf("expected rx after toggle, got %q", p.Choices().Selection.Class)
	}
	if cfg.LastClass != catalog.ClassReceiver {
		t.Fatalf("expected LastClass rx, got %q", cfg.LastClass)
	}
	if _, err := os.Stat(filepath.Join(root, config.DirName, "config.json")); err != nil {
		t.Fatalf("expected saved config: %v", err)
	}
}

func TestFirmwareBindPhraseSetsUID(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)
	pick(p, pickVendor, "happymodel")
	pick(p, pickTarget, "es24")

	p.focused = fwFieldPhrase
	p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if !p.InputCaptured() {
		t.Fatal("expected input captured while editing the bind phrase")
	}
	p.input.SetValue("my phrase")
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	pump(p, cmd)

	if p.InputCaptured() {
		t.Fatal("expected editing to end after enter")
	}
	want := resolver.UIDFromPhrase("my phrase")
	if got := p.Choices().Selection.Options.UID; !bytes.Equal(got, want) {
		t.Fatalf("expected UID %x, got %x", want, got)
	}
}

func TestFirmwareTransmitterHigherPower(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)
	pick(p, pickVendor, "happymodel")
	pick(p, pickTarget, "es24")

	if p.visible(fwFieldUARTBaud) || !p.visible(fwFieldPower) {
		t.Fatal("expected only transmitter tuning for a transmitter")
	}
	p.focused = fwFieldPower
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	changed, ok := findMsg[app.SelectionChangedMsg](pump(p, cmd))
	if !ok || !changed.Choices.Selection.Options.TX.HigherPower {
		t.Fatalf("expected higher power broadcast, got %+v", changed)
	}
}

func TestFirmwareReceiverUARTBaud(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)
	p.focused = fwFieldClass
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	pump(p, cmd)
	pick(p, pickVendor, "frsky")
	pick(p, pickTarget, "r9mm")

	if p.visible(fwFieldPower) || !p.visible(fwFieldUARTBaud) {
		t.Fatal("expected only receiver tuning for a receiver")
	}
	p.focused = fwFieldUARTBaud
	p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if p.input.Value() != "420000" {
		t.Fatalf("expected default baud in editor, got %q", p.input.Value())
	}
	p.input.SetValue("fast")
	p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if p.Choices().Selection.Options.RX.UARTBaud != 420000 {
		t.Fatal("expected invalid baud rejected")
	}

	p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	p.input.SetValue("115200")
	_, cmd = p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	pump(p, cmd)
	if got := p.Choices().Selection.Options.RX.UARTBaud; got != 115200 {
		t.Fatalf("expected UART baud 115200, got %d", got)
	}
}

func TestFirmwareHiddenFieldsAreSkipped(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)

	p.focused = fwFieldMethod
	p.Update(tea.KeyMsg{Type: tea.KeyDown})
	if p.focused != fwFieldMethod {
		t.Fatalf("expected focus to stay on method without a target, got %d", p.focused)
	}

	pick(p, pickVendor, "happymodel")
	pick(p, pickTarget, "es24")
	p.Update(tea.KeyMsg{Type: tea.KeyDown})
	if p.focused != fwFieldPhrase {
		t.Fatalf("expected bind phrase after method, got %d", p.focused)
	}
	p.Update(tea.KeyMsg{Type: tea.KeyDown})
	if p.focused != fwFieldRegion {
		t.Fatalf("expected region for a 2.4GHz band, got %d", p.focused)
	}
	p.Update(tea.KeyMsg{Type: tea.KeyDown})
	if p.focused != fwFieldSSID {
		t.Fatalf("expected domain skipped and wifi ssid next, got %d", p.focused)
	}
}

func TestFirmwareCatalogUnavailable(t *testing.T) {
	cfg := config.Defaults()
	loader := &fakeLoader{cat: catalog.Empty("ExpressLRS"), err: errors.New("offline")}
	p := NewFirmwarePage(loader, &cfg, t.TempDir())
	pump(p, p.Init())

	if len(p.Choices().Versions) != 0 {
		t.Fatalf("expected no versions, got %v", p.Choices().Versions)
	}
	if !strings.Contains(p.message, "offline") {
		t.Fatalf("expected error message, got %q", p.message)
	}
}

func TestFirmwareReloadPurgesCache(t *testing.T) {
	p, loader, _, _ := loadedFirmwarePage(t)

	_, cmd := p.Update(runes("r"))
	pump(p, cmd)
	if loader.purges != 1 || loader.loads != 2 {
		t.Fatalf("expected purge and reload, got purges=%d loads=%d", loader.purges, loader.loads)
	}
}

func TestFirmwareOpenPickerCarriesChoices(t *testing.T) {
	p, _, _, _ := loadedFirmwarePage(t)

	p.focused = fwFieldVersion
	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected picker command")
	}
	open, ok := cmd().(app.OpenPickerMsg)
	if !ok {
		t.Fatal("expected OpenPickerMsg")
	}
	if open.Purpose != pickVersion || len(open.Items) != 2 {
		t.Fatalf("unexpected picker %+v", open)
	}
}
