package pages

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/catalog"
	"github.com/buckleypaul/elrsflash/internal/config"
	"github.com/buckleypaul/elrsflash/internal/resolver"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

const catalogTimeout = 30 * time.Second

// Picker purposes owned by the firmware page.
const (
	pickVersion = "firmware.version"
	pickVendor  = "firmware.vendor"
	pickBand    = "firmware.band"
	pickTarget  = "firmware.target"
	pickMethod  = "firmware.method"
	pickRegion  = "firmware.region"
	pickDomain  = "firmware.domain"
)

// CatalogLoader supplies the firmware index and hardware catalog.
type CatalogLoader interface {
	Load(ctx context.Context) (*catalog.Catalog, error)
	Purge()
	LuaURL(version string) string
}

type catalogLoadedMsg struct {
	cat *catalog.Catalog
	err error
}

type fwField int

const (
	fwFieldClass fwField = iota
	fwFieldView
	fwFieldVersion
	fwFieldVendor
	fwFieldBand
	fwFieldTarget
	fwFieldMethod
	fwFieldPhrase
	fwFieldRegion
	fwFieldDomain
	fwFieldSSID
	fwFieldPassword
	fwFieldPower
	fwFieldUARTBaud
	fwFieldCount
)

var fwLabels = [fwFieldCount]string{
	"Device", "Releases", "Version", "Vendor", "Band", "Target", "Method",
	"Bind phrase", "Region", "Domain", "WiFi SSID", "WiFi password",
	"Higher power", "UART baud",
}

const fwLabelWidth = 13

// FirmwarePage walks the operator through class, version, vendor, band,
// target and method, re-resolving the selection after every change.
type FirmwarePage struct {
	loader CatalogLoader
	cfg    *config.Config
	root   string

	cat     *catalog.Catalog
	sel     resolver.Selection
	choices resolver.Choices
	phrase  string

	focused fwField
	editing bool
	input   textinput.Model

	width, height int
	message       string
	loading       bool
}

func NewFirmwarePage(loader CatalogLoader, cfg *config.Config, root string) *FirmwarePage {
	class := cfg.LastClass
	if class != catalog.ClassReceiver {
		class = catalog.ClassTransmitter
	}
	ti := textinput.New()
	ti.CharLimit = 128
	ti.Prompt = ""
	return &FirmwarePage{
		loader: loader,
		cfg:    cfg,
		root:   root,
		sel: resolver.Selection{
			Class:   class,
			View:    resolver.ViewStable,
			Options: resolver.DefaultOptions(),
		},
		input: ti,
	}
}

func (p *FirmwarePage) Init() tea.Cmd {
	return p.load()
}

func (p *FirmwarePage) load() tea.Cmd {
	p.loading = true
	loader := p.loader
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		defer cancel()
		cat, err := loader.Load(ctx)
		return catalogLoadedMsg{cat: cat, err: err}
	}
}

// resolve re-filters the catalog and tells the other pages.
func (p *FirmwarePage) resolve() tea.Cmd {
	p.choices = resolver.Resolve(p.sel, p.cat)
	p.sel = p.choices.Selection
	if !p.visible(p.focused) {
		p.focused = fwFieldClass
	}
	return app.Broadcast(app.SelectionChangedMsg{Choices: p.choices})
}

func (p *FirmwarePage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case catalogLoadedMsg:
		p.loading = false
		p.cat = msg.cat
		p.message = ""
		if msg.err != nil {
			p.message = fmt.Sprintf("Catalog unavailable: %v", msg.err)
		}
		return p, p.resolve()

	case app.PickerSelectedMsg:
		if !strings.HasPrefix(msg.Purpose, "firmware.") {
			return p, nil
		}
		p.applyPick(msg.Purpose, msg.Value)
		return p, p.resolve()

	case tea.KeyMsg:
		return p.handleKey(msg)
	}
	return p, nil
}

func (p *FirmwarePage) handleKey(msg tea.KeyMsg) (app.Page, tea.Cmd) {
	if p.editing {
		switch msg.String() {
		case "enter":
			p.applyText(p.input.Value())
			p.editing = false
			p.input.Blur()
			return p, p.resolve()
		case "esc":
			p.editing = false
			p.input.Blur()
			return p, nil
		}
		var cmd tea.Cmd
		p.input, cmd = p.input.Update(msg)
		return p, cmd
	}

	switch msg.String() {
	case "down":
		p.move(1)
	case "up":
		p.move(-1)
	case "r":
		p.loader.Purge()
		p.message = "Reloading catalog..."
		return p, p.load()
	case "enter", " ":
		return p, p.activate()
	}
	return p, nil
}

func (p *FirmwarePage) move(dir int) {
	for f := p.focused + fwField(dir); f >= 0 && f < fwFieldCount; f += fwField(dir) {
		if p.visible(f) {
			p.focused = f
			return
		}
	}
}

// visible hides fields that do not apply to the current selection.
func (p *FirmwarePage) visible(f fwField) bool {
	c := p.choices
	switch f {
	case fwFieldRegion:
		return c.RegionApplicable
	case fwFieldDomain:
		return c.DomainApplicable
	case fwFieldSSID, fwFieldPassword:
		return c.WifiApplicable
	case fwFieldPhrase:
		return c.Target != nil
	case fwFieldPower:
		return c.Target != nil && p.sel.Class == catalog.ClassTransmitter
	case fwFieldUARTBaud:
		return c.Target != nil && p.sel.Class == catalog.ClassReceiver
	}
	return true
}

func (p *FirmwarePage) activate() tea.Cmd {
	switch p.focused {
	case fwFieldClass:
		if p.sel.Class == catalog.ClassTransmitter {
			p.sel.Class = catalog.ClassReceiver
		} else {
			p.sel.Class = catalog.ClassTransmitter
		}
		p.cfg.LastClass = p.sel.Class
		if err := config.Save(*p.cfg, p.root, false); err != nil {
			p.message = fmt.Sprintf("Error saving: %v", err)
		}
		return p.resolve()
	case fwFieldView:
		if p.sel.View == resolver.ViewStable {
			p.sel.View = resolver.ViewBranch
		} else {
			p.sel.View = resolver.ViewStable
		}
		p.sel.Version = ""
		return p.resolve()
	case fwFieldVersion:
		return openPicker("Version", pickVersion, p.choices.Versions)
	case fwFieldVendor:
		return openPicker("Vendor", pickVendor, p.choices.Vendors)
	case fwFieldBand:
		return openPicker("Band", pickBand, p.choices.Bands)
	case fwFieldTarget:
		items := make([]app.PickerItem, len(p.choices.Targets))
		for i, t := range p.choices.Targets {
			items[i] = app.PickerItem{Label: t.Title, Value: t.ID, Desc: t.Config.Platform}
		}
		return app.Broadcast(app.OpenPickerMsg{Title: "Target", Purpose: pickTarget, Items: items})
	case fwFieldMethod:
		return openPicker("Flash method", pickMethod, p.choices.Methods)
	case fwFieldRegion:
		return openPicker("Region", pickRegion, resolver.Regions)
	case fwFieldDomain:
		return openPicker("Regulatory domain", pickDomain, resolver.Domains)
	case fwFieldPower:
		p.sel.Options.TX.HigherPower = !p.sel.Options.TX.HigherPower
		return p.resolve()
	case fwFieldPhrase, fwFieldSSID, fwFieldPassword, fwFieldUARTBaud:
		p.editing = true
		p.input.SetValue(p.textValue(p.focused))
		return p.input.Focus()
	}
	return nil
}

func openPicker(title, purpose string, choices []resolver.Choice) tea.Cmd {
	if len(choices) == 0 {
		return nil
	}
	items := make([]app.PickerItem, len(choices))
	for i, c := range choices {
		items[i] = app.PickerItem{Label: c.Title, Value: c.Value}
	}
	return app.Broadcast(app.OpenPickerMsg{Title: title, Purpose: purpose, Items: items})
}

func (p *FirmwarePage) applyPick(purpose, value string) {
	switch purpose {
	case pickVersion:
		p.sel.Version = value
	case pickVendor:
		p.sel.Vendor = value
	case pickBand:
		p.sel.Band = value
	case pickTarget:
		p.sel.Target = value
	case pickMethod:
		p.sel.Method = value
	case pickRegion:
		p.sel.Options.Region = value
	case pickDomain:
		if n, err := strconv.Atoi(value); err == nil {
			p.sel.Options.Domain = n
		}
	}
}

func (p *FirmwarePage) applyText(value string) {
	switch p.focused {
	case fwFieldPhrase:
		p.phrase = value
		p.sel.Options.UID = resolver.UIDFromPhrase(value)
	case fwFieldSSID:
		p.sel.Options.SSID = value
	case fwFieldPassword:
		p.sel.Options.Password = value
	case fwFieldUARTBaud:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			p.message = "UART baud must be a positive number"
			return
		}
		p.sel.Options.RX.UARTBaud = n
	}
}

func (p *FirmwarePage) textValue(f fwField) string {
	switch f {
	case fwFieldPhrase:
		return p.phrase
	case fwFieldSSID:
		return p.sel.Options.SSID
	case fwFieldPassword:
		return p.sel.Options.Password
	case fwFieldUARTBaud:
		return strconv.Itoa(p.sel.Options.RX.UARTBaud)
	}
	return ""
}

func (p *FirmwarePage) value(f fwField) string {
	c := p.choices
	switch f {
	case fwFieldClass:
		if p.sel.Class == catalog.ClassReceiver {
			return "Receiver"
		}
		return "Transmitter"
	case fwFieldView:
		if p.sel.View == resolver.ViewBranch {
			return "Branches"
		}
		return "Tagged releases"
	case fwFieldVersion:
		return p.sel.Version
	case fwFieldVendor:
		return titleFor(c.Vendors, p.sel.Vendor)
	case fwFieldBand:
		return titleFor(c.Bands, p.sel.Band)
	case fwFieldTarget:
		if c.Target != nil {
			return c.Target.Title
		}
	case fwFieldMethod:
		return titleFor(c.Methods, p.sel.Method)
	case fwFieldPhrase:
		if p.phrase != "" {
			return fmt.Sprintf("%s (%s)", p.phrase, resolver.UIDString(p.sel.Options.UID))
		}
	case fwFieldRegion:
		return p.sel.Options.Region
	case fwFieldDomain:
		return titleFor(resolver.Domains, strconv.Itoa(p.sel.Options.Domain))
	case fwFieldSSID:
		return p.sel.Options.SSID
	case fwFieldPassword:
		if p.sel.Options.Password != "" {
			return strings.Repeat("•", len(p.sel.Options.Password))
		}
	case fwFieldPower:
		if p.sel.Options.TX.HigherPower {
			return "on"
		}
		return "off"
	case fwFieldUARTBaud:
		return strconv.Itoa(p.sel.Options.RX.UARTBaud)
	}
	return ""
}

func titleFor(list []resolver.Choice, v string) string {
	for _, c := range list {
		if c.Value == v {
			return c.Title
		}
	}
	return v
}

func (p *FirmwarePage) View() string {
	var b strings.Builder
	b.WriteString(ui.Title("Firmware"))
	b.WriteString("\n")

	if p.loading {
		b.WriteString("Loading catalog...")
		return b.String()
	}
	if p.message != "" {
		b.WriteString(ui.WarningStyle.Render(p.message) + "\n\n")
	}

	for f := fwFieldClass; f < fwFieldCount; f++ {
		if !p.visible(f) {
			continue
		}
		val := p.value(f)
		if p.editing && f == p.focused {
			p.input.Width = max(p.width-fwLabelWidth-6, 10)
			val = p.input.View()
		} else if val == "" {
			val = ui.DimStyle.Render("(not set)")
		}
		b.WriteString(ui.Field(fwLabels[f], val, fwLabelWidth, f == p.focused))
		b.WriteString("\n")
	}

	if t := p.choices.Target; t != nil {
		var info strings.Builder
		fmt.Fprintf(&info, "%-10s %s\n", "Product", t.Config.ProductName)
		fmt.Fprintf(&info, "%-10s %s\n", "Platform", t.Config.Platform)
		fmt.Fprintf(&info, "%-10s %s\n", "Band", resolver.BandTitle(t.Band))
		if p.choices.ArtifactID != "" {
			fmt.Fprintf(&info, "%-10s %s\n", "Artifact", p.choices.ArtifactID)
			fmt.Fprintf(&info, "%-10s %s", "Lua", p.loader.LuaURL(p.choices.ArtifactID))
		}
		b.WriteString("\n")
		b.WriteString(ui.Panel("Target", info.String(), p.width, 0, false))
	}

	return b.String()
}

func (p *FirmwarePage) Name() string { return "Firmware" }

func (p *FirmwarePage) ShortHelp() []key.Binding {
	if p.editing {
		return []key.Binding{
			key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "apply")),
			key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "choose")),
		key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reload catalog")),
	}
}

func (p *FirmwarePage) InputCaptured() bool {
	return p.editing
}

func (p *FirmwarePage) SetSize(w, h int) {
	p.width = w
	p.height = h
}

// Choices returns the current resolution.
func (p *FirmwarePage) Choices() resolver.Choices {
	return p.choices
}
