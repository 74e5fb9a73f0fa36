package pages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/config"
	"github.com/buckleypaul/elrsflash/internal/device"
	"github.com/buckleypaul/elrsflash/internal/flasher"
	"github.com/buckleypaul/elrsflash/internal/resolver"
	"github.com/buckleypaul/elrsflash/internal/serial"
	"github.com/buckleypaul/elrsflash/internal/store"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

const (
	connectTimeout = 20 * time.Second
	pickPort       = "flash.port"
)

// DeviceSession is the part of device.Session the flash page drives.
type DeviceSession interface {
	State() device.State
	Connect(ctx context.Context, target device.Target) (flasher.Handshake, error)
	Flash(ctx context.Context, images []artifact.Image, opts device.FlashOptions, events chan<- device.Event) error
	Close()
}

// PortLister enumerates serial ports.
type PortLister func() ([]serial.PortInfo, error)

type portsLoadedMsg struct {
	ports []serial.PortInfo
	err   error
}

type connectDoneMsg struct {
	handshake flasher.Handshake
	err       error
}

type flashEventMsg struct {
	event device.Event
}

type flashResultMsg struct {
	err error
}

var flashSteps = []string{"Connect", "Flash", "Done"}

// FlashPage connects to the device on the configured port and writes the
// images produced by the build page.
type FlashPage struct {
	session DeviceSession
	ports   PortLister
	store   *store.Store
	cfg     *config.Config
	root    string

	choices resolver.Choices
	target  device.Target
	images  []artifact.Image
	version string

	fullErase  bool
	erased     bool
	forced     bool
	connecting bool
	flashing   bool
	events     chan device.Event
	done       chan flashResultMsg
	started    time.Time
	progress   int
	status     string
	lastErr    error

	bar           progress.Model
	width, height int
	message       string
}

func NewFlashPage(session DeviceSession, ports PortLister, s *store.Store, cfg *config.Config, root string) *FlashPage {
	return &FlashPage{
		session: session,
		ports:   ports,
		store:   s,
		cfg:     cfg,
		root:    root,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func (p *FlashPage) Init() tea.Cmd { return nil }

func (p *FlashPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case app.SelectionChangedMsg:
		p.choices = msg.Choices
		return p, nil

	case app.FirmwareReadyMsg:
		p.images = msg.Images
		p.version = msg.Version
		p.message = fmt.Sprintf("%s %s ready (%d bytes)", msg.Target, msg.Version, artifact.Size(msg.Images))
		return p, nil

	case portsLoadedMsg:
		if msg.err != nil {
			p.message = fmt.Sprintf("Error listing ports: %v", msg.err)
			return p, nil
		}
		if len(msg.ports) == 0 {
			p.message = "No serial ports found"
			return p, nil
		}
		items := make([]app.PickerItem, len(msg.ports))
		for i, port := range msg.ports {
			items[i] = app.PickerItem{Label: port.Name, Value: port.Name, Desc: port.Description()}
		}
		return p, app.Broadcast(app.OpenPickerMsg{Title: "Serial port", Purpose: pickPort, Items: items})

	case app.PickerSelectedMsg:
		if msg.Purpose != pickPort {
			return p, nil
		}
		p.cfg.SerialPort = msg.Value
		if err := config.Save(*p.cfg, p.root, false); err != nil {
			p.message = fmt.Sprintf("Error saving: %v", err)
			return p, nil
		}
		p.message = "Port set to " + msg.Value
		return p, nil

	case connectDoneMsg:
		p.connecting = false
		p.lastErr = msg.err
		switch {
		case msg.err == nil:
			p.status = fmt.Sprintf("Connected to %s (%s)", msg.handshake.Identity, msg.handshake.Family)
		case device.KindOf(msg.err) == device.DeviceMismatch:
			p.status = fmt.Sprintf("Connected to %s, which is not the selected target", msg.handshake.Identity)
		default:
			p.status = "Connect failed"
		}
		return p, nil

	case flashEventMsg:
		p.progress = msg.event.Progress
		p.erased = msg.event.FullErase
		if msg.event.Message != "" {
			p.status = msg.event.Message
		}
		return p, waitFlash(p.events, p.done)

	case flashResultMsg:
		if !p.flashing {
			return p, nil
		}
		return p, p.finish(msg.err)

	case tea.KeyMsg:
		return p.handleKey(msg)
	}
	return p, nil
}

func (p *FlashPage) handleKey(msg tea.KeyMsg) (app.Page, tea.Cmd) {
	if p.flashing {
		if msg.String() == "x" {
			p.status = "Cancelling..."
			go p.session.Close()
		}
		return p, nil
	}
	if p.connecting {
		return p, nil
	}

	switch msg.String() {
	case "p":
		lister := p.ports
		return p, func() tea.Msg {
			ports, err := lister()
			return portsLoadedMsg{ports: ports, err: err}
		}
	case "c", "r":
		return p, p.connect()
	case "e":
		if p.choices.AllowErase {
			p.fullErase = !p.fullErase
		}
	case "f":
		return p, p.flash(false)
	case "F":
		return p, p.flash(true)
	case "x":
		p.session.Close()
		p.status = "Disconnected"
		p.lastErr = nil
		p.progress = 0
	}
	return p, nil
}

func (p *FlashPage) connect() tea.Cmd {
	target, err := device.TargetFor(p.choices)
	if err != nil {
		p.lastErr = err
		return nil
	}
	if p.cfg.SerialPort == "" {
		p.message = "Select a serial port first (p)"
		return nil
	}
	p.target = target
	p.connecting = true
	p.lastErr = nil
	p.progress = 0
	p.status = fmt.Sprintf("Connecting to %s on %s...", target.Name, p.cfg.SerialPort)

	session := p.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		hs, err := session.Connect(ctx, target)
		return connectDoneMsg{handshake: hs, err: err}
	}
}

func (p *FlashPage) flash(force bool) tea.Cmd {
	if len(p.images) == 0 {
		p.message = "No firmware yet: build it on the Build page"
		return nil
	}
	st := p.session.State()
	if st.Step != device.StepConnected {
		p.message = "Connect to the device first (c)"
		return nil
	}
	if st.Mismatch && !force {
		p.message = "Device mismatch: press F to flash anyway"
		return nil
	}

	p.flashing = true
	p.forced = force
	p.erased = false
	p.started = time.Now()
	p.progress = 0
	p.lastErr = nil
	p.message = ""
	p.events = make(chan device.Event, 16)
	p.done = make(chan flashResultMsg, 1)

	session, images, events, done := p.session, p.images, p.events, p.done
	opts := device.FlashOptions{FullErase: p.fullErase, Force: force}
	go func() {
		err := session.Flash(context.Background(), images, opts, events)
		done <- flashResultMsg{err: err}
	}()
	return waitFlash(events, done)
}

func waitFlash(events <-chan device.Event, done <-chan flashResultMsg) tea.Cmd {
	return func() tea.Msg {
		if ev, ok := <-events; ok {
			return flashEventMsg{event: ev}
		}
		return <-done
	}
}

func (p *FlashPage) finish(err error) tea.Cmd {
	p.flashing = false
	p.lastErr = err
	elapsed := time.Since(p.started)
	if err == nil {
		p.progress = 100
		p.status = fmt.Sprintf("Flashed in %s", elapsed.Round(100*time.Millisecond))
	} else {
		p.status = "Flash failed"
	}

	if p.store != nil {
		rec := store.FlashRecord{
			Target:    p.target.Name,
			Version:   p.version,
			Method:    p.target.Method,
			Port:      p.cfg.SerialPort,
			FullErase: p.erased,
			Forced:    p.forced,
			Timestamp: p.started,
			Success:   err == nil,
			Duration:  elapsed.String(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if serr := p.store.AddFlash(rec); serr != nil {
			p.message = fmt.Sprintf("Error recording flash: %v", serr)
		}
	}
	return app.Broadcast(app.FlashDoneMsg{Err: err})
}

func (p *FlashPage) View() string {
	var b strings.Builder
	b.WriteString(ui.Title("Flash"))
	b.WriteString("\n")

	st := p.session.State()
	b.WriteString(ui.Steps(flashSteps, stepIndex(st.Step)) + "\n\n")

	port := p.cfg.SerialPort
	if port == "" {
		port = ui.DimStyle.Render("(none, press p)")
	}
	b.WriteString(ui.Field("Port", port, 8, false) + "\n")

	target := ui.DimStyle.Render("(select a target on the Firmware page)")
	if t := p.choices.Target; t != nil {
		target = fmt.Sprintf("%s via %s", t.Title, resolver.MethodTitle(p.choices.Selection.Method))
		if !p.serial() {
			target += ui.DimStyle.Render(" (not flashed over serial)")
		}
	}
	b.WriteString(ui.Field("Target", target, 8, false) + "\n")

	fw := ui.DimStyle.Render("(not built)")
	if len(p.images) > 0 {
		fw = fmt.Sprintf("%s, %d image(s), %d bytes", p.version, len(p.images), artifact.Size(p.images))
	}
	b.WriteString(ui.Field("Firmware", fw, 8, false) + "\n")

	erase := "[ ] full chip erase"
	if p.fullErase {
		erase = "[x] full chip erase"
	}
	if !p.choices.AllowErase {
		erase = ui.DimStyle.Render(erase + " (not available)")
	}
	b.WriteString(ui.Field("Erase", erase, 8, false) + "\n")

	if st.Handshake.Family != "" {
		hs := fmt.Sprintf("%s %s", st.Handshake.Family, st.Handshake.Identity)
		if st.Handshake.Stub {
			hs += " (stub)"
		}
		b.WriteString(ui.Field("Device", hs, 8, false) + "\n")
	}

	b.WriteString("\n")
	if p.flashing || p.progress > 0 {
		p.bar.Width = max(p.width-8, 10)
		b.WriteString(p.bar.ViewAs(float64(p.progress)/100) + fmt.Sprintf(" %3d%%", p.progress) + "\n")
	}
	if p.status != "" {
		b.WriteString(p.status + "\n")
	}

	switch {
	case st.Mismatch:
		b.WriteString(ui.WarningBadge("MISMATCH") + " " + ui.WarningStyle.Render("press F to flash anyway") + "\n")
	case st.Step == device.StepDone:
		b.WriteString(ui.SuccessBadge("DONE") + "\n")
	}
	if p.lastErr != nil {
		b.WriteString(ui.ErrorStyle.Render(p.lastErr.Error()) + "\n")
		var derr *device.Error
		if errors.As(p.lastErr, &derr) {
			b.WriteString(ui.DimStyle.Render(derr.Guidance()) + "\n")
		}
		if st.Failed {
			b.WriteString(ui.DimStyle.Render("Press r to reconnect and try again.") + "\n")
		}
	}
	if p.message != "" {
		b.WriteString("\n" + p.message)
	}

	return b.String()
}

// stepIndex maps a session step onto flashSteps; done marks every step
// complete.
func stepIndex(s device.Step) int {
	switch s {
	case device.StepConnected, device.StepTransferring:
		return 2
	case device.StepDone:
		return len(flashSteps) + 1
	}
	return 1
}

// serial reports whether the selected method flashes through the port.
func (p *FlashPage) serial() bool {
	return device.SerialMethod(p.choices.Selection.Method)
}

func (p *FlashPage) Name() string { return "Flash" }

func (p *FlashPage) ShortHelp() []key.Binding {
	if p.flashing {
		return []key.Binding{
			key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "abort")),
		}
	}
	if !p.serial() {
		return []key.Binding{
			key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "port")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "port")),
		key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "connect")),
		key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "flash")),
		key.NewBinding(key.WithKeys("F"), key.WithHelp("F", "force flash")),
		key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "erase")),
		key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "disconnect")),
	}
}

func (p *FlashPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}
