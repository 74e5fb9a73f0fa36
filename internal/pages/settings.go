package pages

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/config"
	"github.com/buckleypaul/elrsflash/internal/logging"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

type settingField struct {
	label string
	key   string
}

var settingFields = []settingField{
	{"Serial Port", "serial_port"},
	{"Bootloader Baud", "serial_baud_rate"},
	{"Passthrough Baud", "passthrough_baud_rate"},
	{"Flash Baud", "flash_baud_rate"},
	{"Stub Directory", "stub_dir"},
	{"Catalog Base", "catalog_base"},
	{"Firmware Family", "family"},
	{"Build Service", "build_url"},
	{"Poll Interval", "poll_interval"},
	{"Build Timeout", "build_timeout"},
	{"Log Level", "log_level"},
}

// SettingsPage edits the layered config. Changes to URLs, baud rates and the
// log level apply on the next start.
type SettingsPage struct {
	cfg           *config.Config
	root          string
	cursor        int
	editing       bool
	input         textinput.Model
	width, height int
	message       string
}

func NewSettingsPage(cfg *config.Config, root string) *SettingsPage {
	ti := textinput.New()
	ti.CharLimit = 128
	return &SettingsPage{
		cfg:   cfg,
		root:  root,
		input: ti,
	}
}

func (p *SettingsPage) Init() tea.Cmd { return nil }

func (p *SettingsPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if p.editing {
			switch msg.String() {
			case "enter":
				p.applyValue(p.input.Value())
				p.editing = false
				p.input.Blur()
				return p, nil
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
			if p.cursor < len(settingFields)-1 {
				p.cursor++
			}
		case "up":
			if p.cursor > 0 {
				p.cursor--
			}
		case "enter", "e":
			p.editing = true
			p.input.SetValue(p.getValue(p.cursor))
			p.input.Focus()
			return p, p.input.Focus()
		case "s":
			if err := config.Save(*p.cfg, p.root, false); err != nil {
				p.message = fmt.Sprintf("Error saving: %v", err)
			} else {
				p.message = "Settings saved to " + config.DirName
			}
		case "g":
			if err := config.Save(*p.cfg, p.root, true); err != nil {
				p.message = fmt.Sprintf("Error saving: %v", err)
			} else {
				p.message = "Settings saved globally"
			}
		}
	}
	return p, nil
}

func (p *SettingsPage) View() string {
	var inner strings.Builder

	for i, f := range settingFields {
		cursor := "  "
		if i == p.cursor {
			cursor = ui.BoldStyle.Render("> ")
		}

		val := p.getValue(i)
		if val == "" {
			val = ui.DimStyle.Render("(not set)")
		}

		line := fmt.Sprintf("%s%-18s %s", cursor, f.label, val)
		inner.WriteString(line)
		inner.WriteString("\n")
	}

	if p.editing {
		inner.WriteString("\n")
		inner.WriteString(fmt.Sprintf("  Edit %s:\n", settingFields[p.cursor].label))
		inner.WriteString("  " + p.input.View())
		inner.WriteString("\n")
	}

	if p.message != "" {
		inner.WriteString("\n  " + p.message)
	}

	return ui.Panel("Settings", inner.String(), p.width, 0, false)
}

func (p *SettingsPage) Name() string { return "Settings" }

func (p *SettingsPage) ShortHelp() []key.Binding {
	if p.editing {
		return []key.Binding{
			key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "save")),
			key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "edit")),
		key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "save")),
		key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "save globally")),
	}
}

func (p *SettingsPage) InputCaptured() bool {
	return p.editing
}

func (p *SettingsPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}

func (p *SettingsPage) getValue(idx int) string {
	switch settingFields[idx].key {
	case "serial_port":
		return p.cfg.SerialPort
	case "serial_baud_rate":
		return strconv.Itoa(p.cfg.SerialBaudRate)
	case "passthrough_baud_rate":
		return strconv.Itoa(p.cfg.PassthroughBaud)
	case "flash_baud_rate":
		return strconv.Itoa(p.cfg.FlashBaudRate)
	case "stub_dir":
		return p.cfg.StubDir
	case "catalog_base":
		return p.cfg.CatalogBase
	case "family":
		return p.cfg.Family
	case "build_url":
		return p.cfg.BuildURL
	case "poll_interval":
		return p.cfg.PollInterval
	case "build_timeout":
		return p.cfg.BuildTimeout
	case "log_level":
		return p.cfg.LogLevel
	}
	return ""
}

func (p *SettingsPage) applyValue(val string) {
	f := settingFields[p.cursor]
	switch f.key {
	case "serial_port":
		p.cfg.SerialPort = val
	case "serial_baud_rate", "passthrough_baud_rate", "flash_baud_rate":
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			p.message = fmt.Sprintf("%s must be a positive number", f.label)
			return
		}
		switch f.key {
		case "serial_baud_rate":
			p.cfg.SerialBaudRate = n
		case "passthrough_baud_rate":
			p.cfg.PassthroughBaud = n
		default:
			p.cfg.FlashBaudRate = n
		}
	case "stub_dir":
		p.cfg.StubDir = val
	case "catalog_base":
		p.cfg.CatalogBase = val
	case "family":
		p.cfg.Family = val
	case "build_url":
		p.cfg.BuildURL = val
	case "poll_interval", "build_timeout":
		if _, err := time.ParseDuration(val); err != nil {
			p.message = fmt.Sprintf("%s must be a duration like 5s", f.label)
			return
		}
		if f.key == "poll_interval" {
			p.cfg.PollInterval = val
		} else {
			p.cfg.BuildTimeout = val
		}
	case "log_level":
		if _, err := logging.ParseLevel(val); err != nil {
			p.message = err.Error()
			return
		}
		p.cfg.LogLevel = val
	}
	p.message = fmt.Sprintf("%s updated", f.label)
}
