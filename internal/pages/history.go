package pages

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/store"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

const historyTimeFormat = "2006-01-02 15:04"

// HistoryPage lists past builds, flashes and downloads, newest first.
type HistoryPage struct {
	store   *store.Store
	entries []store.Entry
	offset  int

	width, height int
	message       string
}

func NewHistoryPage(s *store.Store) *HistoryPage {
	return &HistoryPage{store: s}
}

func (p *HistoryPage) Init() tea.Cmd {
	p.refresh()
	return nil
}

func (p *HistoryPage) refresh() {
	p.message = ""
	if p.store == nil {
		return
	}
	entries, err := p.store.History()
	if err != nil {
		p.message = fmt.Sprintf("Error reading history: %v", err)
		return
	}
	p.entries = entries
	p.offset = 0
}

func (p *HistoryPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case app.FlashDoneMsg, app.FirmwareReadyMsg:
		p.refresh()
	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			p.refresh()
		case "down":
			if p.offset < len(p.entries)-1 {
				p.offset++
			}
		case "up":
			if p.offset > 0 {
				p.offset--
			}
		}
	}
	return p, nil
}

func (p *HistoryPage) View() string {
	var b strings.Builder
	if p.message != "" {
		b.WriteString(ui.ErrorStyle.Render(p.message) + "\n")
	}
	if len(p.entries) == 0 {
		b.WriteString(ui.DimStyle.Render("No builds or flashes yet."))
		return ui.Panel("History", b.String(), p.width, 0, false)
	}

	rows := max(p.height-4, 1)
	end := min(p.offset+rows, len(p.entries))
	for _, e := range p.entries[p.offset:end] {
		badge := ui.SuccessBadge("OK")
		if !e.Success {
			badge = ui.ErrorBadge("FAIL")
		}
		fmt.Fprintf(&b, "%s %s %-8s %-28s %s\n",
			ui.DimStyle.Render(e.Timestamp.Local().Format(historyTimeFormat)),
			badge, e.Kind, e.Target, ui.DimStyle.Render(e.Detail))
	}
	return ui.Panel("History", b.String(), p.width, 0, false)
}

func (p *HistoryPage) Name() string { return "History" }

func (p *HistoryPage) ShortHelp() []key.Binding {
	return []key.Binding{
		key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	}
}

func (p *HistoryPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}
