package app

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/buckleypaul/elrsflash/internal/resolver"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

type FocusArea int

const (
	FocusSidebar FocusArea = iota
	FocusContent
)

type Model struct {
	pages      map[PageID]Page
	activePage PageID
	focus      FocusArea
	width      int
	height     int
	showHelp   bool
	choices    resolver.Choices
	picker     *Picker
	onQuit     func()
}

// New creates the root model. onQuit, if set, runs before the program exits
// so an open device can be released.
func New(pages map[PageID]Page, onQuit func()) Model {
	return Model{
		pages:  pages,
		onQuit: onQuit,
	}
}

func (m Model) Init() tea.Cmd {
	var cmds []tea.Cmd
	for _, p := range m.pages {
		if cmd := p.Init(); cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	return tea.Batch(cmds...)
}

func (m Model) contentSize() (int, int) {
	return m.width - sidebarWidth, m.height - 2 - 1 // status bar + selection bar
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.onQuit != nil {
		m.onQuit()
	}
	return m, tea.Quit
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		contentWidth, contentHeight := m.contentSize()
		for _, p := range m.pages {
			p.SetSize(contentWidth, contentHeight)
		}
		return m, nil

	case OpenPickerMsg:
		m.picker = NewPicker(msg.Title, msg.Purpose)
		m.picker.SetItems(msg.Items)
		m.picker.SetSize(m.contentSize())
		return m, nil

	case PickerSelectedMsg:
		m.picker = nil
		// Fall through to broadcast below.

	case PickerClosedMsg:
		m.picker = nil
		return m, nil

	case SelectionChangedMsg:
		m.choices = msg.Choices
		// Fall through to broadcast below.

	case tea.KeyMsg:
		// When picker is open, forward all keys to picker
		if m.picker != nil {
			if msg.String() == "ctrl+c" {
				return m.quit()
			}
			var cmd tea.Cmd
			m.picker, cmd = m.picker.Update(msg)
			return m, cmd
		}

		// When a page has an active text input, forward all keys
		// directly to the page; only ctrl+c still quits.
		if m.focus == FocusContent {
			if ic, ok := m.pages[m.activePage].(InputCapturer); ok && ic.InputCaptured() {
				if msg.String() == "ctrl+c" {
					return m.quit()
				}
				page := m.pages[m.activePage]
				newPage, cmd := page.Update(msg)
				m.pages[m.activePage] = newPage
				return m, cmd
			}
		}

		// Global key handling
		switch {
		case key.Matches(msg, GlobalKeys.Quit):
			return m.quit()
		case key.Matches(msg, GlobalKeys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, GlobalKeys.ToggleFocus):
			if m.focus == FocusSidebar {
				m.focus = FocusContent
				return m, nil
			}
			// When content focused, fall through to page handler
		}

		if m.showHelp && msg.String() == "esc" {
			m.showHelp = false
			return m, nil
		}

		// Handle arrow keys based on focus
		if m.focus == FocusSidebar {
			switch {
			case key.Matches(msg, GlobalKeys.PrevPage):
				m.prevPage()
				return m, nil
			case key.Matches(msg, GlobalKeys.NextPage):
				m.nextPage()
				return m, nil
			case msg.String() == "enter", msg.String() == "right":
				m.focus = FocusContent
				return m, nil
			}
			return m, nil
		}
		if msg.String() == "left" {
			m.focus = FocusSidebar
			return m, nil
		}

		page := m.pages[m.activePage]
		newPage, cmd := page.Update(msg)
		m.pages[m.activePage] = newPage
		return m, cmd
	}

	// Non-key messages (command results, etc.): forward to all pages
	// so responses reach the page that initiated the command
	var cmds []tea.Cmd
	for id, page := range m.pages {
		newPage, cmd := page.Update(msg)
		m.pages[id] = newPage
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	contentWidth, contentHeight := m.contentSize()

	page := m.pages[m.activePage]

	selectionBar := renderSelectionBar(m.choices, m.width)
	sidebar := renderSidebar(PageOrder, m.activePage, m.pages, contentHeight, m.focus == FocusSidebar)
	content := ui.ContentStyle.
		Width(contentWidth).
		Height(contentHeight).
		Render(page.View())

	// Overlays replace the content area
	switch {
	case m.picker != nil:
		m.picker.SetSize(contentWidth, contentHeight)
		content = lipgloss.Place(
			contentWidth, contentHeight,
			lipgloss.Center, lipgloss.Center,
			m.picker.View(),
		)
	case m.showHelp:
		content = lipgloss.Place(
			contentWidth, contentHeight,
			lipgloss.Center, lipgloss.Center,
			renderHelp(page.Name(), page.ShortHelp(), contentWidth),
		)
	}

	statusBar := renderStatusBar(page.ShortHelp(), m.width, m.focus)

	return renderLayout(selectionBar, sidebar, content, statusBar)
}

func (m *Model) nextPage() {
	for i, id := range PageOrder {
		if id == m.activePage {
			m.activePage = PageOrder[(i+1)%len(PageOrder)]
			return
		}
	}
}

func (m *Model) prevPage() {
	for i, id := range PageOrder {
		if id == m.activePage {
			m.activePage = PageOrder[(i-1+len(PageOrder))%len(PageOrder)]
			return
		}
	}
}
