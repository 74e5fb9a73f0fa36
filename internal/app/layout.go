package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/buckleypaul/elrsflash/internal/resolver"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

const sidebarWidth = 22 // 20 content + 2 border/padding

func renderSelectionBar(c resolver.Choices, width int) string {
	orNone := func(s string) string {
		if s == "" {
			return "(none)"
		}
		return s
	}
	target := ""
	if c.Target != nil {
		target = c.Target.Title
	}
	method := ""
	if c.Selection.Method != "" {
		method = resolver.MethodTitle(c.Selection.Method)
	}
	content := fmt.Sprintf("Target: %s  Version: %s  Method: %s",
		orNone(target), orNone(c.Selection.Version), orNone(method))
	return ui.StatusBarStyle.Width(width).Render(content)
}

func renderSidebar(pages []PageID, active PageID, pageMap map[PageID]Page, height int, focused bool) string {
	var b strings.Builder
	title := "elrsflash"
	if focused {
		title = ui.BoldStyle.Render("elrsflash ▸")
	} else {
		title = ui.TitleStyle.Render("elrsflash")
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	for _, id := range pages {
		p := pageMap[id]
		if id == active {
			b.WriteString(ui.SidebarActiveStyle.Render("▸ " + p.Name()))
		} else {
			b.WriteString(ui.SidebarItemStyle.Render("  " + p.Name()))
		}
		b.WriteString("\n")
	}

	style := ui.SidebarStyle.Height(height)
	if focused {
		style = style.BorderForeground(ui.Primary)
	}
	return style.Render(b.String())
}

func renderStatusBar(pageHelp []key.Binding, width int, focus FocusArea) string {
	var parts []string

	if focus == FocusSidebar {
		parts = append(parts,
			ui.StatusKey("↑/↓", "navigate"),
			ui.StatusKey("enter", "select"),
		)
	} else {
		for _, kb := range pageHelp {
			if kb.Enabled() {
				parts = append(parts, ui.StatusKey(kb.Help().Key, kb.Help().Desc))
			}
		}
	}

	parts = append(parts,
		ui.StatusKey("tab", "focus"),
		ui.StatusKey("?", "help"),
		ui.StatusKey("q", "quit"),
	)

	line := strings.Join(parts, "  ")
	return ui.StatusBarStyle.Width(width).Render(line)
}

func renderHelp(pageName string, pageHelp []key.Binding, width int) string {
	var b strings.Builder
	b.WriteString(ui.Title("Keys: " + pageName))
	b.WriteString("\n")
	all := append([]key.Binding{}, pageHelp...)
	all = append(all, GlobalKeys.ToggleFocus, GlobalKeys.NextPage, GlobalKeys.PrevPage, GlobalKeys.Help, GlobalKeys.Quit)
	for _, kb := range all {
		if !kb.Enabled() {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-10s %s\n", kb.Help().Key, kb.Help().Desc))
	}
	return ui.Panel("Help", b.String(), min(width, 60), 0, true)
}

func renderLayout(selectionBar, sidebar, content, statusBar string) string {
	main := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, content)
	return lipgloss.JoinVertical(lipgloss.Left, selectionBar, main, statusBar)
}
