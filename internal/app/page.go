package app

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/resolver"
)

// PageID identifies each page in the application.
type PageID int

const (
	FirmwarePage PageID = iota
	BuildPage
	FlashPage
	HistoryPage
	SettingsPage
)

var PageOrder = []PageID{
	FirmwarePage,
	BuildPage,
	FlashPage,
	HistoryPage,
	SettingsPage,
}

// Page is the interface every page in the application implements.
type Page interface {
	Init() tea.Cmd
	Update(msg tea.Msg) (Page, tea.Cmd)
	View() string
	Name() string
	ShortHelp() []key.Binding
	SetSize(width, height int)
}

// InputCapturer is an optional interface for pages with text inputs.
// When InputCaptured returns true, the app forwards all keys directly
// to the page instead of processing shortcuts like q, ?, left, etc.
type InputCapturer interface {
	InputCaptured() bool
}

// SelectionChangedMsg is broadcast to all pages whenever the firmware
// selection is re-resolved.
type SelectionChangedMsg struct {
	Choices resolver.Choices
}

// FirmwareReadyMsg is broadcast when firmware images are available to flash.
type FirmwareReadyMsg struct {
	Target  string
	Version string
	Images  []artifact.Image
}

// OpenPickerMsg asks the app to show the picker overlay. The choice comes
// back to every page as a PickerSelectedMsg carrying the same Purpose.
type OpenPickerMsg struct {
	Title   string
	Purpose string
	Items   []PickerItem
}

// FlashDoneMsg is broadcast after a flash attempt finishes.
type FlashDoneMsg struct {
	Err error
}

// Broadcast wraps msg in a command.
func Broadcast(msg tea.Msg) tea.Cmd {
	return func() tea.Msg { return msg }
}
