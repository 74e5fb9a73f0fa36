package pages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wrap"

	"github.com/buckleypaul/elrsflash/internal/app"
	"github.com/buckleypaul/elrsflash/internal/artifact"
	"github.com/buckleypaul/elrsflash/internal/build"
	"github.com/buckleypaul/elrsflash/internal/resolver"
	"github.com/buckleypaul/elrsflash/internal/store"
	"github.com/buckleypaul/elrsflash/internal/ui"
)

// BuildRunner submits a build and polls it to a terminal state.
type BuildRunner interface {
	Run(ctx context.Context, req build.Request, events chan<- build.Event) (build.Result, error)
}

type buildEventMsg struct {
	event build.Event
}

type buildDoneMsg struct {
	result build.Result
	err    error
}

type buildState int

const (
	buildStateIdle buildState = iota
	buildStateRunning
	buildStateDone
)

type buildField int

const (
	buildFieldCore buildField = iota
	buildFieldOptions
	buildFieldCount
)

// BuildPage requests firmware for the current selection and either hands
// the images to the flash page or saves them for a local download.
type BuildPage struct {
	runner BuildRunner
	store  *store.Store

	choices      resolver.Choices
	job          resolver.Choices
	core         bool
	optionsInput textinput.Model
	focused      buildField

	state    buildState
	cancel   context.CancelFunc
	events   chan build.Event
	done     chan buildDoneMsg
	started  time.Time
	progress float64
	result   build.Result

	output   strings.Builder
	viewport viewport.Model
	bar      progress.Model

	width, height int
	message       string
}

func NewBuildPage(runner BuildRunner, s *store.Store) *BuildPage {
	opts := textinput.New()
	opts.Placeholder = "e.g. USE_DYNAMIC_POWER"
	opts.CharLimit = 512
	opts.Prompt = ""

	return &BuildPage{
		runner:       runner,
		store:        s,
		core:         true,
		optionsInput: opts,
		viewport:     viewport.New(0, 0),
		bar:          progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func (p *BuildPage) Init() tea.Cmd { return nil }

func (p *BuildPage) Update(msg tea.Msg) (app.Page, tea.Cmd) {
	switch msg := msg.(type) {
	case app.SelectionChangedMsg:
		p.choices = msg.Choices
		return p, nil

	case buildEventMsg:
		ev := msg.event
		p.progress = ev.Progress
		if ev.Message != "" {
			p.appendOutput(fmt.Sprintf("[%s] %s\n", ev.State, ev.Message))
		}
		return p, waitBuild(p.events, p.done)

	case buildDoneMsg:
		if p.state != buildStateRunning {
			return p, nil
		}
		return p, p.complete(msg)

	case tea.KeyMsg:
		return p.handleKey(msg)
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

func (p *BuildPage) handleKey(msg tea.KeyMsg) (app.Page, tea.Cmd) {
	keyStr := msg.String()

	if p.state == buildStateRunning {
		if keyStr == "c" || keyStr == "esc" {
			p.cancel()
			p.appendOutput("Cancelling...\n")
			return p, nil
		}
		var cmd tea.Cmd
		p.viewport, cmd = p.viewport.Update(msg)
		return p, cmd
	}

	switch keyStr {
	case "ctrl+b":
		return p, p.start()
	case "esc":
		if p.optionsInput.Focused() {
			p.optionsInput.Blur()
			return p, nil
		}
		if p.state == buildStateDone {
			p.state = buildStateIdle
			p.output.Reset()
			p.progress = 0
			p.updateViewportContent()
		}
		return p, nil
	case "up":
		p.focus(p.focused - 1)
		return p, nil
	case "down":
		p.focus(p.focused + 1)
		return p, nil
	}

	switch p.focused {
	case buildFieldCore:
		switch keyStr {
		case "enter", " ":
			p.core = !p.core
		case "b":
			return p, p.start()
		}
		return p, nil
	case buildFieldOptions:
		if keyStr == "enter" {
			if !p.optionsInput.Focused() {
				return p, p.optionsInput.Focus()
			}
			p.optionsInput.Blur()
			return p, nil
		}
		if p.optionsInput.Focused() {
			var cmd tea.Cmd
			p.optionsInput, cmd = p.optionsInput.Update(msg)
			return p, cmd
		}
		if keyStr == "b" {
			return p, p.start()
		}
	}
	return p, nil
}

func (p *BuildPage) focus(f buildField) {
	if f < 0 || f >= buildFieldCount {
		return
	}
	p.optionsInput.Blur()
	p.focused = f
}

// selectedOptions splits the free-form option list on commas and spaces.
func (p *BuildPage) selectedOptions() []string {
	return strings.FieldsFunc(p.optionsInput.Value(), func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// buildTarget is the name the build service knows the target by.
func buildTarget(t *resolver.TargetChoice) string {
	if t.Config.Firmware != "" {
		return t.Config.Firmware
	}
	return t.ID
}

func (p *BuildPage) start() tea.Cmd {
	if err := p.choices.Selection.Complete(); err != nil || p.choices.Target == nil {
		p.message = resolver.ErrSelectionIncomplete.Error()
		return nil
	}

	req := build.NewRequest(buildTarget(p.choices.Target), p.choices.Selection.Version, p.core, p.selectedOptions())
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.job = p.choices
	p.events = make(chan build.Event, 16)
	p.done = make(chan buildDoneMsg, 1)
	p.state = buildStateRunning
	p.started = time.Now()
	p.progress = 0
	p.result = build.Result{}
	p.message = ""
	p.output.Reset()

	mode := "core"
	if !p.core {
		mode = "cloud"
	}
	p.appendOutput(fmt.Sprintf("Requesting %s build of %s for %s...\n", mode, req.Release, req.Target))

	runner, events, done := p.runner, p.events, p.done
	go func() {
		res, err := runner.Run(ctx, req, events)
		done <- buildDoneMsg{result: res, err: err}
	}()
	return waitBuild(events, done)
}

// waitBuild delivers the next event, then the result once the requestor
// has closed its event channel.
func waitBuild(events <-chan build.Event, done <-chan buildDoneMsg) tea.Cmd {
	return func() tea.Msg {
		if ev, ok := <-events; ok {
			return buildEventMsg{event: ev}
		}
		return <-done
	}
}

func (p *BuildPage) complete(msg buildDoneMsg) tea.Cmd {
	p.state = buildStateDone
	p.cancel()
	res := msg.result
	p.result = res

	if msg.err != nil {
		p.appendOutput(fmt.Sprintf("\nBuild not started: %v\n", msg.err))
		return nil
	}

	p.appendOutput(fmt.Sprintf("\nBuild %s in %s", res.State, res.Elapsed.Round(time.Second)))
	if res.Reason != "" {
		p.appendOutput(": " + res.Reason)
	}
	p.appendOutput("\n")
	if res.LogURL != "" {
		p.appendOutput("Log: " + res.LogURL + "\n")
	}
	p.viewport.GotoBottom()

	if p.store != nil {
		if err := p.store.AddBuild(store.BuildRecord{
			Target:    buildTarget(p.job.Target),
			Release:   p.job.Selection.Version,
			RequestID: res.RequestID,
			JobKey:    res.Key,
			State:     string(res.State),
			Reason:    res.Reason,
			Cached:    res.Cached,
			Timestamp: p.started,
			Duration:  res.Elapsed.String(),
		}); err != nil {
			p.message = fmt.Sprintf("Error recording build: %v", err)
		}
	}

	if res.State != build.StateSuccess {
		return nil
	}
	return p.deliver(res)
}

// deliver splits the artifact into images and either saves it for a local
// download or broadcasts it for flashing.
func (p *BuildPage) deliver(res build.Result) tea.Cmd {
	target := p.job.Target
	images, err := artifact.Split(res.Artifact, artifact.BaseAddress(target.Config.Platform))
	if err != nil {
		p.appendOutput(fmt.Sprintf("Unpacking artifact failed: %v\n", err))
		return nil
	}

	if p.job.Selection.Method == resolver.MethodDownload {
		p.save(images)
		return nil
	}

	p.appendOutput(fmt.Sprintf("%d image(s), %d bytes ready to flash\n", len(images), artifact.Size(images)))
	return app.Broadcast(app.FirmwareReadyMsg{
		Target:  target.Config.ProductName,
		Version: p.job.Selection.Version,
		Images:  images,
	})
}

func (p *BuildPage) save(images []artifact.Image) {
	target := p.job.Target
	pkg, err := artifact.Build(images, target.Config)
	if err != nil {
		p.appendOutput(fmt.Sprintf("Packaging failed: %v\n", err))
		return
	}
	if p.store == nil {
		return
	}
	dir, err := p.store.FirmwareDir()
	if err != nil {
		p.appendOutput(fmt.Sprintf("Saving failed: %v\n", err))
		return
	}
	path, err := pkg.Save(dir)
	if err != nil {
		p.appendOutput(fmt.Sprintf("Saving failed: %v\n", err))
		return
	}
	p.appendOutput(fmt.Sprintf("Saved %s (%d bytes)\n", path, len(pkg.Data)))
	if err := p.store.AddDownload(store.DownloadRecord{
		Target:    target.Config.ProductName,
		Version:   p.job.Selection.Version,
		Path:      path,
		Size:      len(pkg.Data),
		Timestamp: time.Now(),
	}); err != nil {
		p.message = fmt.Sprintf("Error recording download: %v", err)
	}
}

func (p *BuildPage) appendOutput(s string) {
	p.output.WriteString(s)
	p.updateViewportContent()
}

func (p *BuildPage) View() string {
	formHeight := 9
	outputHeight := max(p.height-formHeight-1, 5)

	form := p.viewForm()
	output := p.viewOutput(p.width, outputHeight)
	return lipgloss.JoinVertical(lipgloss.Left, form, output)
}

func (p *BuildPage) viewForm() string {
	var b strings.Builder
	b.WriteString(ui.Title("Build"))
	b.WriteString("\n")

	if p.message != "" {
		b.WriteString(ui.ErrorStyle.Render(p.message) + "\n")
	}

	target := ui.DimStyle.Render("(select a target on the Firmware page)")
	if t := p.choices.Target; t != nil {
		target = fmt.Sprintf("%s @ %s via %s", t.Title, p.choices.Selection.Version, resolver.MethodTitle(p.choices.Selection.Method))
	}
	b.WriteString(ui.Field("Target", target, 8, false) + "\n")

	check := "[ ]"
	if p.core {
		check = "[x]"
	}
	b.WriteString(ui.Field("Core", check+" core build (no custom options)", 8, p.focused == buildFieldCore) + "\n")
	p.optionsInput.Width = max(p.width-16, 10)
	b.WriteString(ui.Field("Options", p.optionsInput.View(), 8, p.focused == buildFieldOptions) + "\n")

	if p.state != buildStateIdle {
		p.bar.Width = max(p.width-4, 10)
		b.WriteString("\n" + p.bar.ViewAs(p.progress/100) + fmt.Sprintf(" %3.0f%%", p.progress) + "\n")
	}

	b.WriteString("\n")
	helpText := "ctrl+b: build  enter: toggle/edit"
	if p.state == buildStateRunning {
		helpText = "c: cancel"
	}
	b.WriteString(ui.DimStyle.Render(helpText))
	return b.String()
}

func (p *BuildPage) viewOutput(width int, height int) string {
	contentWidth := max(width-3, 10)
	contentHeight := max(height-2, 3)

	oldWidth := p.viewport.Width
	p.viewport.Width = contentWidth
	p.viewport.Height = contentHeight
	if oldWidth != contentWidth && p.output.Len() > 0 {
		p.updateViewportContent()
	}

	style := lipgloss.NewStyle().
		Width(width).
		Height(height).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderTop(true).
		BorderForeground(ui.Surface).
		PaddingLeft(1)

	if p.output.Len() == 0 {
		return style.Render(ui.DimStyle.Render("Build output will appear here..."))
	}
	return style.Render(p.viewport.View())
}

func (p *BuildPage) Name() string { return "Build" }

func (p *BuildPage) ShortHelp() []key.Binding {
	if p.state == buildStateRunning {
		return []key.Binding{
			key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
		}
	}
	return []key.Binding{
		key.NewBinding(key.WithKeys("ctrl+b"), key.WithHelp("ctrl+b", "build")),
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "toggle/edit")),
	}
}

func (p *BuildPage) InputCaptured() bool {
	return p.state != buildStateRunning && p.optionsInput.Focused()
}

func (p *BuildPage) SetSize(w, h int) {
	p.width = w
	p.height = h
}

func (p *BuildPage) updateViewportContent() {
	if p.viewport.Width <= 0 {
		p.viewport.SetContent(p.output.String())
		return
	}
	wrapped := wrap.String(p.output.String(), p.viewport.Width)
	lines := strings.Split(wrapped, "\n")
	for i, line := range lines {
		if ansi.PrintableRuneWidth(line) > p.viewport.Width {
			lines[i] = truncate.String(line, uint(p.viewport.Width))
		}
	}
	p.viewport.SetContent(strings.Join(lines, "\n"))
}
