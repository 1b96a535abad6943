// Package tui renders the two-line display in a terminal and maps keys to
// the menu buttons and the six string buttons.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chase3718/lou-looper/internal/menu"
)

const refreshInterval = 50 * time.Millisecond

// Controller is the menu surface the terminal drives.
type Controller interface {
	Next()
	Previous()
	Execute()
	Cancel()
	Display() menu.Display
	Path() []string
}

// Presser receives string button presses.
type Presser interface {
	Press(str int)
}

var (
	lcdStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("34")).
			Foreground(lipgloss.Color("120")).
			Padding(0, 1).
			Width(18)
	pathStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	hitStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

type (
	tickMsg   time.Time
	changeMsg struct{}
)

// Option configures a Model.
type Option func(*Model)

// WithStatus adds a line under the panel, e.g. the MIDI controller state.
func WithStatus(fn func() string) Option {
	return func(m *Model) { m.statusFn = fn }
}

// WithRedraw refreshes the panel as soon as c fires instead of on the next poll.
func WithRedraw(c <-chan struct{}) Option {
	return func(m *Model) { m.changes = c }
}

// Model is the bubbletea model.
type Model struct {
	ctl      Controller
	buttons  Presser
	statusFn func() string
	changes  <-chan struct{}
	display  menu.Display
	path     []string
	status   string
	lastHit  int
}

func NewModel(ctl Controller, buttons Presser, opts ...Option) Model {
	m := Model{ctl: ctl, buttons: buttons, lastHit: -1}
	for _, o := range opts {
		o(&m)
	}
	m.refresh()
	return m
}

// Run blocks until the user quits or ctx is done.
func Run(ctx context.Context, ctl Controller, buttons Presser, opts ...Option) error {
	p := tea.NewProgram(NewModel(ctl, buttons, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitChange blocks until the next redraw request.
func waitChange(c <-chan struct{}) tea.Cmd {
	if c == nil {
		return nil
	}
	return func() tea.Msg {
		<-c
		return changeMsg{}
	}
}

func (m Model) Init() tea.Cmd { return tea.Batch(tick(), waitChange(m.changes)) }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, tick()
	case changeMsg:
		m.refresh()
		return m, waitChange(m.changes)
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "right", "down", "l", "j":
			m.ctl.Next()
		case "left", "up", "h", "k":
			m.ctl.Previous()
		case "enter", " ":
			m.ctl.Execute()
		case "esc", "backspace":
			m.ctl.Cancel()
		case "1", "2", "3", "4", "5", "6":
			m.lastHit = int(key[0] - '1')
			if m.buttons != nil {
				m.buttons.Press(m.lastHit)
			}
		}
		m.refresh()
	}
	return m, nil
}

func (m *Model) refresh() {
	m.display = m.ctl.Display()
	m.path = m.ctl.Path()
	if m.statusFn != nil {
		m.status = m.statusFn()
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(pathStyle.Render(strings.Join(m.path, " > ")))
	b.WriteString("\n")
	b.WriteString(lcdStyle.Render(lcdLine(m.display.Line1) + "\n" + lcdLine(m.display.Line2)))
	b.WriteString("\n")
	strs := make([]string, 6)
	for i := range strs {
		s := fmt.Sprintf("[%d]", i+1)
		if i == m.lastHit {
			s = hitStyle.Render(s)
		}
		strs[i] = s
	}
	b.WriteString(strings.Join(strs, " "))
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(pathStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("←/→ move  enter select  esc back  1-6 strings  q quit"))
	return b.String()
}

// lcdLine pads or cuts s to the 16 columns of the panel.
func lcdLine(s string) string {
	r := []rune(s)
	if len(r) > 16 {
		r = r[:16]
	}
	return fmt.Sprintf("%-16s", string(r))
}
