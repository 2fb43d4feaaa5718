// Package tui is the interactive dashboard for a running fleet: per-slot
// state, rollout budgets, reconciler events, and a captured log tail.
package tui

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/statefleet/statefleet/internal/fleet"
)

// Program wraps tea.Program with convenience methods.
type Program struct {
	program  *tea.Program
	actionCh chan Action
	exitErr  error
	exitMu   sync.Mutex
	ready    chan struct{}
}

// NewProgram creates a fullscreen TUI program (alt screen).
func NewProgram(project, region, zone string) *Program {
	actionCh := make(chan Action, 1)
	m := NewModel(project, region, zone, actionCh)
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
	)
	return &Program{program: p, actionCh: actionCh, ready: make(chan struct{})}
}

// Actions returns the channel that receives user-triggered actions.
func (p *Program) Actions() <-chan Action {
	return p.actionCh
}

// Start runs the TUI. Blocks until the program exits.
// Signals ready once bubbletea's internal message channel is initialized.
func (p *Program) Start() error {
	// Run initializes the msg channel synchronously before entering the
	// event loop; 10ms gives plenty of margin.
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(p.ready)
	}()
	_, err := p.program.Run()
	return err
}

// WaitReady blocks until the TUI program is ready to receive messages.
func (p *Program) WaitReady() {
	<-p.ready
}

// SendSnapshot sends a fleet snapshot to the dashboard.
func (p *Program) SendSnapshot(snap fleet.Snapshot) {
	p.program.Send(SnapshotMsg{Snapshot: snap})
}

// SendEvent sends a reconciler event to the event log.
func (p *Program) SendEvent(e fleet.Event) {
	p.program.Send(EventMsg{Event: e})
}

// Done signals the TUI to quit, optionally with an error.
// The error is stored and can be retrieved via ExitError() after Start() returns.
func (p *Program) Done(err error) {
	if err != nil {
		p.exitMu.Lock()
		p.exitErr = err
		p.exitMu.Unlock()
	}
	p.program.Send(doneMsg{Err: err})
}

// ExitError returns the error passed to Done(), if any.
func (p *Program) ExitError() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitErr
}

// Quit quits the TUI program.
func (p *Program) Quit() {
	p.program.Quit()
}

// LogWriter returns a writer that captures output and sends it to the TUI.
func (p *Program) LogWriter() *LogWriter {
	return &LogWriter{program: p.program}
}

// LogWriter captures log output and sends it to the TUI as logMsg.
type LogWriter struct {
	program *tea.Program
	closed  bool
	mu      sync.Mutex
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.program == nil {
		return len(p), nil
	}
	line := strings.TrimRight(string(p), "\n")
	if line != "" {
		w.program.Send(logMsg{Line: line})
	}
	return len(p), nil
}

// Close stops forwarding and silently discards further writes.
func (w *LogWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// RunWithSpinner shows a spinner while running fn. Returns fn's error.
func RunWithSpinner(label string, fn func() error) error {
	m := newSpinnerOnlyModel(label)
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))

	errCh := make(chan error, 1)
	go func() {
		err := fn()
		errCh <- err
		p.Send(doneMsg{Err: err})
	}()

	if _, err := p.Run(); err != nil {
		return err
	}
	return <-errCh
}

// spinnerOnlyModel is a minimal model for RunWithSpinner.
type spinnerOnlyModel struct {
	spinner spinner.Model
	label   string
	err     error
	done    bool
}

func newSpinnerOnlyModel(label string) spinnerOnlyModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(colorCyan)),
	)
	return spinnerOnlyModel{spinner: s, label: label}
}

func (m spinnerOnlyModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m spinnerOnlyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case doneMsg:
		m.err = msg.Err
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m spinnerOnlyModel) View() string {
	if m.done {
		if m.err != nil {
			return lipgloss.NewStyle().Foreground(colorRed).Render("  ✗ "+m.err.Error()) + "\n"
		}
		return lipgloss.NewStyle().Foreground(colorGreen).Render("  ✓ Done") + "\n"
	}
	return "  " + m.spinner.View() + " " + m.label + "\n"
}
