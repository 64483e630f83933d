// Package tui renders a reconciler as a terminal history viewer.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/emperorhan/counterwatch/internal/chain"
	"github.com/emperorhan/counterwatch/internal/reconciler"
)

const (
	defaultWidth  = 100
	defaultHeight = 24
	chromeHeight  = 4 // header, blank line, help, spare
)

// updateMsg signals that the reconciler state changed since the last render.
type updateMsg struct{}

// Model is the bubbletea model. Reconciler notifications are coalesced into
// a one-slot channel; the model re-renders from a fresh snapshot on each.
type Model struct {
	rec      *reconciler.Reconciler
	source   string
	updates  chan struct{}
	cancel   func()
	readFunc func() (chain.ContractState, bool)

	view     reconciler.View
	contract *chain.ContractState
	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int
}

type Option func(*Model)

// WithContractState shows the counter value and owner returned by read in
// the header. read is called on every reconciler update.
func WithContractState(read func() (chain.ContractState, bool)) Option {
	return func(m *Model) { m.readFunc = read }
}

func New(rec *reconciler.Reconciler, source string, opts ...Option) Model {
	updates := make(chan struct{}, 1)
	cancel := rec.Subscribe(func(reconciler.Update) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(accent)

	m := Model{
		rec:      rec,
		source:   source,
		updates:  updates,
		cancel:   cancel,
		spinner:  spin,
		viewport: viewport.New(defaultWidth, defaultHeight-chromeHeight),
		width:    defaultWidth,
		height:   defaultHeight,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.refresh()
	return m
}

// Close unsubscribes from the reconciler.
func (m Model) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForUpdate(m.updates))
}

func waitForUpdate(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-updates
		return updateMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "g", "home":
			m.viewport.GotoTop()
			return m, nil
		case "G", "end":
			m.viewport.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(1, msg.Height-chromeHeight)
		m.viewport.SetContent(m.renderRows())
		return m, nil

	case updateMsg:
		m.refresh()
		return m, waitForUpdate(m.updates)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) refresh() {
	m.view = m.rec.Render()
	m.contract = nil
	if m.readFunc != nil {
		if st, ok := m.readFunc(); ok {
			m.contract = &st
		}
	}
	m.viewport.SetContent(m.renderRows())
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n\n")

	switch m.view.Phase {
	case reconciler.ViewLoading:
		b.WriteString(m.spinner.View() + " " + mutedStyle.Render("Loading history…"))
	case reconciler.ViewFailed:
		b.WriteString(errorStyle.Render("Failed to load history: " + m.view.Error))
	case reconciler.ViewEmpty:
		b.WriteString(mutedStyle.Render("No counter changes yet."))
	default:
		b.WriteString(m.viewport.View())
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ scroll • g/G top/bottom • q quit"))
	return b.String()
}

func (m Model) header() string {
	title := titleStyle.Render("CounterChanged history")
	count := countStyle.Render(fmt.Sprintf("(%d)", m.view.Count))
	parts := []string{title, count}
	if m.view.Refreshing {
		parts = append(parts, refreshingStyle.Render("●"))
	}
	if m.source != "" {
		parts = append(parts, mutedStyle.Render("· "+m.source))
	}
	if c := m.contract; c != nil {
		value := "?"
		if c.Value != nil {
			value = c.Value.String()
		}
		parts = append(parts, mutedStyle.Render("· value ")+valueStyle.Render(value))
		if c.Owner != "" {
			parts = append(parts, mutedStyle.Render("· owner "+shorten(c.Owner, 14)))
		}
		if c.Error != "" {
			parts = append(parts, errorStyle.Render("! stale"))
		}
	}
	return strings.Join(parts, " ")
}

func (m Model) renderRows() string {
	lines := make([]string, 0, len(m.view.Rows))
	for _, row := range m.view.Rows {
		lines = append(lines, renderRow(row))
	}
	return strings.Join(lines, "\n")
}

func renderRow(row reconciler.Row) string {
	reason := lipgloss.NewStyle().
		Foreground(lipgloss.Color(row.Color)).
		Width(12).
		Render(string(row.Reason))
	return fmt.Sprintf("%s %s %s %s  %s → %s  %s",
		row.Icon,
		reason,
		blockStyle.Render(row.BlockLabel),
		shorten(row.Caller, 14),
		row.OldValue,
		row.NewValue,
		mutedStyle.Render(shorten(row.TransactionHash, 14)),
	)
}

// shorten keeps the head and tail of long hex strings.
func shorten(s string, n int) string {
	if len(s) <= n || n < 5 {
		return s
	}
	half := (n - 1) / 2
	return s[:half] + "…" + s[len(s)-half:]
}
