// Package console is a terminal screen for admins to review pending payment
// requests.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/flowmerce/flowmerce/internal/auth"
	"github.com/flowmerce/flowmerce/internal/store"
)

// Reviewer is the part of the billing service the console drives.
type Reviewer interface {
	PendingRequests(ctx context.Context) ([]store.PaymentRequest, error)
	Approve(ctx context.Context, admin *auth.Identity, requestID int64) (*store.PaymentRequest, error)
	Reject(ctx context.Context, admin *auth.Identity, requestID int64) (*store.PaymentRequest, error)
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Approve key.Binding
	Reject  key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("↑/k", "move up")),
	Down:    key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("↓/j", "move down")),
	Approve: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "approve and activate")),
	Reject:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reject")),
	Refresh: key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "reload pending requests")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type loadedMsg struct {
	items []store.PaymentRequest
	err   error
}

type reviewedMsg struct {
	pr       *store.PaymentRequest
	approved bool
	err      error
}

// Model is the console's bubbletea model.
type Model struct {
	ctx      context.Context
	reviewer Reviewer
	admin    *auth.Identity

	items    []store.PaymentRequest
	cursor   int
	busy     bool
	spinner  spinner.Model
	status   string
	failed   bool
	showHelp bool
	width    int
}

// NewModel creates a console acting as admin.
func NewModel(ctx context.Context, r Reviewer, admin *auth.Identity) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorAccent)
	return Model{ctx: ctx, reviewer: r, admin: admin, spinner: sp, busy: true}
}

// Run shows the console until the admin quits.
func Run(ctx context.Context, r Reviewer, admin *auth.Identity) error {
	if _, err := tea.NewProgram(NewModel(ctx, r, admin), tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

func (m Model) load() tea.Msg {
	items, err := m.reviewer.PendingRequests(m.ctx)
	return loadedMsg{items: items, err: err}
}

func (m Model) review(id int64, approve bool) tea.Cmd {
	return func() tea.Msg {
		var (
			pr  *store.PaymentRequest
			err error
		)
		if approve {
			pr, err = m.reviewer.Approve(m.ctx, m.admin, id)
		} else {
			pr, err = m.reviewer.Reject(m.ctx, m.admin, id)
		}
		if pr == nil {
			pr = &store.PaymentRequest{ID: id}
		}
		return reviewedMsg{pr: pr, approved: approve, err: err}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case loadedMsg:
		m.busy = false
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("load failed: %v", msg.err), true)
			return m, nil
		}
		m.items = msg.items
		if m.cursor >= len(m.items) {
			m.cursor = max(0, len(m.items)-1)
		}
		return m, nil

	case reviewedMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("request #%d: %v", msg.pr.ID, msg.err), true)
		} else if msg.approved {
			m.setStatus(fmt.Sprintf("approved request #%d, %s plan active for %s", msg.pr.ID, msg.pr.Plan, msg.pr.UserEmail), false)
		} else {
			m.setStatus(fmt.Sprintf("rejected request #%d", msg.pr.ID), false)
		}
		m.busy = true
		return m, m.load

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) setStatus(s string, failed bool) {
	m.status = s
	m.failed = failed
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		return m, nil
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case key.Matches(msg, keys.Refresh):
		if !m.busy {
			m.busy = true
			return m, m.load
		}
	case key.Matches(msg, keys.Approve), key.Matches(msg, keys.Reject):
		if m.busy || len(m.items) == 0 {
			return m, nil
		}
		m.busy = true
		return m, m.review(m.items[m.cursor].ID, key.Matches(msg, keys.Approve))
	}
	return m, nil
}

func (m Model) View() string {
	if m.showHelp {
		return m.helpView()
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Flowmerce · Pending payment requests"))
	b.WriteString("\n")

	if len(m.items) == 0 {
		b.WriteString(dimmedStyle.Render("  No pending payment requests"))
		b.WriteString("\n")
	} else {
		b.WriteString(fmt.Sprintf("  %-6s %-28s %-9s %9s %-14s %s\n",
			headerStyle.Render("ID"), headerStyle.Render("USER"), headerStyle.Render("PLAN"),
			headerStyle.Render("AMOUNT"), headerStyle.Render("MPESA CODE"), headerStyle.Render("AGE")))
		for i, pr := range m.items {
			cursor := "  "
			style := lipgloss.NewStyle()
			if i == m.cursor {
				cursor = selectedStyle.Render("> ")
				style = style.Bold(true)
			}
			code := pr.MpesaCode
			if code == "" {
				code = "(stk) " + pr.Phone
			}
			b.WriteString(cursor + style.Render(fmt.Sprintf("%-6d %-28s %-9s %9s %-14s %s",
				pr.ID, truncate(pr.UserEmail, 28), pr.Plan, fmt.Sprintf("KES %d", pr.Amount), code, formatAge(pr.CreatedAt))))
			b.WriteString("\n")
		}
	}

	body := panelStyle.Render(b.String())
	var footer string
	switch {
	case m.busy:
		footer = m.spinner.View() + " working…"
	case m.status != "" && m.failed:
		footer = errorStyle.Render(m.status)
	case m.status != "":
		footer = successStyle.Render(m.status)
	}
	help := helpStyle.Render("  ↑/↓ j/k move  a approve  r reject  R refresh  ? help  q quit")
	return lipgloss.JoinVertical(lipgloss.Left, body, footer, help)
}

func (m Model) helpView() string {
	s := titleStyle.Render("Keyboard Shortcuts") + "\n\n"
	for _, kb := range []key.Binding{keys.Up, keys.Down, keys.Approve, keys.Reject, keys.Refresh, keys.Help, keys.Quit} {
		h := kb.Help()
		s += "  " + keyStyle.Render(h.Key) + textStyle.Render(h.Desc) + "\n"
	}
	s += "\n" + helpStyle.Render("  Press ? to close")
	return lipgloss.NewStyle().Padding(1, 2).Render(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
