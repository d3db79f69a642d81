package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpn-orchestrator/vpn"
)

// Status colors, theme independent.
var (
	colorConnected  = lipgloss.Color("#2ec27e")
	colorConnecting = lipgloss.Color("#e5a50a")
	colorError      = lipgloss.Color("#e01b24")
	colorAccent     = lipgloss.Color("#3584e4")
	colorDim        = lipgloss.Color("#77767b")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	labelStyle = lipgloss.NewStyle().Foreground(colorDim).Width(10)
	helpStyle  = lipgloss.NewStyle().Foreground(colorDim).MarginTop(1)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

// controls are the state machine actions reachable from the status view.
type controls interface {
	Disconnect()
	Reconnect()
}

type snapshotMsg vpn.Snapshot

type closedMsg struct{}

// statusModel renders the published snapshot with a live retry countdown.
type statusModel struct {
	snap    vpn.Snapshot
	updates <-chan vpn.Snapshot
	ctl     controls
	spinner spinner.Model
	width   int
}

func newStatusModel(updates <-chan vpn.Snapshot, ctl controls) statusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorConnecting)
	return statusModel{
		snap:    vpn.Snapshot{State: vpn.StateDisabled},
		updates: updates,
		ctl:     ctl,
		spinner: sp,
	}
}

// waitForSnapshot blocks on the next published snapshot.
func waitForSnapshot(ch <-chan vpn.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForSnapshot(m.updates))
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "d":
			m.ctl.Disconnect()
		case "r":
			m.ctl.Reconnect()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = vpn.Snapshot(msg)
		return m, waitForSnapshot(m.updates)

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("VPN Orchestrator"))
	b.WriteString("\n\n")

	state := stateStyle(m.snap.State).Render(m.snap.State.String())
	if busy(m.snap.State) {
		state = m.spinner.View() + " " + state
	}
	row(&b, "State", state)
	if m.snap.ProfileName != "" {
		row(&b, "Profile", m.snap.ProfileName)
	}
	if m.snap.ActiveServer != "" {
		row(&b, "Server", m.snap.ActiveServer)
	}
	if text := m.snap.ErrorText(); text != "" {
		row(&b, "Error", lipgloss.NewStyle().Foreground(colorError).Render(text))
	}
	if m.snap.RetryIn > 0 {
		row(&b, "Retry", fmt.Sprintf("in %ds (of %ds)", m.snap.RetryIn, m.snap.RetryTimeout))
	}
	if m.snap.Imc != vpn.ImcUnknown {
		row(&b, "Posture", m.snap.Imc.String())
	}
	for _, r := range m.snap.Remediation {
		row(&b, "Fix", r)
	}

	b.WriteString(helpStyle.Render("d disconnect • r reconnect • q quit"))
	return boxStyle.Render(b.String()) + "\n"
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func busy(s vpn.State) bool {
	switch s {
	case vpn.StateCheckingAvailability, vpn.StateConnecting, vpn.StateReconnecting, vpn.StateDisconnecting:
		return true
	}
	return false
}

func stateStyle(s vpn.State) lipgloss.Style {
	st := lipgloss.NewStyle().Bold(true)
	switch s {
	case vpn.StateConnected:
		return st.Foreground(colorConnected)
	case vpn.StateError:
		return st.Foreground(colorError)
	case vpn.StateDisabled:
		return st.Foreground(colorDim)
	default:
		return st.Foreground(colorConnecting)
	}
}

// runStatusView shows the live status view until the user quits or ctx is done.
func runStatusView(ctx context.Context, updates <-chan vpn.Snapshot, ctl controls) error {
	p := tea.NewProgram(newStatusModel(updates, ctl), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// printStates writes one line per state change until ctx is done. Countdown
// ticks are folded into the line announcing the retry.
func printStates(ctx context.Context, w io.Writer, updates <-chan vpn.Snapshot) error {
	var last *vpn.Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-updates:
			if last != nil && last.State == s.State && last.Error == s.Error &&
				last.ProfileID == s.ProfileID && last.RetryTimeout == s.RetryTimeout {
				continue
			}
			last = &s
			fmt.Fprintln(w, describe(s))
		}
	}
}

// describe renders a snapshot as a single line.
func describe(s vpn.Snapshot) string {
	var b strings.Builder
	b.WriteString(s.ChangedAt.Format(time.TimeOnly))
	b.WriteString(" ")
	b.WriteString(s.State.String())
	if s.ProfileName != "" {
		fmt.Fprintf(&b, " %s", s.ProfileName)
	}
	if s.ActiveServer != "" {
		fmt.Fprintf(&b, " (%s)", s.ActiveServer)
	}
	if text := s.ErrorText(); text != "" {
		fmt.Fprintf(&b, ": %s", text)
	}
	if s.RetryTimeout > 0 {
		fmt.Fprintf(&b, ", retrying in %ds", s.RetryTimeout)
	}
	return b.String()
}
