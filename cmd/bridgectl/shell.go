package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/hostbridge"
)

var (
	shellTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const historyLimit = 12

func newShellCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell with live bridge state",
		Long: `An interactive prompt over the configured engine. Each line is a
procedure name followed by arguments; the panes show the invocation
stack, registry counters, and live savepoints after every call.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("shell needs a terminal; use exec for scripting")
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := configureLogging(cfg); err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.close() }()

			_, err = tea.NewProgram(newShellModel(s)).Run()
			return err
		},
	}
}

type historyEntry struct {
	line   string
	result string
	err    error
}

type shellModel struct {
	s       *session
	input   textinput.Model
	history []historyEntry
}

type calledMsg struct {
	entry historyEntry
}

func newShellModel(s *session) *shellModel {
	ti := textinput.New()
	ti.Placeholder = "procedure [args...]"
	ti.Prompt = promptStyle.Render("bridge> ")
	ti.Width = 48
	ti.Focus()
	return &shellModel{s: s, input: ti}
}

func (m *shellModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *shellModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			if line == "quit" || line == "exit" {
				return m, tea.Quit
			}
			m.input.Reset()
			return m, m.call(line)
		}

	case calledMsg:
		m.history = append(m.history, msg.entry)
		if len(m.history) > historyLimit {
			m.history = m.history[len(m.history)-historyLimit:]
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// call dispatches the line as a procedure call. It runs as a tea
// command so the UI stays responsive while the boundary lock is held.
func (m *shellModel) call(line string) tea.Cmd {
	s := m.s
	return func() tea.Msg {
		fields := strings.Fields(line)
		args := make([]hostbridge.Native, len(fields)-1)
		for i, f := range fields[1:] {
			args[i] = f
		}
		out, err := s.disp.Call(context.Background(), fields[0], args...)
		entry := historyEntry{line: line, err: err}
		if err == nil {
			entry.result = fmt.Sprint(out)
		}
		return calledMsg{entry: entry}
	}
}

func (m *shellModel) View() string {
	var left strings.Builder
	left.WriteString(shellTitleStyle.Render("hostbridge shell — " + m.s.host.Name()))
	left.WriteString("\n\n")
	for _, h := range m.history {
		left.WriteString(promptStyle.Render("> " + h.line))
		left.WriteByte('\n')
		if h.err != nil {
			left.WriteString(failStyle.Render(h.err.Error()))
		} else {
			left.WriteString(okStyle.Render(h.result))
		}
		left.WriteByte('\n')
	}
	left.WriteByte('\n')
	left.WriteString(m.input.View())
	left.WriteByte('\n')
	left.WriteString(dimStyle.Render("procedures: " + strings.Join(m.s.disp.Names(), ", ")))
	left.WriteByte('\n')
	left.WriteString(dimStyle.Render("enter to call, ctrl+c to quit"))

	return lipgloss.JoinHorizontal(lipgloss.Top,
		paneStyle.Render(left.String()),
		paneStyle.Render(m.statusPane()),
	)
}

// statusPane renders live bridge state: the frame stack, the registry
// counters, and the controller's savepoints.
func (m *shellModel) statusPane() string {
	var b strings.Builder
	b.WriteString(shellTitleStyle.Render("bridge state"))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "frames     %d\n", m.s.stack.Depth())
	fmt.Fprintf(&b, "tx level   %d\n\n", m.s.host.Level())

	st := m.s.stack.Registry().Stats()
	b.WriteString("registry\n")
	fmt.Fprintf(&b, "  live       %d\n", st.Live)
	fmt.Fprintf(&b, "  released   %d\n", st.Released)
	fmt.Fprintf(&b, "  deferred   %d\n", st.Enqueued)
	fmt.Fprintf(&b, "  dropped    %d\n\n", st.Dropped)

	sps := m.s.ctrl.Snapshot()
	b.WriteString("savepoints\n")
	if len(sps) == 0 {
		b.WriteString(dimStyle.Render("  none"))
	} else {
		for _, sp := range sps {
			fmt.Fprintf(&b, "  %s  level %d (frame %d)\n", sp.Name, sp.Level, sp.Frame)
		}
	}
	return b.String()
}
