// Package tui implements the interactive gpustress dashboard.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"gpustress/internal/checkpoint"
	"gpustress/internal/gpu"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("#444444"))

	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	frozenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3DAEE9"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))

	barFull  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	barEmpty = lipgloss.NewStyle().Foreground(lipgloss.Color("#333333"))
	barWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	barCrit  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))

	logoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF"))
)

const refreshInterval = 2 * time.Second

// Source supplies the node snapshot. The default reads nvidia-smi.
type Source func(ctx context.Context) (Snapshot, error)

type Snapshot struct {
	GPUs   []gpu.Info
	Procs  []gpu.Process
	Driver string
}

// NvidiaSMI reads a snapshot through the gpu package.
func NvidiaSMI(ctx context.Context) (Snapshot, error) {
	gpus, err := gpu.QueryGPUs(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	procs, err := gpu.ComputeApps(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{GPUs: gpus, Procs: procs, Driver: gpu.DriverVersion(ctx)}, nil
}

type row struct {
	proc   gpu.Process
	frozen bool
}

type event struct {
	time   time.Time
	action string
	pid    int
	detail string
}

type Model struct {
	source Source
	cuda   *checkpoint.CUDA

	snap Snapshot
	// Checkpointed processes drop out of nvidia-smi's compute list, so they
	// are remembered here until thawed.
	frozen map[int]gpu.Process
	// PIDs with a freeze or thaw still running.
	pending map[int]bool
	events  []event
	cursor  int
	width   int
	height  int
	err     error
}

func NewModel(source Source, cuda *checkpoint.CUDA) Model {
	return Model{
		source:  source,
		cuda:    cuda,
		frozen:  make(map[int]gpu.Process),
		pending: make(map[int]bool),
		width:   80,
		height:  24,
	}
}

type snapshotMsg Snapshot
type errMsg error
type tickMsg time.Time

type actionMsg struct {
	action string
	proc   gpu.Process
	took   time.Duration
	err    error
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		s, err := m.source(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(s)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.err = nil
		m.clampCursor()
		return m, nil

	case actionMsg:
		return m.applyAction(msg), m.refresh()

	case errMsg:
		m.err = msg
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) applyAction(msg actionMsg) Model {
	delete(m.pending, msg.proc.PID)
	e := event{time: time.Now(), action: msg.action, pid: msg.proc.PID}
	if msg.err != nil {
		e.detail = msg.err.Error()
		m.err = msg.err
	} else {
		e.detail = fmt.Sprintf("%d ms", msg.took.Milliseconds())
		switch msg.action {
		case "freeze":
			m.frozen[msg.proc.PID] = msg.proc
		case "thaw":
			delete(m.frozen, msg.proc.PID)
		}
	}
	m.events = append(m.events, e)
	if len(m.events) > 100 {
		m.events = m.events[len(m.events)-50:]
	}
	m.clampCursor()
	return m
}

func (m Model) rows() []row {
	var rows []row
	seen := make(map[int]bool)
	for _, p := range m.snap.Procs {
		if _, ok := m.frozen[p.PID]; ok {
			continue
		}
		rows = append(rows, row{proc: p})
		seen[p.PID] = true
	}
	var frozen []row
	for pid, p := range m.frozen {
		if !seen[pid] {
			frozen = append(frozen, row{proc: p, frozen: true})
		}
	}
	sort.Slice(frozen, func(i, j int) bool { return frozen[i].proc.PID < frozen[j].proc.PID })
	return append(rows, frozen...)
}

func (m *Model) clampCursor() {
	if n := len(m.rows()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.rows())-1 {
			m.cursor++
		}

	case "f":
		return m, m.doAction("freeze")
	case "t":
		return m, m.doAction("thaw")
	}
	return m, nil
}

func (m Model) doAction(action string) tea.Cmd {
	rows := m.rows()
	if m.cuda == nil || m.cursor < 0 || m.cursor >= len(rows) {
		return nil
	}
	r := rows[m.cursor]
	if (action == "freeze") == r.frozen || m.pending[r.proc.PID] {
		return nil
	}
	m.pending[r.proc.PID] = true
	cuda := m.cuda
	return func() tea.Msg {
		ctx := context.Background()
		var took time.Duration
		var err error
		if action == "freeze" {
			took, err = cuda.Freeze(ctx, r.proc.PID)
		} else {
			took, err = cuda.Thaw(ctx, r.proc.PID)
		}
		return actionMsg{action: action, proc: r.proc, took: took, err: err}
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(logoStyle.Render("  gpustress") + dimStyle.Render(" · node GPU load") + "\n\n")

	if len(m.snap.GPUs) == 0 {
		b.WriteString(dimStyle.Render("  (no GPUs reported)") + "\n")
	}
	for _, g := range m.snap.GPUs {
		label := fmt.Sprintf("GPU %d", g.Index)
		bar := renderBar(g.MemUsed, g.MemTotal, 30)
		info := fmt.Sprintf("%s / %s  %s", mib(g.MemUsed), mib(g.MemTotal), g.Name)
		b.WriteString(fmt.Sprintf("  %-6s %s  %s\n", label, bar, dimStyle.Render(info)))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("  PROCESSES") + "\n\n")
	rows := m.rows()
	if len(rows) == 0 {
		b.WriteString(dimStyle.Render("  (no GPU processes — start one with 'gpustress')") + "\n")
	} else {
		b.WriteString(dimStyle.Render("  PID       STATE     MEM         NAME") + "\n")
		for i, r := range rows {
			cursor := "  "
			if i == m.cursor {
				cursor = boldStyle.Render("▸ ")
			}
			icon, state := activeStyle.Render("●"), activeStyle.Render("active")
			if r.frozen {
				icon, state = frozenStyle.Render("○"), frozenStyle.Render("frozen")
			}
			line := fmt.Sprintf("%s%s %-8d%-10s%-12s%s", cursor, icon, r.proc.PID, state, mib(r.proc.MemMB), dimStyle.Render(r.proc.Name))
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("  EVENTS") + "\n\n")
	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  (no events yet)") + "\n")
	}
	start := max(len(m.events)-8, 0)
	for i := len(m.events) - 1; i >= start; i-- {
		e := m.events[i]
		b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			dimStyle.Render(e.time.Format("15:04:05")), actionLabel(e.action),
			boldStyle.Render(fmt.Sprintf("%d", e.pid)), e.detail))
	}
	b.WriteString("\n")

	avail := m.cuda != nil && m.cuda.Available
	b.WriteString(dimStyle.Render(fmt.Sprintf("  cuda-checkpoint: %s  driver: %s", boolStr(avail), m.snap.Driver)) + "\n\n")

	if m.err != nil {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  ERROR: %v", m.err)) + "\n\n")
	}

	b.WriteString(helpStyle.Render("  ↑↓:select  f:freeze  t:thaw  q:quit"))
	b.WriteString("\n")

	return b.String()
}

func mib(mb int64) string {
	if mb < 0 {
		mb = 0
	}
	return humanize.IBytes(uint64(mb) * 1024 * 1024)
}

func renderBar(used, total int64, width int) string {
	if total <= 0 {
		return barEmpty.Render(strings.Repeat("░", width))
	}
	pct := float64(used) / float64(total)
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	empty := width - filled

	style := barFull
	if pct > 0.9 {
		style = barCrit
	} else if pct > 0.7 {
		style = barWarn
	}

	return style.Render(strings.Repeat("█", filled)) +
		barEmpty.Render(strings.Repeat("░", empty))
}

func actionLabel(action string) string {
	switch action {
	case "freeze":
		return frozenStyle.Render("FREEZE")
	case "thaw":
		return activeStyle.Render("THAW")
	default:
		return dimStyle.Render(strings.ToUpper(action))
	}
}

func boolStr(b bool) string {
	if b {
		return activeStyle.Render("✓")
	}
	return deadStyle.Render("✗")
}

func Run(source Source, cuda *checkpoint.CUDA) error {
	p := tea.NewProgram(NewModel(source, cuda), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
