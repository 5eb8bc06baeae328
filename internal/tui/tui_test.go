package tui

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpustress/internal/checkpoint"
	"gpustress/internal/gpu"
)

var snap = Snapshot{
	GPUs: []gpu.Info{{Index: 0, Name: "NVIDIA L4", MemTotal: 23034, MemUsed: 1911, MemFree: 21123}},
	Procs: []gpu.Process{
		{PID: 100, Name: "gpustress", MemMB: 1910},
		{PID: 200, Name: "python", MemMB: 512},
	},
	Driver: "550.54.15",
}

func staticSource(s Snapshot, err error) Source {
	return func(context.Context) (Snapshot, error) { return s, err }
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestRefreshLoadsSnapshot(t *testing.T) {
	m := NewModel(staticSource(snap, nil), &checkpoint.CUDA{})
	msg := m.refresh()()
	m, _ = update(t, m, msg)

	assert.Equal(t, snap, m.snap)
	view := m.View()
	assert.Contains(t, view, "NVIDIA L4")
	assert.Contains(t, view, "gpustress")
	assert.Contains(t, view, "550.54.15")
}

func TestRefreshError(t *testing.T) {
	m := NewModel(staticSource(Snapshot{}, errors.New("nvidia-smi: not found")), nil)
	m, _ = update(t, m, m.refresh()())
	assert.EqualError(t, m.err, "nvidia-smi: not found")
	assert.Contains(t, m.View(), "ERROR: nvidia-smi: not found")
}

func TestCursorMovement(t *testing.T) {
	m := NewModel(staticSource(snap, nil), nil)
	m, _ = update(t, m, snapshotMsg(snap))

	m, _ = update(t, m, key("j"))
	assert.Equal(t, 1, m.cursor)
	m, _ = update(t, m, key("j"))
	assert.Equal(t, 1, m.cursor)
	m, _ = update(t, m, key("k"))
	assert.Equal(t, 0, m.cursor)
}

func TestFreezeKeepsProcessListed(t *testing.T) {
	m := NewModel(staticSource(snap, nil), &checkpoint.CUDA{Available: true})
	m, _ = update(t, m, snapshotMsg(snap))

	m, _ = update(t, m, actionMsg{action: "freeze", proc: snap.Procs[0]})

	// The checkpointed process no longer shows up in nvidia-smi.
	after := Snapshot{GPUs: snap.GPUs, Procs: snap.Procs[1:]}
	m, _ = update(t, m, snapshotMsg(after))

	rows := m.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 200, rows[0].proc.PID)
	assert.False(t, rows[0].frozen)
	assert.Equal(t, 100, rows[1].proc.PID)
	assert.True(t, rows[1].frozen)
	assert.Contains(t, m.View(), "frozen")

	m, _ = update(t, m, actionMsg{action: "thaw", proc: snap.Procs[0]})
	m, _ = update(t, m, snapshotMsg(snap))
	for _, r := range m.rows() {
		assert.False(t, r.frozen)
	}
	assert.Len(t, m.events, 2)
}

func TestActionWithoutCheckpointTool(t *testing.T) {
	m := NewModel(staticSource(snap, nil), &checkpoint.CUDA{Available: false})
	m, _ = update(t, m, snapshotMsg(snap))

	_, cmd := update(t, m, key("f"))
	require.NotNil(t, cmd)
	msg, ok := cmd().(actionMsg)
	require.True(t, ok)
	assert.True(t, errors.Is(msg.err, checkpoint.ErrUnavailable))

	m, _ = update(t, m, msg)
	assert.Empty(t, m.frozen)
	require.Len(t, m.events, 1)
	assert.Equal(t, "freeze", m.events[0].action)
}

func TestThawIgnoredForActiveRow(t *testing.T) {
	m := NewModel(staticSource(snap, nil), &checkpoint.CUDA{Available: true})
	m, _ = update(t, m, snapshotMsg(snap))
	_, cmd := update(t, m, key("t"))
	assert.Nil(t, cmd)
}

func TestCursorClampedWhenRowsShrink(t *testing.T) {
	m := NewModel(staticSource(snap, nil), nil)
	m, _ = update(t, m, snapshotMsg(snap))
	m, _ = update(t, m, key("j"))
	m, _ = update(t, m, snapshotMsg(Snapshot{}))
	assert.Equal(t, 0, m.cursor)
	assert.Contains(t, m.View(), "no GPU processes")
}

func TestRenderBar(t *testing.T) {
	assert.NotEmpty(t, renderBar(0, 0, 10))
	assert.NotEmpty(t, renderBar(95, 100, 10))
	assert.NotEmpty(t, renderBar(200, 100, 10))
}

func TestMiB(t *testing.T) {
	assert.Equal(t, "1.9 GiB", mib(1910))
	assert.Equal(t, "0 B", mib(-5))
}

func TestThawLastFrozenRowThenError(t *testing.T) {
	m := NewModel(staticSource(Snapshot{}, nil), &checkpoint.CUDA{})
	m.frozen[100] = gpu.Process{PID: 100, Name: "gpustress", MemMB: 1910}
	m.frozen[200] = gpu.Process{PID: 200, Name: "python", MemMB: 512}

	m, _ = update(t, m, key("j"))
	require.Equal(t, 1, m.cursor)

	m, _ = update(t, m, actionMsg{action: "thaw", proc: m.frozen[200]})
	assert.Equal(t, 0, m.cursor)

	m, _ = update(t, m, errMsg(errors.New("nvidia-smi: timeout")))
	var cmd tea.Cmd
	require.NotPanics(t, func() { m, cmd = update(t, m, key("t")) })
	assert.NotNil(t, cmd)
	assert.True(t, m.pending[100])
}

func TestActionIgnoredWhilePending(t *testing.T) {
	m := NewModel(staticSource(snap, nil), &checkpoint.CUDA{})
	m, _ = update(t, m, snapshotMsg(snap))

	m, first := update(t, m, key("f"))
	require.NotNil(t, first)
	m, second := update(t, m, key("f"))
	assert.Nil(t, second)

	m, _ = update(t, m, first())
	assert.False(t, m.pending[100])
	_, again := update(t, m, key("f"))
	assert.NotNil(t, again)
}

func TestDoActionCursorOutOfRange(t *testing.T) {
	m := NewModel(staticSource(snap, nil), &checkpoint.CUDA{})
	m, _ = update(t, m, snapshotMsg(snap))
	m.cursor = 5
	assert.Nil(t, m.doAction("freeze"))
}
