package ui

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/store"
)

func staticFetch(s health.Snapshot, err error) FetchFunc {
	return func(context.Context) (health.Snapshot, error) { return s, err }
}

func newTestModel(fetch FetchFunc) *dashboardModel {
	return newDashboardModel(context.Background(), DashboardConfig{
		Root:    "/work/repo",
		NoColor: true,
		Fetch:   fetch,
	})
}

func TestRunDashboard_RequiresTTY(t *testing.T) {
	err := RunDashboard(context.Background(), DashboardConfig{
		Output: &bytes.Buffer{},
		Fetch:  staticFetch(health.Snapshot{}, nil),
	})
	assert.Error(t, err)
}

func TestRunDashboard_RequiresFetch(t *testing.T) {
	err := RunDashboard(context.Background(), DashboardConfig{Output: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestDashboard_WaitingView(t *testing.T) {
	m := newTestModel(staticFetch(health.Snapshot{}, nil))

	view := m.View()

	assert.Contains(t, view, "/work/repo")
	assert.Contains(t, view, "waiting for status")
}

func TestDashboard_SnapshotView(t *testing.T) {
	now := time.Now()
	snap := health.Snapshot{
		Status:                   health.StatusAlive,
		Healthy:                  true,
		EstimatedStalenessWindow: 30 * time.Second,
		BacklogSize:              3,
		CatchUpState:             health.CatchUpNone,
		ActiveDefeaters:          2,
		MostSevere:               store.DefeaterContradiction,
		CursorKind:               store.CursorGit,
		CursorValue:              "0123456789abcdef",
		LastHeartbeatAt:          now.Add(-10 * time.Second),
		LastReconcileOkAt:        now.Add(-20 * time.Second),
	}
	m := newTestModel(staticFetch(snap, nil))

	_, cmd := m.Update(snapshotMsg{snap: snap, at: now})
	require.NotNil(t, cmd, "a snapshot schedules the next poll")
	view := m.View()

	assert.Contains(t, view, "alive")
	assert.Contains(t, view, "30s")
	assert.Contains(t, view, "2 (worst: contradiction)")
	assert.Contains(t, view, "0123456789ab")
	assert.NotContains(t, view, "0123456789abcdef")
	assert.Contains(t, view, "10s ago")
	assert.Equal(t, []float64{3}, m.backlog.Values())
}

func TestDashboard_FetchErrorKeepsLastSnapshot(t *testing.T) {
	snap := health.Snapshot{Status: health.StatusAlive, BacklogSize: 1}
	m := newTestModel(nil)

	m.Update(snapshotMsg{snap: snap, at: time.Now()})
	m.Update(snapshotMsg{err: errors.New("daemon went away"), at: time.Now()})
	view := m.View()

	assert.Contains(t, view, "alive")
	assert.Contains(t, view, "daemon went away")
	assert.Equal(t, 1, m.backlog.Len())
}

func TestDashboard_PollFetches(t *testing.T) {
	snap := health.Snapshot{Status: health.StatusSuspectedDead, Reason: "no heartbeat for 10m0s"}
	m := newTestModel(staticFetch(snap, nil))

	_, cmd := m.Update(pollMsg{})
	require.NotNil(t, cmd)
	msg, ok := cmd().(snapshotMsg)
	require.True(t, ok)
	assert.Equal(t, health.StatusSuspectedDead, msg.snap.Status)

	m.Update(msg)
	view := m.View()
	assert.Contains(t, view, "suspected_dead")
	assert.Contains(t, view, "no heartbeat for 10m0s")
}

func TestDashboard_QuitKey(t *testing.T) {
	m := newTestModel(staticFetch(health.Snapshot{}, nil))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	require.NotNil(t, cmd)
	assert.True(t, m.quitting)
	assert.Empty(t, m.View())
}

func TestDashboard_WindowResize(t *testing.T) {
	m := newTestModel(staticFetch(health.Snapshot{}, nil))

	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	assert.Equal(t, 120, m.width)
	assert.Equal(t, 90, m.gauge.Width)
}
