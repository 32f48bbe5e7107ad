package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
)

func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared&_busy_timeout=5000", name, time.Now().UnixNano())
	db, err := store.Open(dsn)
	require.NoError(t, err)
	return db
}

func createAgent(t *testing.T, db *gorm.DB, agentID, status string, lastCheckin time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&store.Agent{
		AgentID:     agentID,
		Status:      status,
		LastCheckin: lastCheckin,
		Address:     "10.0.0.1",
		WebUIPort:   443,
		WebUIScheme: "https",
	}).Error)
}

func TestCommandLifecycle(t *testing.T) {
	db := newTestDB(t, "cmd-lifecycle")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	b := NewCommandBroker(db, zerolog.Nop())

	id, err := b.Enqueue("agent-1", "uptime", "check uptime")
	require.NoError(t, err)
	require.NotZero(t, id)

	claimed, err := b.Poll("agent-1", 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)
	require.Equal(t, store.CommandSent, claimed[0].Status)
	require.NotNil(t, claimed[0].SentAt)

	// Re-polling returns nothing; the row is claimed.
	again, err := b.Poll("agent-1", 5)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, b.Report(id, "agent-1", OutcomeSuccess, "ok"))

	cmd, err := b.Get(id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, store.CommandCompleted, cmd.Status)
	require.Equal(t, "ok", cmd.Result)
	require.NotNil(t, cmd.CompletedAt)
}

func TestPollClaimsOldestFirstUpToLimit(t *testing.T) {
	db := newTestDB(t, "cmd-poll-order")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	b := NewCommandBroker(db, zerolog.Nop())

	var ids []uint
	for i := 0; i < 4; i++ {
		row := store.Command{
			AgentID:   "agent-1",
			Command:   fmt.Sprintf("task-%d", i),
			Status:    store.CommandPending,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, db.Create(&row).Error)
		ids = append(ids, row.ID)
	}

	claimed, err := b.Poll("agent-1", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, ids[0], claimed[0].ID)
	require.Equal(t, ids[1], claimed[1].ID)
}

func TestConcurrentPollsNeverShareARow(t *testing.T) {
	db := newTestDB(t, "cmd-claim-race")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	b := NewCommandBroker(db, zerolog.Nop())

	const total = 12
	for i := 0; i < total; i++ {
		_, err := b.Enqueue("agent-1", fmt.Sprintf("task-%d", i), "")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[uint]int)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			claimed, err := b.Poll("agent-1", total)
			mu.Lock()
			defer mu.Unlock()
			errs[slot] = err
			for _, cmd := range claimed {
				seen[cmd.ID]++
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, count := range seen {
		require.Equalf(t, 1, count, "command %d claimed %d times", id, count)
	}
}

func TestReportOnUnknownOrForeignCommand(t *testing.T) {
	db := newTestDB(t, "cmd-report-scope")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	createAgent(t, db, "agent-2", store.AgentOnline, time.Now().UTC())
	b := NewCommandBroker(db, zerolog.Nop())

	id, err := b.Enqueue("agent-1", "reboot", "")
	require.NoError(t, err)

	require.ErrorIs(t, b.Report(9999, "agent-1", OutcomeSuccess, ""), ErrNotFound)
	require.ErrorIs(t, b.Report(id, "agent-2", OutcomeSuccess, ""), ErrNotFound)

	// The row is untouched by either.
	cmd, err := b.Get(id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, store.CommandPending, cmd.Status)
}

func TestDuplicateReportIsNoOp(t *testing.T) {
	db := newTestDB(t, "cmd-dup-report")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	b := NewCommandBroker(db, zerolog.Nop())

	id, err := b.Enqueue("agent-1", "uptime", "")
	require.NoError(t, err)
	_, err = b.Poll("agent-1", 1)
	require.NoError(t, err)

	require.NoError(t, b.Report(id, "agent-1", OutcomeSuccess, "first"))
	require.NoError(t, b.Report(id, "agent-1", "error", "second"))

	cmd, err := b.Get(id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, store.CommandCompleted, cmd.Status)
	require.Equal(t, "first", cmd.Result)
}

func TestCancelAndRetryTransitions(t *testing.T) {
	db := newTestDB(t, "cmd-cancel-retry")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	b := NewCommandBroker(db, zerolog.Nop())

	id, err := b.Enqueue("agent-1", "uptime", "")
	require.NoError(t, err)

	require.NoError(t, b.Cancel(id, "agent-1"))
	cmd, err := b.Get(id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, store.CommandCancelled, cmd.Status)

	// Cancelling a terminal row is an invalid transition.
	require.ErrorIs(t, b.Cancel(id, "agent-1"), ErrInvalidStateTransition)
	require.ErrorIs(t, b.Cancel(9999, "agent-1"), ErrNotFound)

	// Retry resets the terminal row and clears delivery state.
	require.NoError(t, b.Retry(id, "agent-1"))
	cmd, err = b.Get(id, "agent-1")
	require.NoError(t, err)
	require.Equal(t, store.CommandPending, cmd.Status)
	require.Nil(t, cmd.SentAt)
	require.Nil(t, cmd.CompletedAt)
	require.Empty(t, cmd.Result)

	// Retry on a pending row is invalid.
	require.ErrorIs(t, b.Retry(id, "agent-1"), ErrInvalidStateTransition)
}

func TestSweepRules(t *testing.T) {
	db := newTestDB(t, "cmd-sweep")
	now := time.Now().UTC()
	createAgent(t, db, "agent-live", store.AgentOnline, now)
	createAgent(t, db, "agent-dark", store.AgentOffline, now.Add(-25*time.Hour))
	b := NewCommandBroker(db, zerolog.Nop())

	stuckSentAt := now.Add(-40 * time.Minute)
	rows := []store.Command{
		{AgentID: "agent-live", Command: "a", Status: store.CommandPending, CreatedAt: now.Add(-2 * time.Hour)},
		{AgentID: "agent-live", Command: "b", Status: store.CommandSent, CreatedAt: now.Add(-50 * time.Minute), SentAt: &stuckSentAt},
		{AgentID: "agent-gone", Command: "c", Status: store.CommandPending, CreatedAt: now},
		{AgentID: "agent-dark", Command: "d", Status: store.CommandPending, CreatedAt: now},
		{AgentID: "agent-live", Command: "e", Status: store.CommandPending, CreatedAt: now},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	stats, err := b.Sweep()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.StalePending)
	require.EqualValues(t, 1, stats.StaleSent)
	require.EqualValues(t, 1, stats.Orphaned)
	require.EqualValues(t, 1, stats.AgentOffline)

	var fresh store.Command
	require.NoError(t, db.Where("command = ?", "e").First(&fresh).Error)
	require.Equal(t, store.CommandPending, fresh.Status)

	var stale store.Command
	require.NoError(t, db.Where("command = ?", "a").First(&stale).Error)
	require.Equal(t, store.CommandFailed, stale.Status)
	require.Equal(t, "stuck in pending", stale.Result)
}

func TestSweepIsIdempotent(t *testing.T) {
	db := newTestDB(t, "cmd-sweep-idem")
	now := time.Now().UTC()
	createAgent(t, db, "agent-1", store.AgentOnline, now)
	b := NewCommandBroker(db, zerolog.Nop())

	require.NoError(t, db.Create(&store.Command{
		AgentID: "agent-1", Command: "a", Status: store.CommandPending,
		CreatedAt: now.Add(-2 * time.Hour),
	}).Error)

	first, err := b.Sweep()
	require.NoError(t, err)
	require.EqualValues(t, 1, first.StalePending)

	second, err := b.Sweep()
	require.NoError(t, err)
	require.Equal(t, SweepStats{}, second)
}

func TestPurgeRetentionBoundaries(t *testing.T) {
	db := newTestDB(t, "cmd-purge")
	now := time.Now().UTC()
	createAgent(t, db, "agent-1", store.AgentOnline, now)
	b := NewCommandBroker(db, zerolog.Nop())

	oldDone := now.Add(-7*24*time.Hour - time.Hour)
	recentDone := now.Add(-6*24*time.Hour - 23*time.Hour)
	oldFail := now.Add(-15 * 24 * time.Hour)
	recentFail := now.Add(-13 * 24 * time.Hour)

	rows := []store.Command{
		{AgentID: "agent-1", Command: "old-done", Status: store.CommandCompleted, CreatedAt: oldDone, CompletedAt: &oldDone},
		{AgentID: "agent-1", Command: "recent-done", Status: store.CommandCompleted, CreatedAt: recentDone, CompletedAt: &recentDone},
		{AgentID: "agent-1", Command: "old-fail", Status: store.CommandFailed, CreatedAt: oldFail, CompletedAt: &oldFail},
		{AgentID: "agent-1", Command: "recent-fail", Status: store.CommandFailed, CreatedAt: recentFail, CompletedAt: &recentFail},
		// No completed_at: retention falls back to created_at.
		{AgentID: "agent-1", Command: "old-cancelled", Status: store.CommandCancelled, CreatedAt: oldFail},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	deleted, err := b.Purge()
	require.NoError(t, err)
	require.EqualValues(t, 3, deleted)

	var remaining []store.Command
	require.NoError(t, db.Order("id asc").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, "recent-done", remaining[0].Command)
	require.Equal(t, "recent-fail", remaining[1].Command)
}
