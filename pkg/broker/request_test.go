package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/opnfleet/controller/pkg/store"
)

func TestRequestRelayLifecycle(t *testing.T) {
	db := newTestDB(t, "req-lifecycle")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	b := NewRequestBroker(db, zerolog.Nop())

	id, err := b.Enqueue("agent-1", "corr-1", "GET", "/api/core/firmware/status", `{"Accept":"application/json"}`, "")
	require.NoError(t, err)

	// Until the agent submits, the caller sees pending.
	resolution, err := b.Resolve("corr-1")
	require.NoError(t, err)
	require.Equal(t, ResolutionPending, resolution.State)
	require.Nil(t, resolution.Request)

	claimed, err := b.PollBatch("agent-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)
	require.Equal(t, store.RequestProcessing, claimed[0].Status)

	again, err := b.PollBatch("agent-1", 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, b.SubmitResponse(id, "agent-1", 200, `{"Content-Type":"application/json"}`, `{"status":"ok"}`))

	resolution, err = b.Resolve("corr-1")
	require.NoError(t, err)
	require.Equal(t, ResolutionCompleted, resolution.State)
	require.NotNil(t, resolution.Request)
	require.Equal(t, 200, resolution.Request.ResponseStatus)
	require.Equal(t, `{"status":"ok"}`, resolution.Request.ResponseBody)
}

func TestResolveUnknownCorrelationID(t *testing.T) {
	db := newTestDB(t, "req-resolve-missing")
	b := NewRequestBroker(db, zerolog.Nop())

	resolution, err := b.Resolve("nope")
	require.NoError(t, err)
	require.Equal(t, ResolutionNotFound, resolution.State)
}

func TestSubmitResponseGuards(t *testing.T) {
	db := newTestDB(t, "req-submit-guards")
	createAgent(t, db, "agent-1", store.AgentOnline, time.Now().UTC())
	createAgent(t, db, "agent-2", store.AgentOnline, time.Now().UTC())
	b := NewRequestBroker(db, zerolog.Nop())

	id, err := b.Enqueue("agent-1", "corr-1", "POST", "/api/core/service/restart", "", "")
	require.NoError(t, err)

	require.ErrorIs(t, b.SubmitResponse(9999, "agent-1", 200, "", ""), ErrNotFound)
	require.ErrorIs(t, b.SubmitResponse(id, "agent-2", 200, "", ""), ErrNotFound)

	require.NoError(t, b.SubmitResponse(id, "agent-1", 200, "", "first"))
	// A duplicate submit does not overwrite the stored response.
	require.NoError(t, b.SubmitResponse(id, "agent-1", 500, "", "second"))

	resolution, err := b.Resolve("corr-1")
	require.NoError(t, err)
	require.Equal(t, ResolutionCompleted, resolution.State)
	require.Equal(t, 200, resolution.Request.ResponseStatus)
	require.Equal(t, "first", resolution.Request.ResponseBody)
}

func TestRequestSweepFailsStaleRows(t *testing.T) {
	db := newTestDB(t, "req-sweep")
	now := time.Now().UTC()
	createAgent(t, db, "agent-1", store.AgentOnline, now)
	b := NewRequestBroker(db, zerolog.Nop())

	rows := []store.ProxyRequest{
		{AgentID: "agent-1", CorrelationID: "stale-pending", Method: "GET", Path: "/", Status: store.RequestPending, CreatedAt: now.Add(-2 * time.Hour)},
		{AgentID: "agent-1", CorrelationID: "stale-processing", Method: "GET", Path: "/", Status: store.RequestProcessing, CreatedAt: now.Add(-40 * time.Minute)},
		{AgentID: "agent-gone", CorrelationID: "orphaned", Method: "GET", Path: "/", Status: store.RequestPending, CreatedAt: now},
		{AgentID: "agent-1", CorrelationID: "fresh", Method: "GET", Path: "/", Status: store.RequestPending, CreatedAt: now},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	stats, err := b.Sweep()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.StalePending)
	require.EqualValues(t, 1, stats.StaleSent)
	require.EqualValues(t, 1, stats.Orphaned)

	// A failed row resolves as failed so the caller can stop polling.
	resolution, err := b.Resolve("stale-pending")
	require.NoError(t, err)
	require.Equal(t, ResolutionFailed, resolution.State)

	resolution, err = b.Resolve("fresh")
	require.NoError(t, err)
	require.Equal(t, ResolutionPending, resolution.State)
}

func TestRequestPurge(t *testing.T) {
	db := newTestDB(t, "req-purge")
	now := time.Now().UTC()
	createAgent(t, db, "agent-1", store.AgentOnline, now)
	b := NewRequestBroker(db, zerolog.Nop())

	oldDone := now.Add(-8 * 24 * time.Hour)
	oldFail := now.Add(-15 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	rows := []store.ProxyRequest{
		{AgentID: "agent-1", CorrelationID: "old-done", Method: "GET", Path: "/", Status: store.RequestCompleted, CreatedAt: oldDone, CompletedAt: &oldDone},
		{AgentID: "agent-1", CorrelationID: "old-fail", Method: "GET", Path: "/", Status: store.RequestFailed, CreatedAt: oldFail, CompletedAt: &oldFail},
		{AgentID: "agent-1", CorrelationID: "recent", Method: "GET", Path: "/", Status: store.RequestCompleted, CreatedAt: recent, CompletedAt: &recent},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	deleted, err := b.Purge()
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	var count int64
	require.NoError(t, db.Model(&store.ProxyRequest{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
