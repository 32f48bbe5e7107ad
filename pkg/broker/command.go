// Package broker implements the durable, at-least-once work queues the
// controller dispatches to agents: shell commands and relayed HTTP requests.
// All claim operations are conditional updates checked via RowsAffected so
// concurrent polls can never hand the same row to two consumers.
package broker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
)

// Queue policy constants. Thresholds are fixed policy, not derived.
const (
	DefaultPollLimit = 5

	pendingStaleAfter  = time.Hour
	sentStaleAfter     = 30 * time.Minute
	offlineCancelAfter = 24 * time.Hour

	completedRetention = 7 * 24 * time.Hour
	failedRetention    = 14 * 24 * time.Hour
)

// OutcomeSuccess is the outcome string agents report for a command that ran
// cleanly; anything else is recorded as failed.
const OutcomeSuccess = "success"

// CommandBroker manages the shell command queue.
type CommandBroker struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewCommandBroker(db *gorm.DB, logger zerolog.Logger) *CommandBroker {
	return &CommandBroker{
		db:  db,
		log: logger.With().Str("component", "command_broker").Logger(),
	}
}

// Enqueue inserts a pending command for the agent. Command content is not
// validated here; allow-listing happens in a separate collaborator.
func (b *CommandBroker) Enqueue(agentID, command, description string) (uint, error) {
	row := store.Command{
		AgentID:     agentID,
		Command:     command,
		Description: description,
		Status:      store.CommandPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := b.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// Poll returns the oldest pending commands for the agent, up to limit,
// claiming each one by a conditional pending->sent update. A row lost to a
// concurrent poll is silently skipped.
func (b *CommandBroker) Poll(agentID string, limit int) ([]store.Command, error) {
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	var candidates []store.Command
	err := b.db.Where("agent_id = ? AND status = ?", agentID, store.CommandPending).
		Order("created_at asc").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	claimed := make([]store.Command, 0, len(candidates))
	for _, cmd := range candidates {
		res := b.db.Model(&store.Command{}).
			Where("id = ? AND agent_id = ? AND status = ?", cmd.ID, agentID, store.CommandPending).
			Updates(map[string]interface{}{
				"status":  store.CommandSent,
				"sent_at": now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		cmd.Status = store.CommandSent
		sentAt := now
		cmd.SentAt = &sentAt
		claimed = append(claimed, cmd)
	}
	return claimed, nil
}

// Report records the agent's outcome for a sent command. A duplicate report
// against an already-terminal row is a no-op; an unknown id or wrong agent
// returns ErrNotFound.
func (b *CommandBroker) Report(commandID uint, agentID, outcome, output string) error {
	status := store.CommandFailed
	if outcome == OutcomeSuccess {
		status = store.CommandCompleted
	}

	now := time.Now().UTC()
	res := b.db.Model(&store.Command{}).
		Where("id = ? AND agent_id = ? AND status IN ?",
			commandID, agentID, []string{store.CommandSent, store.CommandPending}).
		Updates(map[string]interface{}{
			"status":       status,
			"result":       output,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing store.Command
		err := b.db.Where("id = ? AND agent_id = ?", commandID, agentID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		// Terminal row: duplicate report, nothing to do.
		return nil
	}
	return nil
}

// Cancel marks a pending or sent command cancelled. Cancellation is
// cooperative; the agent discards unrecognized work on its next report.
func (b *CommandBroker) Cancel(commandID uint, agentID string) error {
	res := b.db.Model(&store.Command{}).
		Where("id = ? AND agent_id = ? AND status IN ?",
			commandID, agentID, []string{store.CommandPending, store.CommandSent}).
		Updates(map[string]interface{}{
			"status":       store.CommandCancelled,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return b.transitionError(commandID, agentID)
	}
	return nil
}

// Retry resets a terminal command back to pending, clearing the previous
// delivery and result.
func (b *CommandBroker) Retry(commandID uint, agentID string) error {
	res := b.db.Model(&store.Command{}).
		Where("id = ? AND agent_id = ? AND status IN ?",
			commandID, agentID,
			[]string{store.CommandCompleted, store.CommandFailed, store.CommandCancelled}).
		Updates(map[string]interface{}{
			"status":       store.CommandPending,
			"sent_at":      nil,
			"completed_at": nil,
			"result":       "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return b.transitionError(commandID, agentID)
	}
	return nil
}

func (b *CommandBroker) transitionError(commandID uint, agentID string) error {
	var existing store.Command
	err := b.db.Where("id = ? AND agent_id = ?", commandID, agentID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidStateTransition
}

// Get loads one command scoped to its agent.
func (b *CommandBroker) Get(commandID uint, agentID string) (*store.Command, error) {
	var cmd store.Command
	err := b.db.Where("id = ? AND agent_id = ?", commandID, agentID).First(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// List returns commands, optionally filtered by agent, newest first.
func (b *CommandBroker) List(agentID string, limit int) ([]store.Command, error) {
	q := b.db.Order("created_at desc")
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []store.Command
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SweepStats reports how many rows each reconciliation rule touched.
type SweepStats struct {
	StalePending int64 `json:"stale_pending"`
	StaleSent    int64 `json:"stale_sent"`
	Orphaned     int64 `json:"orphaned"`
	AgentOffline int64 `json:"agent_offline"`
}

// Sweep runs the reconciliation rules over the command queue. It is
// idempotent: a second run over unchanged data touches nothing.
func (b *CommandBroker) Sweep() (SweepStats, error) {
	now := time.Now().UTC()
	var stats SweepStats

	res := b.db.Model(&store.Command{}).
		Where("status = ? AND created_at < ?", store.CommandPending, now.Add(-pendingStaleAfter)).
		Updates(map[string]interface{}{
			"status":       store.CommandFailed,
			"result":       "stuck in pending",
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.StalePending = res.RowsAffected

	res = b.db.Model(&store.Command{}).
		Where("status = ? AND sent_at < ?", store.CommandSent, now.Add(-sentStaleAfter)).
		Updates(map[string]interface{}{
			"status":       store.CommandFailed,
			"result":       "stuck in sent",
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.StaleSent = res.RowsAffected

	res = b.db.Model(&store.Command{}).
		Where("status IN ? AND agent_id NOT IN (?)",
			[]string{store.CommandPending, store.CommandSent},
			b.db.Model(&store.Agent{}).Select("agent_id")).
		Updates(map[string]interface{}{
			"status":       store.CommandCancelled,
			"result":       "agent no longer exists",
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.Orphaned = res.RowsAffected

	res = b.db.Model(&store.Command{}).
		Where("status IN ? AND agent_id IN (?)",
			[]string{store.CommandPending, store.CommandSent},
			b.db.Model(&store.Agent{}).Select("agent_id").
				Where("status <> ? AND last_checkin < ?", store.AgentOnline, now.Add(-offlineCancelAfter))).
		Updates(map[string]interface{}{
			"status":       store.CommandCancelled,
			"result":       "agent offline",
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.AgentOffline = res.RowsAffected

	if stats.StalePending+stats.StaleSent+stats.Orphaned+stats.AgentOffline > 0 {
		b.log.Info().
			Int64("stale_pending", stats.StalePending).
			Int64("stale_sent", stats.StaleSent).
			Int64("orphaned", stats.Orphaned).
			Int64("agent_offline", stats.AgentOffline).
			Msg("command queue reconciled")
	}
	return stats, nil
}

// Purge deletes terminal commands past retention: completed after 7 days,
// failed and cancelled after 14, measured from completed_at with created_at
// as the fallback. Safe to run concurrently with Sweep.
func (b *CommandBroker) Purge() (int64, error) {
	now := time.Now().UTC()
	var deleted int64

	res := b.db.Where("status = ? AND COALESCE(completed_at, created_at) < ?",
		store.CommandCompleted, now.Add(-completedRetention)).
		Delete(&store.Command{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected

	res = b.db.Where("status IN ? AND COALESCE(completed_at, created_at) < ?",
		[]string{store.CommandFailed, store.CommandCancelled}, now.Add(-failedRetention)).
		Delete(&store.Command{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected

	if deleted > 0 {
		b.log.Info().Int64("deleted", deleted).Msg("command retention purge")
	}
	return deleted, nil
}
