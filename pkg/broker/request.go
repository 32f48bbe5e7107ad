package broker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
)

// DefaultBatchLimit caps how many relayed requests one agent poll may claim.
const DefaultBatchLimit = 10

// Resolution states returned to the external caller polling by correlation id.
const (
	ResolutionNotFound  = "not_found"
	ResolutionPending   = "pending"
	ResolutionCompleted = "completed"
	ResolutionFailed    = "failed"
)

// Resolution is the answer to one Resolve poll.
type Resolution struct {
	State   string              `json:"state"`
	Request *store.ProxyRequest `json:"request,omitempty"`
}

// RequestBroker manages the relayed HTTP request queue. The agent executes
// each request against its local service and posts the response back; the
// original caller polls Resolve until the row completes.
type RequestBroker struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewRequestBroker(db *gorm.DB, logger zerolog.Logger) *RequestBroker {
	return &RequestBroker{
		db:  db,
		log: logger.With().Str("component", "request_broker").Logger(),
	}
}

// Enqueue inserts a pending request keyed by the caller's correlation id.
func (b *RequestBroker) Enqueue(agentID, correlationID, method, path, headers, body string) (uint, error) {
	row := store.ProxyRequest{
		AgentID:       agentID,
		CorrelationID: correlationID,
		Method:        method,
		Path:          path,
		Headers:       headers,
		Body:          body,
		Status:        store.RequestPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := b.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// PollBatch claims the oldest pending requests for the agent, marking each
// one processing with the same conditional-update semantics as the command
// queue.
func (b *RequestBroker) PollBatch(agentID string, limit int) ([]store.ProxyRequest, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	var candidates []store.ProxyRequest
	err := b.db.Where("agent_id = ? AND status = ?", agentID, store.RequestPending).
		Order("created_at asc").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]store.ProxyRequest, 0, len(candidates))
	for _, req := range candidates {
		res := b.db.Model(&store.ProxyRequest{}).
			Where("id = ? AND agent_id = ? AND status = ?", req.ID, agentID, store.RequestPending).
			Update("status", store.RequestProcessing)
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		req.Status = store.RequestProcessing
		claimed = append(claimed, req)
	}
	return claimed, nil
}

// SubmitResponse stores the agent's response for a request that has not
// already completed. Submitting twice is a no-op; an unknown id or wrong
// agent returns ErrNotFound.
func (b *RequestBroker) SubmitResponse(requestID uint, agentID string, statusCode int, headers, body string) error {
	now := time.Now().UTC()
	res := b.db.Model(&store.ProxyRequest{}).
		Where("id = ? AND agent_id = ? AND status <> ?", requestID, agentID, store.RequestCompleted).
		Updates(map[string]interface{}{
			"status":           store.RequestCompleted,
			"response_status":  statusCode,
			"response_headers": headers,
			"response_body":    body,
			"completed_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing store.ProxyRequest
		err := b.db.Where("id = ? AND agent_id = ?", requestID, agentID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return nil
	}
	return nil
}

// Resolve reports the state of a request by the caller's correlation id.
// There is no push channel; callers apply their own poll interval and
// timeout.
func (b *RequestBroker) Resolve(correlationID string) (Resolution, error) {
	var req store.ProxyRequest
	err := b.db.Where("correlation_id = ?", correlationID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Resolution{State: ResolutionNotFound}, nil
	}
	if err != nil {
		return Resolution{}, err
	}

	switch req.Status {
	case store.RequestCompleted:
		return Resolution{State: ResolutionCompleted, Request: &req}, nil
	case store.RequestFailed:
		return Resolution{State: ResolutionFailed, Request: &req}, nil
	default:
		return Resolution{State: ResolutionPending}, nil
	}
}

// Sweep applies the generic stale-queue rules to relayed requests: old
// pending and processing rows fail with the same thresholds the command
// queue uses.
func (b *RequestBroker) Sweep() (SweepStats, error) {
	now := time.Now().UTC()
	var stats SweepStats

	res := b.db.Model(&store.ProxyRequest{}).
		Where("status = ? AND created_at < ?", store.RequestPending, now.Add(-pendingStaleAfter)).
		Updates(map[string]interface{}{
			"status":       store.RequestFailed,
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.StalePending = res.RowsAffected

	res = b.db.Model(&store.ProxyRequest{}).
		Where("status = ? AND created_at < ?", store.RequestProcessing, now.Add(-sentStaleAfter)).
		Updates(map[string]interface{}{
			"status":       store.RequestFailed,
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.StaleSent = res.RowsAffected

	res = b.db.Model(&store.ProxyRequest{}).
		Where("status IN ? AND agent_id NOT IN (?)",
			[]string{store.RequestPending, store.RequestProcessing},
			b.db.Model(&store.Agent{}).Select("agent_id")).
		Updates(map[string]interface{}{
			"status":       store.RequestFailed,
			"completed_at": now,
		})
	if res.Error != nil {
		return stats, res.Error
	}
	stats.Orphaned = res.RowsAffected

	if stats.StalePending+stats.StaleSent+stats.Orphaned > 0 {
		b.log.Info().
			Int64("stale_pending", stats.StalePending).
			Int64("stale_processing", stats.StaleSent).
			Int64("orphaned", stats.Orphaned).
			Msg("request queue reconciled")
	}
	return stats, nil
}

// Purge deletes terminal requests past the same retention windows as
// commands.
func (b *RequestBroker) Purge() (int64, error) {
	now := time.Now().UTC()
	var deleted int64

	res := b.db.Where("status = ? AND COALESCE(completed_at, created_at) < ?",
		store.RequestCompleted, now.Add(-completedRetention)).
		Delete(&store.ProxyRequest{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected

	res = b.db.Where("status = ? AND COALESCE(completed_at, created_at) < ?",
		store.RequestFailed, now.Add(-failedRetention)).
		Delete(&store.ProxyRequest{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected

	if deleted > 0 {
		b.log.Info().Int64("deleted", deleted).Msg("request retention purge")
	}
	return deleted, nil
}
