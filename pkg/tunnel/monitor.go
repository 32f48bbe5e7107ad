package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
)

// ConnectivityProber performs a short protocol-level probe of a forwarded
// endpoint. Separated from the monitor so tests can stub agent reachability.
type ConnectivityProber interface {
	Probe(ctx context.Context, scheme string, port int) error
}

// HTTPProber probes by issuing a bounded GET through the local forward. The
// agent's web UI serves a self-signed certificate, so verification is off.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, scheme string, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s://127.0.0.1:%d/", scheme, port), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	// Any HTTP response at all means the tunnel carries traffic; the UI may
	// legitimately answer 30x or 401 to an unauthenticated probe.
	return nil
}

// Summary is the per-run report of the health monitor.
type Summary struct {
	Checked int `json:"checked"`
	Healthy int `json:"healthy"`
	Healed  int `json:"healed"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// HealthMonitor periodically sweeps active sessions, healing dead forwards
// and reaping expired ones. A non-blocking file lock keeps runs from
// overlapping: process spawns and vhost writes are not transactional, so two
// concurrent sweeps could double-spawn forwards or corrupt a config write.
type HealthMonitor struct {
	db     *gorm.DB
	mgr    *SessionManager
	prober ConnectivityProber
	lock   *flock.Flock
	log    zerolog.Logger
}

func NewHealthMonitor(db *gorm.DB, mgr *SessionManager, prober ConnectivityProber, lockPath string, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		db:     db,
		mgr:    mgr,
		prober: prober,
		lock:   flock.New(lockPath),
		log:    logger.With().Str("component", "tunnel_monitor").Logger(),
	}
}

// Run performs one sweep. If another run holds the lock it returns
// ErrMonitorBusy immediately rather than queuing behind it. One session's
// failure never aborts processing of the others; only a store-level failure
// does.
func (h *HealthMonitor) Run(ctx context.Context) (Summary, error) {
	locked, err := h.lock.TryLock()
	if err != nil {
		return Summary{}, err
	}
	if !locked {
		return Summary{}, ErrMonitorBusy
	}
	defer h.lock.Unlock()

	var sessions []store.TunnelSession
	if err := h.db.Where("status = ?", store.SessionActive).Find(&sessions).Error; err != nil {
		return Summary{}, err
	}

	var summary Summary
	now := time.Now().UTC()
	for i := range sessions {
		session := &sessions[i]
		summary.Checked++

		outcome, err := h.checkSession(ctx, session, now)
		if err != nil {
			h.log.Error().Err(err).
				Uint("session_id", session.ID).
				Str("agent_id", session.AgentID).
				Msg("session check failed")
		}
		switch outcome {
		case outcomeHealthy:
			summary.Healthy++
		case outcomeHealed:
			summary.Healed++
		case outcomeExpired:
			summary.Expired++
		case outcomeFailed:
			summary.Failed++
		}
	}

	h.log.Info().
		Int("checked", summary.Checked).
		Int("healthy", summary.Healthy).
		Int("healed", summary.Healed).
		Int("expired", summary.Expired).
		Int("failed", summary.Failed).
		Msg("tunnel health sweep complete")
	return summary, nil
}

type checkOutcome int

const (
	outcomeHealthy checkOutcome = iota
	outcomeHealed
	outcomeExpired
	outcomeFailed
)

func (h *HealthMonitor) checkSession(ctx context.Context, session *store.TunnelSession, now time.Time) (checkOutcome, error) {
	// Expiry is enforced regardless of liveness.
	if now.After(session.ExpiresAt) {
		return outcomeExpired, h.mgr.teardown(session, "expired")
	}
	if session.IdleTimeoutS > 0 && now.Sub(session.LastActivity) > time.Duration(session.IdleTimeoutS)*time.Second {
		return outcomeExpired, h.mgr.teardown(session, "idle")
	}

	var agent store.Agent
	err := h.db.Where("agent_id = ?", session.AgentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return outcomeExpired, h.mgr.teardown(session, "orphaned")
	}
	if err != nil {
		return outcomeFailed, err
	}

	if h.mgr.sup.IsListening(session.ForwardPort) {
		probeCtx, cancel := context.WithTimeout(ctx, h.mgr.cfg.ProbeTimeout)
		err := h.prober.Probe(probeCtx, agent.WebUIScheme, session.ForwardPort)
		cancel()
		if err == nil {
			if err := h.mgr.Touch(session.ID); err != nil {
				return outcomeFailed, err
			}
			return outcomeHealthy, nil
		}
		// Listening but unresponsive: half-dead. Kill and heal as if the
		// forward were gone.
		h.log.Warn().Err(err).Uint("session_id", session.ID).Msg("forward listening but unresponsive")
		if session.ForwardPID > 0 {
			h.mgr.sup.Kill(session.ForwardPID)
		}
		h.mgr.sup.KillPort(session.ForwardPort)
	}

	return h.heal(ctx, session, &agent)
}

func (h *HealthMonitor) heal(ctx context.Context, session *store.TunnelSession, agent *store.Agent) (checkOutcome, error) {
	keyPath, err := h.mgr.keys.Materialize(agent.AgentID, agent.SSHPrivateKey)
	if err != nil {
		return outcomeFailed, err
	}

	if err := h.mgr.probeKey(agent, keyPath); err != nil {
		// Queue the repair and come back next cycle instead of spinning.
		h.mgr.queueKeyRedeploy(agent)
		return outcomeFailed, nil
	}

	pid, err := h.mgr.spawnForward(agent, keyPath, session.ForwardPort)
	if err != nil {
		return outcomeFailed, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, h.mgr.cfg.VerifyTimeout)
	up := waitUntil(verifyCtx, func() bool { return h.mgr.sup.IsListening(session.ForwardPort) })
	cancel()
	if !up {
		h.log.Warn().Uint("session_id", session.ID).Msg("respawned forward never came up, skipping this cycle")
		return outcomeFailed, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.mgr.cfg.ProbeTimeout)
	probeErr := h.prober.Probe(probeCtx, agent.WebUIScheme, session.ForwardPort)
	cancel()
	if probeErr != nil {
		h.log.Warn().Err(probeErr).Uint("session_id", session.ID).Msg("respawned forward unresponsive, skipping this cycle")
		return outcomeFailed, nil
	}

	// Regenerate the vhost if it vanished or drifted from the session.
	route, ok, err := h.mgr.proxy.Lookup(session.EdgePort)
	if err != nil {
		return outcomeFailed, err
	}
	want := Route{EdgePort: session.EdgePort, ForwardPort: session.ForwardPort, Scheme: agent.WebUIScheme}
	if !ok || route != want {
		if err := h.mgr.proxy.UpsertRoute(want); err != nil {
			return outcomeFailed, err
		}
		if err := h.mgr.proxy.Reload(); err != nil {
			return outcomeFailed, err
		}
	}

	res := h.db.Model(&store.TunnelSession{}).
		Where("id = ? AND status = ?", session.ID, store.SessionActive).
		Updates(map[string]interface{}{
			"forward_pid":   pid,
			"last_activity": time.Now().UTC(),
		})
	if res.Error != nil {
		return outcomeFailed, res.Error
	}
	session.ForwardPID = pid

	h.log.Info().
		Uint("session_id", session.ID).
		Str("agent_id", agent.AgentID).
		Int("pid", pid).
		Msg("tunnel session healed")
	return outcomeHealed, nil
}

// Start runs the monitor on the interval until ctx is cancelled.
func (h *HealthMonitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Run(ctx); err != nil && !errors.Is(err, ErrMonitorBusy) {
				h.log.Error().Err(err).Msg("health sweep aborted")
			}
		}
	}
}
