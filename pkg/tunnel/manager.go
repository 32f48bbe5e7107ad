// Package tunnel establishes and supervises per-agent remote-access
// sessions: an SSH port-forward to the agent's local web UI fronted by a
// dynamically generated TLS reverse-proxy virtual host on the edge port.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/broker"
	"github.com/opnfleet/controller/pkg/store"
)

// Config carries the tunnel policy knobs.
type Config struct {
	SessionTTL    time.Duration // absolute session cap
	IdleTimeout   time.Duration // inactivity cap
	SSHUser       string
	SSHPort       int
	ProbeTimeout  time.Duration // bound on any single external probe
	VerifyTimeout time.Duration // how long to wait for a forward to come up
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 4 * time.Hour
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SSHUser == "" {
		c.SSHUser = "root"
	}
	if c.SSHPort <= 0 {
		c.SSHPort = 22
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 8 * time.Second
	}
}

// SessionManager creates and destroys tunnel sessions. Any failure after
// port allocation but before the session row is durably active cleans up the
// partial OS state before returning.
type SessionManager struct {
	db       *gorm.DB
	alloc    *PortAllocator
	sup      ProcessSupervisor
	proxy    ProxyRegistrar
	keys     *KeyStore
	commands *broker.CommandBroker
	log      zerolog.Logger
	cfg      Config
}

func NewSessionManager(db *gorm.DB, alloc *PortAllocator, sup ProcessSupervisor, proxy ProxyRegistrar, keys *KeyStore, commands *broker.CommandBroker, logger zerolog.Logger, cfg Config) *SessionManager {
	cfg.applyDefaults()
	return &SessionManager{
		db:       db,
		alloc:    alloc,
		sup:      sup,
		proxy:    proxy,
		keys:     keys,
		commands: commands,
		log:      logger.With().Str("component", "tunnel_manager").Logger(),
		cfg:      cfg,
	}
}

// Open establishes a session to the agent's web UI and records it active.
func (m *SessionManager) Open(agentID string) (*store.TunnelSession, error) {
	var agent store.Agent
	err := m.db.Where("agent_id = ?", agentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	forwardPort, edgePort, err := m.alloc.Allocate()
	if err != nil {
		return nil, err
	}

	keyPath, err := m.keys.Materialize(agent.AgentID, agent.SSHPrivateKey)
	if err != nil {
		return nil, err
	}

	if err := m.probeKey(&agent, keyPath); err != nil {
		m.queueKeyRedeploy(&agent)
		return nil, fmt.Errorf("%w: %v", ErrKeyRejected, err)
	}

	pid, err := m.spawnForward(&agent, keyPath, forwardPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	verifyCtx, cancel := context.WithTimeout(context.Background(), m.cfg.VerifyTimeout)
	defer cancel()
	if !waitUntil(verifyCtx, func() bool { return m.sup.IsListening(forwardPort) }) {
		m.sup.Kill(pid)
		return nil, ErrProcessVerifyFailed
	}

	route := Route{EdgePort: edgePort, ForwardPort: forwardPort, Scheme: agent.WebUIScheme}
	if err := m.proxy.UpsertRoute(route); err != nil {
		m.sup.Kill(pid)
		return nil, err
	}
	if err := m.proxy.Reload(); err != nil {
		m.sup.Kill(pid)
		m.proxy.RemoveRoute(edgePort)
		return nil, err
	}

	now := time.Now().UTC()
	session := store.TunnelSession{
		AgentID:      agent.AgentID,
		ForwardPort:  forwardPort,
		EdgePort:     edgePort,
		ForwardPID:   pid,
		Status:       store.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.cfg.SessionTTL),
		IdleTimeoutS: int(m.cfg.IdleTimeout.Seconds()),
	}
	if err := m.db.Create(&session).Error; err != nil {
		m.sup.Kill(pid)
		m.proxy.RemoveRoute(edgePort)
		m.proxy.Reload()
		return nil, err
	}

	m.log.Info().
		Str("agent_id", agent.AgentID).
		Int("forward_port", forwardPort).
		Int("edge_port", edgePort).
		Int("pid", pid).
		Msg("tunnel session opened")
	return &session, nil
}

// Touch records activity on an active session.
func (m *SessionManager) Touch(sessionID uint) error {
	res := m.db.Model(&store.TunnelSession{}).
		Where("id = ? AND status = ?", sessionID, store.SessionActive).
		Update("last_activity", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return broker.ErrNotFound
	}
	return nil
}

// Close tears a session down: kill the forward, drop the vhost, reload the
// proxy, mark the row closed with the reason.
func (m *SessionManager) Close(sessionID uint, reason string) error {
	var session store.TunnelSession
	err := m.db.Where("id = ? AND status = ?", sessionID, store.SessionActive).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return broker.ErrNotFound
	}
	if err != nil {
		return err
	}
	return m.teardown(&session, reason)
}

func (m *SessionManager) teardown(session *store.TunnelSession, reason string) error {
	if session.ForwardPID > 0 {
		if err := m.sup.Kill(session.ForwardPID); err != nil {
			m.log.Warn().Err(err).Int("pid", session.ForwardPID).Msg("kill forward failed, falling back to port kill")
		}
	}
	// Catch respawned or reparented forwards the pid no longer covers.
	m.sup.KillPort(session.ForwardPort)

	if err := m.proxy.RemoveRoute(session.EdgePort); err != nil {
		m.log.Warn().Err(err).Int("edge_port", session.EdgePort).Msg("vhost removal failed")
	}
	if err := m.proxy.Reload(); err != nil {
		m.log.Warn().Err(err).Msg("proxy reload failed during teardown")
	}

	res := m.db.Model(&store.TunnelSession{}).
		Where("id = ? AND status = ?", session.ID, store.SessionActive).
		Updates(map[string]interface{}{
			"status":        store.SessionClosed,
			"closed_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	m.log.Info().Uint("session_id", session.ID).Str("reason", reason).Msg("tunnel session closed")
	return nil
}

// ForceReset kills every active tunnel and clears all vhost state. This is
// the operational big hammer for a wedged tunnel layer.
func (m *SessionManager) ForceReset() (int, error) {
	var sessions []store.TunnelSession
	if err := m.db.Where("status = ?", store.SessionActive).Find(&sessions).Error; err != nil {
		return 0, err
	}

	for i := range sessions {
		s := &sessions[i]
		if s.ForwardPID > 0 {
			m.sup.Kill(s.ForwardPID)
		}
		m.sup.KillPort(s.ForwardPort)
	}
	if err := m.proxy.RemoveAll(); err != nil {
		m.log.Warn().Err(err).Msg("vhost cleanup failed during reset")
	}
	if err := m.proxy.Reload(); err != nil {
		m.log.Warn().Err(err).Msg("proxy reload failed during reset")
	}

	res := m.db.Model(&store.TunnelSession{}).
		Where("status = ?", store.SessionActive).
		Updates(map[string]interface{}{
			"status":        store.SessionClosed,
			"closed_reason": "reset",
		})
	if res.Error != nil {
		return len(sessions), res.Error
	}
	m.log.Info().Int("sessions", len(sessions)).Msg("tunnel state force-reset")
	return len(sessions), nil
}

// ListActive returns all active sessions.
func (m *SessionManager) ListActive() ([]store.TunnelSession, error) {
	sessions := make([]store.TunnelSession, 0)
	if err := m.db.Where("status = ?", store.SessionActive).Order("created_at asc").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// probeKey runs a short non-interactive SSH connection to check the
// controller's key is accepted. BatchMode keeps a rejected key from hanging
// on a password prompt.
func (m *SessionManager) probeKey(agent *store.Agent, keyPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	return m.sup.Run(ctx, "ssh",
		"-i", keyPath,
		"-p", fmt.Sprintf("%d", m.cfg.SSHPort),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(m.cfg.ProbeTimeout.Seconds())),
		fmt.Sprintf("%s@%s", m.cfg.SSHUser, agent.Address),
		"exit",
	)
}

// spawnForward launches the backgrounded SSH client forwarding the local
// forward port to the agent's web UI port.
func (m *SessionManager) spawnForward(agent *store.Agent, keyPath string, forwardPort int) (int, error) {
	return m.sup.Start("ssh",
		"-i", keyPath,
		"-p", fmt.Sprintf("%d", m.cfg.SSHPort),
		"-N",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=15",
		"-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", forwardPort, agent.WebUIPort),
		fmt.Sprintf("%s@%s", m.cfg.SSHUser, agent.Address),
	)
}

// queueKeyRedeploy enqueues a command that repairs the agent's
// authorized_keys entry with the controller's public key.
func (m *SessionManager) queueKeyRedeploy(agent *store.Agent) {
	script := fmt.Sprintf(
		`mkdir -p ~/.ssh && chmod 700 ~/.ssh && grep -qF '%s' ~/.ssh/authorized_keys 2>/dev/null || echo '%s' >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys`,
		agent.SSHPublicKey, agent.SSHPublicKey)
	if _, err := m.commands.Enqueue(agent.AgentID, script, "redeploy controller SSH key"); err != nil {
		m.log.Error().Err(err).Str("agent_id", agent.AgentID).Msg("failed to queue key redeploy")
		return
	}
	m.log.Warn().Str("agent_id", agent.AgentID).Msg("ssh key rejected, redeploy command queued")
}
