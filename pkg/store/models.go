package store

import "time"

// Agent status values. An agent starts out pending after registration and
// flips to online on its first authenticated check-in.
const (
	AgentPending  = "pending"
	AgentOnline   = "online"
	AgentOffline  = "offline"
	AgentUpdating = "updating"
)

// Command status values. pending -> sent -> {completed|failed};
// pending|sent -> cancelled. Retry resets a terminal row back to pending.
const (
	CommandPending   = "pending"
	CommandSent      = "sent"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
	CommandCancelled = "cancelled"
)

// ProxyRequest status values. pending -> processing -> {completed|failed}.
const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// TunnelSession status values.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Agent is an enrolled remote appliance. The hardware fingerprint is stored
// as an HMAC and never changes once first verified; every inbound agent call
// compares it in constant time.
type Agent struct {
	ID              uint   `gorm:"primaryKey"`
	AgentID         string `gorm:"uniqueIndex"`
	Hostname        string `gorm:"index"`
	FingerprintHash string
	Address         string
	WebUIPort       int
	WebUIScheme     string
	Status          string `gorm:"index"`
	LastCheckin     time.Time
	SSHPrivateKey   string `gorm:"type:text"`
	SSHPublicKey    string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Command is one queued shell task for an agent. Rows double as the durable
// message log: the poll endpoint claims them with conditional updates.
type Command struct {
	ID          uint   `gorm:"primaryKey"`
	AgentID     string `gorm:"index"`
	Command     string `gorm:"type:text"`
	Description string
	Status      string `gorm:"index"`
	Result      string `gorm:"type:text"`
	CreatedAt   time.Time
	SentAt      *time.Time
	CompletedAt *time.Time
}

// ProxyRequest is a queued HTTP call relayed through agent polling. Unlike a
// Command, an external caller blocks on the outcome, polling by correlation id.
type ProxyRequest struct {
	ID              uint   `gorm:"primaryKey"`
	AgentID         string `gorm:"index"`
	CorrelationID   string `gorm:"uniqueIndex"`
	Method          string
	Path            string
	Headers         string `gorm:"type:text"`
	Body            string `gorm:"type:text"`
	Status          string `gorm:"index"`
	ResponseStatus  int
	ResponseHeaders string `gorm:"type:text"`
	ResponseBody    string `gorm:"type:text"`
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// TunnelSession records one SSH forward plus reverse-proxy vhost pair giving
// time-bounded access to an agent's local web UI. Forward and edge ports are
// unique across all active sessions.
type TunnelSession struct {
	ID           uint   `gorm:"primaryKey"`
	AgentID      string `gorm:"index"`
	ForwardPort  int    `gorm:"index"`
	EdgePort     int
	ForwardPID   int
	Status       string `gorm:"index"`
	ClosedReason string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	IdleTimeoutS int
}
