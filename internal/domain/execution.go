// Package domain defines the core persistence models for the application.
// This file holds the dispatch audit trail (Execution), the out-of-band
// handler reply record (ModuleResponse), and the collector redelivery
// receipt used for safe event retries.
package domain

import "time"

// Execution terminal and non-terminal statuses. Pending is the only
// non-terminal status; a record never changes once terminal.
const (
	StatusPending          = "pending"
	StatusSuccess          = "success"
	StatusFailed           = "failed"
	StatusTimedOut         = "timed_out"
	StatusPermissionDenied = "permission_denied"
	StatusRateLimited      = "rate_limited"
)

// Execution is one record per attempted dispatch. It correlates the inbound
// event (via SessionID) to the resolved command, entity, acting user, the
// payload sent, the response received, timing, and the terminal status.
// The table is append-only: rows are finalized exactly once.
type Execution struct {
	ID        string `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string `json:"session_id" gorm:"type:char(36);not null;index"`
	CommandID string `json:"command_id" gorm:"type:char(36);not null;index"`
	EntityKey string `json:"entity_key" gorm:"type:varchar(255);not null;index"`
	UserID    string `json:"user_id"    gorm:"type:varchar(128);not null"`

	Payload  string `json:"payload"  gorm:"type:text"`
	Response string `json:"response" gorm:"type:text"`
	Status   string `json:"status"   gorm:"type:varchar(24);not null;default:'pending';check:status IN ('pending','success','failed','timed_out','permission_denied','rate_limited')"`
	Error    string `json:"error"    gorm:"type:text"`
	Retries  int    `json:"retries"  gorm:"not null;default:0"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// TableName returns the database table name for Execution.
func (Execution) TableName() string { return "executions" }

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool { return e.Status != StatusPending }

// ModuleResponse actions a handler may request when replying out of band.
const (
	RespActionChat   = "chat"
	RespActionMedia  = "media"
	RespActionTicker = "ticker"
	RespActionForm   = "form"
	RespActionNone   = "none"
)

// ModuleResponse is an asynchronous handler reply keyed by execution and
// session id. The correlator validates the session before a response row is
// accepted; rejected responses are never persisted.
type ModuleResponse struct {
	ID          string `json:"id"            gorm:"type:char(36);primaryKey"`
	ExecutionID string `json:"execution_id"  gorm:"type:char(36);not null;index"`
	SessionID   string `json:"session_id"    gorm:"type:char(36);not null;index"`
	Success     bool   `json:"success"       gorm:"not null"`
	Action      string `json:"action"        gorm:"type:varchar(16);not null;default:'none';check:action IN ('chat','media','ticker','form','none')"`
	Payload     string `json:"payload"       gorm:"type:text"`
	Error       string `json:"error"         gorm:"type:text"`
	ProcessedMS int64  `json:"processing_ms"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for ModuleResponse.
func (ModuleResponse) TableName() string { return "module_responses" }

// IngestReceipt records a processed inbound event so that collector
// redeliveries of the same (collector_id, event_key) return the original
// session id without re-dispatching. Receipts expire after a TTL.
type IngestReceipt struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	CollectorID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_collector_event,priority:1"`
	EventKey    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_collector_event,priority:2"`
	SessionID   string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (IngestReceipt) TableName() string { return "ingest_receipts" }
