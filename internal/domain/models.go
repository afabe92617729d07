// Package domain defines the persistence models for the event router:
// commands, chat entities, per-entity command permissions, and string
// match rules. These types are mapped with GORM and form the core data
// layer of the routing pipeline.
package domain

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Command location: where the handler for a command runs.
const (
	LocationLocal     = "local"     // co-located interaction module
	LocationNetworked = "networked" // remote handler behind the network boundary
)

// Command backend kinds, selected by the execution engine.
const (
	BackendContainer  = "container"
	BackendServerless = "serverless"
	BackendWebhook    = "webhook"
)

// Command trigger types.
const (
	TriggerCommand = "command" // fires on chat messages with a matching prefix
	TriggerEvent   = "event"   // fires on non-chat platform events
	TriggerBoth    = "both"
)

// Command execution modes for multi-match dispatch.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Command is an installable handler definition. The (Prefix, Name) pair is
// unique among active commands; installs of a duplicate pair are rejected at
// the registry layer so that soft-deleted rows never block reinstallation.
//
// Fields:
//   - Prefix: the sigil that introduces the command in chat ("!" or "?").
//   - Name: the command word following the sigil.
//   - Location: local vs. networked handler resolution (see §matching).
//   - Type: backend kind (container, serverless, webhook).
//   - Invocation: backend-specific target — function name for serverless,
//     URL for webhook, RPC method for container handlers.
//   - RateLimit: calls allowed per window for one (command, entity) pair;
//     0 means "use the configured default". NoLimit bypasses limiting.
//   - Priority: lower runs earlier; ties break by CreatedAt.
type Command struct {
	ID          string `json:"id"          gorm:"type:char(36);primaryKey"`
	Prefix      string `json:"prefix"      gorm:"type:varchar(8);not null;index:idx_prefix_name,priority:1"`
	Name        string `json:"name"        gorm:"type:varchar(64);not null;index:idx_prefix_name,priority:2"`
	Description string `json:"description" gorm:"type:varchar(255)"`

	Location   string `json:"location"    gorm:"type:varchar(16);not null;default:'local';check:location IN ('local','networked')"`
	Type       string `json:"type"        gorm:"type:varchar(16);not null;check:type IN ('container','serverless','webhook')"`
	Invocation string `json:"invocation"  gorm:"type:varchar(512);not null"`
	HTTPMethod string `json:"http_method" gorm:"type:varchar(8);not null;default:'POST'"`

	TimeoutSeconds int  `json:"timeout_seconds" gorm:"not null;default:10"`
	RequireAuth    bool `json:"require_auth"    gorm:"not null;default:false"`
	RateLimit      int  `json:"rate_limit"      gorm:"not null;default:0"`
	NoLimit        bool `json:"no_limit"        gorm:"not null;default:false"`
	Active         bool `json:"active"          gorm:"not null;default:true;index"`

	TriggerType   string `json:"trigger_type"   gorm:"type:varchar(16);not null;default:'command';check:trigger_type IN ('command','event','both')"`
	EventTypes    string `json:"event_types"    gorm:"type:varchar(255)"` // CSV of applicable event types
	Priority      int    `json:"priority"       gorm:"not null;default:100"`
	ExecutionMode string `json:"execution_mode" gorm:"type:varchar(16);not null;default:'sequential';check:execution_mode IN ('sequential','parallel')"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Command.
func (Command) TableName() string { return "commands" }

// HandlesEvent reports whether the command applies to the given non-chat
// event type. An empty EventTypes list means the command accepts any event.
func (c *Command) HandlesEvent(eventType string) bool {
	if c.TriggerType != TriggerEvent && c.TriggerType != TriggerBoth {
		return false
	}
	if strings.TrimSpace(c.EventTypes) == "" {
		return true
	}
	for _, t := range strings.Split(c.EventTypes, ",") {
		if strings.TrimSpace(t) == eventType {
			return true
		}
	}
	return false
}

// Entity is one addressable chat venue: a (platform, server, channel) tuple.
// Its primary key is derived deterministically from the tuple so that
// re-registration is idempotent.
type Entity struct {
	Key       string `json:"key"        gorm:"type:varchar(255);primaryKey"`
	Platform  string `json:"platform"   gorm:"type:varchar(32);not null;index"`
	ServerID  string `json:"server_id"  gorm:"type:varchar(128);not null"`
	ChannelID string `json:"channel_id" gorm:"type:varchar(128);not null"`
	Active    bool   `json:"active"     gorm:"not null;default:true"`
	Config    string `json:"config"     gorm:"type:text"` // free-form JSON

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Entity.
func (Entity) TableName() string { return "entities" }

// EntityKey derives the deterministic identity of a chat venue.
func EntityKey(platform, serverID, channelID string) string {
	return platform + ":" + serverID + ":" + channelID
}

// CommandPermission is the install record joining Command and Entity. It is
// created when a command is installed into an entity and hard-deleted on
// uninstall. Usage counters are updated at dispatch time, not completion.
type CommandPermission struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	CommandID      string     `json:"command_id"      gorm:"type:char(36);not null;uniqueIndex:ux_perm_cmd_entity,priority:1"`
	EntityKey      string     `json:"entity_key"      gorm:"type:varchar(255);not null;uniqueIndex:ux_perm_cmd_entity,priority:2;index"`
	Enabled        bool       `json:"enabled"         gorm:"not null;default:true"`
	ConfigOverride string     `json:"config_override" gorm:"type:text"`
	UseCount       int64      `json:"use_count"       gorm:"not null;default:0"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Command is the installed command. Permissions are cascade-deleted
	// if the command row is removed.
	Command Command `json:"-" gorm:"foreignKey:CommandID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CommandPermission.
func (CommandPermission) TableName() string { return "command_permissions" }

// StringMatchRule match types.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
	MatchWord     = "word"
	MatchRegex    = "regex"
	MatchWildcard = "wildcard"
)

// StringMatchRule actions. Block and warn are exclusive: the first matching
// rule wins and evaluation stops. Command and webhook actions accumulate.
const (
	ActionWarn    = "warn"
	ActionBlock   = "block"
	ActionCommand = "command"
	ActionWebhook = "webhook"
)

// StringMatchRule is the content-pattern fallback evaluated when a chat
// message resolved no exact command. Rules run in ascending Priority order.
//
// EntityKeys limits the rule to a CSV set of entity keys; empty applies the
// rule to every entity. ActionArg carries the command id (ActionCommand) or
// webhook URL (ActionWebhook).
type StringMatchRule struct {
	ID            string `json:"id"             gorm:"type:char(36);primaryKey"`
	Pattern       string `json:"pattern"        gorm:"type:varchar(512);not null"`
	MatchType     string `json:"match_type"     gorm:"type:varchar(16);not null;check:match_type IN ('exact','contains','word','regex','wildcard')"`
	CaseSensitive bool   `json:"case_sensitive" gorm:"not null;default:false"`
	EntityKeys    string `json:"entity_keys"    gorm:"type:text"`
	Action        string `json:"action"         gorm:"type:varchar(16);not null;check:action IN ('warn','block','command','webhook')"`
	ActionArg     string `json:"action_arg"     gorm:"type:varchar(512)"`
	Priority      int    `json:"priority"       gorm:"not null;default:100;index"`
	Active        bool   `json:"active"         gorm:"not null;default:true;index"`

	MatchCount    int64      `json:"match_count" gorm:"not null;default:0"`
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for StringMatchRule.
func (StringMatchRule) TableName() string { return "string_match_rules" }

// AppliesTo reports whether the rule is scoped to the given entity.
func (r *StringMatchRule) AppliesTo(entityKey string) bool {
	if strings.TrimSpace(r.EntityKeys) == "" {
		return true
	}
	for _, k := range strings.Split(r.EntityKeys, ",") {
		if strings.TrimSpace(k) == entityKey {
			return true
		}
	}
	return false
}

// Exclusive reports whether a hit on this rule stops further evaluation.
func (r *StringMatchRule) Exclusive() bool {
	return r.Action == ActionBlock || r.Action == ActionWarn
}
