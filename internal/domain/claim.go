// Package domain defines the core persistence models for the application.
// This file holds the coordination claim record that distributes entity
// ownership across collector containers.
package domain

import "time"

// CoordinationClaim statuses.
const (
	ClaimIdle    = "idle"
	ClaimClaimed = "claimed"
	ClaimLive    = "live"
	ClaimError   = "error"
)

// CoordinationClaim tracks which collector container owns an entity. Rows are
// created lazily on first sight of an entity and transition idle→claimed via
// an atomic compare-and-swap on the Version column, so a contested claim is
// won by exactly one container.
//
// Priority is a derived score consulted when containers request new claims:
// live entities score far above idle ones so active venues are picked up
// first after a rebalance.
type CoordinationClaim struct {
	EntityKey string `json:"entity_key" gorm:"type:varchar(255);primaryKey"`
	ClaimedBy string `json:"claimed_by" gorm:"type:varchar(128);index"`
	Status    string `json:"status"     gorm:"type:varchar(16);not null;default:'idle';index;check:status IN ('idle','claimed','live','error')"`

	IsLive      bool  `json:"is_live"      gorm:"not null;default:false"`
	ViewerCount int   `json:"viewer_count" gorm:"not null;default:0"`
	Priority    int64 `json:"priority"     gorm:"not null;default:0;index"`

	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	LastCheckinAt  *time.Time `json:"last_checkin_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	ErrorCount int   `json:"error_count" gorm:"not null;default:0"`
	Version    int64 `json:"-"           gorm:"not null;default:0"` // optimistic CAS guard

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for CoordinationClaim.
func (CoordinationClaim) TableName() string { return "coordination_claims" }

// Owned reports whether the claim is currently held by a container.
func (c *CoordinationClaim) Owned() bool {
	return c.Status == ClaimClaimed || c.Status == ClaimLive
}
