// Package coordinate implements the claim/lease protocol that spreads
// entity ownership across an elastic fleet of collector containers. The
// service is the sole owner of CoordinationClaim transitions; every
// mutation goes through the claim store's guarded updates, so concurrent
// claim attempts on one entity resolve to exactly one winner.
//
// Elasticity falls out of the lease model: a new container simply starts
// requesting idle entities, and a dead container's claims return to the
// idle pool one grace period after its last checkin.
package coordinate

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/relaymesh/go-event-router/internal/domain"
	"github.com/relaymesh/go-event-router/internal/repo"
)

// claimGauge tracks the number of claims per status, refreshed on sweep.
var claimGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "router_coordination_claims",
		Help: "Coordination claims by status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(claimGauge)
}

// ErrCapacity is returned when a container already holds its maximum number
// of claims.
var ErrCapacity = errors.New("container at claim capacity")

// Store is the claim persistence contract. The production implementation is
// a thin shim over the repo package's guarded updates.
type Store interface {
	EnsureClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error)
	GetClaim(ctx context.Context, db *gorm.DB, entityKey string) (*domain.CoordinationClaim, error)
	TryClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string, version int64, expires time.Time) error
	ReleaseClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string) error
	CheckinClaim(ctx context.Context, db *gorm.DB, entityKey, containerID string, expires time.Time) error
	UpdateLiveStatus(ctx context.Context, db *gorm.DB, entityKey string, isLive bool, viewers int, priority int64) error
	IncrementClaimError(ctx context.Context, db *gorm.DB, entityKey string) (int, error)
	ListIdleClaims(ctx context.Context, db *gorm.DB, limit int) ([]domain.CoordinationClaim, error)
	CountClaimsByContainer(ctx context.Context, db *gorm.DB, containerID string) (int64, error)
	SweepExpiredClaims(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
	ReleaseOfflineClaims(ctx context.Context, db *gorm.DB) (int64, error)
	ClaimStatusCounts(ctx context.Context, db *gorm.DB) (map[string]int64, error)
	ListClaimsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.CoordinationClaim, error)
}

// Service coordinates claim ownership. Fields mirror the configured lease
// parameters; see config.Coordination.
type Service struct {
	DB   *gorm.DB
	Repo Store

	// Lease is how long a claim stays valid between checkins.
	Lease time.Duration
	// Grace is the slack past lease expiry before a claim is reclaimable.
	Grace time.Duration
	// MaxClaims caps how many entities one container may hold.
	MaxClaims int
	// ErrorThreshold forces a release once a claim accumulates this many
	// handler failures.
	ErrorThreshold int
	// SweepEvery drives the background reclaim loop.
	SweepEvery time.Duration
}

// NewService constructs a coordination service with the given lease policy.
func NewService(db *gorm.DB, store Store, lease, grace time.Duration, maxClaims, errorThreshold int, sweepEvery time.Duration) *Service {
	if lease <= 0 {
		lease = time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	if maxClaims < 1 {
		maxClaims = 1
	}
	if errorThreshold < 1 {
		errorThreshold = 5
	}
	return &Service{
		DB:             db,
		Repo:           store,
		Lease:          lease,
		Grace:          grace,
		MaxClaims:      maxClaims,
		ErrorThreshold: errorThreshold,
		SweepEvery:     sweepEvery,
	}
}

// Claim attempts to acquire entityKey for containerID. A claim already held
// by the same container is treated as a checkin; a claim held elsewhere or
// lost in a race returns repo.ErrClaimConflict.
func (s *Service) Claim(ctx context.Context, entityKey, containerID string) (*domain.CoordinationClaim, error) {
	c, err := s.Repo.EnsureClaim(ctx, s.DB, entityKey)
	if err != nil {
		return nil, err
	}

	if c.Owned() {
		if c.ClaimedBy == containerID {
			if err := s.Repo.CheckinClaim(ctx, s.DB, entityKey, containerID, s.expiry()); err != nil {
				return nil, err
			}
			return s.Repo.GetClaim(ctx, s.DB, entityKey)
		}
		return nil, repo.ErrClaimConflict
	}

	held, err := s.Repo.CountClaimsByContainer(ctx, s.DB, containerID)
	if err != nil {
		return nil, err
	}
	if held >= int64(s.MaxClaims) {
		return nil, ErrCapacity
	}

	if err := s.Repo.TryClaim(ctx, s.DB, entityKey, containerID, c.Version, s.expiry()); err != nil {
		return nil, err
	}
	return s.Repo.GetClaim(ctx, s.DB, entityKey)
}

// Release returns an owned claim to the idle pool.
func (s *Service) Release(ctx context.Context, entityKey, containerID string) error {
	return s.Repo.ReleaseClaim(ctx, s.DB, entityKey, containerID)
}

// Checkin extends the caller's lease on entityKey.
func (s *Service) Checkin(ctx context.Context, entityKey, containerID string) error {
	return s.Repo.CheckinClaim(ctx, s.DB, entityKey, containerID, s.expiry())
}

// Heartbeat is a lightweight liveness ping. It extends the lease the same
// way Checkin does; collectors use it between full checkins.
func (s *Service) Heartbeat(ctx context.Context, entityKey, containerID string) error {
	return s.Repo.CheckinClaim(ctx, s.DB, entityKey, containerID, s.expiry())
}

// UpdateLiveStatus records liveness telemetry without changing ownership.
// The derived priority score steers future claim requests toward live,
// high-viewer venues; idle venues decay by activity recency.
func (s *Service) UpdateLiveStatus(ctx context.Context, entityKey string, isLive bool, viewers int) error {
	var priority int64
	if isLive {
		priority = 1000 + int64(viewers)
	} else {
		priority = 0
	}
	return s.Repo.UpdateLiveStatus(ctx, s.DB, entityKey, isLive, viewers, priority)
}

// ReportError bumps the claim's failure counter and forces a release once
// the threshold is crossed so a struggling container sheds the entity.
func (s *Service) ReportError(ctx context.Context, entityKey, containerID string) error {
	count, err := s.Repo.IncrementClaimError(ctx, s.DB, entityKey)
	if err != nil {
		return err
	}
	if count >= s.ErrorThreshold {
		log.Warn().
			Str("entity", entityKey).
			Str("container", containerID).
			Int("errors", count).
			Msg("claim exceeded error threshold, forcing release")
		if err := s.Repo.ReleaseClaim(ctx, s.DB, entityKey, containerID); err != nil && !errors.Is(err, repo.ErrClaimConflict) {
			return err
		}
	}
	return nil
}

// RequestClaims grants up to requested idle entities to containerID,
// bounded by its remaining capacity and ordered by priority score. Races
// with other requesting containers are resolved per entity; losers simply
// receive fewer claims.
func (s *Service) RequestClaims(ctx context.Context, containerID string, requested int) ([]domain.CoordinationClaim, error) {
	held, err := s.Repo.CountClaimsByContainer(ctx, s.DB, containerID)
	if err != nil {
		return nil, err
	}
	capacity := s.MaxClaims - int(held)
	if capacity <= 0 {
		return nil, ErrCapacity
	}
	if requested > 0 && requested < capacity {
		capacity = requested
	}

	// Overfetch so contested entities do not starve this container.
	idle, err := s.Repo.ListIdleClaims(ctx, s.DB, capacity*2)
	if err != nil {
		return nil, err
	}

	granted := make([]domain.CoordinationClaim, 0, capacity)
	for _, c := range idle {
		if len(granted) == capacity {
			break
		}
		if err := s.Repo.TryClaim(ctx, s.DB, c.EntityKey, containerID, c.Version, s.expiry()); err != nil {
			if errors.Is(err, repo.ErrClaimConflict) {
				continue // benign: another container won this one
			}
			return granted, err
		}
		got, err := s.Repo.GetClaim(ctx, s.DB, c.EntityKey)
		if err != nil {
			return granted, err
		}
		granted = append(granted, *got)
	}
	return granted, nil
}

// SweepExpired reclaims entities whose owner missed checkin beyond
// lease + grace, and refreshes the claim gauge.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.Grace)
	n, err := s.Repo.SweepExpiredClaims(ctx, s.DB, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("reclaimed", n).Msg("expired claims returned to idle pool")
	}
	if counts, err := s.Repo.ClaimStatusCounts(ctx, s.DB); err == nil {
		for _, st := range []string{domain.ClaimIdle, domain.ClaimClaimed, domain.ClaimLive, domain.ClaimError} {
			claimGauge.WithLabelValues(st).Set(float64(counts[st]))
		}
	}
	return n, nil
}

// ReleaseOffline returns owned, not-live entities to the idle pool so they
// can be redistributed.
func (s *Service) ReleaseOffline(ctx context.Context) (int64, error) {
	n, err := s.Repo.ReleaseOfflineClaims(ctx, s.DB)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("released", n).Msg("offline claims released")
	}
	return n, nil
}

// Stats returns claim counts by status plus a page of claim rows.
func (s *Service) Stats(ctx context.Context, page, pageSize int) (map[string]int64, []domain.CoordinationClaim, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	counts, err := s.Repo.ClaimStatusCounts(ctx, s.DB)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.Repo.ListClaimsPage(ctx, s.DB, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return counts, rows, nil
}

// Run drives the periodic expired-claim sweep until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				log.Error().Err(err).Msg("claim sweep failed")
			}
		}
	}
}

// expiry computes the lease end for a claim granted or renewed now.
func (s *Service) expiry() time.Time {
	return time.Now().UTC().Add(s.Lease)
}
