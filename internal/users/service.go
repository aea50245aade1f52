package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/auth"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProvider    = "default"
	defaultCacheTTL    = 10 * time.Minute
	cacheSweepInterval = 20 * time.Minute
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// CacheTTL bounds how long a resolved id is served without touching the
	// database. Expiry also paces last_seen_at refreshes.
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Service maps provider logins onto the canonical user ids that own visited countries.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *zap.Logger
	resolved *gocache.Cache
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		logger:   logger,
		resolved: gocache.New(ttl, cacheSweepInterval),
	}, nil
}

// ResolveCanonicalUserID returns the user id that scopes the caller's records.
// The first sighting of a provider+subject pair records a new identity whose
// canonical id is the bare subject.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.resolved.Get(cacheKey); ok {
		if canonicalUserID, ok := cached.(string); ok {
			return canonicalUserID, nil
		}
	}

	candidate := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  s.now().UTC(),
	}
	db := s.db.WithContext(ctx)
	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if created.Error != nil {
		return "", fmt.Errorf("users: record identity: %w", created.Error)
	}

	canonicalUserID := candidate.UserID
	if created.RowsAffected == 0 {
		var existing Identity
		if err := db.Where("provider = ? AND subject = ?", provider, subject).First(&existing).Error; err != nil {
			return "", fmt.Errorf("users: load identity: %w", err)
		}
		canonicalUserID = existing.UserID
		s.touch(ctx, existing, candidate)
	} else {
		s.logger.Info("identity recorded",
			zap.String("provider", provider),
			zap.String("user_id", canonicalUserID))
	}

	s.resolved.SetDefault(cacheKey, canonicalUserID)
	return canonicalUserID, nil
}

// touch refreshes last_seen_at and any profile fields the token now carries.
// Failures only cost freshness and are logged.
func (s *Service) touch(ctx context.Context, existing, seen Identity) {
	updates := map[string]any{"last_seen_at": seen.LastSeenAt}
	if seen.Email != "" && seen.Email != existing.Email {
		updates["user_email"] = seen.Email
	}
	if seen.DisplayName != "" && seen.DisplayName != existing.DisplayName {
		updates["user_display_name"] = seen.DisplayName
	}
	err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("provider = ? AND subject = ?", existing.Provider, existing.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity refresh failed",
			zap.String("provider", existing.Provider),
			zap.Error(err))
	}
}

// deriveProviderSubject splits "provider:subject" user ids; bare ids use the default provider.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = strings.ToLower(normalize(segments[0]))
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
