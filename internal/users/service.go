package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/auth"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service canonicalizes session claims into user references and records voters.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

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
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveUserRef returns the canonical user reference for the claims, creating the
// voter identity row on first sight. Later sightings refresh the profile fields.
func (s *Service) ResolveUserRef(claims auth.SessionClaims) (votes.UserRef, error) {
	raw := deriveRawReference(claims)
	if raw == "" {
		return "", ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(raw); ok {
		if userRef, ok := cached.(votes.UserRef); ok {
			return userRef, nil
		}
	}

	entity, err := ParseEntityRef(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	userRef, err := votes.NewUserRef(entity.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	if err := s.recordSighting(userRef, entity, claims); err != nil {
		return "", err
	}

	s.cache.Store(raw, userRef)
	return userRef, nil
}

// recordSighting upserts the voter identity row. Concurrent first sightings of the
// same user converge on one row; profile fields only overwrite with non-empty values.
func (s *Service) recordSighting(userRef votes.UserRef, entity EntityRef, claims auth.SessionClaims) error {
	now := s.now().UTC()
	identity := VoterIdentity{
		UserRef:     userRef.String(),
		Kind:        entity.Kind,
		Namespace:   entity.Namespace,
		Name:        entity.Name,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  now,
	}

	updates := map[string]interface{}{
		"last_seen_at": now,
		"updated_at":   now,
	}
	if identity.Email != "" {
		updates["user_email"] = identity.Email
	}
	if identity.DisplayName != "" {
		updates["user_display_name"] = identity.DisplayName
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_ref"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&identity).Error
	if err != nil {
		s.logger.Warn("voter identity upsert failed",
			zap.String("user_ref", userRef.String()),
			zap.Error(err))
		return err
	}
	return nil
}

func deriveRawReference(claims auth.SessionClaims) string {
	if ref := normalize(claims.UserRef); ref != "" {
		return ref
	}
	if subject := normalize(claims.Subject); subject != "" {
		return subject
	}
	return normalize(claims.UserEmail)
}
