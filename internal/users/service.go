// Package users keeps the directory of collaborators seen in session tokens.
// Lock holders are rendered by display name through it.
package users

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultProvider = "default"

	opServiceNew   = "users.service.new"
	opResolve      = "users.resolve"
	opDisplayNames = "users.display_names"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var errMissingDatabase = errors.New("users: database connection required")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and their profiles.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *zap.Logger
	profiles sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, "missing_database", errMissingDatabase)
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

// Resolve returns the canonical profile for the session claims, recording the
// identity the first time it is seen and refreshing its profile fields after.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, apperr.New(opResolve, "invalid_identity", ErrInvalidIdentity)
	}

	nowMs := s.now().UTC().UnixMilli()
	identity := Identity{
		Provider:     provider,
		Subject:      subject,
		UserID:       subject,
		Email:        normalize(claims.UserEmail),
		DisplayName:  normalize(claims.UserDisplayName),
		AvatarURL:    normalize(claims.UserAvatarURL),
		LastSeenAtMs: nowMs,
		CreatedAtMs:  nowMs,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Identity
		lookupErr := tx.
			Where("provider = ? AND subject = ?", provider, subject).
			First(&existing).
			Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity).Error
		}
		if lookupErr != nil {
			return lookupErr
		}

		updates := map[string]any{"last_seen_at_ms": nowMs}
		if identity.Email != "" && identity.Email != existing.Email {
			updates["user_email"] = identity.Email
		} else {
			identity.Email = existing.Email
		}
		if identity.DisplayName != "" && identity.DisplayName != existing.DisplayName {
			updates["user_display_name"] = identity.DisplayName
		} else {
			identity.DisplayName = existing.DisplayName
		}
		if identity.AvatarURL != "" && identity.AvatarURL != existing.AvatarURL {
			updates["user_avatar_url"] = identity.AvatarURL
		} else {
			identity.AvatarURL = existing.AvatarURL
		}
		identity.UserID = existing.UserID
		identity.CreatedAtMs = existing.CreatedAtMs
		return tx.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	})
	if err != nil {
		apperr.Log(s.logger, "identity resolution failed", opResolve, "storage", err, zap.String("subject", subject))
		return Profile{}, apperr.New(opResolve, "storage", err)
	}

	profile := Profile{UserID: identity.UserID, DisplayName: identity.DisplayName, AvatarURL: identity.AvatarURL}
	s.profiles.Store(profile.UserID, profile)
	return profile, nil
}

// DisplayName returns the name shown for the user. Unknown users and storage
// failures fall back to the id itself.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	names, err := s.DisplayNames(ctx, []string{userID})
	if err != nil {
		return userID
	}
	if name, ok := names[userID]; ok {
		return name
	}
	return userID
}

// DisplayNames resolves display names for a batch of user ids. Every
// requested id is present in the result.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	var missing []string
	for _, rawID := range userIDs {
		userID := normalize(rawID)
		if userID == "" {
			continue
		}
		if cached, ok := s.profiles.Load(userID); ok {
			names[userID] = cached.(Profile).Name()
			continue
		}
		if !slices.Contains(missing, userID) {
			missing = append(missing, userID)
		}
	}
	if len(missing) == 0 {
		return names, nil
	}

	var identities []Identity
	err := s.db.WithContext(ctx).
		Where("user_id IN ?", missing).
		Order("last_seen_at_ms DESC").
		Find(&identities).
		Error
	if err != nil {
		apperr.Log(s.logger, "display name lookup failed", opDisplayNames, "storage", err)
		for _, userID := range missing {
			names[userID] = userID
		}
		return names, apperr.New(opDisplayNames, "storage", err)
	}

	for _, identity := range identities {
		if _, seen := names[identity.UserID]; seen {
			continue
		}
		profile := Profile{UserID: identity.UserID, DisplayName: identity.DisplayName, AvatarURL: identity.AvatarURL}
		s.profiles.Store(identity.UserID, profile)
		names[identity.UserID] = profile.Name()
	}
	for _, userID := range missing {
		if _, ok := names[userID]; !ok {
			names[userID] = userID
		}
	}
	return names, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
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
