package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/storage"
)

// portraitSize is the edge length of downloaded portraits in pixels
const portraitSize = 512

// Repository is the part of the durable store linking writes to
type Repository interface {
	FindCharacterByID(ctx context.Context, characterID int64) (*database.Character, error)
	GetCharacter(ctx context.Context, id uint) (*database.Character, error)
	CreateCharacter(ctx context.Context, character *database.Character) error
	UpdateCharacterTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresOn time.Time) error
	FindOrCreateUser(ctx context.Context, sessionID string) (*database.User, bool, error)
	AddUserCharacter(ctx context.Context, userID uint, id uint) error
}

// Linker persists SSO results and ties characters to sessions
type Linker struct {
	db           Repository
	assets       storage.Storage
	registry     *session.Registry
	http         *http.Client
	imageBaseURL string
	policy       string
	logger       *zap.Logger
	now          func() time.Time
}

// NewLinker creates a linker. A nil httpClient uses http.DefaultClient.
func NewLinker(db Repository, assets storage.Storage, registry *session.Registry, httpClient *http.Client, cfg *config.Config, logger *zap.Logger) *Linker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	policy := cfg.SSO.RelinkPolicy
	if policy == "" {
		policy = config.RelinkInsert
	}
	return &Linker{
		db:           db,
		assets:       assets,
		registry:     registry,
		http:         httpClient,
		imageBaseURL: strings.TrimRight(cfg.ESI.ImageBaseURL, "/"),
		policy:       policy,
		logger:       logger.Named("sso.linker"),
		now:          time.Now,
	}
}

// CompleteSSO stores the credentials of a verified login, then downloads the
// character portrait. A failed download is logged and does not fail the call.
func (l *Linker) CompleteSSO(ctx context.Context, profile Profile, accessToken, refreshToken string) (*database.Character, error) {
	character, err := l.store(ctx, profile, accessToken, refreshToken)
	if err != nil {
		return nil, err
	}

	if err := l.savePortrait(ctx, profile.CharacterID); err != nil {
		l.logger.Warn("failed to store character portrait",
			zap.Int64("character_id", profile.CharacterID),
			zap.Error(err))
	}
	return character, nil
}

func (l *Linker) store(ctx context.Context, profile Profile, accessToken, refreshToken string) (*database.Character, error) {
	if l.policy == config.RelinkUpdate {
		existing, err := l.db.FindCharacterByID(ctx, profile.CharacterID)
		switch {
		case err == nil:
			if err := l.db.UpdateCharacterTokens(ctx, existing.ID, accessToken, refreshToken, profile.ExpiresOn); err != nil {
				return nil, fmt.Errorf("update character tokens: %w", err)
			}
			return l.db.GetCharacter(ctx, existing.ID)
		case !errors.Is(err, database.ErrRecordNotFound):
			return nil, fmt.Errorf("find character: %w", err)
		}
	}

	character := &database.Character{
		CharacterID:   profile.CharacterID,
		CharacterName: profile.CharacterName,
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		ExpiresOn:     profile.ExpiresOn,
		TokenCreated:  l.now(),
	}
	if err := l.db.CreateCharacter(ctx, character); err != nil {
		return nil, fmt.Errorf("create character: %w", err)
	}
	return character, nil
}

// PortraitName is where the portrait of a character is stored
func PortraitName(characterID int64) string {
	return fmt.Sprintf("portraits/%d_%d.jpg", characterID, portraitSize)
}

func (l *Linker) savePortrait(ctx context.Context, characterID int64) error {
	url := fmt.Sprintf("%s/characters/%d/portrait?size=%d", l.imageBaseURL, characterID, portraitSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("download portrait: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download portrait: status %d", resp.StatusCode)
	}
	return l.assets.Save(ctx, PortraitName(characterID), resp.Body)
}

// Attach links character to the user owning sessionID, creating that user
// when needed, and asks the tick engine to reload the session
func (l *Linker) Attach(ctx context.Context, sessionID string, character *database.Character) error {
	user, _, err := l.db.FindOrCreateUser(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find or create user: %w", err)
	}
	if err := l.db.AddUserCharacter(ctx, user.ID, character.ID); err != nil {
		return fmt.Errorf("link character: %w", err)
	}

	l.registry.Mutate(sessionID, func(s *session.State) {
		s.RefreshRequested = true
	})
	l.logger.Info("linked character",
		zap.Int64("character_id", character.CharacterID),
		zap.Uint("user_id", user.ID))
	return nil
}
