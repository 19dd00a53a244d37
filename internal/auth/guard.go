package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
)

// Repository is the part of the durable store ownership checks read
type Repository interface {
	FindUserBySession(ctx context.Context, sessionID string) (*database.User, error)
	GetUserCharacters(ctx context.Context, userID uint, characterID *int64) ([]*database.Character, error)
}

// Guard resolves the user behind a session and checks character ownership
type Guard struct {
	db     Repository
	logger *zap.Logger
}

func NewGuard(db Repository, logger *zap.Logger) *Guard {
	return &Guard{db: db, logger: logger.Named("auth.guard")}
}

// User returns the user bound to sessionID
func (g *Guard) User(ctx context.Context, sessionID string) (*database.User, error) {
	user, err := g.db.FindUserBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, errorx.ErrNoActiveUser
		}
		return nil, fmt.Errorf("find user by session: %w", err)
	}
	return user, nil
}

// AssertOwned returns the newest record of characterID linked to the
// session's user. A character linked only to other users is reported as
// not found.
func (g *Guard) AssertOwned(ctx context.Context, sessionID string, characterID int64) (*database.Character, error) {
	user, err := g.User(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return g.owned(ctx, user, characterID)
}

// ActiveCharacter returns the session's user and its active character
func (g *Guard) ActiveCharacter(ctx context.Context, sessionID string) (*database.User, *database.Character, error) {
	user, err := g.User(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if user.ActiveCharacterID == nil {
		return user, nil, errorx.ErrNoActiveCharacter
	}

	character, err := g.owned(ctx, user, *user.ActiveCharacterID)
	if err != nil {
		if errors.Is(err, errorx.ErrNotFound) {
			g.logger.Debug("active character has no linked record",
				zap.Uint("user_id", user.ID),
				zap.Int64("character_id", *user.ActiveCharacterID))
			return user, nil, fmt.Errorf("active character %d has no record: %w", *user.ActiveCharacterID, errorx.ErrNoActiveCharacter)
		}
		return user, nil, err
	}
	return user, character, nil
}

func (g *Guard) owned(ctx context.Context, user *database.User, characterID int64) (*database.Character, error) {
	characters, err := g.db.GetUserCharacters(ctx, user.ID, &characterID)
	if err != nil {
		return nil, fmt.Errorf("list user characters: %w", err)
	}
	if len(characters) == 0 {
		return nil, fmt.Errorf("character %d: %w", characterID, errorx.ErrNotFound)
	}
	return characters[0], nil
}
