package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
)

func newTestDB(t *testing.T) *database.GormDB {
	t.Helper()
	db, err := database.NewDatabase(context.Background(), &config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func link(t *testing.T, db *database.GormDB, sessionID string, characterID int64) (*database.User, *database.Character) {
	t.Helper()
	ctx := context.Background()
	user, _, err := db.FindOrCreateUser(ctx, sessionID)
	require.NoError(t, err)
	c := &database.Character{CharacterID: characterID, CharacterName: "c", AccessToken: "a", RefreshToken: "r"}
	require.NoError(t, db.CreateCharacter(ctx, c))
	require.NoError(t, db.AddUserCharacter(ctx, user.ID, c.ID))
	return user, c
}

func TestGuard_AssertOwned(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := NewGuard(db, zap.NewNop())

	_, owned := link(t, db, "session-a", 100)
	link(t, db, "session-b", 200)

	got, err := g.AssertOwned(ctx, "session-a", 100)
	require.NoError(t, err)
	assert.Equal(t, owned.ID, got.ID)

	// owned by a different user
	_, err = g.AssertOwned(ctx, "session-b", 100)
	assert.ErrorIs(t, err, errorx.ErrNotFound)
	assert.NotErrorIs(t, err, errorx.ErrNotAuthorized)

	_, err = g.AssertOwned(ctx, "session-a", 999)
	assert.ErrorIs(t, err, errorx.ErrNotFound)

	// session never bound to a user
	_, err = g.AssertOwned(ctx, "stranger", 100)
	assert.ErrorIs(t, err, errorx.ErrNotAuthorized)
	assert.ErrorIs(t, err, errorx.ErrNoActiveUser)
}

func TestGuard_AssertOwnedReturnsNewestRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := NewGuard(db, zap.NewNop())

	user, first := link(t, db, "s", 100)
	second := &database.Character{CharacterID: 100, CharacterName: "c", AccessToken: "a2", RefreshToken: "r2"}
	require.NoError(t, db.CreateCharacter(ctx, second))
	require.NoError(t, db.AddUserCharacter(ctx, user.ID, second.ID))

	got, err := g.AssertOwned(ctx, "s", 100)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.NotEqual(t, first.ID, got.ID)
}

func TestGuard_ActiveCharacter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := NewGuard(db, zap.NewNop())

	_, _, err := g.ActiveCharacter(ctx, "nobody")
	assert.ErrorIs(t, err, errorx.ErrNoActiveUser)

	user, c := link(t, db, "s", 100)
	_, _, err = g.ActiveCharacter(ctx, "s")
	assert.ErrorIs(t, err, errorx.ErrNoActiveCharacter)

	dangling := int64(555)
	user.ActiveCharacterID = &dangling
	require.NoError(t, db.SaveUser(ctx, user))
	_, _, err = g.ActiveCharacter(ctx, "s")
	assert.ErrorIs(t, err, errorx.ErrNoActiveCharacter)

	user.ActiveCharacterID = &c.CharacterID
	require.NoError(t, db.SaveUser(ctx, user))
	gotUser, got, err := g.ActiveCharacter(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, user.ID, gotUser.ID)
	assert.Equal(t, int64(100), got.CharacterID)
}
