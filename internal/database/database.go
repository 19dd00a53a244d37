package database

import (
	"context"
	"time"
)

// Database defines the durable repository operations the service relies on
type Database interface {
	// Close closes the database connection.
	Close() error
	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Transaction runs fn inside a transaction carried on the context.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// FindUserBySession returns the user bound to sessionID or ErrRecordNotFound.
	FindUserBySession(ctx context.Context, sessionID string) (*User, error)
	// CreateUser creates a user row for a session.
	CreateUser(ctx context.Context, user *User) error
	// SaveUser persists changes to an existing user.
	SaveUser(ctx context.Context, user *User) error
	// FindOrCreateUser returns the user for sessionID, creating it when absent.
	FindOrCreateUser(ctx context.Context, sessionID string) (*User, bool, error)

	// FindCharacterByID returns the newest credential record for a provider character id.
	FindCharacterByID(ctx context.Context, characterID int64) (*Character, error)
	// GetCharacter returns a credential record by its row id.
	GetCharacter(ctx context.Context, id uint) (*Character, error)
	// CreateCharacter inserts a new credential record.
	CreateCharacter(ctx context.Context, character *Character) error
	// UpdateCharacterTokens replaces the token pair of one credential record.
	UpdateCharacterTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresOn time.Time) error
	// DestroyCharacter deletes a credential record and its ownership links.
	DestroyCharacter(ctx context.Context, id uint) error

	// GetUserCharacters lists the user's characters, optionally filtered by provider id.
	GetUserCharacters(ctx context.Context, userID uint, characterID *int64) ([]*Character, error)
	// AddUserCharacter links a credential record to a user.
	AddUserCharacter(ctx context.Context, userID uint, id uint) error

	// UpsertStations stores reference stations, replacing existing ids.
	UpsertStations(ctx context.Context, stations []*EveStation) error
	// UpsertRegions stores reference regions, replacing existing ids.
	UpsertRegions(ctx context.Context, regions []*EveRegion) error
	// UpsertSystems stores reference systems, replacing existing ids.
	UpsertSystems(ctx context.Context, systems []*EveSystem) error

	// SearchStations returns stations whose name starts with prefix (case-insensitive).
	SearchStations(ctx context.Context, prefix string) ([]*EveStation, error)
	// SearchRegions returns regions whose name starts with prefix (case-insensitive).
	SearchRegions(ctx context.Context, prefix string) ([]*EveRegion, error)
	// SearchSystems returns systems whose name starts with prefix (case-insensitive).
	SearchSystems(ctx context.Context, prefix string) ([]*EveSystem, error)
}
