package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amoylab/esilink/internal/common/config"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const upsertBatch = 500

// ErrRecordNotFound is returned by single-row lookups that match nothing
var ErrRecordNotFound = gorm.ErrRecordNotFound

// GormDB implements the Database interface on top of gorm. The same
// implementation serves postgres, mysql and sqlite; only the dialector differs.
type GormDB struct {
	db  *gorm.DB
	cfg *config.DatabaseConfig
}

var _ Database = (*GormDB)(nil)

// txKey is the context key used to store transactions
type txKey struct{}

// ContextWithTransaction creates a context containing a transaction
func ContextWithTransaction(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// conn returns the transaction carried by ctx, or the pool bound to ctx
func (g *GormDB) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return g.db.WithContext(ctx)
}

// NewDatabase opens the configured database and migrates the schema
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*GormDB, error) {
	g, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := g.Migrate(ctx); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

// Open connects to the configured database without touching the schema
func Open(cfg *config.DatabaseConfig) (*GormDB, error) {
	dsn, err := cfg.GetDSN()
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// sqlite allows one writer; a single connection also keeps
		// ":memory:" databases shared across calls
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormDB{db: gormDB, cfg: cfg}, nil
}

// Migrate creates or updates every table
func (g *GormDB) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Ping checks that the database answers
func (g *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (g *GormDB) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn in a transaction, reusing one already on the context
func (g *GormDB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return fn(ctx)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ContextWithTransaction(ctx, tx))
	})
}

func (g *GormDB) FindUserBySession(ctx context.Context, sessionID string) (*User, error) {
	var user User
	if err := g.conn(ctx).Where("session_id = ?", sessionID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (g *GormDB) CreateUser(ctx context.Context, user *User) error {
	return g.conn(ctx).Create(user).Error
}

func (g *GormDB) SaveUser(ctx context.Context, user *User) error {
	return g.conn(ctx).Save(user).Error
}

func (g *GormDB) FindOrCreateUser(ctx context.Context, sessionID string) (*User, bool, error) {
	user, err := g.FindUserBySession(ctx, sessionID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, false, err
	}

	user = &User{SessionID: sessionID}
	if err := g.CreateUser(ctx, user); err != nil {
		if !isDuplicate(err) {
			return nil, false, err
		}
		// lost a race with a concurrent request for the same session
		user, err = g.FindUserBySession(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		return user, false, nil
	}
	return user, true, nil
}

func (g *GormDB) FindCharacterByID(ctx context.Context, characterID int64) (*Character, error) {
	var character Character
	err := g.conn(ctx).
		Where("character_id = ?", characterID).
		Order("id desc").
		First(&character).Error
	if err != nil {
		return nil, err
	}
	return &character, nil
}

func (g *GormDB) GetCharacter(ctx context.Context, id uint) (*Character, error) {
	var character Character
	if err := g.conn(ctx).First(&character, id).Error; err != nil {
		return nil, err
	}
	return &character, nil
}

func (g *GormDB) CreateCharacter(ctx context.Context, character *Character) error {
	return g.conn(ctx).Create(character).Error
}

func (g *GormDB) UpdateCharacterTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresOn time.Time) error {
	res := g.conn(ctx).
		Model(&Character{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_on":    expiresOn,
			"token_created": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (g *GormDB) DestroyCharacter(ctx context.Context, id uint) error {
	return g.Transaction(ctx, func(ctx context.Context) error {
		if err := g.conn(ctx).Where("character_id = ?", id).Delete(&UserCharacter{}).Error; err != nil {
			return err
		}
		return g.conn(ctx).Delete(&Character{}, id).Error
	})
}

func (g *GormDB) GetUserCharacters(ctx context.Context, userID uint, characterID *int64) ([]*Character, error) {
	q := g.conn(ctx).
		Model(&Character{}).
		Joins("JOIN user_characters ON user_characters.character_id = characters.id").
		Where("user_characters.user_id = ?", userID)
	if characterID != nil {
		q = q.Where("characters.character_id = ?", *characterID)
	}

	var characters []*Character
	err := q.Order("characters.id desc").Find(&characters).Error
	return characters, err
}

func (g *GormDB) AddUserCharacter(ctx context.Context, userID uint, id uint) error {
	link := &UserCharacter{UserID: userID, CharacterID: id, CreatedAt: time.Now()}
	err := g.conn(ctx).Create(link).Error
	if err != nil && isDuplicate(err) {
		return nil
	}
	return err
}

func (g *GormDB) SearchStations(ctx context.Context, prefix string) ([]*EveStation, error) {
	var stations []*EveStation
	err := prefixQuery(g.conn(ctx), prefix).Order("name asc").Find(&stations).Error
	return stations, err
}

func (g *GormDB) SearchRegions(ctx context.Context, prefix string) ([]*EveRegion, error) {
	var regions []*EveRegion
	err := prefixQuery(g.conn(ctx), prefix).Order("name asc").Find(&regions).Error
	return regions, err
}

func (g *GormDB) SearchSystems(ctx context.Context, prefix string) ([]*EveSystem, error) {
	var systems []*EveSystem
	err := prefixQuery(g.conn(ctx), prefix).Order("name asc").Find(&systems).Error
	return systems, err
}

// UpsertStations inserts reference stations, replacing rows with the same id
func (g *GormDB) UpsertStations(ctx context.Context, stations []*EveStation) error {
	if len(stations) == 0 {
		return nil
	}
	return g.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(stations, upsertBatch).Error
}

func (g *GormDB) UpsertRegions(ctx context.Context, regions []*EveRegion) error {
	if len(regions) == 0 {
		return nil
	}
	return g.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(regions, upsertBatch).Error
}

func (g *GormDB) UpsertSystems(ctx context.Context, systems []*EveSystem) error {
	if len(systems) == 0 {
		return nil
	}
	return g.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(systems, upsertBatch).Error
}

// prefixQuery adds a case-insensitive name prefix filter; an empty prefix matches everything
func prefixQuery(db *gorm.DB, prefix string) *gorm.DB {
	if prefix == "" {
		return db
	}
	return db.Where("LOWER(name) LIKE ?", strings.ToLower(prefix)+"%")
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
