package database

import (
	"time"
)

// User is the durable owner of a browser session. One row exists per
// distinct session id that ever authenticated.
type User struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID         string    `json:"session_id" gorm:"type:varchar(255);uniqueIndex;not null"`
	ActiveCharacterID *int64    `json:"active_character_id"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Character is a credential record for a provider identity. CharacterID is
// not unique: re-linking under the insert policy creates another row.
type Character struct {
	ID            uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	CharacterID   int64     `json:"character_id" gorm:"index;not null"`
	CharacterName string    `json:"character_name" gorm:"type:varchar(255)"`
	AccessToken   string    `json:"-" gorm:"type:text"`
	RefreshToken  string    `json:"-" gorm:"type:text"`
	ExpiresOn     time.Time `json:"expires_on"`
	TokenCreated  time.Time `json:"token_created"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UserCharacter is the ownership link between users and character records
type UserCharacter struct {
	UserID      uint      `gorm:"primaryKey"`
	CharacterID uint      `gorm:"primaryKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CharacterSummary is the client-facing view of a character record
type CharacterSummary struct {
	CharacterID   int64     `json:"character_id"`
	CharacterName string    `json:"character_name"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresOn     time.Time `json:"expires_on"`
	TokenCreated  time.Time `json:"token_created"`
}

// Summary strips credentials from the record
func (c *Character) Summary() CharacterSummary {
	return CharacterSummary{
		CharacterID:   c.CharacterID,
		CharacterName: c.CharacterName,
		CreatedAt:     c.CreatedAt,
		ExpiresOn:     c.ExpiresOn,
		TokenCreated:  c.TokenCreated,
	}
}

// EveStation is a read-mostly reference entity
type EveStation struct {
	ID       int64  `json:"station_id" gorm:"primaryKey;autoIncrement:false"`
	Name     string `json:"name" gorm:"type:varchar(255);index"`
	SystemID int64  `json:"system_id" gorm:"index"`
	RegionID int64  `json:"region_id" gorm:"index"`
	TypeID   int64  `json:"type_id"`
}

// EveRegion is a read-mostly reference entity
type EveRegion struct {
	ID   int64  `json:"region_id" gorm:"primaryKey;autoIncrement:false"`
	Name string `json:"name" gorm:"type:varchar(255);index"`
}

// EveSystem is a read-mostly reference entity
type EveSystem struct {
	ID             int64   `json:"system_id" gorm:"primaryKey;autoIncrement:false"`
	Name           string  `json:"name" gorm:"type:varchar(255);index"`
	RegionID       int64   `json:"region_id" gorm:"index"`
	SecurityStatus float64 `json:"security_status"`
}

// allModels lists every table managed by AutoMigrate
func allModels() []any {
	return []any{&User{}, &Character{}, &UserCharacter{}, &EveStation{}, &EveRegion{}, &EveSystem{}}
}
