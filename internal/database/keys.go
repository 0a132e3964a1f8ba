package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClientKey is a registered Ed25519 public key.
type ClientKey struct {
	ClientID  string `gorm:"primaryKey;size:128"`
	PublicKey string `gorm:"not null;size:128"`
	Role      string `gorm:"size:32"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ClientKey) TableName() string { return "relay_client_keys" }

// KeyRepository persists client keys.
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository migrates the key table and returns a repository on it.
func NewKeyRepository(db *DB) (*KeyRepository, error) {
	if err := db.AutoMigrate(&ClientKey{}); err != nil {
		return nil, err
	}
	return &KeyRepository{db: db.DB}, nil
}

// Find returns the key for clientID, or found=false.
func (r *KeyRepository) Find(ctx context.Context, clientID string) (ClientKey, bool, error) {
	var key ClientKey
	err := r.db.WithContext(ctx).First(&key, "client_id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientKey{}, false, nil
	}
	if err != nil {
		return ClientKey{}, false, err
	}
	return key, true, nil
}

// Insert stores key unless the client already has one. It reports whether
// the row was written.
func (r *KeyRepository) Insert(ctx context.Context, key ClientKey) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&key)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
