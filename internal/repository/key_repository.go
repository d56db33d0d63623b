package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofofart/internal/models"
)

// KeyModel is the gorm mapping of the key_store table.
type KeyModel struct {
	Kid          string  `gorm:"primaryKey"`
	PublicKeyPEM string  `gorm:"column:public_key_pem;not null"`
	OwnerType    string  `gorm:"not null"`
	OwnerID      *string `gorm:"index"`
	Revoked      bool    `gorm:"not null"`
	RevokedAt    *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (KeyModel) TableName() string {
	return "key_store"
}

type KeyRepository struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Upsert writes the key and clears any previous revocation.
func (r *KeyRepository) Upsert(ctx context.Context, key models.KeyRecord) error {
	now := time.Now().UTC()
	model := KeyModel{
		Kid:          key.Kid,
		PublicKeyPEM: key.PublicKeyPEM,
		OwnerType:    string(key.OwnerType),
		OwnerID:      key.OwnerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kid"}},
			DoUpdates: clause.Assignments(map[string]any{
				"public_key_pem": key.PublicKeyPEM,
				"owner_type":     string(key.OwnerType),
				"owner_id":       key.OwnerID,
				"revoked":        false,
				"revoked_at":     nil,
				"updated_at":     now,
			}),
		}).
		Create(&model).Error
}

func (r *KeyRepository) Get(ctx context.Context, kid string) (models.KeyRecord, error) {
	var model KeyModel
	err := r.db.WithContext(ctx).Where("kid = ?", kid).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.KeyRecord{}, ErrKeyNotFound
		}
		return models.KeyRecord{}, err
	}
	return keyFromModel(model), nil
}

// Revoke marks the key revoked. Revoking an already revoked key keeps the
// original timestamp.
func (r *KeyRepository) Revoke(ctx context.Context, kid string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("kid = ? AND revoked = ?", kid, false).
		Updates(map[string]any{"revoked": true, "revoked_at": at, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, kid); err != nil {
			return err
		}
	}
	return nil
}

func (r *KeyRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.KeyRecord, error) {
	var rows []KeyModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.KeyRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, keyFromModel(row))
	}
	return out, nil
}

func keyFromModel(model KeyModel) models.KeyRecord {
	return models.KeyRecord{
		Kid:          model.Kid,
		PublicKeyPEM: model.PublicKeyPEM,
		OwnerType:    models.KeyOwnerType(model.OwnerType),
		OwnerID:      model.OwnerID,
		Revoked:      model.Revoked,
		RevokedAt:    model.RevokedAt,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}
