// internal/repository/mission_repository.go
package repository

import (
	"context"
	"errors"

	"go_sarathi_progress/internal/model"

	"gorm.io/gorm"
)

// MissionRepository はミッションカタログのローカルキャッシュを提供します。
// カタログはオフライン時の参照用に "current" キーで1ドキュメントだけ保持します。
type MissionRepository interface {
	GetDocument(ctx context.Context, db *gorm.DB, key string) (*model.MissionDocument, error)
	PutDocument(ctx context.Context, tx *gorm.DB, doc *model.MissionDocument) error
}

type gormMissionRepository struct{}

func NewGormMissionRepository() MissionRepository {
	return &gormMissionRepository{}
}

func (r *gormMissionRepository) GetDocument(ctx context.Context, db *gorm.DB, key string) (*model.MissionDocument, error) {
	var doc model.MissionDocument
	result := db.WithContext(ctx).Where("key = ?", key).First(&doc)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &doc, nil
}

func (r *gormMissionRepository) PutDocument(ctx context.Context, tx *gorm.DB, doc *model.MissionDocument) error {
	result := tx.WithContext(ctx).Save(doc)
	return result.Error
}
