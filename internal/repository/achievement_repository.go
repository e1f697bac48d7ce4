// internal/repository/achievement_repository.go
package repository

import (
	"context"
	"errors"

	"go_sarathi_progress/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AchievementRepository は実績状態(ローカル)へのアクセスを提供します
type AchievementRepository interface {
	Get(ctx context.Context, db *gorm.DB, studentID uuid.UUID) (*model.AchievementState, error)
	Save(ctx context.Context, tx *gorm.DB, state *model.AchievementState) error
	Clear(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error
}

type gormAchievementRepository struct{}

func NewGormAchievementRepository() AchievementRepository {
	return &gormAchievementRepository{}
}

func (r *gormAchievementRepository) Get(ctx context.Context, db *gorm.DB, studentID uuid.UUID) (*model.AchievementState, error) {
	var state model.AchievementState
	result := db.WithContext(ctx).Where("student_id = ?", studentID).First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &state, nil
}

func (r *gormAchievementRepository) Save(ctx context.Context, tx *gorm.DB, state *model.AchievementState) error {
	// Save は主キー(student_id)に基づいて Insert or Update を行う
	result := tx.WithContext(ctx).Save(state)
	return result.Error
}

func (r *gormAchievementRepository) Clear(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error {
	result := tx.WithContext(ctx).Where("student_id = ?", studentID).Delete(&model.AchievementState{})
	return result.Error
}
