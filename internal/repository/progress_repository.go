// internal/repository/progress_repository.go
package repository

import (
	"context"
	"errors"

	"go_sarathi_progress/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProgressRepository は progress コレクション(ローカル)へのアクセスを提供します。
// レコードは追記専用で、更新は sync_status の Pending→Synced 遷移のみです。
type ProgressRepository interface {
	Create(ctx context.Context, tx *gorm.DB, record *model.ProgressRecord) error // トランザクション対応
	FindByID(ctx context.Context, db *gorm.DB, recordID uuid.UUID) (*model.ProgressRecord, error)
	FindAllByStudent(ctx context.Context, db *gorm.DB, studentID uuid.UUID) ([]*model.ProgressRecord, error)
	FindByMission(ctx context.Context, db *gorm.DB, studentID uuid.UUID, missionID string) ([]*model.ProgressRecord, error)
	CountByMission(ctx context.Context, db *gorm.DB, studentID uuid.UUID, missionID string) (int64, error)
	MarkSynced(ctx context.Context, tx *gorm.DB, recordIDs []uuid.UUID) error
	Clear(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error // フルリセット専用
}

type gormProgressRepository struct{}

func NewGormProgressRepository() ProgressRepository {
	return &gormProgressRepository{}
}

func (r *gormProgressRepository) Create(ctx context.Context, tx *gorm.DB, record *model.ProgressRecord) error {
	// RecordID・Timestamp はService層で設定済み想定
	result := tx.WithContext(ctx).Create(record)
	return result.Error
}

func (r *gormProgressRepository) FindByID(ctx context.Context, db *gorm.DB, recordID uuid.UUID) (*model.ProgressRecord, error) {
	var record model.ProgressRecord
	result := db.WithContext(ctx).Where("record_id = ?", recordID).First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &record, nil
}

func (r *gormProgressRepository) FindAllByStudent(ctx context.Context, db *gorm.DB, studentID uuid.UUID) ([]*model.ProgressRecord, error) {
	var records []*model.ProgressRecord
	// 取得順は未規定。呼び出し側が必要に応じて timestamp でソートする。
	result := db.WithContext(ctx).Where("student_id = ?", studentID).Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

func (r *gormProgressRepository) FindByMission(ctx context.Context, db *gorm.DB, studentID uuid.UUID, missionID string) ([]*model.ProgressRecord, error) {
	var records []*model.ProgressRecord
	result := db.WithContext(ctx).
		Where("student_id = ? AND mission_id = ?", studentID, missionID).
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

func (r *gormProgressRepository) CountByMission(ctx context.Context, db *gorm.DB, studentID uuid.UUID, missionID string) (int64, error) {
	var count int64
	result := db.WithContext(ctx).Model(&model.ProgressRecord{}).
		Where("student_id = ? AND mission_id = ?", studentID, missionID).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

func (r *gormProgressRepository) MarkSynced(ctx context.Context, tx *gorm.DB, recordIDs []uuid.UUID) error {
	if len(recordIDs) == 0 {
		return nil
	}
	result := tx.WithContext(ctx).Model(&model.ProgressRecord{}).
		Where("record_id IN ?", recordIDs).
		Update("sync_status", model.SyncSynced)
	return result.Error
}

func (r *gormProgressRepository) Clear(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error {
	result := tx.WithContext(ctx).Where("student_id = ?", studentID).Delete(&model.ProgressRecord{})
	return result.Error
}
