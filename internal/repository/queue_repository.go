// internal/repository/queue_repository.go
package repository

import (
	"context"
	"errors"

	"go_sarathi_progress/internal/model"

	"gorm.io/gorm"
)

// QueueRepository は同期キュー(ローカル)へのアクセスを提供します。
// エントリは entry_id の昇順 (= enqueued_at の非減少順) で処理されます。
// Acknowledge はリモート書き込みの確定後にのみ呼び出されること。
type QueueRepository interface {
	Append(ctx context.Context, tx *gorm.DB, entry *model.SyncQueueEntry) error
	PeekBatch(ctx context.Context, db *gorm.DB, maxSize int) ([]*model.SyncQueueEntry, error)
	Acknowledge(ctx context.Context, tx *gorm.DB, entryIDs []uint) error
	Size(ctx context.Context, db *gorm.DB) (int64, error)
	IncrementAttempts(ctx context.Context, tx *gorm.DB, entryIDs []uint) error
	Quarantine(ctx context.Context, tx *gorm.DB, entryID uint) error
	ListQuarantined(ctx context.Context, db *gorm.DB) ([]*model.SyncQueueEntry, error)

	// ドレイン連続失敗カウンタ (プロセス再起動をまたいで保持)
	GetAttemptState(ctx context.Context, db *gorm.DB) (*model.SyncAttemptState, error)
	SaveAttemptState(ctx context.Context, tx *gorm.DB, state *model.SyncAttemptState) error

	ClearAll(ctx context.Context, tx *gorm.DB) error // フルリセット専用
}

type gormQueueRepository struct{}

func NewGormQueueRepository() QueueRepository {
	return &gormQueueRepository{}
}

func (r *gormQueueRepository) Append(ctx context.Context, tx *gorm.DB, entry *model.SyncQueueEntry) error {
	// EntryID は autoIncrement で挿入順に採番される
	result := tx.WithContext(ctx).Create(entry)
	return result.Error
}

func (r *gormQueueRepository) PeekBatch(ctx context.Context, db *gorm.DB, maxSize int) ([]*model.SyncQueueEntry, error) {
	var entries []*model.SyncQueueEntry
	// 隔離済みエントリはリトライ対象から外す
	result := db.WithContext(ctx).
		Where("quarantined = ?", false).
		Order("entry_id ASC").
		Limit(maxSize).
		Find(&entries)
	if result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

func (r *gormQueueRepository) Acknowledge(ctx context.Context, tx *gorm.DB, entryIDs []uint) error {
	if len(entryIDs) == 0 {
		return nil
	}
	result := tx.WithContext(ctx).Where("entry_id IN ?", entryIDs).Delete(&model.SyncQueueEntry{})
	return result.Error
}

func (r *gormQueueRepository) Size(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	result := db.WithContext(ctx).Model(&model.SyncQueueEntry{}).
		Where("quarantined = ?", false).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

func (r *gormQueueRepository) IncrementAttempts(ctx context.Context, tx *gorm.DB, entryIDs []uint) error {
	if len(entryIDs) == 0 {
		return nil
	}
	result := tx.WithContext(ctx).Model(&model.SyncQueueEntry{}).
		Where("entry_id IN ?", entryIDs).
		Update("attempts", gorm.Expr("attempts + 1"))
	return result.Error
}

func (r *gormQueueRepository) Quarantine(ctx context.Context, tx *gorm.DB, entryID uint) error {
	result := tx.WithContext(ctx).Model(&model.SyncQueueEntry{}).
		Where("entry_id = ?", entryID).
		Update("quarantined", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *gormQueueRepository) ListQuarantined(ctx context.Context, db *gorm.DB) ([]*model.SyncQueueEntry, error) {
	var entries []*model.SyncQueueEntry
	result := db.WithContext(ctx).
		Where("quarantined = ?", true).
		Order("entry_id ASC").
		Find(&entries)
	if result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

func (r *gormQueueRepository) GetAttemptState(ctx context.Context, db *gorm.DB) (*model.SyncAttemptState, error) {
	var state model.SyncAttemptState
	result := db.WithContext(ctx).Where("id = ?", 1).First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			// 初回は0で行を作る
			state = model.SyncAttemptState{ID: 1, ConsecutiveFailures: 0}
			if createErr := db.WithContext(ctx).Create(&state).Error; createErr != nil {
				return nil, createErr
			}
			return &state, nil
		}
		return nil, result.Error
	}
	return &state, nil
}

func (r *gormQueueRepository) SaveAttemptState(ctx context.Context, tx *gorm.DB, state *model.SyncAttemptState) error {
	state.ID = 1
	// 行が無ければ作成、あれば更新
	result := tx.WithContext(ctx).Save(state)
	return result.Error
}

func (r *gormQueueRepository) ClearAll(ctx context.Context, tx *gorm.DB) error {
	result := tx.WithContext(ctx).Where("1 = 1").Delete(&model.SyncQueueEntry{})
	return result.Error
}
