// internal/model/progress.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase はミッションのフェーズ (Learn / Play / Conquer) を表します
type Phase string

const (
	PhaseLearn   Phase = "learn"
	PhasePlay    Phase = "play"
	PhaseConquer Phase = "conquer"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseLearn, PhasePlay, PhaseConquer:
		return true
	}
	return false
}

// SyncStatus はレコードのリモート同期状態を表します
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

// ProgressRecord は1回のフェーズ完了の観測値です。
// 作成後は不変で、訂正は新しいレコードの追加で行います (syncStatusのみ更新可)。
type ProgressRecord struct {
	RecordID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"record_id"`
	StudentID             uuid.UUID  `gorm:"type:uuid;not null;index" json:"student_id"`
	MissionID             string     `gorm:"not null;index:idx_mission_phase_ts,unique" json:"mission_id"`
	Phase                 Phase      `gorm:"not null;index:idx_mission_phase_ts,unique" json:"phase"`
	Score                 *int       `json:"score,omitempty"`                   // Learnフェーズでは未設定
	CompletedContentIndex *int       `json:"completed_content_index,omitempty"` // Learnフェーズのみ
	TimeSpentSeconds      int        `gorm:"not null" json:"time_spent_seconds"`
	Timestamp             time.Time  `gorm:"not null;index:idx_mission_phase_ts,unique" json:"timestamp"`
	DeviceID              uuid.UUID  `gorm:"type:uuid;not null" json:"device_id"`
	SyncStatus            SyncStatus `gorm:"not null;default:pending" json:"sync_status"`
	CreatedAt             time.Time  `json:"-"`
}

func (ProgressRecord) TableName() string {
	return "progress_records"
}

// 進捗記録リクエストDTO
type RecordProgressRequest struct {
	MissionID             string `json:"mission_id" validate:"required"`
	Phase                 string `json:"phase" validate:"required,oneof=learn play conquer"`
	Score                 *int   `json:"score,omitempty" validate:"omitempty,min=0,max=100"`
	TimeSpentSeconds      int    `json:"time_spent_seconds" validate:"min=0"`
	CompletedContentIndex *int   `json:"completed_content_index,omitempty" validate:"omitempty,min=0"`
}

// 進捗記録レスポンスDTO
type RecordProgressResponse struct {
	Record          *ProgressRecord `json:"record"`
	NewAchievements []string        `json:"new_achievements"`
}

// AccessEvent はミッションへのアクセス記録です (ダッシュボードの lastAccessed 用)
type AccessEvent struct {
	MissionID  string    `json:"mission_id" validate:"required"`
	AccessedAt time.Time `json:"accessed_at"`
	DeviceID   uuid.UUID `json:"device_id"`
}
