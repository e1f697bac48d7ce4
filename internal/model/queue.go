// internal/model/queue.go
package model

import (
	"encoding/json"
	"time"
)

// EntryKind は同期キューエントリの種別です
type EntryKind string

const (
	KindProgress  EntryKind = "progress"
	KindAnalytics EntryKind = "analytics"
	KindAccess    EntryKind = "access"
)

// SyncQueueEntry はリモート反映待ちの永続的なインテントです。
// EntryID は挿入順に採番され、リモート書き込みの確定と同時にのみ削除されます。
type SyncQueueEntry struct {
	EntryID     uint            `gorm:"primaryKey;autoIncrement" json:"entry_id"`
	Kind        EntryKind       `gorm:"not null" json:"kind"`
	Payload     json.RawMessage `gorm:"type:text;not null" json:"payload"`
	EnqueuedAt  time.Time       `gorm:"not null;index" json:"enqueued_at"`
	Attempts    int             `gorm:"not null;default:0" json:"attempts"`
	Quarantined bool            `gorm:"not null;default:false;index" json:"quarantined"`
}

func (SyncQueueEntry) TableName() string {
	return "sync_queue"
}

// SyncAttemptState はドレインの連続失敗回数を永続化します (1行のみ)。
// クラッシュを挟んでもバックオフが初期値に戻らないようにするためのものです。
// FailuresSinceNotify はユーザー通知用の別カウンタで、通知のたびに0へ戻します。
type SyncAttemptState struct {
	ID                  uint `gorm:"primaryKey"`
	ConsecutiveFailures int  `gorm:"not null;default:0"`
	FailuresSinceNotify int  `gorm:"not null;default:0"`
	UpdatedAt           time.Time
}

func (SyncAttemptState) TableName() string {
	return "sync_attempt_state"
}

// SyncStatusResponse は GET /sync/status のレスポンスDTO
type SyncStatusResponse struct {
	QueueSize           int64      `json:"queue_size"`
	Online              bool       `json:"online"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DrainInFlight       bool       `json:"drain_in_flight"`
	LastDrainAt         *time.Time `json:"last_drain_at,omitempty"`
	LastDrainError      string     `json:"last_drain_error,omitempty"`
}

// ConnectivityRequest は PUT /sync/connectivity のリクエストDTO
type ConnectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}
