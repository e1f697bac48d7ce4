// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// PhaseCompletedEvent はフェーズ完了時にUI層へ通知されるイベントです。
// 元実装のDOMカスタムイベント("gameComplete")を型付きイベントに置き換えたもの。
type PhaseCompletedEvent struct {
	StudentID       uuid.UUID `json:"student_id"`
	MissionID       string    `json:"mission_id"`
	Phase           Phase     `json:"phase"`
	Score           *int      `json:"score,omitempty"`
	NewAchievements []string  `json:"new_achievements"`
}

// AchievementUnlockedEvent は実績解除の通知イベントです
type AchievementUnlockedEvent struct {
	StudentID   uuid.UUID   `json:"student_id"`
	Achievement Achievement `json:"achievement"`
	UnlockedAt  time.Time   `json:"unlocked_at"`
}

// SyncTroubleEvent は同期の連続失敗をUIへ知らせる非ブロッキング通知です
type SyncTroubleEvent struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error"`
	OccurredAt          time.Time `json:"occurred_at"`
}
