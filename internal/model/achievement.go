// internal/model/achievement.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// 実績ID
const (
	AchFirstGame        = "firstGame"
	AchAllGamesPlayed   = "allGamesPlayed"
	AchPerfectScore     = "perfectScore"
	AchQuickLearner     = "quickLearner"
	AchDailyStreak      = "dailyStreak"
	AchPracticeChampion = "practiceChampion"
	AchSubjectMaster    = "subjectMaster"
)

// AchievementCategory は実績の分類です
type AchievementCategory string

const (
	CategoryProgression AchievementCategory = "progression"
	CategoryPerformance AchievementCategory = "performance"
	CategoryConsistency AchievementCategory = "consistency"
	CategoryMastery     AchievementCategory = "mastery"
)

// Achievement は実績の定義 (固定マスタ) です
type Achievement struct {
	ID          string              `json:"id"`
	Category    AchievementCategory `json:"category"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	XPReward    int                 `json:"xp_reward"`
}

// AchievementsList は全実績の定義です
var AchievementsList = map[string]Achievement{
	AchFirstGame: {
		ID: AchFirstGame, Category: CategoryProgression,
		Title: "First Steps", Description: "Complete your first game", XPReward: 50,
	},
	AchAllGamesPlayed: {
		ID: AchAllGamesPlayed, Category: CategoryProgression,
		Title: "Explorer", Description: "Play all available games at least once", XPReward: 100,
	},
	AchPerfectScore: {
		ID: AchPerfectScore, Category: CategoryPerformance,
		Title: "Perfect Score", Description: "Get 100% in any game", XPReward: 150,
	},
	AchQuickLearner: {
		ID: AchQuickLearner, Category: CategoryPerformance,
		Title: "Quick Learner", Description: "Complete any game in under 2 minutes with at least 80% score", XPReward: 100,
	},
	AchDailyStreak: {
		ID: AchDailyStreak, Category: CategoryConsistency,
		Title: "Daily Scholar", Description: "Play at least one game for 5 consecutive days", XPReward: 200,
	},
	AchPracticeChampion: {
		ID: AchPracticeChampion, Category: CategoryConsistency,
		Title: "Practice Champion", Description: "Complete the same game 10 times", XPReward: 150,
	},
	AchSubjectMaster: {
		ID: AchSubjectMaster, Category: CategoryMastery,
		Title: "Subject Master", Description: "Get at least 90% in all games", XPReward: 300,
	},
}

// AchievementState は生徒1人分の実績状態です。
// UnlockedIDs と CurrentXP は明示的なリセット以外で減少しません。
type AchievementState struct {
	StudentID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"student_id"`
	UnlockedIDs     []string   `gorm:"serializer:json;not null" json:"unlocked_ids"`
	CurrentXP       int        `gorm:"not null;default:0" json:"current_xp"`
	LastPlayDate    *time.Time `json:"last_play_date,omitempty"`
	ConsecutiveDays int        `gorm:"not null;default:0" json:"consecutive_days"`
	UpdatedAt       time.Time  `json:"-"`
}

func (AchievementState) TableName() string {
	return "achievement_states"
}

// Unlocked は指定IDが解除済みかどうかを返します
func (s *AchievementState) Unlocked(id string) bool {
	for _, u := range s.UnlockedIDs {
		if u == id {
			return true
		}
	}
	return false
}

// AchievementSyncPayload は実績状態のリモート反映用スナップショットです。
// リモート側とは解除集合の和でマージされ、XPは最大値とマージ後の集合の
// 報酬合計のうち大きい方をとります (多端末での二重解除を1回に収束させる)。
type AchievementSyncPayload struct {
	StudentID       uuid.UUID  `json:"student_id"`
	UnlockedIDs     []string   `json:"unlocked_ids"`
	CurrentXP       int        `json:"current_xp"`
	LastPlayDate    *time.Time `json:"last_play_date,omitempty"`
	ConsecutiveDays int        `json:"consecutive_days"`
	DeviceID        uuid.UUID  `json:"device_id"`
}

// XPProgress はレベル内のXP進捗を表すDTOです
type XPProgress struct {
	CurrentXP   int     `json:"current_xp"`
	Level       int     `json:"level"`
	LevelXP     int     `json:"level_xp"`
	NextLevelXP int     `json:"next_level_xp"`
	Progress    float64 `json:"progress"`
}

// AchievementsResponse は GET /achievements のレスポンスDTO
type AchievementsResponse struct {
	State    *AchievementState `json:"state"`
	Unlocked []Achievement     `json:"unlocked"`
	Locked   []Achievement     `json:"locked"`
	XP       XPProgress        `json:"xp"`
}
