// internal/model/mission.go
package model

import (
	"encoding/json"
	"time"
)

// MissionCatalog は読み取り専用のミッションカタログです (missions.json / リモートの missions/current)。
// 本サービスは検証・変換を行わず、完了しきい値の参照のみに使います。
type MissionCatalog struct {
	Subjects map[string]Subject `json:"subjects"`
}

type Subject struct {
	Title    string    `json:"title"`
	Missions []Mission `json:"missions"`
}

type Mission struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Prerequisite  string        `json:"prerequisite,omitempty"`
	Grade         int           `json:"grade"`
	EstimatedTime int           `json:"estimatedTime"`
	Phases        MissionPhases `json:"phases"`
}

type MissionPhases struct {
	Learn   LearnPhase   `json:"learn"`
	Play    PlayPhase    `json:"play"`
	Conquer ConquerPhase `json:"conquer"`
}

type LearnPhase struct {
	Content []json.RawMessage `json:"content"`
}

type PlayPhase struct {
	GameID string     `json:"gameId"`
	Config PlayConfig `json:"config"`
}

type PlayConfig struct {
	MinScore int `json:"minScore"`
}

type ConquerPhase struct {
	Questions    []json.RawMessage `json:"questions"`
	PassingScore int               `json:"passingScore"`
	TimeLimit    int               `json:"timeLimit"`
}

// AllMissions は全サブジェクトのミッションを平坦化して返します
func (c *MissionCatalog) AllMissions() []Mission {
	var missions []Mission
	for _, subject := range c.Subjects {
		missions = append(missions, subject.Missions...)
	}
	return missions
}

// FindMission はIDでミッションを検索します
func (c *MissionCatalog) FindMission(missionID string) (*Mission, bool) {
	for _, subject := range c.Subjects {
		for i := range subject.Missions {
			if subject.Missions[i].ID == missionID {
				return &subject.Missions[i], true
			}
		}
	}
	return nil, false
}

// MissionDocument はカタログのローカルキャッシュです (キーは "current")
type MissionDocument struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Data      []byte    `gorm:"type:text;not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MissionDocument) TableName() string {
	return "mission_documents"
}

// PhaseAggregate は1フェーズ分の集約結果です
type PhaseAggregate struct {
	Progress  float64 `json:"progress,omitempty"` // Learnのみ (0.0〜1.0)
	BestScore int     `json:"best_score"`
	Attempts  int     `json:"attempts"`
	Completed bool    `json:"completed"`
}

// MissionProgressAggregate はローカルレコードを畳み込んだ派生値です。
// それ自体は同期の単位ではなく、要求時に再計算されます。
type MissionProgressAggregate struct {
	MissionID      string         `json:"mission_id"`
	Learn          PhaseAggregate `json:"learn"`
	Play           PhaseAggregate `json:"play"`
	Conquer        PhaseAggregate `json:"conquer"`
	FullyCompleted bool           `json:"fully_completed"`
}

// MissionStatusResponse は GET /missions の1要素です
type MissionStatusResponse struct {
	Mission   Mission                   `json:"mission"`
	Unlocked  bool                      `json:"unlocked"`
	Aggregate *MissionProgressAggregate `json:"aggregate"`
}
