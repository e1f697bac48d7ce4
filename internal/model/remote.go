// internal/model/remote.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// リモートドキュメントストアのコレクション名
const (
	RemoteCollectionProgress     = "studentProgress"
	RemoteCollectionAccess       = "studentAccess"
	RemoteCollectionAchievements = "achievements"
	RemoteCollectionMissions     = "missions"
)

// RemotePhaseState は studentProgress/<studentID> 内の
// missions.<missionID>.<phase> フィールドの値です。
type RemotePhaseState struct {
	Score                 int       `json:"score"`
	CompletedContentIndex int       `json:"completedContentIndex"`
	LastPlayed            time.Time `json:"lastPlayed"`
	DeviceID              uuid.UUID `json:"deviceId"`
	MergeVersion          int       `json:"mergeVersion"`
}

// PhaseFieldKey は missions.<missionID>.<phase> 形式のフィールドキーを組み立てます
func PhaseFieldKey(missionID string, phase Phase) string {
	return "missions." + missionID + "." + string(phase)
}
