// internal/service/conflict.go
package service

import (
	"time"

	"go_sarathi_progress/internal/model"

	"github.com/google/uuid"
)

// ConflictResolver は同一 (missionId, phase) に対するローカル/リモートの
// 競合を決定的に解決します。進捗の単調性 (記録済みの達成が巻き戻らないこと) を
// 厳密な last-write-wins より優先するポリシーです。
type ConflictResolver interface {
	// Resolve はリモートへ書き込むべき値と、書き込みが必要かどうかを返します。
	// 第2戻り値が false の場合はリモートが勝ち、ローカルの書き込みは破棄されます
	// (ローカルの履歴レコード自体は残る)。
	Resolve(local *model.ProgressRecord, remote *model.RemotePhaseState, now time.Time) (model.RemotePhaseState, bool)
}

type conflictResolver struct {
	deviceID uuid.UUID
}

func NewConflictResolver(deviceID uuid.UUID) ConflictResolver {
	return &conflictResolver{deviceID: deviceID}
}

func (r *conflictResolver) Resolve(local *model.ProgressRecord, remote *model.RemotePhaseState, now time.Time) (model.RemotePhaseState, bool) {
	// ケース1: この端末のレコードがリモートより新しい → ローカルが勝つ
	if local.DeviceID == r.deviceID && local.Timestamp.After(remote.LastPlayed) {
		return phaseStateFromRecord(local, remote.MergeVersion), true
	}

	// ケース2: 他端末のレコードで、リモートが同時刻以降 → リモートが勝つ
	if local.DeviceID != r.deviceID && !remote.LastPlayed.Before(local.Timestamp) {
		return *remote, false
	}

	// ケース3: 順序が曖昧 → フィールドごとの最大値でマージ
	merged := model.RemotePhaseState{
		Score:                 maxInt(scoreOf(local), remote.Score),
		CompletedContentIndex: maxInt(contentIndexOf(local), remote.CompletedContentIndex),
		LastPlayed:            now,
		DeviceID:              r.deviceID,
		MergeVersion:          remote.MergeVersion + 1,
	}
	return merged, true
}

// phaseStateFromRecord はローカルレコードをリモートのフィールド値へ変換します
func phaseStateFromRecord(record *model.ProgressRecord, mergeVersion int) model.RemotePhaseState {
	return model.RemotePhaseState{
		Score:                 scoreOf(record),
		CompletedContentIndex: contentIndexOf(record),
		LastPlayed:            record.Timestamp,
		DeviceID:              record.DeviceID,
		MergeVersion:          mergeVersion,
	}
}

func scoreOf(record *model.ProgressRecord) int {
	if record.Score == nil {
		return 0
	}
	return *record.Score
}

func contentIndexOf(record *model.ProgressRecord) int {
	if record.CompletedContentIndex == nil {
		return 0
	}
	return *record.CompletedContentIndex
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
