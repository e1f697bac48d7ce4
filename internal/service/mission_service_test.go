package service

import (
	"encoding/json"
	"testing"
	"time"

	"go_sarathi_progress/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func learnContent(n int) []json.RawMessage {
	content := make([]json.RawMessage, n)
	for i := range content {
		content[i] = json.RawMessage(`{"type":"text"}`)
	}
	return content
}

func testMission(id string, learnSteps, minScore, passingScore int) model.Mission {
	return model.Mission{
		ID: id,
		Phases: model.MissionPhases{
			Learn:   model.LearnPhase{Content: learnContent(learnSteps)},
			Play:    model.PlayPhase{GameID: "treasureHunt", Config: model.PlayConfig{MinScore: minScore}},
			Conquer: model.ConquerPhase{PassingScore: passingScore},
		},
	}
}

func record(phase model.Phase, score, contentIndex *int, ts time.Time) *model.ProgressRecord {
	return &model.ProgressRecord{
		RecordID:              uuid.New(),
		Phase:                 phase,
		Score:                 score,
		CompletedContentIndex: contentIndex,
		Timestamp:             ts,
	}
}

func TestFoldAggregate(t *testing.T) {
	mission := testMission("water-cycle", 4, 60, 70)
	base := dayAt(2026, 3, 1, 10)

	tests := []struct {
		name    string
		records []*model.ProgressRecord
		check   func(t *testing.T, agg *model.MissionProgressAggregate)
	}{
		{
			name:    "正常系: レコードなし",
			records: nil,
			check: func(t *testing.T, agg *model.MissionProgressAggregate) {
				assert.Equal(t, 0.0, agg.Learn.Progress)
				assert.False(t, agg.FullyCompleted)
			},
		},
		{
			name: "正常系: Learnの進捗はベスト位置で計算される",
			records: []*model.ProgressRecord{
				record(model.PhaseLearn, nil, intPtr(3), base),
				record(model.PhaseLearn, nil, intPtr(1), base.Add(time.Minute)), // 後から戻っても後退しない
			},
			check: func(t *testing.T, agg *model.MissionProgressAggregate) {
				assert.InDelta(t, 0.75, agg.Learn.Progress, 0.001)
				assert.Equal(t, 2, agg.Learn.Attempts)
				assert.False(t, agg.Learn.Completed)
			},
		},
		{
			name: "正常系: Playはベストスコアがしきい値以上で完了",
			records: []*model.ProgressRecord{
				record(model.PhasePlay, intPtr(40), nil, base),
				record(model.PhasePlay, intPtr(65), nil, base.Add(time.Minute)),
			},
			check: func(t *testing.T, agg *model.MissionProgressAggregate) {
				assert.Equal(t, 65, agg.Play.BestScore)
				assert.True(t, agg.Play.Completed)
			},
		},
		{
			name: "正常系: Conquerは合格点未満なら未完了",
			records: []*model.ProgressRecord{
				record(model.PhaseConquer, intPtr(69), nil, base),
			},
			check: func(t *testing.T, agg *model.MissionProgressAggregate) {
				assert.Equal(t, 69, agg.Conquer.BestScore)
				assert.False(t, agg.Conquer.Completed)
			},
		},
		{
			name: "正常系: 全フェーズ完了でミッション完了",
			records: []*model.ProgressRecord{
				record(model.PhaseLearn, nil, intPtr(4), base),
				record(model.PhasePlay, intPtr(80), nil, base.Add(time.Minute)),
				record(model.PhaseConquer, intPtr(90), nil, base.Add(2*time.Minute)),
			},
			check: func(t *testing.T, agg *model.MissionProgressAggregate) {
				assert.True(t, agg.Learn.Completed)
				assert.True(t, agg.Play.Completed)
				assert.True(t, agg.Conquer.Completed)
				assert.True(t, agg.FullyCompleted)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, foldAggregate(&mission, tt.records))
		})
	}
}

// コンテンツ定義が空のミッションは1回の閲覧でLearn完了になること
func TestFoldAggregate_EmptyLearnContent(t *testing.T) {
	mission := testMission("vocabulary-foundations", 0, 50, 60)

	agg := foldAggregate(&mission, []*model.ProgressRecord{
		record(model.PhaseLearn, nil, nil, dayAt(2026, 3, 1, 10)),
	})
	assert.Equal(t, 1.0, agg.Learn.Progress)
	assert.True(t, agg.Learn.Completed)
}

func TestIsUnlockedIn(t *testing.T) {
	first := testMission("photosynthesis-basics", 1, 60, 70)
	second := testMission("water-cycle", 1, 60, 70)
	second.Prerequisite = "photosynthesis-basics"

	aggregates := map[string]*model.MissionProgressAggregate{
		"photosynthesis-basics": {MissionID: "photosynthesis-basics", FullyCompleted: false},
		"water-cycle":           {MissionID: "water-cycle"},
	}

	// 前提なしは常に解錠、前提未完了はロック
	assert.True(t, isUnlockedIn(aggregates, &first))
	assert.False(t, isUnlockedIn(aggregates, &second))

	// 前提を完了すると解錠される
	aggregates["photosynthesis-basics"].FullyCompleted = true
	assert.True(t, isUnlockedIn(aggregates, &second))
}
