// internal/service/achievement_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go_sarathi_progress/internal/config"
	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AchievementTrigger は実績評価の入力となる直近のフェーズ完了です
type AchievementTrigger struct {
	MissionID        string
	Phase            model.Phase
	Score            *int
	TimeSpentSeconds int
	Now              time.Time
}

// AchievementService は進捗更新のたびに実績ルールを評価します。
// 解除は冪等な集合追加で、XPと解除済み集合は明示的なリセット以外で減少しません。
type AchievementService interface {
	Evaluate(ctx context.Context, studentID uuid.UUID, trigger *AchievementTrigger) ([]string, error)
	GetOverview(ctx context.Context, studentID uuid.UUID) (*model.AchievementsResponse, error)
	Reset(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error
}

type achievementService struct {
	db        *gorm.DB
	achRepo   repository.AchievementRepository
	progRepo  repository.ProgressRepository
	queueRepo repository.QueueRepository
	missions  MissionService
	bus       EventBus
	cfg       *config.Config
	deviceID  uuid.UUID
}

func NewAchievementService(db *gorm.DB, achRepo repository.AchievementRepository, progRepo repository.ProgressRepository, queueRepo repository.QueueRepository, missions MissionService, bus EventBus, cfg *config.Config, deviceID uuid.UUID) AchievementService {
	return &achievementService{
		db:        db,
		achRepo:   achRepo,
		progRepo:  progRepo,
		queueRepo: queueRepo,
		missions:  missions,
		bus:       bus,
		cfg:       cfg,
		deviceID:  deviceID,
	}
}

// Evaluate は全ルールを評価し、新規に解除された実績IDを返します。
// 状態更新と同期キューへの追加は1つのローカルトランザクションで行います。
func (s *achievementService) Evaluate(ctx context.Context, studentID uuid.UUID, trigger *AchievementTrigger) ([]string, error) {
	logger := middleware.GetLogger(ctx).With("student_id", studentID)

	state, err := s.achRepo.Get(ctx, s.db, studentID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logger.Error("Failed to load achievement state", "error", err)
			return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "実績状態の取得に失敗しました。", "", err)
		}
		state = &model.AchievementState{StudentID: studentID, UnlockedIDs: []string{}}
	}

	var newly []string
	unlock := func(id string) {
		if state.Unlocked(id) {
			return // 解除済みの再解除は no-op
		}
		def, ok := model.AchievementsList[id]
		if !ok {
			return
		}
		state.UnlockedIDs = append(state.UnlockedIDs, id)
		state.CurrentXP += def.XPReward
		newly = append(newly, id)
	}

	// 最初の解除が一切ない状態での完了 → firstGame
	if len(state.UnlockedIDs) == 0 {
		unlock(model.AchFirstGame)
	}

	if trigger.Score != nil && *trigger.Score >= 100 {
		unlock(model.AchPerfectScore)
	}

	if trigger.Score != nil && *trigger.Score >= 80 && trigger.TimeSpentSeconds < 120 {
		unlock(model.AchQuickLearner)
	}

	streakChanged := s.updateDailyStreak(state, trigger.Now)
	if state.ConsecutiveDays >= s.cfg.App.StreakTarget {
		unlock(model.AchDailyStreak)
	}

	count, err := s.progRepo.CountByMission(ctx, s.db, studentID, trigger.MissionID)
	if err != nil {
		logger.Error("Failed to count mission attempts", "error", err)
	} else if count >= 10 {
		unlock(model.AchPracticeChampion)
	}

	statuses, err := s.missions.ListStatuses(ctx, studentID)
	if err != nil {
		logger.Warn("Failed to compute mission aggregates for achievement rules", "error", err)
	} else if len(statuses) > 0 {
		allPlayed := true
		allMastered := true
		for _, status := range statuses {
			agg := status.Aggregate
			attempts := agg.Learn.Attempts + agg.Play.Attempts + agg.Conquer.Attempts
			if attempts == 0 {
				allPlayed = false
			}
			if maxInt(agg.Play.BestScore, agg.Conquer.BestScore) < 90 {
				allMastered = false
			}
		}
		if allPlayed {
			unlock(model.AchAllGamesPlayed)
		}
		if allMastered {
			unlock(model.AchSubjectMaster)
		}
	}

	if len(newly) == 0 && !streakChanged {
		return nil, nil
	}

	// 状態の保存と同期キューへの追加は不可分に行う
	payload := model.AchievementSyncPayload{
		StudentID:       studentID,
		UnlockedIDs:     state.UnlockedIDs,
		CurrentXP:       state.CurrentXP,
		LastPlayDate:    state.LastPlayDate,
		ConsecutiveDays: state.ConsecutiveDays,
		DeviceID:        s.deviceID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "実績データの変換に失敗しました。", "", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if saveErr := s.achRepo.Save(ctx, tx, state); saveErr != nil {
			return saveErr
		}
		entry := &model.SyncQueueEntry{
			Kind:       model.KindAnalytics,
			Payload:    data,
			EnqueuedAt: trigger.Now,
		}
		return s.queueRepo.Append(ctx, tx, entry)
	})
	if err != nil {
		logger.Error("Failed to persist achievement state", "error", err)
		return nil, model.NewAppError("STORAGE_UNAVAILABLE", "実績状態の保存に失敗しました。", "", model.ErrStorageUnavailable)
	}

	for _, id := range newly {
		def := model.AchievementsList[id]
		logger.Info("Achievement unlocked", "achievement_id", id, "xp_reward", def.XPReward)
		s.bus.PublishAchievementUnlocked(model.AchievementUnlockedEvent{
			StudentID:   studentID,
			Achievement: def,
			UnlockedAt:  trigger.Now,
		})
	}

	return newly, nil
}

// updateDailyStreak は連続プレイ日数を更新します。変更があれば true を返します。
// 同日中の2回目以降のプレイでは何も変わりません。
func (s *achievementService) updateDailyStreak(state *model.AchievementState, now time.Time) bool {
	today := now.Truncate(24 * time.Hour)

	if state.LastPlayDate != nil {
		lastDay := state.LastPlayDate.Truncate(24 * time.Hour)
		if lastDay.Equal(today) {
			return false // 今日はすでにプレイ済み
		}
		if lastDay.Equal(today.AddDate(0, 0, -1)) {
			state.ConsecutiveDays++
		} else {
			state.ConsecutiveDays = 1
		}
	} else {
		state.ConsecutiveDays = 1
	}

	playDate := now
	state.LastPlayDate = &playDate
	return true
}

func (s *achievementService) GetOverview(ctx context.Context, studentID uuid.UUID) (*model.AchievementsResponse, error) {
	state, err := s.achRepo.Get(ctx, s.db, studentID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "実績状態の取得に失敗しました。", "", err)
		}
		state = &model.AchievementState{StudentID: studentID, UnlockedIDs: []string{}}
	}

	var unlocked, locked []model.Achievement
	for _, def := range model.AchievementsList {
		if state.Unlocked(def.ID) {
			unlocked = append(unlocked, def)
		} else {
			locked = append(locked, def)
		}
	}
	sort.Slice(unlocked, func(i, j int) bool { return unlocked[i].ID < unlocked[j].ID })
	sort.Slice(locked, func(i, j int) bool { return locked[i].ID < locked[j].ID })

	return &model.AchievementsResponse{
		State:    state,
		Unlocked: unlocked,
		Locked:   locked,
		XP:       s.xpProgress(state.CurrentXP),
	}, nil
}

func (s *achievementService) xpProgress(currentXP int) model.XPProgress {
	xpPerLevel := s.cfg.App.XPPerLevel
	level := currentXP/xpPerLevel + 1
	levelXP := currentXP - (level-1)*xpPerLevel
	return model.XPProgress{
		CurrentXP:   currentXP,
		Level:       level,
		LevelXP:     levelXP,
		NextLevelXP: xpPerLevel,
		Progress:    float64(levelXP) / float64(xpPerLevel) * 100,
	}
}

func (s *achievementService) Reset(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error {
	return s.achRepo.Clear(ctx, tx, studentID)
}
