// internal/service/recorder_service.go
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go_sarathi_progress/internal/config"
	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecorderService は進捗記録の唯一の書き込み口です。
// ローカル保存とキュー追加を1トランザクションで確定してから応答し、
// リモート同期はバックグラウンドに任せます (ローカルコミット優先)。
type RecorderService interface {
	RecordProgress(ctx context.Context, studentID uuid.UUID, req *model.RecordProgressRequest) (*model.RecordProgressResponse, error)
	RecordAccess(ctx context.Context, studentID uuid.UUID, missionID string) error
	ListProgress(ctx context.Context, studentID uuid.UUID) ([]*model.ProgressRecord, error)
	ResetProgress(ctx context.Context, studentID uuid.UUID) error
}

type recorderService struct {
	db           *gorm.DB
	progRepo     repository.ProgressRepository
	queueRepo    repository.QueueRepository
	achievements AchievementService
	engine       SyncEngine
	connectivity ConnectivityMonitor
	bus          EventBus
	cfg          *config.Config
	deviceID     uuid.UUID

	// タイムスタンプの単調性保証用 (端末の時計が巻き戻っても順序を壊さない)
	tsMu   sync.Mutex
	lastTS time.Time
}

func NewRecorderService(db *gorm.DB, progRepo repository.ProgressRepository, queueRepo repository.QueueRepository, achievements AchievementService, engine SyncEngine, connectivity ConnectivityMonitor, bus EventBus, cfg *config.Config, deviceID uuid.UUID) RecorderService {
	return &recorderService{
		db:           db,
		progRepo:     progRepo,
		queueRepo:    queueRepo,
		achievements: achievements,
		engine:       engine,
		connectivity: connectivity,
		bus:          bus,
		cfg:          cfg,
		deviceID:     deviceID,
	}
}

// nextTimestamp は単調増加するタイムスタンプを払い出します。
// 直前の払い出し以下になる場合は 1ms 進めます。
func (s *recorderService) nextTimestamp() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Millisecond)
	}
	s.lastTS = now
	return now
}

func (s *recorderService) RecordProgress(ctx context.Context, studentID uuid.UUID, req *model.RecordProgressRequest) (*model.RecordProgressResponse, error) {
	logger := middleware.GetLogger(ctx).With("student_id", studentID, "mission_id", req.MissionID, "phase", req.Phase)

	phase := model.Phase(req.Phase)
	if !phase.Valid() {
		return nil, model.NewAppError("INVALID_PHASE", "不正なフェーズが指定されました。", "phase", model.ErrInvalidInput)
	}

	record := &model.ProgressRecord{
		RecordID:              uuid.New(),
		StudentID:             studentID,
		MissionID:             req.MissionID,
		Phase:                 phase,
		Score:                 req.Score,
		CompletedContentIndex: req.CompletedContentIndex,
		TimeSpentSeconds:      req.TimeSpentSeconds,
		Timestamp:             s.nextTimestamp(),
		DeviceID:              s.deviceID,
		SyncStatus:            model.SyncPending,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "進捗データの変換に失敗しました。", "", err)
	}

	// レコード保存とキュー追加を不可分に行う。どちらかが失敗したら両方無かったことにする。
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := s.progRepo.Create(ctx, tx, record); createErr != nil {
			return createErr
		}
		entry := &model.SyncQueueEntry{
			Kind:       model.KindProgress,
			Payload:    payload,
			EnqueuedAt: record.Timestamp,
		}
		return s.queueRepo.Append(ctx, tx, entry)
	})
	if err != nil {
		logger.Error("Failed to persist progress record locally", "error", err)
		return nil, model.NewAppError("STORAGE_UNAVAILABLE", "進捗を保存できませんでした。しばらくしてからもう一度お試しください。", "", model.ErrStorageUnavailable)
	}
	logger.Info("Progress record committed locally", "record_id", record.RecordID)

	// 実績評価の失敗は進捗記録の成功を覆さない (次の記録時に再評価される)
	newAchievements, err := s.achievements.Evaluate(ctx, studentID, &AchievementTrigger{
		MissionID:        req.MissionID,
		Phase:            phase,
		Score:            req.Score,
		TimeSpentSeconds: req.TimeSpentSeconds,
		Now:              record.Timestamp,
	})
	if err != nil {
		logger.Warn("Achievement evaluation failed, progress is still recorded", "error", err)
		newAchievements = nil
	}

	s.bus.PublishPhaseCompleted(model.PhaseCompletedEvent{
		StudentID:       studentID,
		MissionID:       req.MissionID,
		Phase:           phase,
		Score:           req.Score,
		NewAchievements: newAchievements,
	})

	// オンラインなら即時ドレインを試みる (fire-and-forget)
	if s.connectivity.Online() {
		s.engine.DrainNow()
	}

	return &model.RecordProgressResponse{
		Record:          record,
		NewAchievements: newAchievements,
	}, nil
}

// RecordAccess はダッシュボードの lastAccessed 更新用のアクセス記録です。
// 履歴レコードは作らず、同期キューにのみ積みます。
func (s *recorderService) RecordAccess(ctx context.Context, studentID uuid.UUID, missionID string) error {
	event := struct {
		StudentID uuid.UUID `json:"student_id"`
		model.AccessEvent
	}{
		StudentID: studentID,
		AccessEvent: model.AccessEvent{
			MissionID:  missionID,
			AccessedAt: s.nextTimestamp(),
			DeviceID:   s.deviceID,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return model.NewAppError("INTERNAL_SERVER_ERROR", "アクセスデータの変換に失敗しました。", "", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := &model.SyncQueueEntry{
			Kind:       model.KindAccess,
			Payload:    payload,
			EnqueuedAt: event.AccessedAt,
		}
		return s.queueRepo.Append(ctx, tx, entry)
	})
	if err != nil {
		middleware.GetLogger(ctx).Error("Failed to enqueue access event", "error", err)
		return model.NewAppError("STORAGE_UNAVAILABLE", "アクセス記録を保存できませんでした。", "", model.ErrStorageUnavailable)
	}

	if s.connectivity.Online() {
		s.engine.DrainNow()
	}
	return nil
}

func (s *recorderService) ListProgress(ctx context.Context, studentID uuid.UUID) ([]*model.ProgressRecord, error) {
	records, err := s.progRepo.FindAllByStudent(ctx, s.db, studentID)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "進捗の取得に失敗しました。", "", err)
	}
	return records, nil
}

// ResetProgress はローカルの進捗・実績・未送信キューをすべて破棄します。
// リモート側のドキュメントには触れません (次回同期で上書きされていく)。
func (s *recorderService) ResetProgress(ctx context.Context, studentID uuid.UUID) error {
	logger := middleware.GetLogger(ctx).With("student_id", studentID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if clearErr := s.progRepo.Clear(ctx, tx, studentID); clearErr != nil {
			return clearErr
		}
		if clearErr := s.achievements.Reset(ctx, tx, studentID); clearErr != nil {
			return clearErr
		}
		return s.queueRepo.ClearAll(ctx, tx)
	})
	if err != nil {
		logger.Error("Failed to reset local progress", "error", err)
		return model.NewAppError("STORAGE_UNAVAILABLE", "進捗のリセットに失敗しました。", "", model.ErrStorageUnavailable)
	}

	logger.Info("Local progress reset completed")
	return nil
}
