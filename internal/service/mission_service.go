// internal/service/mission_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"

	"go_sarathi_progress/internal/config"
	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/remote"
	"go_sarathi_progress/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const missionDocumentKey = "current"

// MissionService はミッションカタログの読み取りと進捗集約を提供します。
// カタログは リモート → ローカルキャッシュ → 同梱の missions.json の順で解決します。
type MissionService interface {
	Catalog(ctx context.Context) (*model.MissionCatalog, error)
	Refresh(ctx context.Context) error
	Aggregate(ctx context.Context, studentID uuid.UUID, missionID string) (*model.MissionProgressAggregate, error)
	ListStatuses(ctx context.Context, studentID uuid.UUID) ([]*model.MissionStatusResponse, error)
	IsUnlocked(ctx context.Context, studentID uuid.UUID, missionID string) (bool, error)
}

type missionService struct {
	db          *gorm.DB
	missionRepo repository.MissionRepository
	progRepo    repository.ProgressRepository
	store       remote.Store
	cfg         *config.Config

	mu      sync.Mutex
	catalog *model.MissionCatalog // メモリ上のカタログキャッシュ
}

func NewMissionService(db *gorm.DB, missionRepo repository.MissionRepository, progRepo repository.ProgressRepository, store remote.Store, cfg *config.Config) MissionService {
	return &missionService{
		db:          db,
		missionRepo: missionRepo,
		progRepo:    progRepo,
		store:       store,
		cfg:         cfg,
	}
}

func (s *missionService) Catalog(ctx context.Context) (*model.MissionCatalog, error) {
	s.mu.Lock()
	if s.catalog != nil {
		catalog := s.catalog
		s.mu.Unlock()
		return catalog, nil
	}
	s.mu.Unlock()

	logger := middleware.GetLogger(ctx)

	// 1. ローカルキャッシュ
	doc, err := s.missionRepo.GetDocument(ctx, s.db, missionDocumentKey)
	if err == nil {
		var catalog model.MissionCatalog
		if jsonErr := json.Unmarshal(doc.Data, &catalog); jsonErr == nil {
			s.setCatalog(&catalog)
			return &catalog, nil
		}
		logger.Warn("Cached mission catalog is corrupt, falling back to bundled file")
	} else if !errors.Is(err, model.ErrNotFound) {
		logger.Error("Failed to read cached mission catalog", "error", err)
	}

	// 2. 同梱ファイルへのフォールバック
	data, err := os.ReadFile(s.cfg.App.MissionsFile)
	if err != nil {
		logger.Error("Failed to read bundled mission catalog", "path", s.cfg.App.MissionsFile, "error", err)
		return nil, model.NewAppError("MISSIONS_UNAVAILABLE", "ミッションデータを読み込めませんでした。", "", model.ErrInternalServer)
	}
	var catalog model.MissionCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		logger.Error("Bundled mission catalog is invalid JSON", "path", s.cfg.App.MissionsFile, "error", err)
		return nil, model.NewAppError("MISSIONS_UNAVAILABLE", "ミッションデータを読み込めませんでした。", "", model.ErrInternalServer)
	}

	// オフライン参照用にローカルキャッシュへ保存
	s.cacheCatalog(ctx, data)
	s.setCatalog(&catalog)
	return &catalog, nil
}

// Refresh はリモートの missions/current からカタログを再取得します。
// 失敗してもローカルキャッシュ・同梱ファイルで動作が継続できるため、ベストエフォートです。
func (s *missionService) Refresh(ctx context.Context) error {
	logger := middleware.GetLogger(ctx)

	fields, err := s.store.Get(ctx, model.RemoteCollectionMissions, missionDocumentKey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Info("No mission catalog published remotely, keeping local copy")
			return nil
		}
		logger.Warn("Failed to fetch mission catalog from remote store", "error", err)
		return err
	}

	raw, ok := fields["catalog"]
	if !ok {
		logger.Warn("Remote mission document has no catalog field")
		return nil
	}

	var catalog model.MissionCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		logger.Warn("Remote mission catalog is invalid JSON", "error", err)
		return nil
	}

	s.cacheCatalog(ctx, raw)
	s.setCatalog(&catalog)
	logger.Info("Mission catalog refreshed from remote store")
	return nil
}

func (s *missionService) setCatalog(catalog *model.MissionCatalog) {
	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()
}

func (s *missionService) cacheCatalog(ctx context.Context, data []byte) {
	doc := &model.MissionDocument{Key: missionDocumentKey, Data: data}
	if err := s.missionRepo.PutDocument(ctx, s.db, doc); err != nil {
		middleware.GetLogger(ctx).Warn("Failed to cache mission catalog locally", "error", err)
	}
}

// Aggregate はローカルレコードを畳み込んでミッションの達成状況を計算します。
// ベストスコア方式: 同じフェーズを繰り返しても達成度は後退しません。
func (s *missionService) Aggregate(ctx context.Context, studentID uuid.UUID, missionID string) (*model.MissionProgressAggregate, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	mission, ok := catalog.FindMission(missionID)
	if !ok {
		return nil, model.NewAppError("MISSION_NOT_FOUND", "指定されたミッションが見つかりません。", "mission_id", model.ErrNotFound)
	}

	records, err := s.progRepo.FindByMission(ctx, s.db, studentID, missionID)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "進捗の取得に失敗しました。", "", err)
	}

	return foldAggregate(mission, records), nil
}

func foldAggregate(mission *model.Mission, records []*model.ProgressRecord) *model.MissionProgressAggregate {
	agg := &model.MissionProgressAggregate{MissionID: mission.ID}

	totalLearnSteps := len(mission.Phases.Learn.Content)
	bestContentIndex := 0

	for _, record := range records {
		switch record.Phase {
		case model.PhaseLearn:
			agg.Learn.Attempts++
			if record.CompletedContentIndex != nil && *record.CompletedContentIndex > bestContentIndex {
				bestContentIndex = *record.CompletedContentIndex
			}
		case model.PhasePlay:
			agg.Play.Attempts++
			if record.Score != nil && *record.Score > agg.Play.BestScore {
				agg.Play.BestScore = *record.Score
			}
		case model.PhaseConquer:
			agg.Conquer.Attempts++
			if record.Score != nil && *record.Score > agg.Conquer.BestScore {
				agg.Conquer.BestScore = *record.Score
			}
		}
	}

	if totalLearnSteps > 0 {
		agg.Learn.Progress = float64(bestContentIndex) / float64(totalLearnSteps)
	} else if agg.Learn.Attempts > 0 {
		// コンテンツ定義が空のミッションは1回の閲覧で完了扱い
		agg.Learn.Progress = 1.0
	}
	agg.Learn.Completed = agg.Learn.Progress >= 1.0
	agg.Play.Completed = agg.Play.Attempts > 0 && agg.Play.BestScore >= mission.Phases.Play.Config.MinScore
	agg.Conquer.Completed = agg.Conquer.Attempts > 0 && agg.Conquer.BestScore >= mission.Phases.Conquer.PassingScore
	agg.FullyCompleted = agg.Learn.Completed && agg.Play.Completed && agg.Conquer.Completed

	return agg
}

func (s *missionService) ListStatuses(ctx context.Context, studentID uuid.UUID) ([]*model.MissionStatusResponse, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	records, err := s.progRepo.FindAllByStudent(ctx, s.db, studentID)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "進捗の取得に失敗しました。", "", err)
	}

	byMission := make(map[string][]*model.ProgressRecord)
	for _, record := range records {
		byMission[record.MissionID] = append(byMission[record.MissionID], record)
	}

	missions := catalog.AllMissions()
	aggregates := make(map[string]*model.MissionProgressAggregate, len(missions))
	for i := range missions {
		aggregates[missions[i].ID] = foldAggregate(&missions[i], byMission[missions[i].ID])
	}

	statuses := make([]*model.MissionStatusResponse, 0, len(missions))
	for i := range missions {
		mission := missions[i]
		statuses = append(statuses, &model.MissionStatusResponse{
			Mission:   mission,
			Unlocked:  isUnlockedIn(aggregates, &mission),
			Aggregate: aggregates[mission.ID],
		})
	}

	// カタログのマップ順序に依存しないよう、ID順で安定化する
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Mission.ID < statuses[j].Mission.ID
	})
	return statuses, nil
}

func (s *missionService) IsUnlocked(ctx context.Context, studentID uuid.UUID, missionID string) (bool, error) {
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return false, err
	}
	mission, ok := catalog.FindMission(missionID)
	if !ok {
		return false, model.NewAppError("MISSION_NOT_FOUND", "指定されたミッションが見つかりません。", "mission_id", model.ErrNotFound)
	}
	if mission.Prerequisite == "" {
		return true, nil
	}

	prereqAgg, err := s.Aggregate(ctx, studentID, mission.Prerequisite)
	if err != nil {
		return false, err
	}
	return prereqAgg.FullyCompleted, nil
}

// isUnlockedIn は計算済み集約マップに対する解錠判定です
func isUnlockedIn(aggregates map[string]*model.MissionProgressAggregate, mission *model.Mission) bool {
	if mission.Prerequisite == "" {
		return true
	}
	prereq, ok := aggregates[mission.Prerequisite]
	return ok && prereq.FullyCompleted
}
