package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go_sarathi_progress/internal/config"
	"go_sarathi_progress/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// --- ヘルパー: ログ出力を抑制したロガー ---
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- ヘルパー: テスト用のインメモリDBをセットアップ ---
func newTestDB(t *testing.T) *gorm.DB {
	return newTestDBNamed(t, "")
}

// newTestDBNamed は同一テスト内で複数の独立したDBが必要なとき (多端末再現など) に使う
func newTestDBNamed(t *testing.T, suffix string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s%s?mode=memory&cache=shared", t.Name(), suffix)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&model.ProgressRecord{},
		&model.SyncQueueEntry{},
		&model.SyncAttemptState{},
		&model.AchievementState{},
		&model.MissionDocument{},
	)
	require.NoError(t, err)
	return db
}

// --- ヘルパー: テスト用の設定 ---
func newTestConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			BatchSize:              50,
			BaseBackoffMillis:      1000,
			MaxBackoffMillis:       60000,
			MaxEntryAttempts:       10,
			FailureNotifyThreshold: 5,
			IntervalSeconds:        300,
		},
		App: config.AppConfig{
			XPPerLevel:   500,
			StreakTarget: 5,
		},
	}
}

// --- フェイク: 接続状態モニタ (ポーリングなし・手動切り替え) ---
type fakeConnectivity struct {
	mu        sync.Mutex
	online    bool
	callbacks []func()
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	return &fakeConnectivity{online: online}
}

func (f *fakeConnectivity) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConnectivity) SetOnline(online bool) {
	f.mu.Lock()
	wasOnline := f.online
	f.online = online
	var callbacks []func()
	if online && !wasOnline {
		callbacks = append(callbacks, f.callbacks...)
	}
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (f *fakeConnectivity) OnOnline(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, fn)
}

func (f *fakeConnectivity) StartPolling(ctx context.Context) {}
func (f *fakeConnectivity) Stop()                            {}

// --- フェイク: 運用者通知 (呼び出しを記録するだけ) ---
type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subjects)
}

// --- スタブ: ミッションサービス (固定の集約結果を返す) ---
type stubMissions struct {
	statuses []*model.MissionStatusResponse
}

func (s *stubMissions) Catalog(ctx context.Context) (*model.MissionCatalog, error) {
	return &model.MissionCatalog{}, nil
}

func (s *stubMissions) Refresh(ctx context.Context) error { return nil }

func (s *stubMissions) Aggregate(ctx context.Context, studentID uuid.UUID, missionID string) (*model.MissionProgressAggregate, error) {
	for _, status := range s.statuses {
		if status.Mission.ID == missionID {
			return status.Aggregate, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *stubMissions) ListStatuses(ctx context.Context, studentID uuid.UUID) ([]*model.MissionStatusResponse, error) {
	return s.statuses, nil
}

func (s *stubMissions) IsUnlocked(ctx context.Context, studentID uuid.UUID, missionID string) (bool, error) {
	return true, nil
}

func missionStatus(id string, attempts, bestScore int) *model.MissionStatusResponse {
	return &model.MissionStatusResponse{
		Mission:  model.Mission{ID: id},
		Unlocked: true,
		Aggregate: &model.MissionProgressAggregate{
			MissionID: id,
			Play:      model.PhaseAggregate{Attempts: attempts, BestScore: bestScore},
		},
	}
}

// --- スタブ: 同期エンジン (DrainNow の呼び出しだけ数える) ---
type stubEngine struct {
	mu     sync.Mutex
	drains int
}

func (s *stubEngine) Start(ctx context.Context)       {}
func (s *stubEngine) Stop()                           {}
func (s *stubEngine) Drain(ctx context.Context) error { return nil }

func (s *stubEngine) DrainNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains++
}

func (s *stubEngine) drainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

func (s *stubEngine) Status(ctx context.Context) (*model.SyncStatusResponse, error) {
	return &model.SyncStatusResponse{}, nil
}

func dayAt(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}
