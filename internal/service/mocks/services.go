// internal/service/mocks/services.go
// handlers層のテストで使うサービスのモック実装
package mocks

import (
	"context"

	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

type RecorderService struct {
	mock.Mock
}

func (m *RecorderService) RecordProgress(ctx context.Context, studentID uuid.UUID, req *model.RecordProgressRequest) (*model.RecordProgressResponse, error) {
	args := m.Called(ctx, studentID, req)
	var resp *model.RecordProgressResponse
	if args.Get(0) != nil {
		resp = args.Get(0).(*model.RecordProgressResponse)
	}
	return resp, args.Error(1)
}

func (m *RecorderService) RecordAccess(ctx context.Context, studentID uuid.UUID, missionID string) error {
	args := m.Called(ctx, studentID, missionID)
	return args.Error(0)
}

func (m *RecorderService) ListProgress(ctx context.Context, studentID uuid.UUID) ([]*model.ProgressRecord, error) {
	args := m.Called(ctx, studentID)
	var records []*model.ProgressRecord
	if args.Get(0) != nil {
		records = args.Get(0).([]*model.ProgressRecord)
	}
	return records, args.Error(1)
}

func (m *RecorderService) ResetProgress(ctx context.Context, studentID uuid.UUID) error {
	args := m.Called(ctx, studentID)
	return args.Error(0)
}

type AchievementService struct {
	mock.Mock
}

func (m *AchievementService) Evaluate(ctx context.Context, studentID uuid.UUID, trigger *service.AchievementTrigger) ([]string, error) {
	args := m.Called(ctx, studentID, trigger)
	var newly []string
	if args.Get(0) != nil {
		newly = args.Get(0).([]string)
	}
	return newly, args.Error(1)
}

func (m *AchievementService) GetOverview(ctx context.Context, studentID uuid.UUID) (*model.AchievementsResponse, error) {
	args := m.Called(ctx, studentID)
	var resp *model.AchievementsResponse
	if args.Get(0) != nil {
		resp = args.Get(0).(*model.AchievementsResponse)
	}
	return resp, args.Error(1)
}

func (m *AchievementService) Reset(ctx context.Context, tx *gorm.DB, studentID uuid.UUID) error {
	args := m.Called(ctx, tx, studentID)
	return args.Error(0)
}

type MissionService struct {
	mock.Mock
}

func (m *MissionService) Catalog(ctx context.Context) (*model.MissionCatalog, error) {
	args := m.Called(ctx)
	var catalog *model.MissionCatalog
	if args.Get(0) != nil {
		catalog = args.Get(0).(*model.MissionCatalog)
	}
	return catalog, args.Error(1)
}

func (m *MissionService) Refresh(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MissionService) Aggregate(ctx context.Context, studentID uuid.UUID, missionID string) (*model.MissionProgressAggregate, error) {
	args := m.Called(ctx, studentID, missionID)
	var agg *model.MissionProgressAggregate
	if args.Get(0) != nil {
		agg = args.Get(0).(*model.MissionProgressAggregate)
	}
	return agg, args.Error(1)
}

func (m *MissionService) ListStatuses(ctx context.Context, studentID uuid.UUID) ([]*model.MissionStatusResponse, error) {
	args := m.Called(ctx, studentID)
	var statuses []*model.MissionStatusResponse
	if args.Get(0) != nil {
		statuses = args.Get(0).([]*model.MissionStatusResponse)
	}
	return statuses, args.Error(1)
}

func (m *MissionService) IsUnlocked(ctx context.Context, studentID uuid.UUID, missionID string) (bool, error) {
	args := m.Called(ctx, studentID, missionID)
	return args.Bool(0), args.Error(1)
}

type SyncEngine struct {
	mock.Mock
}

func (m *SyncEngine) Start(ctx context.Context) {
	m.Called(ctx)
}

func (m *SyncEngine) Stop() {
	m.Called()
}

func (m *SyncEngine) DrainNow() {
	m.Called()
}

func (m *SyncEngine) Drain(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *SyncEngine) Status(ctx context.Context) (*model.SyncStatusResponse, error) {
	args := m.Called(ctx)
	var status *model.SyncStatusResponse
	if args.Get(0) != nil {
		status = args.Get(0).(*model.SyncStatusResponse)
	}
	return status, args.Error(1)
}

type ConnectivityMonitor struct {
	mock.Mock
}

func (m *ConnectivityMonitor) Online() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.Called(online)
}

func (m *ConnectivityMonitor) OnOnline(fn func()) {
	m.Called(fn)
}

func (m *ConnectivityMonitor) StartPolling(ctx context.Context) {
	m.Called(ctx)
}

func (m *ConnectivityMonitor) Stop() {
	m.Called()
}
