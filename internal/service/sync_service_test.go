package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/remote"
	"go_sarathi_progress/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type syncEngineFixture struct {
	db        *gorm.DB
	store     *remote.MemoryStore
	conn      *fakeConnectivity
	notifier  *recordingNotifier
	bus       EventBus
	queueRepo repository.QueueRepository
	progRepo  repository.ProgressRepository
	deviceID  uuid.UUID
	engine    SyncEngine
}

func newSyncEngineFixture(t *testing.T, online bool) *syncEngineFixture {
	t.Helper()
	f := &syncEngineFixture{
		db:        newTestDB(t),
		store:     remote.NewMemoryStore(),
		conn:      newFakeConnectivity(online),
		notifier:  &recordingNotifier{},
		bus:       NewEventBus(testLogger()),
		queueRepo: repository.NewGormQueueRepository(),
		progRepo:  repository.NewGormProgressRepository(),
		deviceID:  uuid.New(),
	}
	f.engine = NewSyncEngine(
		f.db, f.queueRepo, f.progRepo, f.store,
		NewConflictResolver(f.deviceID),
		f.conn, f.bus, f.notifier, newTestConfig(), f.deviceID,
	)
	return f
}

// enqueueProgress は進捗レコードとキューエントリをローカルへ積みます (レコーダーの動作相当)
func (f *syncEngineFixture) enqueueProgress(t *testing.T, studentID uuid.UUID, missionID string, phase model.Phase, score *int, ts time.Time) *model.ProgressRecord {
	t.Helper()
	record := &model.ProgressRecord{
		RecordID:   uuid.New(),
		StudentID:  studentID,
		MissionID:  missionID,
		Phase:      phase,
		Score:      score,
		Timestamp:  ts,
		DeviceID:   f.deviceID,
		SyncStatus: model.SyncPending,
	}
	payload, err := json.Marshal(record)
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		if createErr := f.progRepo.Create(context.Background(), tx, record); createErr != nil {
			return createErr
		}
		return f.queueRepo.Append(context.Background(), tx, &model.SyncQueueEntry{
			Kind: model.KindProgress, Payload: payload, EnqueuedAt: ts,
		})
	})
	require.NoError(t, err)
	return record
}

func (f *syncEngineFixture) queueSize(t *testing.T) int64 {
	t.Helper()
	size, err := f.queueRepo.Size(context.Background(), f.db)
	require.NoError(t, err)
	return size
}

func (f *syncEngineFixture) remotePhase(t *testing.T, studentID uuid.UUID, missionID string, phase model.Phase) *model.RemotePhaseState {
	t.Helper()
	fields, err := f.store.Get(context.Background(), model.RemoteCollectionProgress, studentID.String())
	require.NoError(t, err)
	raw, ok := fields[model.PhaseFieldKey(missionID, phase)]
	require.True(t, ok, "remote field missing")
	var state model.RemotePhaseState
	require.NoError(t, json.Unmarshal(raw, &state))
	return &state
}

// オフライン中に積んだレコードが、オンライン復帰後のドレインでまとめて反映されること
func TestSyncEngine_OfflineThenOnline(t *testing.T) {
	f := newSyncEngineFixture(t, false)
	ctx := context.Background()
	studentID := uuid.New()
	base := dayAt(2026, 3, 1, 10)

	f.enqueueProgress(t, studentID, "water-cycle", model.PhasePlay, intPtr(80), base)
	f.enqueueProgress(t, studentID, "water-cycle", model.PhasePlay, intPtr(95), base.Add(time.Minute))
	f.enqueueProgress(t, studentID, "water-cycle", model.PhaseLearn, nil, base.Add(2*time.Minute))

	// オフライン中はドレインしない
	require.NoError(t, f.engine.Drain(ctx))
	assert.Equal(t, int64(3), f.queueSize(t))
	assert.Equal(t, 0, f.store.BatchCalls)

	// オンライン復帰
	f.conn.SetOnline(true)
	require.NoError(t, f.engine.Drain(ctx))

	assert.Equal(t, int64(0), f.queueSize(t))
	assert.Equal(t, 1, f.store.BatchCalls) // 1バッチに集約される

	// 同一 (mission, phase) はベストスコアへ集約される
	play := f.remotePhase(t, studentID, "water-cycle", model.PhasePlay)
	assert.Equal(t, 95, play.Score)
	assert.Equal(t, f.deviceID, play.DeviceID)

	// ローカルレコードは synced へ遷移している
	records, err := f.progRepo.FindAllByStudent(ctx, f.db, studentID)
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, model.SyncSynced, record.SyncStatus)
	}
}

// 一時的な失敗で連続失敗回数が永続化され、エンジンを作り直しても保持されること
func TestSyncEngine_TransientFailurePersistsAcrossRestart(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()

	f.enqueueProgress(t, uuid.New(), "water-cycle", model.PhasePlay, intPtr(70), dayAt(2026, 3, 1, 10))
	f.store.FailAlways(fmt.Errorf("%w: connection refused", model.ErrRemoteUnavailable))

	for i := 0; i < 3; i++ {
		assert.Error(t, f.engine.Drain(ctx))
	}

	// エントリは失われず残っている
	assert.Equal(t, int64(1), f.queueSize(t))

	state, err := f.queueRepo.GetAttemptState(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 3, state.ConsecutiveFailures)

	// 再起動相当: 同じDBで新しいエンジンを作ってもバックオフは8秒から始まる
	restarted := NewSyncEngine(
		f.db, f.queueRepo, f.progRepo, f.store,
		NewConflictResolver(f.deviceID),
		f.conn, f.bus, f.notifier, newTestConfig(), f.deviceID,
	).(*syncEngine)
	assert.Equal(t, 8*time.Second, restarted.nextRetryDelay(ctx))

	// 復旧後のドレイン成功でカウンタは0へ戻る
	f.store.FailAlways(nil)
	require.NoError(t, f.engine.Drain(ctx))
	state, err = f.queueRepo.GetAttemptState(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Equal(t, int64(0), f.queueSize(t))
}

// 連続失敗がしきい値に達したらUIへ同期トラブルイベントが1回発火されること
func TestSyncEngine_FailureNotifyThreshold(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	events := f.bus.SubscribeSyncTrouble()

	f.enqueueProgress(t, uuid.New(), "water-cycle", model.PhasePlay, intPtr(70), dayAt(2026, 3, 1, 10))
	f.store.FailAlways(fmt.Errorf("%w: timeout", model.ErrRemoteUnavailable))

	for i := 0; i < 5; i++ {
		assert.Error(t, f.engine.Drain(ctx))
	}

	select {
	case event := <-events:
		assert.Equal(t, 5, event.ConsecutiveFailures)
	default:
		t.Fatal("expected a sync trouble event after reaching the notify threshold")
	}

	// 通知カウンタはリセット済み、失敗カウンタは継続
	state, err := f.queueRepo.GetAttemptState(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 5, state.ConsecutiveFailures)
	assert.Equal(t, 0, state.FailuresSinceNotify)
}

// 解釈不能なエントリは隔離され、後続エントリの処理を妨げないこと
func TestSyncEngine_PoisonEntryQuarantined(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	studentID := uuid.New()

	// 壊れたペイロードを直接キューへ入れる
	require.NoError(t, f.queueRepo.Append(ctx, f.db, &model.SyncQueueEntry{
		Kind: model.KindProgress, Payload: json.RawMessage(`{broken`), EnqueuedAt: dayAt(2026, 3, 1, 9),
	}))
	f.enqueueProgress(t, studentID, "water-cycle", model.PhasePlay, intPtr(88), dayAt(2026, 3, 1, 10))

	require.NoError(t, f.engine.Drain(ctx))

	// 正常なエントリは反映され、壊れたエントリは隔離される
	assert.Equal(t, int64(0), f.queueSize(t))
	play := f.remotePhase(t, studentID, "water-cycle", model.PhasePlay)
	assert.Equal(t, 88, play.Score)

	quarantined, err := f.queueRepo.ListQuarantined(ctx, f.db)
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
	assert.Equal(t, 1, f.notifier.count())
}

// 恒久的な拒否では試行回数が進み、上限到達でエントリが隔離されること
func TestSyncEngine_PermanentRejectionQuarantinesAfterMaxAttempts(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()

	cfg := newTestConfig()
	cfg.Sync.MaxEntryAttempts = 2
	f.engine = NewSyncEngine(
		f.db, f.queueRepo, f.progRepo, f.store,
		NewConflictResolver(f.deviceID),
		f.conn, f.bus, f.notifier, cfg, f.deviceID,
	)

	f.enqueueProgress(t, uuid.New(), "water-cycle", model.PhasePlay, intPtr(70), dayAt(2026, 3, 1, 10))
	f.store.FailAlways(fmt.Errorf("%w: invalid document", model.ErrRemoteRejected))

	// 1回目: attempts=1、まだ隔離されない
	assert.Error(t, f.engine.Drain(ctx))
	entries, err := f.queueRepo.PeekBatch(ctx, f.db, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)

	// 2回目: 上限到達で隔離
	assert.Error(t, f.engine.Drain(ctx))
	assert.Equal(t, int64(0), f.queueSize(t))

	quarantined, err := f.queueRepo.ListQuarantined(ctx, f.db)
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

// ACK前のクラッシュ相当で同じエントリが再配送されても、リモートの結果が変わらないこと
func TestSyncEngine_RedeliveryIsIdempotent(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	studentID := uuid.New()
	ts := dayAt(2026, 3, 1, 10)

	record := f.enqueueProgress(t, studentID, "water-cycle", model.PhasePlay, intPtr(95), ts)
	require.NoError(t, f.engine.Drain(ctx))
	first := f.remotePhase(t, studentID, "water-cycle", model.PhasePlay)

	// 同じレコードのエントリを再投入 (ACK失敗後の再配送を再現)
	payload, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, f.queueRepo.Append(ctx, f.db, &model.SyncQueueEntry{
		Kind: model.KindProgress, Payload: payload, EnqueuedAt: ts,
	}))
	require.NoError(t, f.engine.Drain(ctx))

	second := f.remotePhase(t, studentID, "water-cycle", model.PhasePlay)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.CompletedContentIndex, second.CompletedContentIndex)
	assert.Equal(t, first.DeviceID, second.DeviceID)
}

// 他端末の書き込みが既にリモートへ反映済みの場合、古いローカル書き込みは破棄されること
func TestSyncEngine_RemoteWinsDropsLocalWrite(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	studentID := uuid.New()
	otherDevice := uuid.New()
	base := dayAt(2026, 3, 1, 10)

	// リモートには他端末の新しい状態が存在する
	remoteState := model.RemotePhaseState{
		Score: 90, LastPlayed: base.Add(time.Hour), DeviceID: f.deviceID, MergeVersion: 3,
	}
	raw, err := json.Marshal(remoteState)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, model.RemoteCollectionProgress, studentID.String(),
		remote.Fields{model.PhaseFieldKey("water-cycle", model.PhasePlay): raw}, true))

	// 他端末で記録された古いレコードを受け取った場合
	record := &model.ProgressRecord{
		RecordID:  uuid.New(),
		StudentID: studentID,
		MissionID: "water-cycle",
		Phase:     model.PhasePlay,
		Score:     intPtr(50),
		Timestamp: base,
		DeviceID:  otherDevice,
	}
	payload, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, f.queueRepo.Append(ctx, f.db, &model.SyncQueueEntry{
		Kind: model.KindProgress, Payload: payload, EnqueuedAt: base,
	}))

	require.NoError(t, f.engine.Drain(ctx))

	// エントリはACKされるがリモートは変わらない
	assert.Equal(t, int64(0), f.queueSize(t))
	current := f.remotePhase(t, studentID, "water-cycle", model.PhasePlay)
	assert.Equal(t, 90, current.Score)
	assert.Equal(t, 3, current.MergeVersion)
}

// 実績スナップショットはリモートと和集合・最大値でマージされること
func TestSyncEngine_AchievementMerge(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	studentID := uuid.New()

	// リモートには別端末の実績が既にある
	unlockedRaw, _ := json.Marshal([]string{model.AchFirstGame, model.AchDailyStreak})
	xpRaw, _ := json.Marshal(400)
	require.NoError(t, f.store.Set(ctx, model.RemoteCollectionAchievements, studentID.String(),
		remote.Fields{"unlockedIds": unlockedRaw, "currentXp": xpRaw}, true))

	payload, err := json.Marshal(model.AchievementSyncPayload{
		StudentID:   studentID,
		UnlockedIDs: []string{model.AchFirstGame, model.AchPerfectScore},
		CurrentXP:   350,
		DeviceID:    f.deviceID,
	})
	require.NoError(t, err)
	require.NoError(t, f.queueRepo.Append(ctx, f.db, &model.SyncQueueEntry{
		Kind: model.KindAnalytics, Payload: payload, EnqueuedAt: dayAt(2026, 3, 1, 10),
	}))

	require.NoError(t, f.engine.Drain(ctx))

	fields, err := f.store.Get(ctx, model.RemoteCollectionAchievements, studentID.String())
	require.NoError(t, err)

	var unlocked []string
	require.NoError(t, json.Unmarshal(fields["unlockedIds"], &unlocked))
	assert.ElementsMatch(t, []string{model.AchFirstGame, model.AchDailyStreak, model.AchPerfectScore}, unlocked)

	var xp int
	require.NoError(t, json.Unmarshal(fields["currentXp"], &xp))
	assert.Equal(t, 400, xp) // XPは減少しない
}

// 端末ごとに異なる実績を解除していた場合、マージ後のXPが解除集合の報酬合計になること
func TestSyncEngine_AchievementMergeDisjointUnlocks(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	studentID := uuid.New()

	// リモートの端末は firstGame (50XP) だけを解除済み
	unlockedRaw, _ := json.Marshal([]string{model.AchFirstGame})
	xpRaw, _ := json.Marshal(50)
	require.NoError(t, f.store.Set(ctx, model.RemoteCollectionAchievements, studentID.String(),
		remote.Fields{"unlockedIds": unlockedRaw, "currentXp": xpRaw}, true))

	// ローカルの端末は perfectScore (150XP) だけを解除済み
	payload, err := json.Marshal(model.AchievementSyncPayload{
		StudentID:   studentID,
		UnlockedIDs: []string{model.AchPerfectScore},
		CurrentXP:   150,
		DeviceID:    f.deviceID,
	})
	require.NoError(t, err)
	require.NoError(t, f.queueRepo.Append(ctx, f.db, &model.SyncQueueEntry{
		Kind: model.KindAnalytics, Payload: payload, EnqueuedAt: dayAt(2026, 3, 1, 10),
	}))

	require.NoError(t, f.engine.Drain(ctx))

	fields, err := f.store.Get(ctx, model.RemoteCollectionAchievements, studentID.String())
	require.NoError(t, err)

	var unlocked []string
	require.NoError(t, json.Unmarshal(fields["unlockedIds"], &unlocked))
	assert.ElementsMatch(t, []string{model.AchFirstGame, model.AchPerfectScore}, unlocked)

	// 単純な最大値 (150) ではなく集合全体の報酬合計 (200) になる
	var xp int
	require.NoError(t, json.Unmarshal(fields["currentXp"], &xp))
	assert.Equal(t, 200, xp)
}

// 同時に複数のドレイン要求が来ても、リモートへのバッチ書き込みは1回だけであること
func TestSyncEngine_ConcurrentDrainSingleFlight(t *testing.T) {
	f := newSyncEngineFixture(t, true)
	ctx := context.Background()
	studentID := uuid.New()
	base := dayAt(2026, 3, 1, 10)

	for i := 0; i < 5; i++ {
		f.enqueueProgress(t, studentID, fmt.Sprintf("mission-%d", i), model.PhasePlay, intPtr(60+i), base.Add(time.Duration(i)*time.Minute))
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, f.engine.Drain(ctx))
		}()
	}
	close(start)
	wg.Wait()

	// 勝者の1回がすべて処理する。後着はCASで弾かれるか、空キューをドレインして終わる
	assert.Equal(t, int64(0), f.queueSize(t))
	assert.Equal(t, 1, f.store.BatchCalls)
}

// --- ヘルパー: 独立したローカルDBを持つ別端末 (リモートストアだけを共有する) ---
type deviceFixture struct {
	db        *gorm.DB
	deviceID  uuid.UUID
	queueRepo repository.QueueRepository
	progRepo  repository.ProgressRepository
	engine    SyncEngine
}

func newDeviceFixture(t *testing.T, name string, store remote.Store) *deviceFixture {
	t.Helper()
	d := &deviceFixture{
		db:        newTestDBNamed(t, "_"+name),
		deviceID:  uuid.New(),
		queueRepo: repository.NewGormQueueRepository(),
		progRepo:  repository.NewGormProgressRepository(),
	}
	d.engine = NewSyncEngine(
		d.db, d.queueRepo, d.progRepo, store,
		NewConflictResolver(d.deviceID),
		newFakeConnectivity(true), NewEventBus(testLogger()), &recordingNotifier{},
		newTestConfig(), d.deviceID,
	)
	return d
}

func (d *deviceFixture) enqueueProgress(t *testing.T, studentID uuid.UUID, missionID string, score int, ts time.Time) {
	t.Helper()
	record := &model.ProgressRecord{
		RecordID:   uuid.New(),
		StudentID:  studentID,
		MissionID:  missionID,
		Phase:      model.PhasePlay,
		Score:      intPtr(score),
		Timestamp:  ts,
		DeviceID:   d.deviceID,
		SyncStatus: model.SyncPending,
	}
	payload, err := json.Marshal(record)
	require.NoError(t, err)
	err = d.db.Transaction(func(tx *gorm.DB) error {
		if createErr := d.progRepo.Create(context.Background(), tx, record); createErr != nil {
			return createErr
		}
		return d.queueRepo.Append(context.Background(), tx, &model.SyncQueueEntry{
			Kind: model.KindProgress, Payload: payload, EnqueuedAt: ts,
		})
	})
	require.NoError(t, err)
}

// 2台の端末の書き込みがどちらの順序で届いても同じ最終状態に収束すること
func TestSyncEngine_CrossDeviceOrderIndependent(t *testing.T) {
	ctx := context.Background()
	base := dayAt(2026, 3, 1, 10)

	// devA がスコア70を先に記録し、devB が1分後にスコア90を記録したシナリオを、
	// 同期の到着順だけを入れ替えて2回再生する
	finalScore := func(t *testing.T, name string, aFirst bool) int {
		store := remote.NewMemoryStore()
		studentID := uuid.New()
		devA := newDeviceFixture(t, name+"_a", store)
		devB := newDeviceFixture(t, name+"_b", store)
		devA.enqueueProgress(t, studentID, "water-cycle", 70, base)
		devB.enqueueProgress(t, studentID, "water-cycle", 90, base.Add(time.Minute))

		first, second := devA, devB
		if !aFirst {
			first, second = devB, devA
		}
		require.NoError(t, first.engine.Drain(ctx))
		require.NoError(t, second.engine.Drain(ctx))

		fields, err := store.Get(ctx, model.RemoteCollectionProgress, studentID.String())
		require.NoError(t, err)
		var state model.RemotePhaseState
		require.NoError(t, json.Unmarshal(fields[model.PhaseFieldKey("water-cycle", model.PhasePlay)], &state))
		return state.Score
	}

	assert.Equal(t, 90, finalScore(t, "ab", true))
	assert.Equal(t, 90, finalScore(t, "ba", false))
}
