// internal/service/sync_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go_sarathi_progress/internal/config"
	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/model"
	"go_sarathi_progress/internal/remote"
	"go_sarathi_progress/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncEngine はローカルの同期キューをリモートストアへ反映するバックグラウンド処理です。
// ドレインは常に単一飛行で、成功した書き込みの分だけキューから削除します。
// 一時的な失敗は指数バックオフで再試行し、連続失敗回数は再起動をまたいで保持します。
type SyncEngine interface {
	Start(ctx context.Context)
	Stop()
	// DrainNow は即時ドレインを要求します。実行中なら無視されます (ノンブロッキング)。
	DrainNow()
	// Drain は1回のドレインを同期的に実行します。
	Drain(ctx context.Context) error
	Status(ctx context.Context) (*model.SyncStatusResponse, error)
}

type syncEngine struct {
	db           *gorm.DB
	queueRepo    repository.QueueRepository
	progRepo     repository.ProgressRepository
	store        remote.Store
	resolver     ConflictResolver
	connectivity ConnectivityMonitor
	bus          EventBus
	notifier     Notifier
	cfg          *config.Config
	deviceID     uuid.UUID

	inFlight atomic.Bool
	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.Mutex
	lastDrainAt    *time.Time
	lastDrainError string
}

func NewSyncEngine(db *gorm.DB, queueRepo repository.QueueRepository, progRepo repository.ProgressRepository, store remote.Store, resolver ConflictResolver, connectivity ConnectivityMonitor, bus EventBus, notifier Notifier, cfg *config.Config, deviceID uuid.UUID) SyncEngine {
	return &syncEngine{
		db:           db,
		queueRepo:    queueRepo,
		progRepo:     progRepo,
		store:        store,
		resolver:     resolver,
		connectivity: connectivity,
		bus:          bus,
		notifier:     notifier,
		cfg:          cfg,
		deviceID:     deviceID,
		kick:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Start はドレインループを起動します。定期実行・DrainNow・オンライン復帰の
// いずれかをきっかけにドレインが走り、失敗時はバックオフ後に自動で再試行します。
func (e *syncEngine) Start(ctx context.Context) {
	// オフライン→オンラインのエッジで即時ドレイン
	e.connectivity.OnOnline(e.DrainNow)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(time.Duration(e.cfg.Sync.IntervalSeconds) * time.Second)
		defer ticker.Stop()

		retry := time.NewTimer(time.Hour)
		if !retry.Stop() {
			<-retry.C
		}
		defer retry.Stop()

		runOnce := func() {
			if err := e.Drain(ctx); err != nil {
				delay := e.nextRetryDelay(ctx)
				middleware.GetLogger(ctx).Warn("Drain failed, scheduling retry",
					"error", err, "retry_after", delay)
				retry.Reset(delay)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				runOnce()
			case <-e.kick:
				runOnce()
			case <-retry.C:
				runOnce()
			}
		}
	}()
}

func (e *syncEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *syncEngine) DrainNow() {
	select {
	case e.kick <- struct{}{}:
	default: // すでに要求済みなら重ねない
	}
}

// nextRetryDelay は永続化された連続失敗回数から次回待機時間を計算します。
// delay = min(base * 2^failures, max)
func (e *syncEngine) nextRetryDelay(ctx context.Context) time.Duration {
	failures := 1
	if state, err := e.queueRepo.GetAttemptState(ctx, e.db); err == nil {
		failures = state.ConsecutiveFailures
	}
	return backoffDelay(failures,
		time.Duration(e.cfg.Sync.BaseBackoffMillis)*time.Millisecond,
		time.Duration(e.cfg.Sync.MaxBackoffMillis)*time.Millisecond)
}

func backoffDelay(failures int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// Drain はキューをバッチ単位で空になるまでリモートへ反映します。
// オフライン時・別のドレイン実行中はなにもせず成功扱いで戻ります。
func (e *syncEngine) Drain(ctx context.Context) error {
	logger := middleware.GetLogger(ctx)

	if !e.connectivity.Online() {
		logger.Debug("Skipping drain, device is offline")
		return nil
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		logger.Debug("Skipping drain, another drain is in flight")
		return nil
	}
	defer e.inFlight.Store(false)

	for {
		entries, err := e.queueRepo.PeekBatch(ctx, e.db, e.cfg.Sync.BatchSize)
		if err != nil {
			return e.recordFailure(ctx, fmt.Errorf("peek sync queue: %w", err))
		}
		if len(entries) == 0 {
			e.recordSuccess(ctx)
			return nil
		}

		if err := e.drainBatch(ctx, entries); err != nil {
			return err
		}

		if len(entries) < e.cfg.Sync.BatchSize {
			e.recordSuccess(ctx)
			return nil
		}
	}
}

// accessPayload は KindAccess エントリのペイロードです (recorder側の形と一致)
type accessPayload struct {
	StudentID  uuid.UUID `json:"student_id"`
	MissionID  string    `json:"mission_id"`
	AccessedAt time.Time `json:"accessed_at"`
	DeviceID   uuid.UUID `json:"device_id"`
}

// drainBatch は1バッチ分を生徒単位のドキュメント書き込みへ集約して送信します。
// 成功時のみエントリを削除するため、途中でクラッシュしても再送される (at-least-once)。
func (e *syncEngine) drainBatch(ctx context.Context, entries []*model.SyncQueueEntry) error {
	logger := middleware.GetLogger(ctx)
	now := time.Now().UTC()

	// 集約バッファ
	progressByStudent := make(map[uuid.UUID]map[string]*model.ProgressRecord) // fieldKey → 代表レコード
	accessByStudent := make(map[uuid.UUID]map[string]time.Time)               // missionID → 最終アクセス
	analyticsByStudent := make(map[uuid.UUID]*model.AchievementSyncPayload)   // 最新スナップショット

	var (
		entryIDs  []uint
		recordIDs []uuid.UUID
	)

	for _, entry := range entries {
		switch entry.Kind {
		case model.KindProgress:
			var record model.ProgressRecord
			if err := json.Unmarshal(entry.Payload, &record); err != nil {
				e.quarantineEntry(ctx, entry, err)
				continue
			}
			fields, ok := progressByStudent[record.StudentID]
			if !ok {
				fields = make(map[string]*model.ProgressRecord)
				progressByStudent[record.StudentID] = fields
			}
			key := model.PhaseFieldKey(record.MissionID, record.Phase)
			fields[key] = coalesceRecords(fields[key], &record)
			recordIDs = append(recordIDs, record.RecordID)

		case model.KindAccess:
			var access accessPayload
			if err := json.Unmarshal(entry.Payload, &access); err != nil {
				e.quarantineEntry(ctx, entry, err)
				continue
			}
			times, ok := accessByStudent[access.StudentID]
			if !ok {
				times = make(map[string]time.Time)
				accessByStudent[access.StudentID] = times
			}
			if access.AccessedAt.After(times[access.MissionID]) {
				times[access.MissionID] = access.AccessedAt
			}

		case model.KindAnalytics:
			var payload model.AchievementSyncPayload
			if err := json.Unmarshal(entry.Payload, &payload); err != nil {
				e.quarantineEntry(ctx, entry, err)
				continue
			}
			// スナップショットは単調増加なので、バッチ内では最後のものが最新
			analyticsByStudent[payload.StudentID] = &payload

		default:
			e.quarantineEntry(ctx, entry, fmt.Errorf("unknown entry kind %q", entry.Kind))
			continue
		}
		entryIDs = append(entryIDs, entry.EntryID)
	}

	if len(entryIDs) == 0 {
		// バッチ全体が隔離された。次のバッチへ進めるよう成功扱いにする。
		return nil
	}

	var ops []remote.SetOperation

	for _, studentID := range sortedStudentIDs(progressByStudent) {
		op, err := e.buildProgressOp(ctx, studentID, progressByStudent[studentID], now)
		if err != nil {
			return e.handleWriteError(ctx, entries, entryIDs, err)
		}
		if op != nil {
			ops = append(ops, *op)
		}
	}

	for _, studentID := range sortedStudentIDs(accessByStudent) {
		ops = append(ops, buildAccessOp(studentID, accessByStudent[studentID]))
	}

	for _, studentID := range sortedStudentIDs(analyticsByStudent) {
		op, err := e.buildAchievementOp(ctx, studentID, analyticsByStudent[studentID])
		if err != nil {
			return e.handleWriteError(ctx, entries, entryIDs, err)
		}
		ops = append(ops, *op)
	}

	if len(ops) > 0 {
		if err := e.store.BatchWrite(ctx, ops); err != nil {
			return e.handleWriteError(ctx, entries, entryIDs, err)
		}
	}

	// リモート確定後にのみエントリ削除と synced 遷移を行う
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ackErr := e.queueRepo.Acknowledge(ctx, tx, entryIDs); ackErr != nil {
			return ackErr
		}
		return e.progRepo.MarkSynced(ctx, tx, recordIDs)
	})
	if err != nil {
		// リモートには反映済み。エントリが残るため次回再送されるが、
		// マージが冪等なので二重適用しても結果は変わらない。
		logger.Error("Failed to acknowledge synced entries, they will be redelivered", "error", err)
		return e.recordFailure(ctx, err)
	}

	logger.Info("Drained sync batch", "entries", len(entryIDs), "writes", len(ops))
	return nil
}

// coalesceRecords はバッチ内の同一フィールドへのレコードを1つへ集約します。
// タイムスタンプが新しい方を代表とし、スコア/進捗位置はベスト値へ引き上げます。
func coalesceRecords(existing, incoming *model.ProgressRecord) *model.ProgressRecord {
	if existing == nil {
		return incoming
	}
	newer, older := incoming, existing
	if existing.Timestamp.After(incoming.Timestamp) {
		newer, older = existing, incoming
	}
	merged := *newer
	if best := maxInt(scoreOf(older), scoreOf(newer)); best > 0 {
		merged.Score = &best
	}
	if best := maxInt(contentIndexOf(older), contentIndexOf(newer)); best > 0 {
		merged.CompletedContentIndex = &best
	}
	return &merged
}

// buildProgressOp は生徒1人分の進捗フィールドを競合解決しつつ組み立てます。
// 全フィールドでリモートが勝った場合は nil を返します (書き込み不要、エントリはACK対象)。
func (e *syncEngine) buildProgressOp(ctx context.Context, studentID uuid.UUID, candidates map[string]*model.ProgressRecord, now time.Time) (*remote.SetOperation, error) {
	logger := middleware.GetLogger(ctx)

	remoteFields, err := e.store.Get(ctx, model.RemoteCollectionProgress, studentID.String())
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("fetch remote progress for %s: %w", studentID, err)
		}
		remoteFields = remote.Fields{}
	}

	fields := remote.Fields{}
	keys := make([]string, 0, len(candidates))
	for key := range candidates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		record := candidates[key]
		resolved := phaseStateFromRecord(record, 0)
		write := true

		if raw, exists := remoteFields[key]; exists {
			var current model.RemotePhaseState
			if unmarshalErr := json.Unmarshal(raw, &current); unmarshalErr != nil {
				// 壊れたリモートフィールドはローカル値で上書きして回復する
				logger.Warn("Remote phase state is corrupt, overwriting",
					"student_id", studentID, "field", key, "error", unmarshalErr)
			} else {
				resolved, write = e.resolver.Resolve(record, &current, now)
			}
		}

		if !write {
			logger.Info("Remote state wins, dropping local write",
				"student_id", studentID, "field", key)
			continue
		}
		data, marshalErr := json.Marshal(resolved)
		if marshalErr != nil {
			return nil, marshalErr
		}
		fields[key] = data
	}

	if len(fields) == 0 {
		return nil, nil
	}
	return &remote.SetOperation{
		Collection: model.RemoteCollectionProgress,
		DocID:      studentID.String(),
		Fields:     fields,
		Merge:      true,
	}, nil
}

func buildAccessOp(studentID uuid.UUID, times map[string]time.Time) remote.SetOperation {
	fields := remote.Fields{}
	for missionID, at := range times {
		data, _ := json.Marshal(at)
		fields["lastAccessed."+missionID] = data
	}
	return remote.SetOperation{
		Collection: model.RemoteCollectionAccess,
		DocID:      studentID.String(),
		Fields:     fields,
		Merge:      true,
	}
}

// buildAchievementOp は実績スナップショットをリモートの状態と合流させます。
// 解除集合は和集合、連続日数は最大値。XPは最大値をとったうえで、マージ後の
// 解除集合の報酬合計を下限とします (別端末が互いに異なる実績を解除していた
// 場合、最大値だけでは集合に対してXPが不足する)。順序や重複に依存しません。
func (e *syncEngine) buildAchievementOp(ctx context.Context, studentID uuid.UUID, payload *model.AchievementSyncPayload) (*remote.SetOperation, error) {
	remoteFields, err := e.store.Get(ctx, model.RemoteCollectionAchievements, studentID.String())
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("fetch remote achievements for %s: %w", studentID, err)
		}
		remoteFields = remote.Fields{}
	}

	unlocked := payload.UnlockedIDs
	currentXP := payload.CurrentXP
	consecutiveDays := payload.ConsecutiveDays

	if raw, ok := remoteFields["unlockedIds"]; ok {
		var remoteUnlocked []string
		if json.Unmarshal(raw, &remoteUnlocked) == nil {
			unlocked = unionStrings(unlocked, remoteUnlocked)
		}
	}
	if raw, ok := remoteFields["currentXp"]; ok {
		var remoteXP int
		if json.Unmarshal(raw, &remoteXP) == nil {
			currentXP = maxInt(currentXP, remoteXP)
		}
	}
	if raw, ok := remoteFields["consecutiveDays"]; ok {
		var remoteDays int
		if json.Unmarshal(raw, &remoteDays) == nil {
			consecutiveDays = maxInt(consecutiveDays, remoteDays)
		}
	}
	currentXP = maxInt(currentXP, xpForUnlocked(unlocked))

	fields := remote.Fields{}
	put := func(key string, value any) error {
		data, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			return marshalErr
		}
		fields[key] = data
		return nil
	}
	if err := put("unlockedIds", unlocked); err != nil {
		return nil, err
	}
	if err := put("currentXp", currentXP); err != nil {
		return nil, err
	}
	if err := put("consecutiveDays", consecutiveDays); err != nil {
		return nil, err
	}
	if payload.LastPlayDate != nil {
		if err := put("lastPlayDate", payload.LastPlayDate); err != nil {
			return nil, err
		}
	}
	if err := put("deviceId", payload.DeviceID); err != nil {
		return nil, err
	}

	return &remote.SetOperation{
		Collection: model.RemoteCollectionAchievements,
		DocID:      studentID.String(),
		Fields:     fields,
		Merge:      true,
	}, nil
}

// quarantineEntry は解釈不能なエントリを隔離し、残りの処理を止めないようにします
func (e *syncEngine) quarantineEntry(ctx context.Context, entry *model.SyncQueueEntry, cause error) {
	logger := middleware.GetLogger(ctx)
	logger.Error("Quarantining malformed sync queue entry",
		"entry_id", entry.EntryID, "kind", entry.Kind, "error", cause)

	if err := e.quarantine(ctx, entry.EntryID); err != nil {
		logger.Error("Failed to quarantine entry", "entry_id", entry.EntryID, "error", err)
		return
	}
	e.notifyOperator(ctx, "Sync entry quarantined",
		fmt.Sprintf("entry_id=%d kind=%s attempts=%d cause=%v", entry.EntryID, entry.Kind, entry.Attempts, cause))
}

func (e *syncEngine) quarantine(ctx context.Context, entryID uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.queueRepo.Quarantine(ctx, tx, entryID)
	})
}

// handleWriteError はリモート書き込み失敗を恒久 / 一時に分類して処理します。
func (e *syncEngine) handleWriteError(ctx context.Context, entries []*model.SyncQueueEntry, entryIDs []uint, cause error) error {
	logger := middleware.GetLogger(ctx)

	if errors.Is(cause, model.ErrRemoteRejected) {
		// 恒久的拒否: 再試行しても通らない。試行回数を進め、上限でエントリを隔離する。
		logger.Error("Remote store rejected batch", "error", cause)
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if incErr := e.queueRepo.IncrementAttempts(ctx, tx, entryIDs); incErr != nil {
				return incErr
			}
			for _, entry := range entries {
				if entry.Quarantined {
					continue
				}
				if entry.Attempts+1 >= e.cfg.Sync.MaxEntryAttempts {
					if qErr := e.queueRepo.Quarantine(ctx, tx, entry.EntryID); qErr != nil {
						return qErr
					}
					logger.Error("Entry exceeded max attempts, quarantined",
						"entry_id", entry.EntryID, "attempts", entry.Attempts+1)
				}
			}
			return nil
		})
		if err != nil {
			logger.Error("Failed to update attempts after rejection", "error", err)
		}
		e.notifyOperator(ctx, "Remote store rejected sync batch", cause.Error())
		return e.recordFailure(ctx, cause)
	}

	// 一時的失敗 (接続断・タイムアウトなど): エントリはそのまま残し、バックオフ後に再試行
	logger.Warn("Remote store unavailable, batch will be retried", "error", cause)
	return e.recordFailure(ctx, cause)
}

// recordFailure は連続失敗カウンタを進め、通知しきい値に達したらUIイベントを発火します
func (e *syncEngine) recordFailure(ctx context.Context, cause error) error {
	logger := middleware.GetLogger(ctx)
	now := time.Now().UTC()

	e.mu.Lock()
	e.lastDrainAt = &now
	e.lastDrainError = cause.Error()
	e.mu.Unlock()

	state, err := e.queueRepo.GetAttemptState(ctx, e.db)
	if err != nil {
		logger.Error("Failed to load sync attempt state", "error", err)
		return cause
	}
	state.ConsecutiveFailures++
	state.FailuresSinceNotify++

	notify := state.FailuresSinceNotify >= e.cfg.Sync.FailureNotifyThreshold
	if notify {
		state.FailuresSinceNotify = 0
	}

	saveErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.queueRepo.SaveAttemptState(ctx, tx, state)
	})
	if saveErr != nil {
		logger.Error("Failed to persist sync attempt state", "error", saveErr)
	}

	if notify {
		logger.Warn("Sync has been failing repeatedly",
			"consecutive_failures", state.ConsecutiveFailures, "error", cause)
		e.bus.PublishSyncTrouble(model.SyncTroubleEvent{
			ConsecutiveFailures: state.ConsecutiveFailures,
			LastError:           cause.Error(),
			OccurredAt:          now,
		})
	}
	return cause
}

// recordSuccess はドレイン完了を記録し、失敗カウンタを0へ戻します
func (e *syncEngine) recordSuccess(ctx context.Context) {
	logger := middleware.GetLogger(ctx)
	now := time.Now().UTC()

	e.mu.Lock()
	e.lastDrainAt = &now
	e.lastDrainError = ""
	e.mu.Unlock()

	state, err := e.queueRepo.GetAttemptState(ctx, e.db)
	if err != nil {
		logger.Error("Failed to load sync attempt state", "error", err)
		return
	}
	if state.ConsecutiveFailures == 0 && state.FailuresSinceNotify == 0 {
		return
	}
	state.ConsecutiveFailures = 0
	state.FailuresSinceNotify = 0
	if err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.queueRepo.SaveAttemptState(ctx, tx, state)
	}); err != nil {
		logger.Error("Failed to reset sync attempt state", "error", err)
	}
}

func (e *syncEngine) notifyOperator(ctx context.Context, subject, body string) {
	if err := e.notifier.Notify(ctx, subject, body); err != nil {
		middleware.GetLogger(ctx).Error("Failed to send operator notification", "error", err, "subject", subject)
	}
}

func (e *syncEngine) Status(ctx context.Context) (*model.SyncStatusResponse, error) {
	size, err := e.queueRepo.Size(ctx, e.db)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "同期状態の取得に失敗しました。", "", err)
	}
	state, err := e.queueRepo.GetAttemptState(ctx, e.db)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "同期状態の取得に失敗しました。", "", err)
	}

	e.mu.Lock()
	lastDrainAt := e.lastDrainAt
	lastDrainError := e.lastDrainError
	e.mu.Unlock()

	return &model.SyncStatusResponse{
		QueueSize:           size,
		Online:              e.connectivity.Online(),
		ConsecutiveFailures: state.ConsecutiveFailures,
		DrainInFlight:       e.inFlight.Load(),
		LastDrainAt:         lastDrainAt,
		LastDrainError:      lastDrainError,
	}, nil
}

// unionStrings は順序を保った和集合を返します (先勝ち)
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// xpForUnlocked は解除済みIDの報酬合計を返します。未知のIDは0として扱う
func xpForUnlocked(ids []string) int {
	total := 0
	for _, id := range ids {
		if def, ok := model.AchievementsList[id]; ok {
			total += def.XPReward
		}
	}
	return total
}

func sortedStudentIDs[V any](m map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
