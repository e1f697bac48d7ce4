// internal/service/events.go
package service

import (
	"log/slog"
	"sync"

	"go_sarathi_progress/internal/model"
)

// EventBus はコンポーネント間の型付きイベント通知を提供します。
// 元実装のDOMカスタムイベント("gameComplete"など)の置き換えで、
// Publish は購読者が詰まっていてもブロックしません (あふれた分は破棄してログに残す)。
type EventBus interface {
	PublishPhaseCompleted(event model.PhaseCompletedEvent)
	PublishAchievementUnlocked(event model.AchievementUnlockedEvent)
	PublishSyncTrouble(event model.SyncTroubleEvent)

	SubscribePhaseCompleted() <-chan model.PhaseCompletedEvent
	SubscribeAchievementUnlocked() <-chan model.AchievementUnlockedEvent
	SubscribeSyncTrouble() <-chan model.SyncTroubleEvent
}

const eventBufferSize = 16

type eventBus struct {
	mu                sync.Mutex
	logger            *slog.Logger
	phaseCompleted    []chan model.PhaseCompletedEvent
	achievementUnlock []chan model.AchievementUnlockedEvent
	syncTrouble       []chan model.SyncTroubleEvent
}

func NewEventBus(logger *slog.Logger) EventBus {
	return &eventBus{logger: logger}
}

func (b *eventBus) PublishPhaseCompleted(event model.PhaseCompletedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.phaseCompleted {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping phase completed event, subscriber is not keeping up",
				"mission_id", event.MissionID, "phase", event.Phase)
		}
	}
}

func (b *eventBus) PublishAchievementUnlocked(event model.AchievementUnlockedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.achievementUnlock {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping achievement unlocked event, subscriber is not keeping up",
				"achievement_id", event.Achievement.ID)
		}
	}
}

func (b *eventBus) PublishSyncTrouble(event model.SyncTroubleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.syncTrouble {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping sync trouble event, subscriber is not keeping up")
		}
	}
}

func (b *eventBus) SubscribePhaseCompleted() <-chan model.PhaseCompletedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan model.PhaseCompletedEvent, eventBufferSize)
	b.phaseCompleted = append(b.phaseCompleted, ch)
	return ch
}

func (b *eventBus) SubscribeAchievementUnlocked() <-chan model.AchievementUnlockedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan model.AchievementUnlockedEvent, eventBufferSize)
	b.achievementUnlock = append(b.achievementUnlock, ch)
	return ch
}

func (b *eventBus) SubscribeSyncTrouble() <-chan model.SyncTroubleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan model.SyncTroubleEvent, eventBufferSize)
	b.syncTrouble = append(b.syncTrouble, ch)
	return ch
}
