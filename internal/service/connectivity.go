// internal/service/connectivity.go
package service

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectivityMonitor はオンライン/オフラインの状態を保持し、
// オフライン→オンラインのエッジで登録済みコールバックを発火します。
// ブラウザの online イベント相当。プッシュ通知が無い環境向けに
// HTTPポーリングによるフォールバック検出も持ちます。
type ConnectivityMonitor interface {
	Online() bool
	SetOnline(online bool)
	OnOnline(fn func())
	StartPolling(ctx context.Context)
	Stop()
}

type connectivityMonitor struct {
	mu        sync.Mutex
	online    bool
	callbacks []func()
	pollURL   string
	interval  time.Duration
	client    *http.Client
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewConnectivityMonitor(pollURL string, interval time.Duration, logger *slog.Logger) ConnectivityMonitor {
	return &connectivityMonitor{
		online:   true, // 起動時はオンライン仮定。ポーリング/明示設定で訂正される。
		pollURL:  pollURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (m *connectivityMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *connectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var callbacks []func()
	if online && !wasOnline {
		callbacks = append(callbacks, m.callbacks...)
	}
	m.mu.Unlock()

	if online != wasOnline {
		m.logger.Info("Connectivity state changed", "online", online)
	}
	// エッジ発火はロック外で行う
	for _, fn := range callbacks {
		fn()
	}
}

func (m *connectivityMonitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// StartPolling は pollURL への HEAD リクエストで接続状態を定期確認します。
// pollURL が空の場合は何もしません (明示的な SetOnline のみで遷移)。
func (m *connectivityMonitor) StartPolling(ctx context.Context) {
	if m.pollURL == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.SetOnline(m.probe(ctx))
			}
		}
	}()
}

func (m *connectivityMonitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.pollURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (m *connectivityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
