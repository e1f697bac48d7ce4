// internal/service/notifier.go
package service

import (
	"context"

	"go_sarathi_progress/internal/middleware"
)

// Notifier は運用者向けの通知チャネルです。
// 隔離された不正エントリや同期の連続失敗を知らせるために使います。
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// logNotifier はログ出力のみの実装です (SES未設定時のフォールバック)
type logNotifier struct{}

func NewLogNotifier() Notifier {
	return &logNotifier{}
}

func (n *logNotifier) Notify(ctx context.Context, subject, body string) error {
	middleware.GetLogger(ctx).Warn("Operator notification", "subject", subject, "body", body)
	return nil
}
