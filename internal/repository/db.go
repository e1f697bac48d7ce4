// internal/repository/db.go
package repository

import (
	"log/slog"
	"time"

	"go_sarathi_progress/internal/model"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB はローカルキャッシュ(SQLite)への接続を確立します。
// 端末内の永続ストアであり、リモートストアとは独立してオフラインでも動作します。
func NewDB(path string, appLogger *slog.Logger) (*gorm.DB, error) {

	// === slog を利用する GORM Logger の設定 ===
	slogGormLogger := slogGorm.New(
		slogGorm.WithHandler(appLogger.Handler()),
		slogGorm.WithSlowThreshold(500 * time.Millisecond),
	)

	// WALと busy_timeout で単一プロセス内の並行アクセスに耐える設定にする
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: slogGormLogger,
	})
	if err != nil {
		appLogger.Error("Failed to open local cache database", slog.String("path", path), slog.Any("error", err))
		return nil, err
	}

	// ローカルストアのスキーマを適用
	if err := db.AutoMigrate(
		&model.ProgressRecord{},
		&model.SyncQueueEntry{},
		&model.SyncAttemptState{},
		&model.AchievementState{},
		&model.MissionDocument{},
	); err != nil {
		appLogger.Error("Failed to migrate local cache schema", slog.Any("error", err))
		return nil, err
	}

	appLogger.Info("Local cache database ready", slog.String("path", path))
	return db, nil
}
