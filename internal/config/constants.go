// internal/config/constants.go
package config

// アプリケーション情報
const (
	AppName    = "SarathiProgressSync"
	AppVersion = "1.0.0"
)

// デフォルト設定値
const (
	DefaultServerPort   = ":8080"
	DefaultDatabasePath = "sarathi_progress.db"
	DefaultLogLevel     = "info"
	DefaultMissionsFile = "missions.json"

	// 同期エンジンの既定ポリシー
	DefaultSyncBatchSize           = 50
	DefaultBaseBackoffMillis       = 1000
	DefaultMaxBackoffMillis        = 60000
	DefaultMaxEntryAttempts        = 10
	DefaultFailureNotifyThreshold  = 5
	DefaultSyncIntervalSeconds     = 300
	DefaultConnectivityPollSeconds = 30

	// 実績・XP
	DefaultXPPerLevel   = 500
	DefaultStreakTarget = 5
)
