// internal/config/config.go
package config

import (
	"log"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	// ローカルキャッシュ(SQLite)のファイルパス。端末ごとに1つ。
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	// リモートドキュメントストア(Postgres)の接続URL
	URL string `mapstructure:"url"`
	// 接続確認(ポーリング)用のエンドポイント。空ならポーリング無効。
	PollURL string `mapstructure:"poll_url"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SyncConfig struct {
	BatchSize               int `mapstructure:"batch_size"`
	BaseBackoffMillis       int `mapstructure:"base_backoff_ms"`
	MaxBackoffMillis        int `mapstructure:"max_backoff_ms"`
	MaxEntryAttempts        int `mapstructure:"max_entry_attempts"`
	FailureNotifyThreshold  int `mapstructure:"failure_notify_threshold"`
	IntervalSeconds         int `mapstructure:"interval_seconds"`
	ConnectivityPollSeconds int `mapstructure:"connectivity_poll_seconds"`
}

type AppConfig struct {
	XPPerLevel   int    `mapstructure:"xp_per_level"`
	StreakTarget int    `mapstructure:"streak_target"`
	MissionsFile string `mapstructure:"missions_file"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type SESConfig struct {
	Region          string `mapstructure:"region"`
	AuthType        string `mapstructure:"auth_type"` // "static_credentials" or "iam_role"
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	From            string `mapstructure:"from"`
	OperatorTo      string `mapstructure:"operator_to"`
}

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Sync     SyncConfig     `mapstructure:"sync"`
	App      AppConfig      `mapstructure:"app"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	SES      SESConfig      `mapstructure:"ses"`
}

var Cfg Config

func LoadConfig(path string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AddConfigPath(".")

	// 環境変数からの上書き (例: APP_DATABASE_PATH, APP_REMOTE_URL)
	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("remote.url", "REMOTE_URL")
	viper.BindEnv("auth.enabled", "AUTH_ENABLED")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Warning: Config file not found. Using default settings or environment variables if available.")
		} else {
			log.Printf("Error reading config file: %s\n", err)
			return err
		}
	}

	if err := viper.Unmarshal(&Cfg); err != nil {
		log.Printf("Error unmarshalling config: %s\n", err)
		return err
	}

	// --- デフォルト値の設定 ---
	if Cfg.Server.Port == "" {
		Cfg.Server.Port = DefaultServerPort
	}
	if Cfg.Database.Path == "" {
		Cfg.Database.Path = DefaultDatabasePath
	}
	if Cfg.Log.Level == "" {
		Cfg.Log.Level = DefaultLogLevel
	}
	if Cfg.Sync.BatchSize <= 0 {
		Cfg.Sync.BatchSize = DefaultSyncBatchSize
	}
	if Cfg.Sync.BaseBackoffMillis <= 0 {
		Cfg.Sync.BaseBackoffMillis = DefaultBaseBackoffMillis
	}
	if Cfg.Sync.MaxBackoffMillis <= 0 {
		Cfg.Sync.MaxBackoffMillis = DefaultMaxBackoffMillis
	}
	if Cfg.Sync.MaxEntryAttempts <= 0 {
		Cfg.Sync.MaxEntryAttempts = DefaultMaxEntryAttempts
	}
	if Cfg.Sync.FailureNotifyThreshold <= 0 {
		Cfg.Sync.FailureNotifyThreshold = DefaultFailureNotifyThreshold
	}
	if Cfg.Sync.IntervalSeconds <= 0 {
		Cfg.Sync.IntervalSeconds = DefaultSyncIntervalSeconds
	}
	if Cfg.Sync.ConnectivityPollSeconds <= 0 {
		Cfg.Sync.ConnectivityPollSeconds = DefaultConnectivityPollSeconds
	}
	if Cfg.App.XPPerLevel <= 0 {
		Cfg.App.XPPerLevel = DefaultXPPerLevel
	}
	if Cfg.App.StreakTarget <= 0 {
		Cfg.App.StreakTarget = DefaultStreakTarget
	}
	if Cfg.App.MissionsFile == "" {
		Cfg.App.MissionsFile = DefaultMissionsFile
	}

	// Auth.Enabled のデフォルト値 (未設定なら有効にする)
	if !viper.IsSet("auth.enabled") {
		log.Println("Auth enabled flag not set, defaulting to true (enabled)")
		Cfg.Auth.Enabled = true
	}

	log.Println("Config loaded successfully")
	log.Printf("Server Port: %s", Cfg.Server.Port)
	log.Printf("Local Database Path: %s", Cfg.Database.Path)
	log.Printf("Sync Batch Size: %d", Cfg.Sync.BatchSize)
	log.Printf("Auth Enabled: %t", Cfg.Auth.Enabled)

	return nil
}
