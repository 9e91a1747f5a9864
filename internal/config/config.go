// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
//
// 優先順位: envDefault < CONFIG_FILE（TOML） < 環境変数
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Auth
	GoogleClientID  string        `env:"GOOGLE_CLIENT_ID"`
	JWTSecret       string        `env:"JWT_SECRET"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"fanlive"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	AdminEmails     []string      `env:"ADMIN_EMAILS" envSeparator:","`

	// Discovery
	DiscoveryPlatform       string        `env:"DISCOVERY_PLATFORM" envDefault:"youtube"`
	DiscoveryMaxConcurrency int           `env:"DISCOVERY_MAX_CONCURRENCY" envDefault:"3"`
	DiscoveryChannelDelay   time.Duration `env:"DISCOVERY_CHANNEL_DELAY" envDefault:"0s"`
	DiscoveryInterval       time.Duration `env:"DISCOVERY_INTERVAL" envDefault:"5m"`
	DiscoveryTimeout        time.Duration `env:"DISCOVERY_TIMEOUT" envDefault:"60s"`
	DiscoveryLockTTL        time.Duration `env:"DISCOVERY_LOCK_TTL" envDefault:"10m"`
	YtDlpPath               string        `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	YtDlpPlaylistEnd        int           `env:"YTDLP_PLAYLIST_END" envDefault:"15"`

	// Metadata
	MetadataRefreshInterval time.Duration `env:"METADATA_REFRESH_INTERVAL" envDefault:"10m"`
	MetadataItemDelay       time.Duration `env:"METADATA_ITEM_DELAY" envDefault:"1s"`
	MetadataFetchTimeout    time.Duration `env:"METADATA_FETCH_TIMEOUT" envDefault:"10s"`

	// News
	NewsFetchInterval     time.Duration `env:"NEWS_FETCH_INTERVAL" envDefault:"15m"`
	NewsFetchTimeout      time.Duration `env:"NEWS_FETCH_TIMEOUT" envDefault:"10s"`
	NewsFetchMaxSize      int64         `env:"NEWS_FETCH_MAX_SIZE" envDefault:"5242880"`
	NewsMaxConcurrent     int           `env:"NEWS_MAX_CONCURRENT" envDefault:"5"`
	NewsRetentionDays     int           `env:"NEWS_RETENTION_DAYS" envDefault:"90"`
	NewsSchedulerInterval time.Duration `env:"NEWS_SCHEDULER_INTERVAL" envDefault:"1m"`

	// Events
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaMetadataTopic string   `env:"KAFKA_METADATA_TOPIC" envDefault:"fanlive.streaming_event.metadata_changed"`

	// Server
	ServerPort         string   `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGIN" envSeparator:"," envDefault:"http://localhost:3000"`
}

// Load は環境変数（および CONFIG_FILE が指定されていればTOMLファイル）からConfigを読み込む。
// 必須項目が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	environment := map[string]string{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileValues, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileValues {
			environment[k] = v
		}
	}

	for k, v := range env.ToMap(os.Environ()) {
		environment[k] = v
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.DiscoveryMaxConcurrency < 1 {
		return fmt.Errorf("DISCOVERY_MAX_CONCURRENCY must be positive: %d", c.DiscoveryMaxConcurrency)
	}
	return nil
}

// readFile はTOMLファイルを読み込み、キーを環境変数名（大文字）に変換したマップを返す。
// 配列はカンマ区切りの文字列になる。
//
//	discovery_max_concurrency = 5
//	admin_emails = ["admin@example.com"]
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch tv := v.(type) {
		case []any:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, fmt.Sprint(p))
			}
			values[key] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: nested table %q is not supported", path, k)
		default:
			values[key] = fmt.Sprint(tv)
		}
	}
	return values, nil
}

// MaskedDatabaseURL はパスワード部分を伏せたDATABASE_URLを返す。ログ出力用。
func (c *Config) MaskedDatabaseURL() string {
	return maskURLPassword(c.DatabaseURL)
}

func maskURLPassword(raw string) string {
	schemeEnd := strings.Index(raw, "://")
	at := strings.LastIndex(raw, "@")
	if schemeEnd < 0 || at < schemeEnd {
		return raw
	}
	userInfo := raw[schemeEnd+3 : at]
	user, _, hasPassword := strings.Cut(userInfo, ":")
	if !hasPassword {
		return raw
	}
	return raw[:schemeEnd+3] + user + ":***" + raw[at:]
}
