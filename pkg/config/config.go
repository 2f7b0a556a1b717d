// 文件: pkg/config/config.go
// 运行配置 (环境变量 / .env)

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
	"propguard.com/pkg/scheduler"
	"propguard.com/pkg/supervisor"
)

// Config 运行配置
type Config struct {
	// 存储
	StoreDriver string // sqlite | mysql | none
	MySQLDSN    string
	SQLitePath  string
	RedisAddr   string // 空 = 不启用缓存

	// 消息
	NATSURL         string // 空 = 不启用
	KafkaBrokers    []string
	KafkaGroupID    string
	KafkaFillTopic  string
	KafkaAlertTopic string
	KafkaAuditTopic string

	// 告警
	TelegramBotToken string
	TelegramChatID   int64

	// 执行网关 (空 = 内存模拟盘)
	ExecutionURL   string
	ExecutionToken string

	// 调度
	FocusedInterval    time.Duration
	BackgroundInterval time.Duration
	CycleTimeout       time.Duration

	// 平仓
	FlattenMaxAttempts int
	FlattenBaseDelay   time.Duration
	FlattenMaxDelay    time.Duration
	FlattenTimeout     time.Duration

	// 执行层限流
	ExecRateLimit float64
	ExecRateBurst int

	// 交易日
	TradingDayTZ       string
	TradingDayRollover int

	SnowflakeNode int64
	AccountsFile  string
}

// Load 从环境变量加载 (.env 存在时先加载)
func Load() (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		MySQLDSN:    getEnv("MYSQL_DSN", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "./propguard.db"),
		RedisAddr:   getEnv("REDIS_ADDR", ""),

		NATSURL:         getEnv("NATS_URL", ""),
		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "propguard-risk"),
		KafkaFillTopic:  getEnv("KAFKA_FILL_TOPIC", "execution.fills"),
		KafkaAlertTopic: getEnv("KAFKA_ALERT_TOPIC", "risk.alerts"),
		KafkaAuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "risk.violations"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),

		ExecutionURL:   getEnv("EXECUTION_URL", ""),
		ExecutionToken: getEnv("EXECUTION_TOKEN", ""),

		FocusedInterval:    getEnvDuration("FOCUSED_INTERVAL", scheduler.DefaultFocusedInterval),
		BackgroundInterval: getEnvDuration("BACKGROUND_INTERVAL", scheduler.DefaultBackgroundInterval),
		CycleTimeout:       getEnvDuration("CYCLE_TIMEOUT", scheduler.DefaultCycleTimeout),

		FlattenMaxAttempts: getEnvInt("FLATTEN_MAX_ATTEMPTS", 5),
		FlattenBaseDelay:   getEnvDuration("FLATTEN_BASE_DELAY", 500*time.Millisecond),
		FlattenMaxDelay:    getEnvDuration("FLATTEN_MAX_DELAY", 8*time.Second),
		FlattenTimeout:     getEnvDuration("FLATTEN_TIMEOUT", 15*time.Second),

		ExecRateLimit: getEnvFloat("EXEC_RATE_LIMIT", 20),
		ExecRateBurst: getEnvInt("EXEC_RATE_BURST", 10),

		TradingDayTZ:       getEnv("TRADING_DAY_TZ", "America/Chicago"),
		TradingDayRollover: getEnvInt("TRADING_DAY_ROLLOVER_HOUR", metrics.DefaultRolloverHour),

		SnowflakeNode: getEnvInt64("SNOWFLAKE_NODE", 1),
		AccountsFile:  getEnv("ACCOUNTS_FILE", "accounts.yaml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for sqlite store")
		}
	case "mysql":
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required for mysql store")
		}
	case "none":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite, mysql or none, got %q", c.StoreDriver)
	}

	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.FocusedInterval <= 0 || c.BackgroundInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.FocusedInterval > c.BackgroundInterval {
		return fmt.Errorf("FOCUSED_INTERVAL (%s) must not exceed BACKGROUND_INTERVAL (%s)",
			c.FocusedInterval, c.BackgroundInterval)
	}
	if c.FlattenMaxAttempts <= 0 {
		return fmt.Errorf("FLATTEN_MAX_ATTEMPTS must be > 0")
	}
	if c.TradingDayRollover < 0 || c.TradingDayRollover > 23 {
		return fmt.Errorf("TRADING_DAY_ROLLOVER_HOUR must be within [0, 23]")
	}
	if _, err := time.LoadLocation(c.TradingDayTZ); err != nil {
		return fmt.Errorf("TRADING_DAY_TZ: %w", err)
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		return fmt.Errorf("SNOWFLAKE_NODE must be within [0, 1023]")
	}
	return nil
}

// SupervisorConfig 转换为监督器配置
func (c *Config) SupervisorConfig() (supervisor.Config, error) {
	clock, err := metrics.NewSessionClock(c.TradingDayTZ, c.TradingDayRollover)
	if err != nil {
		return supervisor.Config{}, err
	}

	cfg := supervisor.DefaultConfig()
	cfg.Scheduler = scheduler.Config{
		FocusedInterval:    c.FocusedInterval,
		BackgroundInterval: c.BackgroundInterval,
		CycleTimeout:       c.CycleTimeout,
	}
	cfg.Flattener = liquidation.FlattenerConfig{
		MaxAttempts:    c.FlattenMaxAttempts,
		BaseDelay:      c.FlattenBaseDelay,
		MaxDelay:       c.FlattenMaxDelay,
		AttemptTimeout: c.FlattenTimeout,
		AlertTimeout:   10 * time.Second,
	}
	cfg.Updater = metrics.UpdaterConfig{
		RateLimit: c.ExecRateLimit,
		RateBurst: c.ExecRateBurst,
		Clock:     clock,
	}
	return cfg, nil
}

// =============================================================================
// 环境变量辅助
// =============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
