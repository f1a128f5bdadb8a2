package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breakers  BreakersConfig  `mapstructure:"breakers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Cache).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для операторских
// токенов (приватный ключ живет во внешней консоли).
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// TierConfig — пара окон одного адаптера.
type TierConfig struct {
	Window      time.Duration `mapstructure:"window"`
	Limit       int           `mapstructure:"limit"`
	BurstWindow time.Duration `mapstructure:"burst_window"`
	BurstLimit  int           `mapstructure:"burst_limit"`
}

// RateLimitConfig — лимиты обоих адаптеров плюс настройки выселения.
type RateLimitConfig struct {
	Rest          TierConfig    `mapstructure:"rest"`
	Agent         TierConfig    `mapstructure:"agent"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleAfter     time.Duration `mapstructure:"idle_after"`
}

// BreakerConfig — пороги одного предохранителя.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// BreakersConfig — по предохранителю на защищаемую зависимость.
type BreakersConfig struct {
	Postgres BreakerConfig `mapstructure:"postgres"`
	Redis    BreakerConfig `mapstructure:"redis"`
	WhatsApp BreakerConfig `mapstructure:"whatsapp"`
}

// QueueConfig — настройки очереди задач.
type QueueConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	DispatchRate   float64       `mapstructure:"dispatch_rate"`
	DispatchBurst  int           `mapstructure:"dispatch_burst"`
}

// GatewayConfig — капабилити-политика агентского пути.
type GatewayConfig struct {
	Allowlist []string `mapstructure:"allowlist"`
	Denylist  []string `mapstructure:"denylist"`
}

// WebhookConfig — доставка доменных событий наружу.
type WebhookConfig struct {
	URLs            []string      `mapstructure:"urls"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// AuditConfig — буферизация журнала аудита.
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Переменные окружения перекрывают файл:
	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из файла ИЛИ напрямую из ENV (Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate держит стоящие инварианты конфигурации. Агентские лимиты
// никогда не мягче REST-овых — это проверка, а не только дефолты.
func (c *Config) Validate() error {
	if c.RateLimit.Agent.Limit > c.RateLimit.Rest.Limit {
		return fmt.Errorf("config: agent sustained limit %d exceeds rest limit %d",
			c.RateLimit.Agent.Limit, c.RateLimit.Rest.Limit)
	}
	if c.RateLimit.Agent.BurstLimit > c.RateLimit.Rest.BurstLimit {
		return fmt.Errorf("config: agent burst limit %d exceeds rest burst limit %d",
			c.RateLimit.Agent.BurstLimit, c.RateLimit.Rest.BurstLimit)
	}
	// Счетчики identity общие для обоих тиров, окна обязаны совпадать
	if c.RateLimit.Agent.Window != c.RateLimit.Rest.Window {
		return fmt.Errorf("config: agent window %v differs from rest window %v",
			c.RateLimit.Agent.Window, c.RateLimit.Rest.Window)
	}
	if c.RateLimit.Agent.BurstWindow != c.RateLimit.Rest.BurstWindow {
		return fmt.Errorf("config: agent burst window %v differs from rest burst window %v",
			c.RateLimit.Agent.BurstWindow, c.RateLimit.Rest.BurstWindow)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	// REST-путь: 100 за минуту, burst 10 за секунду
	v.SetDefault("rate_limit.rest.window", time.Minute)
	v.SetDefault("rate_limit.rest.limit", 100)
	v.SetDefault("rate_limit.rest.burst_window", time.Second)
	v.SetDefault("rate_limit.rest.burst_limit", 10)
	// Агентский путь всегда строже
	v.SetDefault("rate_limit.agent.window", time.Minute)
	v.SetDefault("rate_limit.agent.limit", 30)
	v.SetDefault("rate_limit.agent.burst_window", time.Second)
	v.SetDefault("rate_limit.agent.burst_limit", 5)
	v.SetDefault("rate_limit.sweep_interval", time.Minute)
	v.SetDefault("rate_limit.idle_after", 5*time.Minute)

	for _, dep := range []string{"postgres", "redis", "whatsapp"} {
		v.SetDefault("breakers."+dep+".failure_threshold", 5)
		v.SetDefault("breakers."+dep+".reset_timeout", 30*time.Second)
		v.SetDefault("breakers."+dep+".half_open_requests", 3)
	}

	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_retry_delay", time.Second)
	v.SetDefault("queue.handler_timeout", 30*time.Second)

	v.SetDefault("webhook.delivery_timeout", 10*time.Second)

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", time.Second)

	// Дефолтный allowlist агентского пути: только безопасное подмножество
	v.SetDefault("gateway.allowlist", []string{
		"message.send_text",
		"message.send_media",
		"contact.check",
		"session.status",
	})
	v.SetDefault("gateway.denylist", []string{})
}

// loadKeyResource — универсальный хелпер: PEM из ENV или файл по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
