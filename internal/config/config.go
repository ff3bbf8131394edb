package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fundingarb/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Binance  ExchangeKeys
	Bybit    ExchangeKeys
	Telegram TelegramConfig
	Trading  TradingConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// ExchangeKeys - API ключи одной биржи
type ExchangeKeys struct {
	APIKey    string
	APISecret string
}

// TelegramConfig - доставка уведомлений в мессенджер
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// TradingConfig - торговые параметры обоих контроллеров
type TradingConfig struct {
	AutoEntryEnabled bool
	AutoExitEnabled  bool

	CapitalPercent   float64       // доля депозита на сделку
	Leverage         int           // плечо для новых позиций
	MinNetSpreadPct  float64       // порог скринера для входа
	AllowedIntervals []int         // разрешённые интервалы фандинга, часы
	MaxActiveTrades  int           // максимум одновременных hedge-групп
	EntryCooldown    time.Duration // пауза символа после неудачного входа

	EntryInterval time.Duration // цикл контроллера входа
	CheckInterval time.Duration // orphan + spread цикл выхода
	FlipInterval  time.Duration // funding-flip цикл выхода
	OrphanGrace   time.Duration // возраст одиночной ноги до закрытия
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "fundingarb"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Binance: ExchangeKeys{
			APIKey:    getEnv("BINANCE_API_KEY", ""),
			APISecret: getEnv("BINANCE_API_SECRET", ""),
		},
		Bybit: ExchangeKeys{
			APIKey:    getEnv("BYBIT_API_KEY", ""),
			APISecret: getEnv("BYBIT_API_SECRET", ""),
		},
		Telegram: TelegramConfig{
			Token:  getEnv("TELEGRAM_TOKEN", ""),
			ChatID: getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
		},
		Trading: TradingConfig{
			AutoEntryEnabled: getEnvAsBool("AUTO_ENTRY_ENABLED", false),
			AutoExitEnabled:  getEnvAsBool("AUTO_EXIT_ENABLED", true),

			CapitalPercent:   getEnvAsFloat("CAPITAL_PERCENT", 0.25),
			Leverage:         getEnvAsInt("AUTO_LEVERAGE", 1),
			MinNetSpreadPct:  getEnvAsFloat("SCREENER_MIN_SPREAD", 0.01),
			AllowedIntervals: getEnvAsIntList("ALLOWED_FUNDING_INTERVALS", []int{4, 8}),
			MaxActiveTrades:  getEnvAsInt("MAX_ACTIVE_TRADES", 3),
			EntryCooldown:    getEnvAsDuration("ENTRY_COOLDOWN", 15*time.Minute),

			EntryInterval: getEnvAsDuration("ENTRY_INTERVAL", 4*time.Second),
			CheckInterval: getEnvAsDuration("EXIT_CHECK_INTERVAL", 30*time.Second),
			FlipInterval:  getEnvAsDuration("EXIT_FLIP_INTERVAL", 60*time.Second),
			OrphanGrace:   getEnvAsDuration("ORPHAN_GRACE", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет обязательные параметры и числовые диапазоны
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	if c.Bybit.APIKey == "" || c.Bybit.APISecret == "" {
		return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET are required")
	}

	if c.Trading.CapitalPercent <= 0 || c.Trading.CapitalPercent > 1 {
		return fmt.Errorf("CAPITAL_PERCENT must be in (0, 1], got %v", c.Trading.CapitalPercent)
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 100 {
		return fmt.Errorf("AUTO_LEVERAGE must be between 1 and 100, got %d", c.Trading.Leverage)
	}
	if c.Trading.MaxActiveTrades < 1 {
		return fmt.Errorf("MAX_ACTIVE_TRADES must be positive, got %d", c.Trading.MaxActiveTrades)
	}
	if len(c.Trading.AllowedIntervals) == 0 {
		return fmt.Errorf("ALLOWED_FUNDING_INTERVALS must not be empty")
	}
	for _, hours := range c.Trading.AllowedIntervals {
		if !utils.IsStandardInterval(hours) {
			return fmt.Errorf("ALLOWED_FUNDING_INTERVALS: %d is not a standard interval (1/2/4/8)", hours)
		}
	}
	if c.Trading.EntryInterval <= 0 || c.Trading.CheckInterval <= 0 || c.Trading.FlipInterval <= 0 {
		return fmt.Errorf("controller intervals must be positive")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsIntList читает список целых, разделённых запятыми: "4,8"
func getEnvAsIntList(key string, defaultValue []int) []int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
