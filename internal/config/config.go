// Пакет config — загрузка и валидация конфигурации Folio
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Folio.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Keycloak ---

	// URL Keycloak (например, http://keycloak:8080)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Client ID сервиса (audience RPT exchange и client credentials)
	KeycloakClientID string
	// Client Secret сервиса
	KeycloakClientSecret string
	// Таймаут административных вызовов к Keycloak
	KeycloakTimeout time.Duration

	// --- Авторизация ---

	// Имя ресурса по умолчанию: скоуп без точки ("READ") дополняется
	// до "<ResourceName>.READ"
	ResourceName string

	// --- SONG (downstream metadata service) ---

	// Базовый URL SONG
	SongURL string
	// Таймаут вызовов SONG
	SongTimeout time.Duration

	// --- Provisioning ---

	// Добавлять ли создателя study в permission-группы study-*-read/write/admin
	StudyCreatorAutojoin bool

	// --- Мониторинг зависимостей ---

	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FOLIO_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("FOLIO_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FOLIO_PORT: значение %d вне допустимого диапазона", cfg.Port)
	}

	// FOLIO_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FOLIO_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FOLIO_LOG_LEVEL: %w", err)
	}

	// FOLIO_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FOLIO_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FOLIO_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// FOLIO_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("FOLIO_DB_HOST")
	if err != nil {
		return nil, err
	}

	// FOLIO_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("FOLIO_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_DB_PORT: %w", err)
	}

	// FOLIO_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("FOLIO_DB_NAME")
	if err != nil {
		return nil, err
	}

	// FOLIO_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("FOLIO_DB_USER")
	if err != nil {
		return nil, err
	}

	// FOLIO_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("FOLIO_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// FOLIO_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("FOLIO_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("FOLIO_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Keycloak ---

	// FOLIO_KEYCLOAK_URL — обязательный
	cfg.KeycloakURL, err = getEnvRequired("FOLIO_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	// Убираем trailing slash
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	// FOLIO_KEYCLOAK_REALM — realm (по умолчанию agari)
	cfg.KeycloakRealm = getEnvDefault("FOLIO_KEYCLOAK_REALM", "agari")

	// FOLIO_KEYCLOAK_CLIENT_ID — client id сервиса (по умолчанию dms)
	cfg.KeycloakClientID = getEnvDefault("FOLIO_KEYCLOAK_CLIENT_ID", "dms")

	// FOLIO_KEYCLOAK_CLIENT_SECRET — обязательный
	cfg.KeycloakClientSecret, err = getEnvRequired("FOLIO_KEYCLOAK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	// FOLIO_KEYCLOAK_TIMEOUT — таймаут административных вызовов (по умолчанию 10s)
	cfg.KeycloakTimeout, err = getEnvDuration("FOLIO_KEYCLOAK_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_KEYCLOAK_TIMEOUT: %w", err)
	}

	// --- Авторизация ---

	// FOLIO_RESOURCE_NAME — имя ресурса по умолчанию (по умолчанию folio)
	cfg.ResourceName = getEnvDefault("FOLIO_RESOURCE_NAME", "folio")

	// --- SONG ---

	// FOLIO_SONG_URL — обязательный (регистрация study в metadata-сервисе)
	cfg.SongURL, err = getEnvRequired("FOLIO_SONG_URL")
	if err != nil {
		return nil, err
	}
	cfg.SongURL = strings.TrimRight(cfg.SongURL, "/")

	// FOLIO_SONG_TIMEOUT — таймаут вызовов SONG (по умолчанию 30s)
	cfg.SongTimeout, err = getEnvDuration("FOLIO_SONG_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_SONG_TIMEOUT: %w", err)
	}

	// --- Provisioning ---

	// FOLIO_STUDY_CREATOR_AUTOJOIN — членство создателя study (по умолчанию true)
	cfg.StudyCreatorAutojoin, err = getEnvBool("FOLIO_STUDY_CREATOR_AUTOJOIN", true)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_STUDY_CREATOR_AUTOJOIN: %w", err)
	}

	// --- Мониторинг зависимостей ---

	// FOLIO_DEPHEALTH_GROUP — группа topologymetrics (по умолчанию agari)
	cfg.DephealthGroup = getEnvDefault("FOLIO_DEPHEALTH_GROUP", "agari")

	// FOLIO_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("FOLIO_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// FOLIO_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("FOLIO_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FOLIO_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL.
// Используется topologymetrics для лейблов метрик (host/port зависимости).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// TokenEndpoint возвращает URL token endpoint'а realm.
// Используется и для client credentials, и для UMA-ticket exchange.
func (c *Config) TokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.KeycloakURL, c.KeycloakRealm)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
