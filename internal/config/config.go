// Пакет config — загрузка и валидация конфигурации Capture Agent
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

// Config содержит все параметры конфигурации Capture Agent.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Уникальный идентификатор агента (например, "agent-field-01")
	AgentID string
	// Путь к кэш-директории локальных активов
	CacheDir string
	// Путь к директории записи камеры (по умолчанию <CacheDir>/capture)
	CaptureDir string
	// Базовый URL сервиса анализа
	AnalysisURL string
	// Минимальная длительность записи, короче — отбраковка
	MinRecording time.Duration
	// Максимальная длительность записи, дольше — автостоп устройства
	MaxRecording time.Duration
	// Порог размера файла в байтах: большие файлы не копируются в кэш
	LargeFileThreshold int64
	// Максимальное число активов в кэше
	MaxCachedAssets int
	// Период опроса статуса задачи
	PollInterval time.Duration
	// Предел суммарной длительности опроса одной задачи
	PollTimeout time.Duration
	// Таймаут запроса загрузки видео
	UploadTimeout time.Duration
	// URL JWKS endpoint для проверки токенов управления (опционально)
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Ожидаемый iss JWT токенов (опционально; пусто — iss не проверяется)
	JWTIssuer string
	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу (опционально, вместе с TLSCert)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (CA_DEPHEALTH_GROUP)
	DephealthGroup string
	// Имя зависимости (сервиса анализа) в метриках topologymetrics (CA_DEPHEALTH_DEP_NAME)
	DephealthDepName string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// CA_PORT — порт HTTP-сервера (по умолчанию 8040)
	port, err := getEnvInt("CA_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("CA_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("CA_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// CA_AGENT_ID — обязательный
	cfg.AgentID, err = getEnvRequired("CA_AGENT_ID")
	if err != nil {
		return nil, err
	}

	// CA_CACHE_DIR — обязательный
	cfg.CacheDir, err = getEnvRequired("CA_CACHE_DIR")
	if err != nil {
		return nil, err
	}

	// CA_CAPTURE_DIR — директория записи камеры (по умолчанию <CacheDir>/capture)
	cfg.CaptureDir = getEnvDefault("CA_CAPTURE_DIR", "")

	// CA_ANALYSIS_URL — обязательный
	cfg.AnalysisURL, err = getEnvRequired("CA_ANALYSIS_URL")
	if err != nil {
		return nil, err
	}

	// CA_MIN_RECORDING — минимальная длительность записи (по умолчанию 1s)
	cfg.MinRecording, err = getEnvDuration("CA_MIN_RECORDING", time.Second)
	if err != nil {
		return nil, fmt.Errorf("CA_MIN_RECORDING: %w", err)
	}
	if cfg.MinRecording <= 0 {
		return nil, fmt.Errorf("CA_MIN_RECORDING: значение должно быть положительным")
	}

	// CA_MAX_RECORDING — максимальная длительность записи (по умолчанию 30s)
	cfg.MaxRecording, err = getEnvDuration("CA_MAX_RECORDING", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CA_MAX_RECORDING: %w", err)
	}
	if cfg.MaxRecording <= cfg.MinRecording {
		return nil, fmt.Errorf("CA_MAX_RECORDING: значение %s должно быть больше CA_MIN_RECORDING (%s)",
			cfg.MaxRecording, cfg.MinRecording)
	}

	// CA_LARGE_FILE_THRESHOLD — порог копирования в кэш (по умолчанию 50 MiB)
	threshold, err := getEnvInt64("CA_LARGE_FILE_THRESHOLD", 52428800)
	if err != nil {
		return nil, fmt.Errorf("CA_LARGE_FILE_THRESHOLD: %w", err)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("CA_LARGE_FILE_THRESHOLD: значение должно быть положительным")
	}
	cfg.LargeFileThreshold = threshold

	// CA_MAX_CACHED_ASSETS — предел размера кэша (по умолчанию 3)
	maxCached, err := getEnvInt("CA_MAX_CACHED_ASSETS", 3)
	if err != nil {
		return nil, fmt.Errorf("CA_MAX_CACHED_ASSETS: %w", err)
	}
	if maxCached < 1 {
		return nil, fmt.Errorf("CA_MAX_CACHED_ASSETS: значение должно быть не меньше 1")
	}
	cfg.MaxCachedAssets = maxCached

	// CA_POLL_INTERVAL — период опроса статуса (по умолчанию 2s)
	cfg.PollInterval, err = getEnvDuration("CA_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CA_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("CA_POLL_INTERVAL: значение должно быть положительным")
	}

	// CA_POLL_TIMEOUT — предел суммарной длительности опроса (по умолчанию 5m)
	cfg.PollTimeout, err = getEnvDuration("CA_POLL_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CA_POLL_TIMEOUT: %w", err)
	}
	if cfg.PollTimeout <= cfg.PollInterval {
		return nil, fmt.Errorf("CA_POLL_TIMEOUT: значение %s должно быть больше CA_POLL_INTERVAL (%s)",
			cfg.PollTimeout, cfg.PollInterval)
	}

	// CA_UPLOAD_TIMEOUT — таймаут запроса загрузки (по умолчанию 30s)
	cfg.UploadTimeout, err = getEnvDuration("CA_UPLOAD_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CA_UPLOAD_TIMEOUT: %w", err)
	}

	// CA_JWKS_URL — опциональный: без него API управления работает без аутентификации
	cfg.JWKSUrl = getEnvDefault("CA_JWKS_URL", "")

	// CA_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("CA_JWKS_CA_CERT", "")

	// CA_JWT_ISSUER — ожидаемый издатель токенов (опционально)
	cfg.JWTIssuer = getEnvDefault("CA_JWT_ISSUER", "")

	// CA_TLS_CERT / CA_TLS_KEY — опциональная пара для HTTPS
	cfg.TLSCert = getEnvDefault("CA_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("CA_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("CA_TLS_CERT и CA_TLS_KEY должны задаваться вместе")
	}

	// CA_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CA_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CA_LOG_LEVEL: %w", err)
	}

	// CA_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CA_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CA_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// CA_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("CA_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CA_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// CA_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "capture-agent")
	cfg.DephealthGroup = getEnvDefault("CA_DEPHEALTH_GROUP", "capture-agent")

	// CA_DEPHEALTH_DEP_NAME — имя зависимости в метриках topologymetrics (по умолчанию "analysis-service")
	cfg.DephealthDepName = getEnvDefault("CA_DEPHEALTH_DEP_NAME", "analysis-service")

	// DEPHEALTH_NAME — имя владельца пода для метки name в topologymetrics (без префикса модуля)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// CA_SHUTDOWN_TIMEOUT — таймаут graceful shutdown HTTP-сервера (по умолчанию 5s).
	// Должен быть меньше K8s terminationGracePeriodSeconds, чтобы остановка
	// опроса задач успела завершиться до SIGKILL.
	cfg.ShutdownTimeout, err = getEnvDuration("CA_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CA_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 2s, 30s, 5m)", val)
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
