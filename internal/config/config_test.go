package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// setEnvVars устанавливает переменные окружения для теста и возвращает
// функцию очистки. Всегда вызывать defer cleanup().
func setEnvVars(t *testing.T, vars map[string]string) func() {
	t.Helper()

	// Сохраняем оригинальные значения
	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for k := range vars {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
	}

	// Устанавливаем новые
	for k, v := range vars {
		os.Setenv(k, v)
	}

	return func() {
		for k := range vars {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// clearAllCAEnvVars очищает все переменные окружения CA_* для чистого теста.
func clearAllCAEnvVars(t *testing.T) func() {
	t.Helper()
	keys := []string{
		"CA_PORT", "CA_AGENT_ID", "CA_CACHE_DIR", "CA_CAPTURE_DIR",
		"CA_ANALYSIS_URL", "CA_MIN_RECORDING", "CA_MAX_RECORDING",
		"CA_LARGE_FILE_THRESHOLD", "CA_MAX_CACHED_ASSETS",
		"CA_POLL_INTERVAL", "CA_POLL_TIMEOUT", "CA_UPLOAD_TIMEOUT",
		"CA_JWKS_URL", "CA_JWKS_CA_CERT", "CA_JWT_ISSUER",
		"CA_TLS_CERT", "CA_TLS_KEY",
		"CA_LOG_LEVEL", "CA_LOG_FORMAT",
		"CA_DEPHEALTH_CHECK_INTERVAL", "CA_DEPHEALTH_GROUP",
		"CA_DEPHEALTH_DEP_NAME", "DEPHEALTH_NAME",
		"CA_SHUTDOWN_TIMEOUT",
	}
	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
		os.Unsetenv(k)
	}
	return func() {
		for _, k := range keys {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

// requiredEnvVars возвращает минимальный набор обязательных переменных.
func requiredEnvVars() map[string]string {
	return map[string]string{
		"CA_AGENT_ID":     "agent-test-01",
		"CA_CACHE_DIR":    "/tmp/cache",
		"CA_ANALYSIS_URL": "http://analysis.example.com:8000",
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cleanup := clearAllCAEnvVars(t)
	defer cleanup()

	cleanupVars := setEnvVars(t, requiredEnvVars())
	defer cleanupVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	// Проверяем значения по умолчанию
	if cfg.Port != 8040 {
		t.Errorf("Port: ожидалось 8040, получено %d", cfg.Port)
	}
	if cfg.MinRecording != time.Second {
		t.Errorf("MinRecording: ожидалось 1s, получено %v", cfg.MinRecording)
	}
	if cfg.MaxRecording != 30*time.Second {
		t.Errorf("MaxRecording: ожидалось 30s, получено %v", cfg.MaxRecording)
	}
	if cfg.LargeFileThreshold != 52428800 {
		t.Errorf("LargeFileThreshold: ожидалось 52428800, получено %d", cfg.LargeFileThreshold)
	}
	if cfg.MaxCachedAssets != 3 {
		t.Errorf("MaxCachedAssets: ожидалось 3, получено %d", cfg.MaxCachedAssets)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval: ожидалось 2s, получено %v", cfg.PollInterval)
	}
	if cfg.PollTimeout != 5*time.Minute {
		t.Errorf("PollTimeout: ожидалось 5m, получено %v", cfg.PollTimeout)
	}
	if cfg.UploadTimeout != 30*time.Second {
		t.Errorf("UploadTimeout: ожидалось 30s, получено %v", cfg.UploadTimeout)
	}
	if cfg.JWKSUrl != "" {
		t.Errorf("JWKSUrl: ожидалась пустая строка, получено %q", cfg.JWKSUrl)
	}
	if cfg.JWTIssuer != "" {
		t.Errorf("JWTIssuer: ожидалась пустая строка, получено %q", cfg.JWTIssuer)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: ожидалось info, получено %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: ожидалось json, получено %q", cfg.LogFormat)
	}
	if cfg.DephealthCheckInterval != 15*time.Second {
		t.Errorf("DephealthCheckInterval: ожидалось 15s, получено %v", cfg.DephealthCheckInterval)
	}
	if cfg.DephealthGroup != "capture-agent" {
		t.Errorf("DephealthGroup: ожидалось capture-agent, получено %q", cfg.DephealthGroup)
	}
	if cfg.DephealthDepName != "analysis-service" {
		t.Errorf("DephealthDepName: ожидалось analysis-service, получено %q", cfg.DephealthDepName)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout: ожидалось 5s, получено %v", cfg.ShutdownTimeout)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	cleanup := clearAllCAEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars()
	vars["CA_PORT"] = "9040"
	vars["CA_MIN_RECORDING"] = "2s"
	vars["CA_MAX_RECORDING"] = "60s"
	vars["CA_LARGE_FILE_THRESHOLD"] = "104857600"
	vars["CA_MAX_CACHED_ASSETS"] = "5"
	vars["CA_POLL_INTERVAL"] = "500ms"
	vars["CA_POLL_TIMEOUT"] = "10m"
	vars["CA_UPLOAD_TIMEOUT"] = "1m"
	vars["CA_LOG_LEVEL"] = "debug"
	vars["CA_LOG_FORMAT"] = "text"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 9040 {
		t.Errorf("Port: ожидалось 9040, получено %d", cfg.Port)
	}
	if cfg.MinRecording != 2*time.Second {
		t.Errorf("MinRecording: ожидалось 2s, получено %v", cfg.MinRecording)
	}
	if cfg.MaxRecording != 60*time.Second {
		t.Errorf("MaxRecording: ожидалось 60s, получено %v", cfg.MaxRecording)
	}
	if cfg.LargeFileThreshold != 104857600 {
		t.Errorf("LargeFileThreshold: ожидалось 104857600, получено %d", cfg.LargeFileThreshold)
	}
	if cfg.MaxCachedAssets != 5 {
		t.Errorf("MaxCachedAssets: ожидалось 5, получено %d", cfg.MaxCachedAssets)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval: ожидалось 500ms, получено %v", cfg.PollInterval)
	}
	if cfg.PollTimeout != 10*time.Minute {
		t.Errorf("PollTimeout: ожидалось 10m, получено %v", cfg.PollTimeout)
	}
	if cfg.UploadTimeout != time.Minute {
		t.Errorf("UploadTimeout: ожидалось 1m, получено %v", cfg.UploadTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel: ожидалось debug, получено %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat: ожидалось text, получено %q", cfg.LogFormat)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		skipVar string
	}{
		{"без CA_AGENT_ID", "CA_AGENT_ID"},
		{"без CA_CACHE_DIR", "CA_CACHE_DIR"},
		{"без CA_ANALYSIS_URL", "CA_ANALYSIS_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanup := clearAllCAEnvVars(t)
			defer cleanup()

			vars := requiredEnvVars()
			delete(vars, tt.skipVar)
			cleanupVars := setEnvVars(t, vars)
			defer cleanupVars()

			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка, получен nil")
			}
			if !strings.Contains(err.Error(), tt.skipVar) {
				t.Errorf("ошибка %q не содержит имени переменной %s", err.Error(), tt.skipVar)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"нечисловой порт", "CA_PORT", "abc"},
		{"порт вне диапазона", "CA_PORT", "70000"},
		{"некорректная длительность записи", "CA_MIN_RECORDING", "fast"},
		{"отрицательный порог", "CA_LARGE_FILE_THRESHOLD", "-1"},
		{"нулевой предел кэша", "CA_MAX_CACHED_ASSETS", "0"},
		{"некорректный период опроса", "CA_POLL_INTERVAL", "soon"},
		{"недопустимый уровень логирования", "CA_LOG_LEVEL", "verbose"},
		{"недопустимый формат логов", "CA_LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanup := clearAllCAEnvVars(t)
			defer cleanup()

			vars := requiredEnvVars()
			vars[tt.key] = tt.val
			cleanupVars := setEnvVars(t, vars)
			defer cleanupVars()

			if _, err := Load(); err == nil {
				t.Fatalf("ожидалась ошибка для %s=%q, получен nil", tt.key, tt.val)
			}
		})
	}
}

func TestLoad_MaxRecordingMustExceedMin(t *testing.T) {
	cleanup := clearAllCAEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars()
	vars["CA_MIN_RECORDING"] = "10s"
	vars["CA_MAX_RECORDING"] = "5s"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка: CA_MAX_RECORDING меньше CA_MIN_RECORDING")
	}
}

func TestLoad_PollTimeoutMustExceedInterval(t *testing.T) {
	cleanup := clearAllCAEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars()
	vars["CA_POLL_INTERVAL"] = "1m"
	vars["CA_POLL_TIMEOUT"] = "30s"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка: CA_POLL_TIMEOUT меньше CA_POLL_INTERVAL")
	}
}

func TestLoad_TLSPairRequired(t *testing.T) {
	cleanup := clearAllCAEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars()
	vars["CA_TLS_CERT"] = "/tmp/tls.crt"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка: CA_TLS_CERT без CA_TLS_KEY")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"ERROR", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseLogLevel(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ожидалась ошибка для %q, получен nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, ожидалось %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	cfgJSON := &Config{LogLevel: slog.LevelInfo, LogFormat: "json"}
	if logger := SetupLogger(cfgJSON); logger == nil {
		t.Fatal("SetupLogger вернул nil для json")
	}

	cfgText := &Config{LogLevel: slog.LevelDebug, LogFormat: "text"}
	if logger := SetupLogger(cfgText); logger == nil {
		t.Fatal("SetupLogger вернул nil для text")
	}
}
