package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DockerHost       string
	HTTPAddr         string
	HTTPPortAttempts int
	DBPath           string
	TelegramToken    string
	TelegramChatID   string
	LogLevel         string
	LogFormat        string

	RestartWindowSeconds   int
	StopTimeoutSeconds     int
	SettleDelaySeconds     int
	VerifyDelaySeconds     int
	HealthIntervalSeconds  int
	ConnectRetries         int
	ShutdownTimeoutSeconds int
}

// Load reads the RV_* environment. Call LoadEnvFile first to apply a dotenv
// file.
func Load() Config {
	return Config{
		DockerHost:       os.Getenv("RV_DOCKER_HOST"),
		HTTPAddr:         getEnv("RV_HTTP_ADDR", "127.0.0.1:3000"),
		HTTPPortAttempts: getEnvInt("RV_HTTP_PORT_ATTEMPTS", 10),
		DBPath:           getEnv("RV_DB_PATH", ":memory:"),
		TelegramToken:    os.Getenv("RV_TG_TOKEN"),
		TelegramChatID:   os.Getenv("RV_TG_CHAT_ID"),
		LogLevel:         getEnv("RV_LOG_LEVEL", "info"),
		LogFormat:        getEnv("RV_LOG_FORMAT", "json"),

		RestartWindowSeconds:   getEnvInt("RV_RESTART_WINDOW_SECONDS", 600),
		StopTimeoutSeconds:     getEnvInt("RV_STOP_TIMEOUT_SECONDS", 10),
		SettleDelaySeconds:     getEnvInt("RV_SETTLE_DELAY_SECONDS", 2),
		VerifyDelaySeconds:     getEnvInt("RV_VERIFY_DELAY_SECONDS", 2),
		HealthIntervalSeconds:  getEnvInt("RV_HEALTH_INTERVAL_SECONDS", 30),
		ConnectRetries:         getEnvInt("RV_CONNECT_RETRIES", 3),
		ShutdownTimeoutSeconds: getEnvInt("RV_SHUTDOWN_TIMEOUT_SECONDS", 15),
	}
}

func (c Config) RestartWindow() time.Duration {
	return seconds(c.RestartWindowSeconds)
}

func (c Config) StopTimeout() time.Duration {
	return seconds(c.StopTimeoutSeconds)
}

func (c Config) SettleDelay() time.Duration {
	return seconds(c.SettleDelaySeconds)
}

func (c Config) VerifyDelay() time.Duration {
	return seconds(c.VerifyDelaySeconds)
}

func (c Config) HealthInterval() time.Duration {
	return seconds(c.HealthIntervalSeconds)
}

func (c Config) ShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeoutSeconds)
}

func seconds(n int) time.Duration {
	if n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// EnvFilePath returns RV_ENV_FILE or ".env".
func EnvFilePath() string {
	return getEnv("RV_ENV_FILE", ".env")
}

// LoadEnvFile applies a dotenv file to the process environment. Variables
// that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func getEnv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return i
}
