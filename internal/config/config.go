package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Storage StorageConfig
	Logger  LoggerConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

type ModelConfig struct {
	LocalPath           string
	ConfidenceThreshold float64
	Device              string
	InputName           string
	OutputName          string
	LibraryPath         string
}

// StorageConfig locates the weights object in Google Cloud Storage.
type StorageConfig struct {
	Bucket          string
	Object          string
	CredentialsFile string
}

type LoggerConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("CONFIDENCE_THRESHOLD", 0.7)
	v.SetDefault("MODEL_LOCAL_PATH", "models/best_model.pth")
	v.SetDefault("MODEL_DEVICE", "auto")
	v.SetDefault("MODEL_INPUT_NAME", "input")
	v.SetDefault("MODEL_OUTPUT_NAME", "output")
	v.SetDefault("ONNXRUNTIME_LIB_PATH", "")
	v.SetDefault("GCS_BUCKET_NAME", "bps-model")
	v.SetDefault("GCS_MODEL_PATH", "best_model.pth")
	v.SetDefault("GCS_CREDENTIALS_FILE", "")
	v.SetDefault("LOGGER_LEVEL", "info")
	v.SetDefault("LOGGER_FORMAT", "json")

	// Env
	v.AutomaticEnv()

	shutdownTimeout, err := time.ParseDuration(v.GetString("SHUTDOWN_TIMEOUT"))
	if err != nil {
		shutdownTimeout = 10 * time.Second
	}

	port, err := strconv.Atoi(strings.TrimSpace(v.GetString("PORT")))
	if err != nil {
		return nil, fmt.Errorf("parse PORT: %w", err)
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(v.GetString("CONFIDENCE_THRESHOLD")), 64)
	if err != nil {
		return nil, fmt.Errorf("parse CONFIDENCE_THRESHOLD: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            port,
			ShutdownTimeout: shutdownTimeout,
		},
		Model: ModelConfig{
			LocalPath:           v.GetString("MODEL_LOCAL_PATH"),
			ConfidenceThreshold: threshold,
			Device:              v.GetString("MODEL_DEVICE"),
			InputName:           v.GetString("MODEL_INPUT_NAME"),
			OutputName:          v.GetString("MODEL_OUTPUT_NAME"),
			LibraryPath:         v.GetString("ONNXRUNTIME_LIB_PATH"),
		},
		Storage: StorageConfig{
			Bucket:          v.GetString("GCS_BUCKET_NAME"),
			Object:          v.GetString("GCS_MODEL_PATH"),
			CredentialsFile: v.GetString("GCS_CREDENTIALS_FILE"),
		},
		Logger: LoggerConfig{
			Level:  v.GetString("LOGGER_LEVEL"),
			Format: v.GetString("LOGGER_FORMAT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if t := c.Model.ConfidenceThreshold; math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0, 1], got %v", t)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Server.Port)
	}
	switch c.Model.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("MODEL_DEVICE must be one of auto, cpu, cuda, got %q", c.Model.Device)
	}
	if c.Storage.Bucket == "" || c.Storage.Object == "" {
		return fmt.Errorf("GCS_BUCKET_NAME and GCS_MODEL_PATH must not be empty")
	}
	return nil
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
