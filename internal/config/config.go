package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/validator"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string `json:"port" validate:"required"`
	Environment    string `json:"environment" validate:"oneof=development production test"`
	MaxUploadBytes int64  `json:"max_upload_bytes" validate:"gt=0"`
	AllowedOrigins []string

	DatabaseURL string // empty keeps everything in memory
	RedisURL    string // empty disables the report cache and the distributed lock
	StorageDir  string // empty keeps images in memory

	Evaluation EvaluationConfig `json:"evaluation"`
	Alignment  AlignmentConfig  `json:"alignment"`
	Events     EventConfig
	Auth       AuthConfig `json:"auth"`
	Gemini     GeminiConfig
}

type EvaluationConfig struct {
	Threshold         float64       `json:"threshold" validate:"match_threshold"`
	Workers           int           `json:"workers" validate:"gt=0"`
	RegionParallelism int           `json:"region_parallelism" validate:"gt=0"`
	OCRTimeout        time.Duration `json:"ocr_timeout" validate:"gt=0"`
	OCREngine         string        `json:"ocr_engine" validate:"ocr_engine"`
	OCRLanguages      []string
	ReportCacheTTL    time.Duration `json:"report_cache_ttl" validate:"gt=0"`
}

type AlignmentConfig struct {
	MinConfidence    float64 `json:"min_confidence" validate:"gte=0,lte=100"`
	WorkingWidth     int     `json:"working_width" validate:"gte=0"`
	MaxFeatures      int     `json:"max_features" validate:"gte=0"`
	RansacIterations int     `json:"ransac_iterations" validate:"gte=0"`
	InlierThreshold  float64 `json:"inlier_threshold" validate:"gte=0"`
	LockTTL          time.Duration
}

type AuthConfig struct {
	Enabled      bool
	Endpoint     string `json:"endpoint" validate:"required_if=Enabled true"`
	ClientID     string `json:"client_id" validate:"required_if=Enabled true"`
	ClientSecret string
	Certificate  string `json:"certificate" validate:"required_if=Enabled true"`
	Organization string
	Application  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

// LoadConfig reads settings from the environment. A .env file in the working
// directory is loaded first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		StorageDir:     getEnv("STORAGE_DIR", ""),

		Evaluation: EvaluationConfig{
			Threshold:         getEnvFloat("MATCH_THRESHOLD", 80),
			Workers:           getEnvInt("EVALUATION_WORKERS", 4),
			RegionParallelism: getEnvInt("OCR_PARALLELISM", 4),
			OCRTimeout:        getEnvDuration("OCR_TIMEOUT", 15*time.Second),
			OCREngine:         getEnv("OCR_ENGINE", "noop"),
			OCRLanguages:      getEnvList("OCR_LANGUAGES", []string{"eng"}),
			ReportCacheTTL:    getEnvDuration("REPORT_CACHE_TTL", 10*time.Minute),
		},
		Alignment: AlignmentConfig{
			MinConfidence:    getEnvFloat("ALIGNMENT_MIN_CONFIDENCE", 60),
			WorkingWidth:     getEnvInt("ALIGNMENT_WORKING_WIDTH", 0),
			MaxFeatures:      getEnvInt("ALIGNMENT_MAX_FEATURES", 0),
			RansacIterations: getEnvInt("ALIGNMENT_RANSAC_ITERATIONS", 0),
			InlierThreshold:  getEnvFloat("ALIGNMENT_INLIER_THRESHOLD", 0),
			LockTTL:          getEnvDuration("ALIGNMENT_LOCK_TTL", 2*time.Minute),
		},
		Events: EventConfig{
			Enabled:         getEnvBool("EVENTS_ENABLED", false),
			Publisher:       getEnv("EVENTS_PUBLISHER", "kafka"),
			KafkaBrokers:    getEnv("KAFKA_BROKERS", "localhost:9092"),
			EvaluationTopic: getEnv("EVALUATION_TOPIC", "sheet-evaluation"),
		},
		Auth: AuthConfig{
			Enabled:      getEnvBool("AUTH_ENABLED", false),
			Endpoint:     getEnv("CASDOOR_ENDPOINT", ""),
			ClientID:     getEnv("CASDOOR_CLIENT_ID", ""),
			ClientSecret: getEnv("CASDOOR_CLIENT_SECRET", ""),
			Certificate:  getEnv("CASDOOR_CERTIFICATE", ""),
			Organization: getEnv("CASDOOR_ORGANIZATION", ""),
			Application:  getEnv("CASDOOR_APPLICATION", ""),
		},
		Gemini: GeminiConfig{
			APIKey: getEnv("GEMINI_API_KEY", ""),
			Model:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded settings are usable.
func (c *Config) Validate() error {
	if err := validator.New().ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Evaluation.OCREngine == "gemini" && c.Gemini.APIKey == "" {
		return errors.New("invalid configuration: OCR_ENGINE=gemini requires GEMINI_API_KEY")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
