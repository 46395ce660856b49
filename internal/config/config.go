package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string

	OpenAIAPIKey             string
	OpenAIModel              string
	LLMTimeoutSecs           int
	PostmortemLLMTimeoutSecs int
	EnsembleAnalysts         string

	PredictorTTLHours       int
	PredictorExpiryPollSecs int
	RunnerPollSecs          int
	AnalystRollupCron       string

	ConversationMaxHistory int

	LogLevel           string
	LogEncoding        string
	CORSAllowedOrigins []string
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		EnsembleAnalysts: strings.TrimSpace(os.Getenv("ENSEMBLE_ANALYSTS")),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}

	cfg.Port = strings.TrimSpace(os.Getenv("PORT"))
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n <= 0 || n > 65535 {
		log.Printf("Warning: invalid PORT=%q, defaulting to 8080", cfg.Port)
		cfg.Port = "8080"
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set, ensemble and postmortem insights will degrade")
	}

	cfg.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.LLMTimeoutSecs = positiveInt("LLM_TIMEOUT_SECS", 60)
	cfg.PostmortemLLMTimeoutSecs = positiveInt("POSTMORTEM_LLM_TIMEOUT_SECS", 30)
	cfg.PredictorTTLHours = positiveInt("PREDICTOR_TTL_HOURS", 24)
	cfg.PredictorExpiryPollSecs = positiveInt("PREDICTOR_EXPIRY_POLL_SECS", 300)
	cfg.RunnerPollSecs = positiveInt("RUNNER_POLL_SECS", 900)
	cfg.ConversationMaxHistory = positiveInt("CONVERSATION_MAX_HISTORY", 20)

	cfg.AnalystRollupCron = strings.TrimSpace(os.Getenv("ANALYST_ROLLUP_CRON"))
	if cfg.AnalystRollupCron == "" {
		cfg.AnalystRollupCron = "5 0 * * *"
	}
	if _, err := cron.ParseStandard(cfg.AnalystRollupCron); err != nil {
		log.Printf("Warning: invalid ANALYST_ROLLUP_CRON=%q (%v), defaulting to 5 0 * * *", cfg.AnalystRollupCron, err)
		cfg.AnalystRollupCron = "5 0 * * *"
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	case "":
		cfg.LogLevel = "info"
	default:
		log.Printf("Warning: unsupported LOG_LEVEL=%q, defaulting to info", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	cfg.LogEncoding = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_ENCODING")))
	if cfg.LogEncoding != "json" && cfg.LogEncoding != "console" {
		if cfg.LogEncoding != "" {
			log.Printf("Warning: unsupported LOG_ENCODING=%q, defaulting to json", cfg.LogEncoding)
		}
		cfg.LogEncoding = "json"
	}

	cfg.CORSAllowedOrigins = parseOrigins(os.Getenv("CORS_ALLOWED_ORIGINS"))

	return cfg
}

func positiveInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("Warning: invalid %s=%q, defaulting to %d", key, v, fallback)
		return fallback
	}
	return n
}

func parseOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimRight(strings.TrimSpace(part), "/")
		if origin == "" {
			continue
		}
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
