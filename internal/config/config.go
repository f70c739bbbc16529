package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath string `yaml:"db_path"`

	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	MaxActivitiesPerLLMCall int `yaml:"max_activities_per_llm_call"`

	SessionWindowMinutes           int     `yaml:"session_window_minutes"`
	MaxSessionGapMinutes           int     `yaml:"max_session_gap_minutes"`
	MinSessionLengthMinutes        int     `yaml:"min_session_length_minutes"`
	MinActivitiesPerSession        int     `yaml:"min_activities_per_session"`
	MinSessionPurity               float64 `yaml:"min_session_purity"`
	MaxSessionWindowOverlapMinutes int     `yaml:"max_session_window_overlap_minutes"`

	SessionizeSchedule string `yaml:"sessionize_schedule"`
	Timezone           string `yaml:"timezone"`

	SlackBotToken    string `yaml:"slack_bot_token"`
	SummaryChannelID string `yaml:"summary_channel_id"`

	Location *time.Location `yaml:"-"`
}

func (c Config) SessionWindowLength() time.Duration {
	return time.Duration(c.SessionWindowMinutes) * time.Minute
}

func (c Config) MaxSessionGap() time.Duration {
	return time.Duration(c.MaxSessionGapMinutes) * time.Minute
}

func (c Config) MinSessionLength() time.Duration {
	return time.Duration(c.MinSessionLengthMinutes) * time.Minute
}

func (c Config) MaxSessionWindowOverlap() time.Duration {
	return time.Duration(c.MaxSessionWindowOverlapMinutes) * time.Minute
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SummaryChannelID != ""
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverrideInt(&cfg.MaxActivitiesPerLLMCall, "MAX_ACTIVITIES_PER_LLM_CALL")
	envOverrideInt(&cfg.SessionWindowMinutes, "SESSION_WINDOW_MINUTES")
	envOverrideInt(&cfg.MaxSessionGapMinutes, "MAX_SESSION_GAP_MINUTES")
	envOverrideInt(&cfg.MinSessionLengthMinutes, "MIN_SESSION_LENGTH_MINUTES")
	envOverrideInt(&cfg.MinActivitiesPerSession, "MIN_ACTIVITIES_PER_SESSION")
	envOverrideFloat(&cfg.MinSessionPurity, "MIN_SESSION_PURITY")
	envOverrideInt(&cfg.MaxSessionWindowOverlapMinutes, "MAX_SESSION_WINDOW_OVERLAP_MINUTES")
	envOverride(&cfg.SessionizeSchedule, "SESSIONIZE_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SummaryChannelID, "SUMMARY_CHANNEL_ID")

	// Defaults
	if cfg.DBPath == "" {
		cfg.DBPath = "./sessiond.db"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.MaxActivitiesPerLLMCall == 0 {
		cfg.MaxActivitiesPerLLMCall = 100
	}
	if cfg.SessionWindowMinutes == 0 {
		cfg.SessionWindowMinutes = 30
	}
	if cfg.MaxSessionGapMinutes == 0 {
		cfg.MaxSessionGapMinutes = 10
	}
	if cfg.MinSessionLengthMinutes == 0 {
		cfg.MinSessionLengthMinutes = 15
	}
	if cfg.MinActivitiesPerSession == 0 {
		cfg.MinActivitiesPerSession = 3
	}
	if cfg.MinSessionPurity == 0 {
		cfg.MinSessionPurity = 0.8
	}
	if cfg.MaxSessionWindowOverlapMinutes == 0 {
		cfg.MaxSessionWindowOverlapMinutes = 15
	}
	if cfg.SessionizeSchedule == "" {
		cfg.SessionizeSchedule = "*/30 * * * *"
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Printf("Invalid timezone '%s', falling back to UTC: %v", cfg.Timezone, err)
		} else {
			loc = parsed
		}
	}
	cfg.Location = loc

	return cfg
}

func envOverride(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

func envOverrideInt(target *int, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*target = parsed
		} else {
			log.Printf("Invalid int for %s: %q", key, val)
		}
	}
}

func envOverrideFloat(target *float64, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			*target = parsed
		} else {
			log.Printf("Invalid float for %s: %q", key, val)
		}
	}
}
