package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

type Configuration struct {
	IMAP          IMAPConfig          `json:"imap"`
	Lookback      LookbackConfig      `json:"lookback"`
	Notifications NotificationsConfig `json:"notifications"`
	Thresholds    ThresholdsConfig    `json:"thresholds"`
	Database      DatabaseConfig      `json:"database"`
	Enrichment    EnrichmentConfig    `json:"enrichment"`
	DNS           DNSConfig           `json:"dns"`
	Logging       LoggingConfig       `json:"logging"`
	LockFile      string              `json:"lockFile" validate:"required"`
}

type IMAPConfig struct {
	Host            string   `json:"host" validate:"required"`
	SSL             bool     `json:"ssl"`
	User            string   `json:"user" validate:"required"`
	Pass            string   `json:"pass" validate:"required"`
	Folder          string   `json:"folder" validate:"required"`
	IgnoreCert      bool     `json:"ignoreCert"`
	Timeout         Duration `json:"timeout"`
	BatchSize       int      `json:"batchSize" validate:"min=1"`
	ProcessedFolder string   `json:"processedFolder"`
	DeleteProcessed bool     `json:"deleteProcessed"`
}

type LookbackConfig struct {
	Default Duration `json:"default"`
	Max     Duration `json:"max"`
}

type NotificationsConfig struct {
	Enabled         bool       `json:"enabled"`
	From            string     `json:"from" validate:"omitempty,email"`
	To              []string   `json:"to" validate:"dive,email"`
	AdminTo         []string   `json:"adminTo" validate:"dive,email"`
	SubjectPrefix   string     `json:"subjectPrefix"`
	SendCleanStatus bool       `json:"sendCleanStatus"`
	Quiet           bool       `json:"quiet"`
	SMTP            SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host    string   `json:"host"`
	Port    int      `json:"port" validate:"min=0,max=65535"`
	User    string   `json:"user"`
	Pass    string   `json:"pass"`
	SSL     bool     `json:"ssl"`
	Timeout Duration `json:"timeout"`
}

type ThresholdsConfig struct {
	AuthSuccessRateMin      float64 `json:"authSuccessRateMin" validate:"min=0,max=100"`
	AuthRateDropThreshold   float64 `json:"authRateDropThreshold" validate:"min=0"`
	NewSourcesThreshold     int     `json:"newSourcesThreshold" validate:"min=0"`
	MinimumMessagesForAlert int     `json:"minimumMessagesForAlert" validate:"min=0"`
}

type DatabaseConfig struct {
	Path          string `json:"path" validate:"required"`
	RetentionDays int    `json:"retentionDays" validate:"min=1"`
	MaxReports    int    `json:"maxReports" validate:"min=1"`
}

type EnrichmentConfig struct {
	Enabled   bool     `json:"enabled"`
	APIKey    string   `json:"apiKey"`
	APIKeyEnv string   `json:"apiKeyEnv"`
	Model     string   `json:"model"`
	MaxTokens int      `json:"maxTokens" validate:"min=1"`
	BaseURL   string   `json:"baseURL" validate:"url"`
	Timeout   Duration `json:"timeout"`
	Retries   int      `json:"retries" validate:"min=0"`
}

type DNSConfig struct {
	Enabled        bool     `json:"enabled"`
	Server         string   `json:"server"`
	ConnectTimeout Duration `json:"connectTimeout"`
	Timeout        Duration `json:"timeout"`
	CacheTimeout   Duration `json:"cacheTimeout"`
}

type LoggingConfig struct {
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB" validate:"min=1"`
	MaxBackups int    `json:"maxBackups" validate:"min=0"`
	MaxAgeDays int    `json:"maxAgeDays" validate:"min=0"`
}

// Defaults returns the documented default configuration. New overlays the
// config file on top of it, so main and the tests share a single source of
// truth for fallback values.
func Defaults() Configuration {
	return Configuration{
		IMAP: IMAPConfig{
			SSL:       true,
			Folder:    "INBOX",
			Timeout:   Duration{Duration: 30 * time.Second},
			BatchSize: 30,
		},
		Lookback: LookbackConfig{
			Default: Duration{Duration: 24 * time.Hour},
			Max:     Duration{Duration: 168 * time.Hour},
		},
		Notifications: NotificationsConfig{
			Enabled:         true,
			SubjectPrefix:   "[DMARC]",
			SendCleanStatus: true,
			SMTP: SMTPConfig{
				Port:    587,
				Timeout: Duration{Duration: 30 * time.Second},
			},
		},
		Thresholds: ThresholdsConfig{
			AuthSuccessRateMin:      95.0,
			AuthRateDropThreshold:   5.0,
			NewSourcesThreshold:     3,
			MinimumMessagesForAlert: 10,
		},
		Database: DatabaseConfig{
			Path:          "dmarc.db",
			RetentionDays: 30,
			MaxReports:    30,
		},
		Enrichment: EnrichmentConfig{
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 1024,
			BaseURL:   "https://api.anthropic.com",
			Timeout:   Duration{Duration: 30 * time.Second},
			Retries:   3,
		},
		DNS: DNSConfig{
			Enabled:        true,
			ConnectTimeout: Duration{Duration: 1 * time.Second},
			Timeout:        Duration{Duration: 10 * time.Second},
			CacheTimeout:   Duration{Duration: 1 * time.Hour},
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		LockFile: "dmarcmonitor.lock",
	}
}

func New(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, fmt.Errorf("please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, err
	}
	reader := bytes.NewReader(b)

	decoder := json.NewDecoder(reader)
	if err = decoder.Decode(&defaults); err != nil {
		return nil, err
	}

	if defaults.Enrichment.APIKey == "" && defaults.Enrichment.APIKeyEnv != "" {
		defaults.Enrichment.APIKey = os.Getenv(defaults.Enrichment.APIKeyEnv)
	}

	validate := validator.New()
	if err := validate.Struct(defaults); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if defaults.Enrichment.Enabled && defaults.Enrichment.APIKey == "" {
		return nil, fmt.Errorf("enrichment is enabled but no api key is set (apiKey or %s)", defaults.Enrichment.APIKeyEnv)
	}

	if defaults.Notifications.Enabled {
		if defaults.Notifications.From == "" || len(defaults.Notifications.To) == 0 {
			return nil, fmt.Errorf("notifications are enabled but from/to are not set")
		}
		if defaults.Notifications.SMTP.Host == "" {
			return nil, fmt.Errorf("notifications are enabled but no smtp host is set")
		}
	}

	if len(defaults.Notifications.AdminTo) == 0 {
		defaults.Notifications.AdminTo = defaults.Notifications.To
	}

	return &defaults, nil
}
