package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all setcapture environment variables.
const EnvPrefix = "SETCAPTURE_"

// Config holds all application configuration. Secrets (tokens, API keys) are
// loaded exclusively from environment variables and never appear in the
// config file.
type Config struct {
	DBPath       string `yaml:"db_path" toml:"db_path"`
	SegmentDir   string `yaml:"segment_dir" toml:"segment_dir"`
	SetDir       string `yaml:"set_dir" toml:"set_dir"`
	ExportDir    string `yaml:"export_dir" toml:"export_dir"`
	TracklistDir string `yaml:"tracklist_dir" toml:"tracklist_dir"`
	ListenAddr   string `yaml:"listen_addr" toml:"listen_addr"`

	MicSampleRate  int   `yaml:"mic_sample_rate" toml:"mic_sample_rate"`
	MicSampleRates []int `yaml:"mic_sample_rates" toml:"mic_sample_rates"`

	RotateEvery      string `yaml:"rotate_every" toml:"rotate_every"`
	ReleaseGrace     string `yaml:"release_grace" toml:"release_grace"`
	FirstAnalysis    string `yaml:"first_analysis" toml:"first_analysis"`
	AnalysisInterval string `yaml:"analysis_interval" toml:"analysis_interval"`
	IdleStop         string `yaml:"idle_stop" toml:"idle_stop"`
	OutputFormat     string `yaml:"output_format" toml:"output_format"`

	BackendURL      string `yaml:"backend_url" toml:"backend_url"`
	UserID          string `yaml:"user_id" toml:"user_id"`
	DJName          string `yaml:"dj_name" toml:"dj_name"`
	Recognizer      string `yaml:"recognizer" toml:"recognizer"`
	ACRCloudHost    string `yaml:"acrcloud_host" toml:"acrcloud_host"`
	HealthInterval  string `yaml:"health_interval" toml:"health_interval"`
	Retention       string `yaml:"retention" toml:"retention"`
	SyncBackoffBase string `yaml:"sync_backoff_base" toml:"sync_backoff_base"`
	SyncBackoffMax  string `yaml:"sync_backoff_max" toml:"sync_backoff_max"`

	RecapModel   string `yaml:"recap_model" toml:"recap_model"`
	RecapBaseURL string `yaml:"recap_base_url" toml:"recap_base_url"`
	RecapPrompt  string `yaml:"recap_prompt" toml:"recap_prompt"`

	GDriveFolderID        string `yaml:"gdrive_folder_id" toml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file" toml:"google_credentials_file"`
	BackupInterval        string `yaml:"backup_interval" toml:"backup_interval"`

	// Secrets: env vars only, never read from or written to the file.
	BackendToken   string `yaml:"-" toml:"-"`
	ACRCloudKey    string `yaml:"-" toml:"-"`
	ACRCloudSecret string `yaml:"-" toml:"-"`
	RecapAPIKey    string `yaml:"-" toml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:                "data/setcapture.db",
		SegmentDir:            "data/segments",
		SetDir:                "data/sets",
		ExportDir:             "data/exports",
		TracklistDir:          "data/tracklists",
		ListenAddr:            "127.0.0.1:8790",
		MicSampleRate:         44100,
		MicSampleRates:        []int{48000, 32000, 16000},
		RotateEvery:           "30s",
		ReleaseGrace:          "250ms",
		FirstAnalysis:         "15s",
		AnalysisInterval:      "30s",
		IdleStop:              "0s",
		OutputFormat:          "m4a",
		Recognizer:            "backend",
		ACRCloudHost:          "identify-eu-west-1.acrcloud.com",
		HealthInterval:        "15s",
		Retention:             "168h",
		SyncBackoffBase:       "30s",
		SyncBackoffMax:        "30m",
		GoogleCredentialsFile: "./service-account.json",
		BackupInterval:        "6h",
	}
}

// Load reads configuration from a YAML or TOML file (chosen by extension, if
// the file exists), applies environment variable overrides, loads secrets, and
// validates the result. It returns the config, any validation warnings, and an
// error if the file exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := decode(path, data, &cfg); err != nil {
			return cfg, nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Duration parses one of the duration fields, falling back when invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{44100, 48000, 32000, 16000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

// ACRCloudConfigured reports whether direct ACRCloud recognition can be used.
func (c *Config) ACRCloudConfigured() bool {
	return c.ACRCloudKey != "" && c.ACRCloudSecret != ""
}

func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"DB_PATH":                 &cfg.DBPath,
		"SEGMENT_DIR":             &cfg.SegmentDir,
		"SET_DIR":                 &cfg.SetDir,
		"EXPORT_DIR":              &cfg.ExportDir,
		"TRACKLIST_DIR":           &cfg.TracklistDir,
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"ROTATE_EVERY":            &cfg.RotateEvery,
		"RELEASE_GRACE":           &cfg.ReleaseGrace,
		"FIRST_ANALYSIS":          &cfg.FirstAnalysis,
		"ANALYSIS_INTERVAL":       &cfg.AnalysisInterval,
		"IDLE_STOP":               &cfg.IdleStop,
		"OUTPUT_FORMAT":           &cfg.OutputFormat,
		"BACKEND_URL":             &cfg.BackendURL,
		"USER_ID":                 &cfg.UserID,
		"DJ_NAME":                 &cfg.DJName,
		"RECOGNIZER":              &cfg.Recognizer,
		"ACRCLOUD_HOST":           &cfg.ACRCloudHost,
		"HEALTH_INTERVAL":         &cfg.HealthInterval,
		"RETENTION":               &cfg.Retention,
		"SYNC_BACKOFF_BASE":       &cfg.SyncBackoffBase,
		"SYNC_BACKOFF_MAX":        &cfg.SyncBackoffMax,
		"RECAP_MODEL":             &cfg.RecapModel,
		"RECAP_BASE_URL":          &cfg.RecapBaseURL,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"BACKUP_INTERVAL":         &cfg.BackupInterval,
	}
	for key, field := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*field = v
		}
	}

	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.BackendToken = os.Getenv(EnvPrefix + "BACKEND_TOKEN")
	cfg.ACRCloudKey = os.Getenv(EnvPrefix + "ACRCLOUD_ACCESS_KEY")
	cfg.ACRCloudSecret = os.Getenv(EnvPrefix + "ACRCLOUD_ACCESS_SECRET")
	cfg.RecapAPIKey = os.Getenv(EnvPrefix + "RECAP_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.BackendURL == "" {
		warnings = append(warnings, "Backend URL not configured: sessions stay in the local outbox. Set "+EnvPrefix+"BACKEND_URL.")
	} else if cfg.BackendToken == "" {
		warnings = append(warnings, "Backend token not configured: sync requests will be rejected. Set "+EnvPrefix+"BACKEND_TOKEN.")
	}

	switch cfg.Recognizer {
	case "backend":
		if cfg.BackendURL == "" {
			warnings = append(warnings, "Recognizer is \"backend\" but no backend URL is set: live identification is disabled.")
		}
	case "acrcloud":
		if !cfg.ACRCloudConfigured() {
			warnings = append(warnings, "ACRCloud keys not configured: live identification is disabled. Set "+EnvPrefix+"ACRCLOUD_ACCESS_KEY and "+EnvPrefix+"ACRCLOUD_ACCESS_SECRET.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown recognizer %q: using \"backend\".", cfg.Recognizer))
		cfg.Recognizer = "backend"
	}

	if cfg.RecapModel != "" && cfg.RecapAPIKey == "" {
		warnings = append(warnings, "Recap model set without an API key: set recaps are disabled. Set "+EnvPrefix+"RECAP_API_KEY.")
	}

	durations := []struct{ name, raw string }{
		{"rotate_every", cfg.RotateEvery},
		{"release_grace", cfg.ReleaseGrace},
		{"first_analysis", cfg.FirstAnalysis},
		{"analysis_interval", cfg.AnalysisInterval},
		{"idle_stop", cfg.IdleStop},
		{"health_interval", cfg.HealthInterval},
		{"retention", cfg.Retention},
		{"sync_backoff_base", cfg.SyncBackoffBase},
		{"sync_backoff_max", cfg.SyncBackoffMax},
		{"backup_interval", cfg.BackupInterval},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q: using default.", d.name, d.raw))
		}
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
