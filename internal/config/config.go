package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName       string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	LogLevel      string
	LogFormat     string

	// Redis enables the cross-process thread lock when set.
	RedisURL string
	LockTTL  time.Duration

	MeiliURL       string
	MeiliMasterKey string

	// MinIO - attachment archive disabled if MinioEndpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	SlackBotToken      string
	SlackAPIURL        string
	SlackWorkspaceURL  string
	SlackSigningSecret string

	JiraURL               string
	JiraUser              string
	JiraPassword          string
	JiraProject           string
	JiraIssueType         string
	JiraLabel             string
	JiraRequestsPerSecond int

	// AdminTokenHash is a bcrypt hash; admin endpoints are off when empty.
	AdminTokenHash string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first without overriding variables already set, and
// THREADLINK_CONFIG may name a YAML file whose keys fill in what the
// environment leaves unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	file, err := readFile(os.Getenv("THREADLINK_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	return file.config(), nil
}

func (v values) config() Config {
	return Config{
		AppName:       v.getenv("APP_NAME", "threadlink"),
		Addr:          v.getenv("API_ADDR", ":8787"),
		DatabaseURL:   v.getenv("DATABASE_URL", ""),
		MigrationsDir: v.getenv("MIGRATIONS_DIR", "./db/migrations"),
		LogLevel:      v.getenv("LOG_LEVEL", "info"),
		LogFormat:     v.getenv("LOG_FORMAT", "text"),

		RedisURL: v.getenv("REDIS_URL", ""),
		LockTTL:  time.Duration(v.getenvInt("LOCK_TTL_SECONDS", 120)) * time.Second,

		MeiliURL:       v.getenv("MEILI_URL", ""),
		MeiliMasterKey: v.getenv("MEILI_MASTER_KEY", ""),

		MinioEndpoint:  v.getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: v.getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: v.getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    v.getenv("MINIO_BUCKET", "threadlink-attachments"),
		MinioUseSSL:    v.getenvBool("MINIO_USE_SSL", false),

		SlackBotToken:      v.getenv("SLACK_BOT_TOKEN", ""),
		SlackAPIURL:        v.getenv("SLACK_API_URL", "https://slack.com/api"),
		SlackWorkspaceURL:  v.getenv("SLACK_WORKSPACE_URL", ""),
		SlackSigningSecret: v.getenv("SLACK_SIGNING_SECRET", ""),

		JiraURL:               strings.TrimRight(v.getenv("JIRA_URL", ""), "/"),
		JiraUser:              v.getenv("JIRA_USER", ""),
		JiraPassword:          v.getenv("JIRA_PASS", ""),
		JiraProject:           v.getenv("JIRA_PROJECT", ""),
		JiraIssueType:         v.getenv("JIRA_ISSUE_TYPE", "Task"),
		JiraLabel:             v.getenv("JIRA_LABEL", "slack-driven-development"),
		JiraRequestsPerSecond: v.getenvInt("JIRA_REQUESTS_PER_SECOND", 5),

		AdminTokenHash: v.getenv("ADMIN_TOKEN_HASH", ""),
	}
}

// Validate reports settings required to serve traffic.
func (c Config) Validate() error {
	var missing []string
	for key, value := range map[string]string{
		"SLACK_BOT_TOKEN": c.SlackBotToken,
		"JIRA_URL":        c.JiraURL,
		"JIRA_PROJECT":    c.JiraProject,
	} {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// values holds settings from the YAML file; the environment wins over them.
type values map[string]string

func readFile(path string) (values, error) {
	if path == "" {
		return values{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	out := make(values, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		out[strings.ToUpper(key)] = fmt.Sprint(value)
	}
	return out, nil
}

func (v values) getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		value = v[key]
	}
	if value == "" {
		return fallback
	}
	return value
}

func (v values) getenvInt(key string, fallback int) int {
	value := v.getenv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (v values) getenvBool(key string, fallback bool) bool {
	value := v.getenv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
