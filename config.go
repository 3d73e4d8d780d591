package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/appsignal-mcp/appsignal-mcp/internal/appsignal"
	"github.com/appsignal-mcp/appsignal-mcp/internal/logging"
)

const (
	defaultPort     = 3000
	defaultLogLevel = "info"
)

// fileConfig is the YAML config file.
type fileConfig struct {
	APIToken string      `yaml:"api_token"`
	APIURL   string      `yaml:"api_url"`
	Timeout  string      `yaml:"timeout"`
	LogLevel string      `yaml:"log_level"`
	Port     int         `yaml:"port"`
	Metrics  *bool       `yaml:"metrics"`
	Usage    usageConfig `yaml:"usage"`

	TimeoutDuration time.Duration `yaml:"-"`
	TimeoutSet      bool          `yaml:"-"`
}

type usageConfig struct {
	Driver        string            `yaml:"driver"`
	DB            string            `yaml:"db"`
	DSN           string            `yaml:"dsn"`
	Host          string            `yaml:"host"`
	Port          string            `yaml:"port"`
	User          string            `yaml:"user"`
	Password      string            `yaml:"password"`
	Database      string            `yaml:"database"`
	Table         string            `yaml:"table"`
	Collection    string            `yaml:"collection"`
	Prefix        string            `yaml:"prefix"`
	Joined        string            `yaml:"joined"`
	Separator     string            `yaml:"separator"`
	TimeZone      string            `yaml:"timezone"`
	WeekStart     string            `yaml:"week_start"`
	Granularities configStringSlice `yaml:"granularities"`
}

type configStringSlice []string

// UnmarshalYAML also accepts the nested `appsignal: {api_token, api_url}`
// layout used by older config files. Top-level keys win.
func (c *fileConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("config must be a mapping")
	}

	type plain fileConfig
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return err
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		if strings.TrimSpace(value.Content[i].Value) != "appsignal" {
			continue
		}
		var nested struct {
			APIToken string `yaml:"api_token"`
			APIURL   string `yaml:"api_url"`
		}
		if err := value.Content[i+1].Decode(&nested); err != nil {
			return fmt.Errorf("appsignal: %w", err)
		}
		decoded.APIToken = firstNonEmpty(decoded.APIToken, nested.APIToken)
		decoded.APIURL = firstNonEmpty(decoded.APIURL, nested.APIURL)
	}

	*c = fileConfig(decoded)
	return c.normalize()
}

func (c *fileConfig) normalize() error {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(c.Timeout) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(c.Timeout))
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	c.TimeoutDuration = parsed
	c.TimeoutSet = true
	return nil
}

func (s *configStringSlice) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}

	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*s = normalizeStringList(strings.Split(raw, ","))
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*s = normalizeStringList(raw)
		return nil
	default:
		return fmt.Errorf("granularities must be a string or list")
	}
}

func (s configStringSlice) Joined() string {
	return strings.Join([]string(s), ",")
}

func normalizeStringList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		cleaned = append(cleaned, trimmed)
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func pickString(envValue, cfgValue, defaultValue string) string {
	if strings.TrimSpace(envValue) != "" {
		return envValue
	}
	if strings.TrimSpace(cfgValue) != "" {
		return cfgValue
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// settings is the fully resolved configuration handed to every command.
type settings struct {
	APIToken   string
	APIURL     string
	Timeout    time.Duration
	LogLevel   string
	Port       int
	Metrics    bool
	Usage      usageOptions
	ConfigPath string
}

// globalFlags are bound to the root command's persistent flags.
type globalFlags struct {
	ConfigPath string
	APIToken   string
	APIURL     string
	Timeout    time.Duration
	LogLevel   string
	Port       int
	Metrics    bool
	Usage      usageOptions
}

func addGlobalFlags(fs *pflag.FlagSet) *globalFlags {
	opts := &globalFlags{}
	fs.StringVar(&opts.ConfigPath, "config", "", "Config file path (YAML) (or APPSIGNAL_MCP_CONFIG)")
	fs.StringVar(&opts.APIToken, "appsignal-api-token", "", "AppSignal API token (or APPSIGNAL_API_TOKEN / config)")
	fs.StringVar(&opts.APIURL, "api-url", "", "AppSignal API base URL (or APPSIGNAL_API_URL / config)")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "HTTP timeout, 0 for none (or APPSIGNAL_TIMEOUT / config)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Logging level: debug|info|warn|error (or LOG_LEVEL / config)")
	fs.IntVar(&opts.Port, "port", 0, "Metrics endpoint port (or PORT / config)")
	fs.BoolVar(&opts.Metrics, "metrics", false, "Serve /metrics and /healthz on --port (or APPSIGNAL_MCP_METRICS / config)")
	addUsageFlags(fs, &opts.Usage)
	return opts
}

// resolveSettings applies flag > environment > config file > default.
func resolveSettings(fs *pflag.FlagSet, flags *globalFlags) (settings, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	path, explicit := flags.ConfigPath, fs.Changed("config")
	if !explicit {
		if envPath := strings.TrimSpace(os.Getenv("APPSIGNAL_MCP_CONFIG")); envPath != "" {
			path = envPath
			explicit = true
		}
	}

	cfg, path, err := resolveConfigFile(path, explicit)
	if err != nil {
		return settings{}, err
	}

	resolved := settings{
		APIToken:   pickFlag(fs, "appsignal-api-token", flags.APIToken, "APPSIGNAL_API_TOKEN", cfg.APIToken, ""),
		APIURL:     pickFlag(fs, "api-url", flags.APIURL, "APPSIGNAL_API_URL", cfg.APIURL, appsignal.DefaultBaseURL),
		LogLevel:   pickFlag(fs, "log-level", flags.LogLevel, "LOG_LEVEL", cfg.LogLevel, defaultLogLevel),
		ConfigPath: path,
	}

	if _, ok := logging.ParseLevel(resolved.LogLevel); !ok {
		resolved.LogLevel = defaultLogLevel
	}

	switch {
	case fs.Changed("timeout"):
		resolved.Timeout = flags.Timeout
	case strings.TrimSpace(os.Getenv("APPSIGNAL_TIMEOUT")) != "":
		parsed, err := time.ParseDuration(strings.TrimSpace(os.Getenv("APPSIGNAL_TIMEOUT")))
		if err != nil {
			return settings{}, fmt.Errorf("invalid APPSIGNAL_TIMEOUT: %w", err)
		}
		resolved.Timeout = parsed
	case cfg.TimeoutSet:
		resolved.Timeout = cfg.TimeoutDuration
	}

	cfgPort := ""
	if cfg.Port > 0 {
		cfgPort = strconv.Itoa(cfg.Port)
	}
	if fs.Changed("port") {
		resolved.Port = flags.Port
	} else {
		resolved.Port = parseIntOrDefault(pickString(os.Getenv("PORT"), cfgPort, ""), defaultPort)
	}

	cfgMetrics := ""
	if cfg.Metrics != nil {
		cfgMetrics = strconv.FormatBool(*cfg.Metrics)
	}
	if fs.Changed("metrics") {
		resolved.Metrics = flags.Metrics
	} else {
		resolved.Metrics = parseBoolOrDefault(pickString(os.Getenv("APPSIGNAL_MCP_METRICS"), cfgMetrics, ""), false)
	}

	resolved.Usage = resolveUsageOptions(fs, &flags.Usage, cfg.Usage)
	return resolved, nil
}

func pickFlag(fs *pflag.FlagSet, name, flagValue, envKey, cfgValue, defaultValue string) string {
	if fs != nil && fs.Changed(name) {
		return flagValue
	}
	return pickString(os.Getenv(envKey), cfgValue, defaultValue)
}

// resolveConfigFile loads path, falling back to the default location. A
// missing default file yields an empty config; a missing explicit one fails.
func resolveConfigFile(path string, explicit bool) (*fileConfig, string, error) {
	if strings.TrimSpace(path) == "" {
		defaultPath, err := defaultConfigPath()
		if err != nil {
			return &fileConfig{}, "", nil
		}
		path = defaultPath
	}

	expanded, err := expandPath(path)
	if err != nil {
		return nil, path, err
	}
	path = filepath.Clean(expanded)

	cfg, err := loadConfigFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &fileConfig{}, path, nil
		}
		return nil, path, err
	}

	return cfg, path, nil
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "appsignal-mcp", "config.yaml"), nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return &fileConfig{}, nil
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &cfg, nil
}

func parseBoolOrDefault(value string, fallback bool) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseIntOrDefault(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}
