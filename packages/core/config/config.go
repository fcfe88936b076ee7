package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Config represents the splitrun configuration
type Config struct {
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
	Root        string            `json:"root,omitempty" yaml:"root,omitempty"`
	Pattern     string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Workers     int               `json:"workers,omitempty" yaml:"workers,omitempty"`         // 0 means one per CPU
	Shard       string            `json:"shard,omitempty" yaml:"shard,omitempty"`             // "index/total", 1-based
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // per unit, Go duration
	Shell       string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	WorkDir     string            `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	EnvFile     string            `json:"envFile,omitempty" yaml:"envFile,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                 // extra child variables
	Before      []string          `json:"before,omitempty" yaml:"before,omitempty"`           // run once before any unit
	After       []string          `json:"after,omitempty" yaml:"after,omitempty"`             // run once after all units
	WaitFor     string            `json:"waitFor,omitempty" yaml:"waitFor,omitempty"`         // http(s) or tcp URL polled before units start
	WaitTimeout string            `json:"waitTimeout,omitempty" yaml:"waitTimeout,omitempty"` // Go duration
	SpawnRate   float64           `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`     // process starts per second
	History     *string           `json:"history,omitempty" yaml:"history,omitempty"`         // sqlite path, "" disables
	MetricsFile string            `json:"metricsFile,omitempty" yaml:"metricsFile,omitempty"` // prometheus textfile
	Notify      []string          `json:"notify,omitempty" yaml:"notify,omitempty"`
	NotifyOn    string            `json:"notifyOn,omitempty" yaml:"notifyOn,omitempty"`
	Slack       string            `json:"slackWebhook,omitempty" yaml:"slackWebhook,omitempty"`
	Teams       string            `json:"teamsWebhook,omitempty" yaml:"teamsWebhook,omitempty"`
	Verbose     *bool             `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	NoColor     *bool             `json:"noColor,omitempty" yaml:"noColor,omitempty"`
}

// Error reports a configuration file that could not be read or is invalid
type Error struct {
	Path     string
	Problems []string
	Err      error
}

func (e *Error) Error() string {
	if len(e.Problems) > 0 {
		return fmt.Sprintf("config %s: %s", e.Path, strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// getBool returns the value of a bool pointer, or the default if nil
func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// GetVerbose returns the verbose setting, defaulting to false
func (c *Config) GetVerbose() bool {
	return getBool(c.Verbose, false)
}

// GetNoColor returns the no color setting, defaulting to false
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// GetHistory returns the history database path, empty when disabled
func (c *Config) GetHistory() string {
	if c.History == nil {
		return DefaultHistoryPath
	}
	return *c.History
}

// UnitTimeout parses the per-unit timeout, zero when unset
func (c *Config) UnitTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", c.Timeout)
	}
	return d, nil
}

// WaitDuration parses the wait-for timeout, zero when unset
func (c *Config) WaitDuration() (time.Duration, error) {
	if c.WaitTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.WaitTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid wait timeout %q: %w", c.WaitTimeout, err)
	}
	return d, nil
}

// ShardSpec parses the shard setting, nil when unset
func (c *Config) ShardSpec() (*shard.Spec, error) {
	if c.Shard == "" {
		return nil, nil
	}
	spec, err := shard.ParseSpec(c.Shard)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// ConfigFilenames contains the possible config file names, in search order
var ConfigFilenames = []string{
	"splitrun.yaml",
	"splitrun.yml",
	".splitrun.yaml",
	"splitrun.json",
	".splitrunrc",
}

// PackageJSONKey is the package.json field read when no config file exists
const PackageJSONKey = "splitrun"

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}

	// Search for config file in current directory
	return FindAndLoadConfig(".")
}

// FindConfig returns the path of the first config file in dir, or "" when
// there is none. A package.json carrying a splitrun key counts as one.
func FindConfig(dir string) string {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	pkgPath := filepath.Join(dir, "package.json")
	if data, err := os.ReadFile(pkgPath); err == nil && gjson.GetBytes(data, PackageJSONKey).IsObject() {
		return pkgPath
	}
	return ""
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	if path := FindConfig(dir); path != "" {
		return loadConfigFromFile(path)
	}

	// Return defaults if no config file found
	return DefaultConfig(), nil
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (*Config, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}

	if problems, err := Validate(doc); err != nil {
		return nil, &Error{Path: path, Err: err}
	} else if len(problems) > 0 {
		return nil, &Error{Path: path, Problems: problems}
	}

	config := DefaultConfig()
	if err := json.Unmarshal(doc, config); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	return config, nil
}

// ReadDocument reads a config file and returns it as a JSON document,
// converting YAML and extracting the splitrun key of package.json
func ReadDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	switch {
	case filepath.Base(path) == "package.json":
		section := gjson.GetBytes(data, PackageJSONKey)
		if !section.Exists() {
			return nil, &Error{Path: path, Problems: []string{"no \"" + PackageJSONKey + "\" key"}}
		}
		return []byte(section.Raw), nil
	case isYAML(path):
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &Error{Path: path, Err: err}
		}
		if raw == nil {
			raw = map[string]any{}
		}
		doc, err := json.Marshal(raw)
		if err != nil {
			return nil, &Error{Path: path, Err: err}
		}
		return doc, nil
	default:
		if !gjson.ValidBytes(data) {
			return nil, &Error{Path: path, Problems: []string{"invalid JSON"}}
		}
		return data, nil
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Merge merges another config into this one, with other taking precedence
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c // Copy

	if other.Command != "" {
		result.Command = other.Command
	}
	if other.Root != "" {
		result.Root = other.Root
	}
	if other.Pattern != "" {
		result.Pattern = other.Pattern
	}
	if other.Workers > 0 {
		result.Workers = other.Workers
	}
	if other.Shard != "" {
		result.Shard = other.Shard
	}
	if other.Timeout != "" {
		result.Timeout = other.Timeout
	}
	if other.Shell != "" {
		result.Shell = other.Shell
	}
	if other.WorkDir != "" {
		result.WorkDir = other.WorkDir
	}
	if other.EnvFile != "" {
		result.EnvFile = other.EnvFile
	}
	if other.WaitFor != "" {
		result.WaitFor = other.WaitFor
	}
	if other.WaitTimeout != "" {
		result.WaitTimeout = other.WaitTimeout
	}
	if other.SpawnRate > 0 {
		result.SpawnRate = other.SpawnRate
	}
	if other.MetricsFile != "" {
		result.MetricsFile = other.MetricsFile
	}
	if other.NotifyOn != "" {
		result.NotifyOn = other.NotifyOn
	}
	if other.Slack != "" {
		result.Slack = other.Slack
	}
	if other.Teams != "" {
		result.Teams = other.Teams
	}

	// Pointer fields - only override if explicitly set in other config
	if other.History != nil {
		result.History = other.History
	}
	if other.Verbose != nil {
		result.Verbose = other.Verbose
	}
	if other.NoColor != nil {
		result.NoColor = other.NoColor
	}

	// Merge env
	if len(other.Env) > 0 {
		env := make(map[string]string, len(result.Env)+len(other.Env))
		for k, v := range result.Env {
			env[k] = v
		}
		for k, v := range other.Env {
			env[k] = v
		}
		result.Env = env
	}

	if len(other.Before) > 0 {
		result.Before = other.Before
	}
	if len(other.After) > 0 {
		result.After = other.After
	}
	if len(other.Notify) > 0 {
		result.Notify = other.Notify
	}

	return &result
}

// SaveConfig saves the configuration to a file, as YAML unless the path ends in .json
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
