package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/ckptpub/core/infra/retry"
	"github.com/cordum/ckptpub/core/infra/secrets"
	"github.com/cordum/ckptpub/core/publish"
	"github.com/cordum/ckptpub/core/remote"
	"gopkg.in/yaml.v3"
)

const (
	envGitHubToken       = "CKPTPUB_GITHUB_TOKEN"
	envGitHubTokenLegacy = "GITHUB_TOKEN"
	envGitHubOwner       = "CKPTPUB_GITHUB_OWNER"
	envGitHubRepository  = "CKPTPUB_GITHUB_REPOSITORY"
	envGitHubFolder      = "CKPTPUB_GITHUB_FOLDER"
	envGitHubAPIURL      = "CKPTPUB_GITHUB_API_URL"
	envName              = "CKPTPUB_NAME"
	envOnlyAtEnd         = "CKPTPUB_ONLY_AT_END"
	envDeleteAfterUpload = "CKPTPUB_DELETE_AFTER_UPLOAD"
	envRedisURL          = "CKPTPUB_REDIS_URL"
	envNATSURL           = "CKPTPUB_NATS_URL"
	envMetricsAddr       = "CKPTPUB_METRICS_ADDR"

	defaultTimeoutSeconds = 60
)

// GitHub holds the repository the checkpoints are committed to.
type GitHub struct {
	AccessToken    string `yaml:"access_token"`
	Owner          string `yaml:"owner"`
	Repository     string `yaml:"repository"`
	Folder         string `yaml:"folder,omitempty"`
	APIURL         string `yaml:"api_url,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Publish controls naming, triggering and cleanup.
type Publish struct {
	Name              string `yaml:"name,omitempty"`
	OnlyAtEnd         bool   `yaml:"only_at_end"`
	DeleteAfterUpload bool   `yaml:"delete_after_upload"`
	DedupeFinalEpoch  bool   `yaml:"dedupe_final_epoch"`
	LocalDir          string `yaml:"local_dir,omitempty"`
	Extension         string `yaml:"extension,omitempty"`
	Async             bool   `yaml:"async"`
	QueueSize         int    `yaml:"queue_size,omitempty"`
}

// Retry bounds commit retries after transport failures. Zero MaxRetries
// disables retrying.
type Retry struct {
	MaxRetries      int `yaml:"max_retries"`
	BaseDelayMillis int `yaml:"base_delay_ms,omitempty"`
	MaxDelayMillis  int `yaml:"max_delay_ms,omitempty"`
}

// Config is the full publisher configuration.
type Config struct {
	GitHub      GitHub  `yaml:"github"`
	Publish     Publish `yaml:"publish"`
	Retry       Retry   `yaml:"retry"`
	RedisURL    string  `yaml:"redis_url,omitempty"`
	NatsURL     string  `yaml:"nats_url,omitempty"`
	MetricsAddr string  `yaml:"metrics_addr,omitempty"`
}

// LoadFile reads the YAML file at path (optional) and applies environment
// overrides, secret references and defaults. A blank path configures from the
// environment alone. Required fields are not checked.
func LoadFile(path string) (*Config, error) {
	var data []byte
	if strings.TrimSpace(path) != "" {
		// #nosec G304 -- config path is operator-provided.
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		data = raw
	}
	return Parse(data)
}

// Load is LoadFile followed by overrides, in order, and Validate.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML/JSON config data, then applies environment overrides,
// secret references and defaults. It does not check required fields.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := validateConfigSchema(data); err != nil {
			return nil, &publish.ConfigurationError{Field: "config", Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &publish.ConfigurationError{Field: "config", Err: fmt.Errorf("parse config: %w", err)}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	token, err := secrets.Resolve(cfg.GitHub.AccessToken)
	if err != nil {
		return nil, &publish.ConfigurationError{Field: "github.access_token", Err: err}
	}
	cfg.GitHub.AccessToken = token
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.GitHub.AccessToken, envGitHubToken)
	if strings.TrimSpace(c.GitHub.AccessToken) == "" {
		setString(&c.GitHub.AccessToken, envGitHubTokenLegacy)
	}
	setString(&c.GitHub.Owner, envGitHubOwner)
	setString(&c.GitHub.Repository, envGitHubRepository)
	setString(&c.GitHub.Folder, envGitHubFolder)
	setString(&c.GitHub.APIURL, envGitHubAPIURL)
	setString(&c.Publish.Name, envName)
	setString(&c.RedisURL, envRedisURL)
	setString(&c.NatsURL, envNATSURL)
	setString(&c.MetricsAddr, envMetricsAddr)
	if err := setBool(&c.Publish.OnlyAtEnd, envOnlyAtEnd); err != nil {
		return err
	}
	return setBool(&c.Publish.DeleteAfterUpload, envDeleteAfterUpload)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.GitHub.Folder) == "" {
		c.GitHub.Folder = remote.DefaultFolder
	}
	if strings.TrimSpace(c.GitHub.APIURL) == "" {
		c.GitHub.APIURL = remote.DefaultAPIURL
	}
	if c.GitHub.TimeoutSeconds <= 0 {
		c.GitHub.TimeoutSeconds = defaultTimeoutSeconds
	}
	if strings.TrimSpace(c.Publish.Name) == "" {
		c.Publish.Name = publish.DefaultName
	}
	if strings.TrimSpace(c.Publish.LocalDir) == "" {
		c.Publish.LocalDir = publish.DefaultLocalDir
	}
	if strings.TrimSpace(c.Publish.Extension) == "" {
		c.Publish.Extension = publish.DefaultExtension
	}
	if c.Publish.QueueSize <= 0 {
		c.Publish.QueueSize = publish.DefaultQueueSize
	}
}

// Validate fails fast on missing credentials and out-of-range settings.
func (c *Config) Validate() error {
	if c == nil {
		return &publish.ConfigurationError{Field: "config", Err: errors.New("config is nil")}
	}
	if err := c.Credentials().Validate(); err != nil {
		var credErr *remote.CredentialsError
		if errors.As(err, &credErr) {
			return &publish.ConfigurationError{Field: "github." + credErr.Field, Err: err}
		}
		return &publish.ConfigurationError{Field: "github", Err: err}
	}
	if c.Retry.MaxRetries < 0 {
		return &publish.ConfigurationError{Field: "retry.max_retries", Err: errors.New("must not be negative")}
	}
	if c.Retry.MaxDelayMillis > 0 && c.Retry.BaseDelayMillis > c.Retry.MaxDelayMillis {
		return &publish.ConfigurationError{Field: "retry.base_delay_ms", Err: errors.New("must not exceed max_delay_ms")}
	}
	return nil
}

// Credentials returns the remote credentials.
func (c *Config) Credentials() remote.Credentials {
	return remote.Credentials{
		AccessToken: c.GitHub.AccessToken,
		Owner:       c.GitHub.Owner,
		Repository:  c.GitHub.Repository,
		Folder:      c.GitHub.Folder,
	}
}

// PublishConfig returns the pipeline settings.
func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		Name:              c.Publish.Name,
		OnlyAtEnd:         c.Publish.OnlyAtEnd,
		DeleteAfterUpload: c.Publish.DeleteAfterUpload,
		DedupeFinalEpoch:  c.Publish.DedupeFinalEpoch,
		LocalDir:          c.Publish.LocalDir,
		Extension:         c.Publish.Extension,
		APIURL:            c.GitHub.APIURL,
		Timeout:           time.Duration(c.GitHub.TimeoutSeconds) * time.Second,
		Retry: retry.Policy{
			MaxRetries: c.Retry.MaxRetries,
			BaseDelay:  time.Duration(c.Retry.BaseDelayMillis) * time.Millisecond,
			MaxDelay:   time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond,
		},
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	out.GitHub.AccessToken = secrets.Redact(c.GitHub.AccessToken)
	return out
}

// YAML renders the redacted config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setBool(dst *bool, key string) error {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return &publish.ConfigurationError{Field: key, Err: fmt.Errorf("invalid boolean %q", val)}
	}
	*dst = parsed
	return nil
}
