// Package config provides layered configuration loading for the mail
// gateway: defaults, then an optional YAML file, then an optional .env
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Sender     SenderConfig     `yaml:"sender"`
	DKIM       DKIMConfig       `yaml:"dkim"`
	Storage    StorageConfig    `yaml:"storage"`
	Mailbox    MailboxConfig    `yaml:"mailbox"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Logging    LoggingConfig    `yaml:"logging"`
	Provider   ProviderConfig   `yaml:"provider"`
}

// HTTPConfig holds the HTTP API listener configuration.
type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	APIKey   string `yaml:"api_key"`
	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SMTPConfig holds the outbound relay configuration.
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Mode               string        `yaml:"mode"`
	StartTLS           bool          `yaml:"starttls"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	// AllowInsecureAuth permits sending credentials on a connection that
	// is neither implicit TLS nor upgraded with STARTTLS.
	AllowInsecureAuth bool `yaml:"allow_insecure_auth"`
}

// SenderConfig holds the identity used on outbound messages.
type SenderConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// DKIMConfig holds optional DKIM signing configuration.
type DKIMConfig struct {
	Domain         string   `yaml:"domain"`
	Selector       string   `yaml:"selector"`
	PrivateKey     string   `yaml:"private_key"`
	PrivateKeyFile string   `yaml:"private_key_file"`
	Headers        []string `yaml:"headers"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Backend           string `yaml:"backend"`
	Endpoint          string `yaml:"endpoint"`
	Region            string `yaml:"region"`
	AccessKeyID       string `yaml:"access_key_id"`
	SecretAccessKey   string `yaml:"secret_access_key"`
	UsePathStyle      bool   `yaml:"use_path_style"`
	AttachmentsBucket string `yaml:"attachments_bucket"`
	ResultsBucket     string `yaml:"results_bucket"`
	ReceivedBucket    string `yaml:"received_bucket"`
}

// MailboxConfig holds the inbound mailbox source configuration.
type MailboxConfig struct {
	Type               string        `yaml:"type"`
	URL                string        `yaml:"url"`
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Folder             string        `yaml:"folder"`
	Timeout            time.Duration `yaml:"timeout"`
}

// ReceiverConfig holds the polling loop configuration.
type ReceiverConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Backoff  time.Duration `yaml:"backoff"`
}

// DispatcherConfig sizes the outbound worker pool.
type DispatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ProviderConfig selects the delivery backend.
type ProviderConfig struct {
	Name string    `yaml:"name"`
	SES  SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Load loads configuration from defaults, an optional .env file in the
// working directory and environment variables.
func Load() (*Config, error) {
	return load("", ".env")
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with the optional .env file and environment variables.
// Returns an error if the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	return load(path, ".env")
}

func load(path, dotenvPath string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	dotenv, err := readDotEnv(dotenvPath)
	if err != nil {
		return nil, err
	}

	// Real environment variables win over .env entries.
	if err := cfg.applyEnv(func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return dotenv[key]
	}); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readDotEnv returns the entries of the .env file, or nothing if it is absent.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}
	return values, nil
}

// Validate checks option values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.SMTP.Mode {
	case "plain", "tls":
	default:
		return fmt.Errorf("invalid smtp mode %q: want plain or tls", c.SMTP.Mode)
	}
	switch c.Storage.Backend {
	case "s3", "memory":
	default:
		return fmt.Errorf("invalid storage backend %q: want s3 or memory", c.Storage.Backend)
	}
	switch c.Mailbox.Type {
	case "", "maildev", "imap", "pop3":
	default:
		return fmt.Errorf("invalid mailbox type %q: want maildev, imap or pop3", c.Mailbox.Type)
	}
	switch c.Provider.Name {
	case "smtp", "ses", "stdout":
	default:
		return fmt.Errorf("invalid provider %q: want smtp, ses or stdout", c.Provider.Name)
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher workers must be positive, got %d", c.Dispatcher.Workers)
	}
	return nil
}

// AuthEnabled returns true if an API key protects the HTTP API.
func (c *Config) AuthEnabled() bool {
	return c.HTTP.APIKey != ""
}

// RelayAuthEnabled returns true if both relay username and password are set.
func (c *Config) RelayAuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.Provider.SES.Region != ""
}

// DKIMEnabled returns true if a domain, selector and key source are set.
func (c *Config) DKIMEnabled() bool {
	return c.DKIM.Domain != "" && c.DKIM.Selector != "" &&
		(c.DKIM.PrivateKey != "" || c.DKIM.PrivateKeyFile != "")
}

// MessageDomain returns the domain used for Message-ID generation.
func (c *Config) MessageDomain() string {
	if c.Sender.Domain != "" {
		return c.Sender.Domain
	}
	if at := strings.LastIndex(c.Sender.Address, "@"); at >= 0 {
		return c.Sender.Address[at+1:]
	}
	return "localhost"
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"

	c.SMTP.Host = "localhost"
	c.SMTP.Port = 1025
	c.SMTP.Mode = "plain"
	c.SMTP.Timeout = 30 * time.Second
	c.SMTP.AllowInsecureAuth = true

	c.Sender.Address = "gateway@localhost"

	c.Storage.Backend = "s3"
	c.Storage.Endpoint = "http://localhost:9000"
	c.Storage.Region = "us-east-1"
	c.Storage.UsePathStyle = true
	c.Storage.AttachmentsBucket = "attachments"
	c.Storage.ResultsBucket = "email-results"
	c.Storage.ReceivedBucket = "received-emails"

	c.Mailbox.Type = "maildev"
	c.Mailbox.URL = "http://localhost:1080"
	c.Mailbox.Folder = "INBOX"
	c.Mailbox.Timeout = 30 * time.Second

	c.Receiver.Enabled = true
	c.Receiver.Interval = 30 * time.Second
	c.Receiver.Backoff = 60 * time.Second

	c.Dispatcher.Workers = 8
	c.Dispatcher.QueueSize = 64

	c.Logging.Level = "info"
	c.Provider.Name = "smtp"
}

// applyEnv overrides configuration with values returned by getenv.
// Only non-empty values override existing values. Values that do not parse
// are reported together.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	invalid := func(key, v, want string) {
		errs = append(errs, fmt.Errorf("invalid %s %q: want %s", key, v, want))
	}

	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				invalid(key, v, "an integer")
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				invalid(key, v, "true or false")
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if secs, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(secs) * time.Second
			} else {
				invalid(key, v, "a duration such as 30s or a number of seconds")
			}
		}
	}

	setString("HTTP_LISTEN", &c.HTTP.Listen)
	setString("API_KEY", &c.HTTP.APIKey)
	setBool("HTTP_TLS", &c.HTTP.TLS)
	setString("TLS_CERT_FILE", &c.HTTP.CertFile)
	setString("TLS_KEY_FILE", &c.HTTP.KeyFile)

	setString("SMTP_HOST", &c.SMTP.Host)
	setInt("SMTP_PORT", &c.SMTP.Port)
	setString("SMTP_MODE", &c.SMTP.Mode)
	setBool("SMTP_STARTTLS", &c.SMTP.StartTLS)
	setString("SMTP_USERNAME", &c.SMTP.Username)
	setString("SMTP_PASSWORD", &c.SMTP.Password)
	setDuration("SMTP_TIMEOUT", &c.SMTP.Timeout)
	setBool("SMTP_INSECURE_SKIP_VERIFY", &c.SMTP.InsecureSkipVerify)
	setBool("SMTP_ALLOW_INSECURE_AUTH", &c.SMTP.AllowInsecureAuth)

	setString("SENDER_ADDRESS", &c.Sender.Address)
	setString("SENDER_DOMAIN", &c.Sender.Domain)

	setString("DKIM_DOMAIN", &c.DKIM.Domain)
	setString("DKIM_SELECTOR", &c.DKIM.Selector)
	setString("DKIM_PRIVATE_KEY", &c.DKIM.PrivateKey)
	setString("DKIM_PRIVATE_KEY_FILE", &c.DKIM.PrivateKeyFile)
	if v := getenv("DKIM_HEADERS"); v != "" {
		c.DKIM.Headers = splitList(v)
	}

	setString("STORAGE_BACKEND", &c.Storage.Backend)
	setString("STORAGE_ENDPOINT", &c.Storage.Endpoint)
	setString("STORAGE_REGION", &c.Storage.Region)
	setString("STORAGE_ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	setString("STORAGE_SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey)
	setBool("STORAGE_USE_PATH_STYLE", &c.Storage.UsePathStyle)
	setString("STORAGE_ATTACHMENTS_BUCKET", &c.Storage.AttachmentsBucket)
	setString("STORAGE_RESULTS_BUCKET", &c.Storage.ResultsBucket)
	setString("STORAGE_RECEIVED_BUCKET", &c.Storage.ReceivedBucket)

	setString("MAILBOX_TYPE", &c.Mailbox.Type)
	setString("MAILBOX_URL", &c.Mailbox.URL)
	setString("MAILBOX_HOST", &c.Mailbox.Host)
	setInt("MAILBOX_PORT", &c.Mailbox.Port)
	setString("MAILBOX_USERNAME", &c.Mailbox.Username)
	setString("MAILBOX_PASSWORD", &c.Mailbox.Password)
	setBool("MAILBOX_TLS", &c.Mailbox.TLS)
	setBool("MAILBOX_INSECURE_SKIP_VERIFY", &c.Mailbox.InsecureSkipVerify)
	setString("MAILBOX_FOLDER", &c.Mailbox.Folder)
	setDuration("MAILBOX_TIMEOUT", &c.Mailbox.Timeout)

	setBool("RECEIVER_ENABLED", &c.Receiver.Enabled)
	setDuration("RECEIVER_INTERVAL", &c.Receiver.Interval)
	setDuration("RECEIVER_BACKOFF", &c.Receiver.Backoff)

	setInt("DISPATCHER_WORKERS", &c.Dispatcher.Workers)
	setInt("DISPATCHER_QUEUE_SIZE", &c.Dispatcher.QueueSize)

	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v := getenv("PROVIDER"); v != "" {
		c.Provider.Name = strings.ToLower(v)
	}
	setString("SES_REGION", &c.Provider.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.Provider.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.Provider.SES.SecretAccessKey)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
