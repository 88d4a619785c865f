// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"

	defaultModel          = "gpt-3.5-turbo"
	defaultRetryBase      = 150 * time.Second
	defaultArchiveMailbox = "Archive"
)

// Persona identifies the bot identity a process runs as.
type Persona struct {
	ID    string
	Name  string
	Email string
}

// OAuth holds the Google OAuth client and the token record name.
type OAuth struct {
	Service      string
	ClientID     string
	ClientSecret string
	TokenFile    string
}

// IMAP holds credentials for the IMAP/SMTP mail provider.
type IMAP struct {
	Addr           string
	SMTPAddr       string
	Username       string
	Password       string
	ArchiveMailbox string
}

// Completion configures the language-model client.
type Completion struct {
	APIKey    string
	OrgID     string
	BaseURL   string
	Model     string
	RetryBase time.Duration
}

// Log configures the logger.
type Log struct {
	Level  string
	Format string
}

// Config is the full process configuration. Fields a subcommand does not use
// may be empty; each subcommand validates what it needs.
type Config struct {
	Persona              Persona
	PersonaFile          string
	EmailPollingInterval time.Duration
	ReplyPollingInterval time.Duration
	DBPath               string
	MailProvider         string
	OAuth                OAuth
	IMAP                 IMAP
	Completion           Completion
	NATSURL              string
	Log                  Log
}

// LoadEnvFile loads variables from a dotenv file into the process environment.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("godotenv.Load failed: %w", err)
	}
	return nil
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.Getenv)
}

// Load reads the configuration using getenv. Only malformed values are
// rejected here; missing values are reported by the Validate methods.
func Load(getenv func(string) string) (*Config, error) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := &Config{
		Persona: Persona{
			ID:    get("PENPAL_ID"),
			Name:  get("PENPAL_NAME"),
			Email: get("PENPAL_EMAIL"),
		},
		PersonaFile:  get("PENPAL_PERSONA_FILE"),
		DBPath:       get("MAIL_DB_PATH"),
		MailProvider: strings.ToLower(get("MAIL_PROVIDER")),
		OAuth: OAuth{
			Service:      get("OAUTH_SERVICE"),
			ClientID:     get("OAUTH_GOOGLE_CLIENT_ID"),
			ClientSecret: get("OAUTH_GOOGLE_CLIENT_SECRET"),
			TokenFile:    get("OAUTH_TOKEN_FILE"),
		},
		IMAP: IMAP{
			Addr:           get("IMAP_ADDR"),
			SMTPAddr:       get("SMTP_ADDR"),
			Username:       get("MAIL_USERNAME"),
			Password:       getenv("MAIL_PASSWORD"),
			ArchiveMailbox: get("IMAP_ARCHIVE_MAILBOX"),
		},
		Completion: Completion{
			APIKey:  get("OPENAI_API_KEY"),
			OrgID:   get("OPENAI_ORG_ID"),
			BaseURL: get("OPENAI_BASE_URL"),
			Model:   get("COMPLETION_MODEL"),
		},
		NATSURL: get("NATS_URL"),
		Log: Log{
			Level:  get("LOG_LEVEL"),
			Format: get("LOG_FORMAT"),
		},
	}

	if cfg.MailProvider == "" {
		cfg.MailProvider = ProviderGmail
	}
	if cfg.MailProvider != ProviderGmail && cfg.MailProvider != ProviderIMAP {
		return nil, fmt.Errorf("MAIL_PROVIDER must be %q or %q, got %q", ProviderGmail, ProviderIMAP, cfg.MailProvider)
	}
	if cfg.IMAP.ArchiveMailbox == "" {
		cfg.IMAP.ArchiveMailbox = defaultArchiveMailbox
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = defaultModel
	}

	var err error
	if cfg.EmailPollingInterval, err = parseSeconds("EMAIL_POLLING_INTERVAL", get("EMAIL_POLLING_INTERVAL")); err != nil {
		return nil, err
	}
	if cfg.ReplyPollingInterval, err = parseSeconds("REPLY_POLLING_INTERVAL", get("REPLY_POLLING_INTERVAL")); err != nil {
		return nil, err
	}

	cfg.Completion.RetryBase = defaultRetryBase
	if raw := get("COMPLETION_RETRY_BASE"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("COMPLETION_RETRY_BASE: time.ParseDuration failed: %w", err)
		}
		cfg.Completion.RetryBase = d
	}

	return cfg, nil
}

func parseSeconds(name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: strconv.Atoi failed: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return time.Duration(n) * time.Second, nil
}

// ValidateMailer checks the settings used by the ingest/send process.
func (c *Config) ValidateMailer() error {
	errs := c.validateCommon()
	if c.Persona.Email == "" {
		errs = append(errs, missing("PENPAL_EMAIL"))
	} else if strings.Count(c.Persona.Email, "@") != 1 {
		errs = append(errs, fmt.Errorf("PENPAL_EMAIL %q is not an address", c.Persona.Email))
	}
	if c.EmailPollingInterval == 0 {
		errs = append(errs, missing("EMAIL_POLLING_INTERVAL"))
	}

	switch c.MailProvider {
	case ProviderGmail:
		errs = append(errs, c.validateOAuth()...)
	case ProviderIMAP:
		if c.IMAP.Addr == "" {
			errs = append(errs, missing("IMAP_ADDR"))
		}
		if c.IMAP.SMTPAddr == "" {
			errs = append(errs, missing("SMTP_ADDR"))
		}
		if c.IMAP.Username == "" {
			errs = append(errs, missing("MAIL_USERNAME"))
		}
		if c.IMAP.Password == "" {
			errs = append(errs, missing("MAIL_PASSWORD"))
		}
	}

	return errors.Join(errs...)
}

// ValidateResponder checks the settings used by the reply process.
func (c *Config) ValidateResponder() error {
	errs := c.validateCommon()
	if c.ReplyPollingInterval == 0 {
		errs = append(errs, missing("REPLY_POLLING_INTERVAL"))
	}
	if c.Completion.APIKey == "" {
		errs = append(errs, missing("OPENAI_API_KEY"))
	}
	return errors.Join(errs...)
}

// ValidateAuthorize checks the settings used by the OAuth consent flow.
func (c *Config) ValidateAuthorize() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, missing("MAIL_DB_PATH"))
	}
	errs = append(errs, c.validateOAuth()...)
	return errors.Join(errs...)
}

// ValidateInspect checks the settings used by the inspection server.
func (c *Config) ValidateInspect() error {
	return errors.Join(c.validateCommon()...)
}

func (c *Config) validateCommon() []error {
	var errs []error
	if c.Persona.ID == "" {
		errs = append(errs, missing("PENPAL_ID"))
	}
	if c.Persona.Name == "" {
		errs = append(errs, missing("PENPAL_NAME"))
	}
	if c.DBPath == "" {
		errs = append(errs, missing("MAIL_DB_PATH"))
	}
	return errs
}

func (c *Config) validateOAuth() []error {
	var errs []error
	if c.OAuth.Service == "" {
		errs = append(errs, missing("OAUTH_SERVICE"))
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		errs = append(errs, errors.New("env variables OAUTH_GOOGLE_CLIENT_ID and OAUTH_GOOGLE_CLIENT_SECRET must be set"))
	}
	return errs
}

func missing(name string) error {
	return fmt.Errorf("env variable %s must be set", name)
}

// PersonaFile overrides persona details from a YAML document.
type PersonaFile struct {
	Name      string   `yaml:"name"`
	Model     string   `yaml:"model"`
	Locations []string `yaml:"locations"`
}

// LoadPersonaFile reads a persona YAML file.
func LoadPersonaFile(path string) (*PersonaFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile failed: %w", err)
	}

	var pf PersonaFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal failed: %w", err)
	}
	for i, loc := range pf.Locations {
		if strings.TrimSpace(loc) == "" {
			return nil, fmt.Errorf("locations[%d] is empty", i)
		}
	}

	return &pf, nil
}
