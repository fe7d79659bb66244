package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/keepass-backup/internal/retry"
)

// Defaults shared with the CLI help text.
const (
	DefaultProvider    = "dropbox"
	DefaultFolder      = "/KeepassBackups"
	DefaultLogFile     = "keepass_backup.log"
	DefaultRedirectURI = "http://localhost:8080"
)

type Config struct {
	Provider string

	// Backup I/O
	BackupSource string
	BackupFolder string
	LogFile      string

	Dropbox DropboxConfig
	Azure   AzureConfig
	S3      S3Config
	Local   LocalConfig

	// Retry settings apply to OAuth token requests only; store calls are never retried.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type DropboxConfig struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
	AccessToken  string // short-lived token, used when no refresh token is set

	APIURL       string // default https://api.dropboxapi.com
	ContentURL   string // default https://content.dropboxapi.com
	AuthorizeURL string // default https://www.dropbox.com/oauth2/authorize
	RedirectURI  string

	Timeout time.Duration
}

type AzureConfig struct {
	Account   string
	Container string
	SASToken  string
	Endpoint  string

	ClientID     string
	ClientSecret string
	TenantID     string
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, S3-compatible servers (path-style)
	AccessKey string
	SecretKey string
}

type LocalConfig struct {
	Root string
}

// Load reads config from environment variables and applies defaults.
// Backend credentials are checked separately by Validate, so commands that do
// not talk to a store (auth, version) can run with partial settings.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	cfg := Config{
		Provider:     strings.ToLower(get("BACKUP_PROVIDER", DefaultProvider)),
		BackupSource: get("BACKUP_SOURCE", ""),
		BackupFolder: get("BACKUP_FOLDER", DefaultFolder),
		LogFile:      get("LOG_FILE", DefaultLogFile),

		Dropbox: DropboxConfig{
			AppKey:       get("DROPBOX_APP_KEY", ""),
			AppSecret:    get("DROPBOX_APP_SECRET", ""),
			RefreshToken: get("DROPBOX_REFRESH_TOKEN", ""),
			AccessToken:  get("DROPBOX_ACCESS_TOKEN", ""),
			APIURL:       get("DROPBOX_API_URL", "https://api.dropboxapi.com"),
			ContentURL:   get("DROPBOX_CONTENT_URL", "https://content.dropboxapi.com"),
			AuthorizeURL: get("DROPBOX_AUTHORIZE_URL", "https://www.dropbox.com/oauth2/authorize"),
			RedirectURI:  get("DROPBOX_REDIRECT_URI", DefaultRedirectURI),
			Timeout:      parseDur("DROPBOX_TIMEOUT", 2*time.Minute),
		},

		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			Endpoint:     get("AZURE_BLOB_ENDPOINT", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		S3: S3Config{
			Bucket:    get("S3_BUCKET", ""),
			Region:    get("S3_REGION", "us-east-1"),
			Endpoint:  get("S3_ENDPOINT", ""),
			AccessKey: get("S3_ACCESS_KEY", ""),
			SecretKey: get("S3_SECRET_KEY", ""),
		},

		Local: LocalConfig{
			Root: get("LOCAL_STORE_ROOT", ""),
		},

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	return cfg, nil
}

// Validate checks provider-specific requirements.
func (c *Config) Validate() error {
	switch c.Provider {
	case "dropbox":
		return c.Dropbox.validate()
	case "azure":
		if c.Azure.Account == "" || c.Azure.Container == "" {
			return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
		}
		// SAS, service principal, or whatever DefaultAzureCredential finds.
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("s3: S3_BUCKET is required")
		}
	case "local":
		if c.Local.Root == "" {
			return errors.New("local: LOCAL_STORE_ROOT is required")
		}
	default:
		return errors.New("unsupported provider: " + c.Provider)
	}
	return nil
}

// validate accepts either the refresh-token triple or a plain access token.
func (d DropboxConfig) validate() error {
	if d.RefreshToken != "" {
		if missing := d.MissingAppCredentials(); len(missing) > 0 {
			return fmt.Errorf("dropbox: refresh token found but missing %s", strings.Join(missing, ", "))
		}
		return nil
	}
	if d.AccessToken != "" {
		return nil
	}
	return errors.New("dropbox: credentials not found: set DROPBOX_APP_KEY, DROPBOX_APP_SECRET and DROPBOX_REFRESH_TOKEN " +
		"(run 'keepass-backup auth' to obtain a refresh token), or DROPBOX_ACCESS_TOKEN")
}

// MissingAppCredentials names the unset app key/secret variables.
func (d DropboxConfig) MissingAppCredentials() []string {
	var missing []string
	if d.AppKey == "" {
		missing = append(missing, "DROPBOX_APP_KEY")
	}
	if d.AppSecret == "" {
		missing = append(missing, "DROPBOX_APP_SECRET")
	}
	return missing
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}
