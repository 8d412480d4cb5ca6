package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/syncbridge/internal/assetstore"
	"github.com/breeze-rmm/syncbridge/internal/mtls"
)

// AuthConfig configures the client-credentials token exchange. An empty
// TokenURL selects the static authenticator using ClientSecret as the token.
type AuthConfig struct {
	TokenURL     string `mapstructure:"token_url" yaml:"token_url,omitempty"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	ClientSecret string `mapstructure:"client_secret" yaml:"-"`
	Scope        string `mapstructure:"scope" yaml:"scope,omitempty"`
}

// InstallerConfig selects how a downloaded package is applied. With
// Command set the package is handed to that program; otherwise the running
// binary at BinaryPath is replaced and Service restarted.
type InstallerConfig struct {
	Command        string   `mapstructure:"command" yaml:"command,omitempty"`
	Args           []string `mapstructure:"args" yaml:"args,omitempty"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	BinaryPath     string   `mapstructure:"binary_path" yaml:"binary_path,omitempty"`
	Service        string   `mapstructure:"service" yaml:"service,omitempty"`
}

type Config struct {
	CurrentVersion      string `mapstructure:"current_version" yaml:"current_version"`
	UpdateChannel       string `mapstructure:"update_channel" yaml:"update_channel"`
	ManifestURLTemplate string `mapstructure:"manifest_url_template" yaml:"manifest_url_template"`

	Store     assetstore.Config `mapstructure:"store" yaml:"store"`
	Auth      AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Installer InstallerConfig   `mapstructure:"installer" yaml:"installer"`
	TLS       mtls.Files        `mapstructure:"tls" yaml:"tls,omitempty"`

	PluginDir       string `mapstructure:"plugin_dir" yaml:"plugin_dir"`
	PluginExtension string `mapstructure:"plugin_extension" yaml:"plugin_extension"`
	DownloadDir     string `mapstructure:"download_dir" yaml:"download_dir"`
	RegistryDB      string `mapstructure:"registry_db" yaml:"registry_db"`

	TickIntervalMs      int `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
	FetchDrainTimeoutMs int `mapstructure:"fetch_drain_timeout_ms" yaml:"fetch_drain_timeout_ms"`
	HTTPTimeoutSeconds  int `mapstructure:"http_timeout_seconds" yaml:"http_timeout_seconds"`
	// FetchJobTimeoutSeconds caps any single fetch job; 0 disables the cap.
	FetchJobTimeoutSeconds int `mapstructure:"fetch_job_timeout_seconds" yaml:"fetch_job_timeout_seconds"`
	// DownloadStallSeconds aborts a download whose body delivers nothing
	// for this long; 0 disables the check.
	DownloadStallSeconds int     `mapstructure:"download_stall_seconds" yaml:"download_stall_seconds"`
	HTTPMaxRetries       int     `mapstructure:"http_max_retries" yaml:"http_max_retries"`
	FetchWorkers         int     `mapstructure:"fetch_workers" yaml:"fetch_workers"`
	FetchQueueSize       int     `mapstructure:"fetch_queue_size" yaml:"fetch_queue_size"`
	ProgressRateHz       float64 `mapstructure:"progress_rate_hz" yaml:"progress_rate_hz"`
	CheckIntervalMinutes int     `mapstructure:"check_interval_minutes" yaml:"check_interval_minutes"`
	NotifyURL            string  `mapstructure:"notify_url" yaml:"notify_url,omitempty"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	AuditLog  string `mapstructure:"audit_log" yaml:"audit_log,omitempty"`
}

func Default() *Config {
	data := dataDir()
	return &Config{
		CurrentVersion:      "0.0.0.0",
		UpdateChannel:       "stable",
		ManifestURLTemplate: "https://updates.example.com/{channel}/{platform}/manifest.json",
		Store: assetstore.Config{
			Backend: assetstore.BackendHTTP,
			Folder:  "plugins",
		},
		Installer: InstallerConfig{
			TimeoutSeconds: 600,
		},
		PluginDir:              filepath.Join(data, "plugins"),
		PluginExtension:        ".plugin",
		DownloadDir:            filepath.Join(data, "downloads"),
		RegistryDB:             filepath.Join(data, "registry.db"),
		TickIntervalMs:         50,
		FetchDrainTimeoutMs:    2000,
		HTTPTimeoutSeconds:     30,
		FetchJobTimeoutSeconds: 3600,
		DownloadStallSeconds:   120,
		HTTPMaxRetries:         3,
		FetchWorkers:           4,
		FetchQueueSize:         16,
		ProgressRateHz:         10,
		CheckIntervalMinutes:   360,
		LogLevel:               "info",
		LogFormat:              "text",
		AuditLog:               filepath.Join(data, "audit.jsonl"),
	}
}

// Load reads cfgFile (or syncbridge.yaml from the config directory or the
// working directory) over the defaults. Environment variables prefixed
// SYNCBRIDGE_ override file values; nested keys use underscores, e.g.
// SYNCBRIDGE_STORE_BUCKET. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("syncbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper registers every key with its default so AutomaticEnv can bind
// nested keys that are absent from the file.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SYNCBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range settings(cfg) {
		v.SetDefault(key, val)
	}
	return v
}

func settings(cfg *Config) map[string]any {
	return map[string]any{
		"current_version":           cfg.CurrentVersion,
		"update_channel":            cfg.UpdateChannel,
		"manifest_url_template":     cfg.ManifestURLTemplate,
		"store.backend":             cfg.Store.Backend,
		"store.folder":              cfg.Store.Folder,
		"store.base_url":            cfg.Store.BaseURL,
		"store.bucket":              cfg.Store.Bucket,
		"store.region":              cfg.Store.Region,
		"store.endpoint":            cfg.Store.Endpoint,
		"store.access_key_id":       cfg.Store.AccessKeyID,
		"store.secret_access_key":   cfg.Store.SecretAccessKey,
		"store.session_token":       cfg.Store.SessionToken,
		"store.use_path_style":      cfg.Store.UsePathStyle,
		"store.credentials_file":    cfg.Store.CredentialsFile,
		"store.connection_string":   cfg.Store.ConnectionString,
		"store.service_url":         cfg.Store.ServiceURL,
		"store.container":           cfg.Store.Container,
		"store.root":                cfg.Store.Root,
		"auth.token_url":            cfg.Auth.TokenURL,
		"auth.client_id":            cfg.Auth.ClientID,
		"auth.client_secret":        cfg.Auth.ClientSecret,
		"auth.scope":                cfg.Auth.Scope,
		"installer.command":         cfg.Installer.Command,
		"installer.args":            cfg.Installer.Args,
		"installer.timeout_seconds": cfg.Installer.TimeoutSeconds,
		"installer.binary_path":     cfg.Installer.BinaryPath,
		"installer.service":         cfg.Installer.Service,
		"tls.client_cert_file":      cfg.TLS.CertFile,
		"tls.client_key_file":       cfg.TLS.KeyFile,
		"tls.ca_file":               cfg.TLS.CAFile,
		"plugin_dir":                cfg.PluginDir,
		"plugin_extension":          cfg.PluginExtension,
		"download_dir":              cfg.DownloadDir,
		"registry_db":               cfg.RegistryDB,
		"tick_interval_ms":          cfg.TickIntervalMs,
		"fetch_drain_timeout_ms":    cfg.FetchDrainTimeoutMs,
		"http_timeout_seconds":      cfg.HTTPTimeoutSeconds,
		"fetch_job_timeout_seconds": cfg.FetchJobTimeoutSeconds,
		"download_stall_seconds":    cfg.DownloadStallSeconds,
		"http_max_retries":          cfg.HTTPMaxRetries,
		"fetch_workers":             cfg.FetchWorkers,
		"fetch_queue_size":          cfg.FetchQueueSize,
		"progress_rate_hz":          cfg.ProgressRateHz,
		"check_interval_minutes":    cfg.CheckIntervalMinutes,
		"notify_url":                cfg.NotifyURL,
		"log_level":                 cfg.LogLevel,
		"log_format":                cfg.LogFormat,
		"log_file":                  cfg.LogFile,
		"audit_log":                 cfg.AuditLog,
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML. Secrets are included, so the file is
// restricted to the owner.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, val := range settings(cfg) {
		v.Set(key, val)
	}

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "syncbridge.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SyncBridge")
	case "darwin":
		return "/Library/Application Support/SyncBridge"
	default:
		return "/etc/syncbridge"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SyncBridge", "data")
	case "darwin":
		return "/Library/Application Support/SyncBridge/data"
	default:
		return "/var/lib/syncbridge"
	}
}
