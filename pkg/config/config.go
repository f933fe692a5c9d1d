package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. PROVISIONER_STORE_DRIVER.
const EnvPrefix = "PROVISIONER"

// AppConfig is the process configuration.
type AppConfig struct {
	DataDir     string            `mapstructure:"data_dir" validate:"required"`
	TemplateDir string            `mapstructure:"template_dir" validate:"required"`
	Store       StoreConfig       `mapstructure:"store"`
	Tool        ToolConfig        `mapstructure:"tool"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Naming      NamingConfig      `mapstructure:"naming"`
	Server      ServerConfig      `mapstructure:"server"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry"`
}

// StoreConfig selects the deployment record store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=file sqlite postgres"`
	// DSN is the sqlite path or postgres connection string. Defaults to
	// <data_dir>/provisioner.db for sqlite.
	DSN string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
}

// ToolConfig configures the terraform invocations.
type ToolConfig struct {
	Binary       string        `mapstructure:"binary" validate:"required"`
	GracePeriod  time.Duration `mapstructure:"grace_period" validate:"min=0"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"min=0"`
	Env          []string      `mapstructure:"env"`
}

// EngineConfig configures the state machine.
type EngineConfig struct {
	// MaxConcurrent bounds running workflows; 0 means unbounded.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=0"`
	TailLines     int `mapstructure:"tail_lines" validate:"min=1,max=1000"`
}

// CredentialsConfig selects the account resolver.
type CredentialsConfig struct {
	Mode             string        `mapstructure:"mode" validate:"oneof=azure-cli static"`
	Binary           string        `mapstructure:"binary"`
	SkipLoginCheck   bool          `mapstructure:"skip_login_check"`
	SubscriptionID   string        `mapstructure:"subscription_id"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout" validate:"min=0"`
	// Enrich fetches service keys after apply.
	Enrich bool `mapstructure:"enrich"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Dirs          []string `mapstructure:"dirs"`
	Watch         bool     `mapstructure:"watch"`
	AllowedModels []string `mapstructure:"allowed_models"`
}

// NamingConfig configures resource name generation.
type NamingConfig struct {
	// Script is an optional Starlark file adjusting generated names.
	Script  string        `mapstructure:"script"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SSEHeartbeat is the keep-alive comment interval on log streams.
	SSEHeartbeat time.Duration `mapstructure:"sse_heartbeat"`
	// AllowReveal permits ?reveal=true on the outputs endpoint.
	AllowReveal bool `mapstructure:"allow_reveal"`
}

// ArchiveConfig selects where backups are written.
type ArchiveConfig struct {
	Kind  string             `mapstructure:"kind" validate:"omitempty,oneof=local s3 sftp"`
	Local LocalArchiveConfig `mapstructure:"local"`
	S3    S3ArchiveConfig    `mapstructure:"s3"`
	SFTP  SFTPArchiveConfig  `mapstructure:"sftp"`
}

// LocalArchiveConfig writes archives to a directory.
type LocalArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

// S3ArchiveConfig writes archives to an S3 compatible bucket.
type S3ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// SFTPArchiveConfig writes archives over SFTP.
type SFTPArchiveConfig struct {
	Addr                  string `mapstructure:"addr"`
	User                  string `mapstructure:"user"`
	Password              string `mapstructure:"password"`
	KeyFile               string `mapstructure:"key_file"`
	KnownHostsFile        string `mapstructure:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
	Dir                   string `mapstructure:"dir"`
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	return &AppConfig{
		DataDir:     "./data",
		TemplateDir: "./terraform",
		Store:       StoreConfig{Driver: "file"},
		Tool: ToolConfig{
			Binary:       "terraform",
			GracePeriod:  10 * time.Second,
			DrainTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{TailLines: 20},
		Credentials: CredentialsConfig{
			Mode:             "azure-cli",
			Binary:           "az",
			ReadinessTimeout: 2 * time.Minute,
			Enrich:           true,
		},
		Naming: NamingConfig{Timeout: 5 * time.Second},
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
			SSEHeartbeat:    15 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads configuration from path (or provisioner.yaml in the usual
// locations when path is empty) and PROVISIONER_* environment variables.
// A missing default config file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("provisioner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".provisioner"))
		}
		v.AddConfigPath("/etc/provisioner")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key that may be overridden from the
// environment; viper only maps env variables onto known keys.
func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("template_dir", d.TemplateDir)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("tool.binary", d.Tool.Binary)
	v.SetDefault("tool.grace_period", d.Tool.GracePeriod)
	v.SetDefault("tool.drain_timeout", d.Tool.DrainTimeout)
	v.SetDefault("engine.max_concurrent", d.Engine.MaxConcurrent)
	v.SetDefault("engine.tail_lines", d.Engine.TailLines)
	v.SetDefault("credentials.mode", d.Credentials.Mode)
	v.SetDefault("credentials.binary", d.Credentials.Binary)
	v.SetDefault("credentials.skip_login_check", d.Credentials.SkipLoginCheck)
	v.SetDefault("credentials.subscription_id", d.Credentials.SubscriptionID)
	v.SetDefault("credentials.readiness_timeout", d.Credentials.ReadinessTimeout)
	v.SetDefault("credentials.enrich", d.Credentials.Enrich)
	v.SetDefault("naming.script", d.Naming.Script)
	v.SetDefault("naming.timeout", d.Naming.Timeout)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.sse_heartbeat", d.Server.SSEHeartbeat)
	v.SetDefault("server.allow_reveal", d.Server.AllowReveal)
	v.SetDefault("archive.kind", d.Archive.Kind)
	v.SetDefault("archive.local.dir", d.Archive.Local.Dir)
	v.SetDefault("archive.s3.bucket", d.Archive.S3.Bucket)
	v.SetDefault("archive.s3.region", d.Archive.S3.Region)
	v.SetDefault("archive.s3.endpoint", d.Archive.S3.Endpoint)
	v.SetDefault("archive.s3.access_key_id", d.Archive.S3.AccessKeyID)
	v.SetDefault("archive.s3.secret_access_key", d.Archive.S3.SecretAccessKey)
	v.SetDefault("archive.sftp.addr", d.Archive.SFTP.Addr)
	v.SetDefault("archive.sftp.user", d.Archive.SFTP.User)
	v.SetDefault("archive.sftp.password", d.Archive.SFTP.Password)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", d.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", d.Telemetry.Logging.Format)
	v.SetDefault("telemetry.tracing.enabled", d.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", d.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", d.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.metrics.enabled", d.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", d.Telemetry.Metrics.ListenAddress)
}

func (c *AppConfig) applyDerived() {
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.DataDir, "provisioner.db")
	}
	if (c.Archive.Kind == "" || c.Archive.Kind == "local") && c.Archive.Local.Dir == "" {
		c.Archive.Local.Dir = filepath.Join(c.DataDir, "backups")
	}
}

// Validate checks struct constraints and the telemetry section.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Archive.Kind {
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("invalid config: archive.s3.bucket is required")
		}
	case "sftp":
		if c.Archive.SFTP.Addr == "" || c.Archive.SFTP.User == "" {
			return fmt.Errorf("invalid config: archive.sftp.addr and archive.sftp.user are required")
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// StoreDir is where the file store keeps records.
func (c *AppConfig) StoreDir() string { return c.DataDir }

// WorkspacesDir holds one isolated workspace per deployment.
func (c *AppConfig) WorkspacesDir() string { return filepath.Join(c.DataDir, "workspaces") }

// LogsDir holds the durable deployment logs.
func (c *AppConfig) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// SharedDir is the single directory the tool runs in.
func (c *AppConfig) SharedDir() string { return filepath.Join(c.DataDir, "shared") }
