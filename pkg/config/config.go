package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/sagenet/pkg/backup"
	"github.com/cuemby/sagenet/pkg/hello"
	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/notify"
	"github.com/cuemby/sagenet/pkg/restore"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SAGENET_BACKUP_MAX_AGE
const EnvPrefix = "SAGENET"

// FileKey is the setting naming an optional YAML config file
const FileKey = "config"

// Config is the effective node configuration
type Config struct {
	HomeDir    string `mapstructure:"home_dir"`
	DataDir    string `mapstructure:"data_dir"`
	ContentDir string `mapstructure:"content_dir"`

	Log          LogConfig            `mapstructure:"log"`
	Admin        AdminConfig          `mapstructure:"admin"`
	Health       HealthConfig         `mapstructure:"health"`
	Notify       NotifyConfig         `mapstructure:"notify"`
	Identity     IdentityConfig       `mapstructure:"identity"`
	Hello        hello.Config         `mapstructure:"hello"`
	Backup       BackupConfig         `mapstructure:"backup"`
	Cleaner      backup.CleanerConfig `mapstructure:"cleaner"`
	Restore      restore.Config       `mapstructure:"restore"`
	Coordination CoordinationConfig   `mapstructure:"coordination"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// AdminConfig sets up the gRPC endpoint notifications arrive on
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
	// Port is assumed for peers that do not advertise one.
	Port int `mapstructure:"port"`
	// MaxMessageSize is a byte size such as "16MiB".
	MaxMessageSize string `mapstructure:"max_message_size"`
}

// MessageLimit parses MaxMessageSize.
func (a AdminConfig) MessageLimit() (int, error) {
	n, err := humanize.ParseBytes(a.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("admin.max_message_size: %w", err)
	}
	if n == 0 || n > 1<<31-1 {
		return 0, fmt.Errorf("admin.max_message_size: %s out of range", a.MaxMessageSize)
	}
	return int(n), nil
}

type HealthConfig struct {
	Listen string `mapstructure:"listen"`
	// KeyPort is where sages serve their public key.
	KeyPort int `mapstructure:"key_port"`

	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	// Retries consecutive failures mark a component unhealthy.
	Retries int `mapstructure:"retries"`
}

type NotifyConfig struct {
	SyncTimeout     time.Duration `mapstructure:"sync_timeout"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

type IdentityConfig struct {
	MinSageKeyTTL  time.Duration `mapstructure:"min_sage_key_ttl"`
	SelfKeyTTL     time.Duration `mapstructure:"self_key_ttl"`
	KeyRenewWindow time.Duration `mapstructure:"key_renew_window"`
}

// BackupConfig adds the storage target to the orchestrator settings
type BackupConfig struct {
	backup.Config `mapstructure:",squash"`

	Storage   types.StorageConfig `mapstructure:"storage"`
	AccessKey string              `mapstructure:"access_key"`
	SecretKey string              `mapstructure:"secret_key"`
}

// Credentials returns the storage credentials.
func (b BackupConfig) Credentials() types.StorageCredentials {
	return types.StorageCredentials{AccessKey: b.AccessKey, SecretKey: b.SecretKey}
}

type CoordinationConfig struct {
	// SweepInterval is how often expired coordination keys are removed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// CollectInterval is how often store gauges are refreshed.
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	home := "/var/lib/sagenet"
	if dir, err := os.UserHomeDir(); err == nil && os.Geteuid() != 0 {
		home = filepath.Join(dir, ".sagenet")
	}
	id := identity.DefaultConfig(home)
	nc := notify.DefaultConfig()
	return Config{
		HomeDir:    home,
		DataDir:    filepath.Join(home, "data"),
		ContentDir: filepath.Join(home, "content"),
		Log:        LogConfig{Level: string(log.InfoLevel)},
		Admin:      AdminConfig{Listen: "0.0.0.0:1202", Port: 1202, MaxMessageSize: "16MiB"},
		Health: HealthConfig{
			Listen:        "0.0.0.0:9090",
			KeyPort:       9090,
			CheckInterval: 30 * time.Second,
			CheckTimeout:  10 * time.Second,
			Retries:       3,
		},
		Notify:     NotifyConfig{SyncTimeout: nc.SyncTimeout, DeliveryTimeout: nc.DeliveryTimeout},
		Identity: IdentityConfig{
			MinSageKeyTTL:  id.MinSageKeyTTL,
			SelfKeyTTL:     id.SelfKeyTTL,
			KeyRenewWindow: id.KeyRenewWindow,
		},
		Hello: hello.DefaultConfig(),
		Backup: BackupConfig{
			Config:  backup.DefaultConfig(),
			Storage: types.StorageConfig{Driver: types.StorageDriverLocal, BaseDir: filepath.Join(home, "backups")},
		},
		Cleaner:      backup.DefaultCleanerConfig(),
		Restore:      restore.DefaultConfig(),
		Coordination: CoordinationConfig{SweepInterval: 5 * time.Minute, CollectInterval: time.Minute},
	}
}

// flagKeys maps command line flags onto settings.
var flagKeys = map[string]string{
	"config":        FileKey,
	"home":          "home_dir",
	"data-dir":      "data_dir",
	"log-level":     "log.level",
	"log-json":      "log.json",
	"admin-listen":  "admin.listen",
	"health-listen": "health.listen",
}

// AddFlags declares the flags BindFlags understands on fs.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "YAML config file")
	fs.String("home", d.HomeDir, "Node home directory")
	fs.String("data-dir", d.DataDir, "Directory holding the object and coordination stores")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.Bool("log-json", d.Log.JSON, "Emit JSON logs")
	fs.String("admin-listen", d.Admin.Listen, "Admin gRPC listen address")
	fs.String("health-listen", d.Health.Listen, "Health and metrics HTTP listen address")
}

// New returns a viper instance holding the defaults and reading
// SAGENET_ environment overrides.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range settings(Default()) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag of fs that AddFlags declared.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file and decodes the effective
// configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	if path := strings.TrimSpace(v.GetString(FileKey)); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Backup.ConfigFile = cfg.File
	cfg.Backup.ContentDir = cfg.ContentDir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the daemons cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HomeDir == "" {
		errs = append(errs, errors.New("home_dir is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, err := c.Admin.MessageLimit(); err != nil {
		errs = append(errs, err)
	}
	if c.Cleaner.MaxBackups < 1 {
		errs = append(errs, fmt.Errorf("cleaner.max_backups must be positive, got %d", c.Cleaner.MaxBackups))
	}
	if c.Hello.Fanout < 1 {
		errs = append(errs, fmt.Errorf("hello.fanout must be positive, got %d", c.Hello.Fanout))
	}
	switch c.Backup.Storage.Driver {
	case types.StorageDriverLocal, types.StorageDriverS3:
	default:
		errs = append(errs, fmt.Errorf("backup.storage.driver %q unknown", c.Backup.Storage.Driver))
	}
	if c.Backup.LockTimeout <= c.Backup.DeadlockTimeout {
		errs = append(errs, errors.New("backup.lock_timeout must exceed backup.deadlock_timeout"))
	}
	return errors.Join(errs...)
}

// LogSettings converts the log settings for log.Init.
func (c *Config) LogSettings(w io.Writer) log.Config {
	return log.Config{Level: log.ParseLevel(c.Log.Level), JSONOutput: c.Log.JSON, Output: w}
}

// IdentitySettings returns the identity service settings.
func (c *Config) IdentitySettings() identity.Config {
	return identity.Config{
		HomeDir:        c.HomeDir,
		MinSageKeyTTL:  c.Identity.MinSageKeyTTL,
		SelfKeyTTL:     c.Identity.SelfKeyTTL,
		KeyRenewWindow: c.Identity.KeyRenewWindow,
	}
}

// NotifySettings returns the transport settings.
func (c *Config) NotifySettings() notify.Config {
	nc := notify.DefaultConfig()
	nc.SyncTimeout = c.Notify.SyncTimeout
	nc.DeliveryTimeout = c.Notify.DeliveryTimeout
	return nc
}

// RestoreTargets says where a staged restore is installed.
func (c *Config) RestoreTargets() restore.Targets {
	return restore.Targets{
		HomeDir:    c.HomeDir,
		DBFile:     filepath.Join(c.DataDir, "sagenet.db"),
		ConfigFile: c.File,
		ContentDir: c.ContentDir,
	}
}

// Show writes the effective settings of v as YAML. Secrets are masked.
func Show(v *viper.Viper, w io.Writer) error {
	all := v.AllSettings()
	redact(all)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(all); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func redact(m map[string]any) {
	for k, val := range m {
		switch val := val.(type) {
		case map[string]any:
			redact(val)
		default:
			if strings.Contains(k, "secret") && fmt.Sprint(val) != "" {
				m[k] = "********"
			}
		}
	}
}

// settings flattens cfg into dotted viper keys. Durations are kept as
// strings so Show prints them the way they are written.
func settings(cfg Config) map[string]any {
	out := map[string]any{
		"home_dir":    cfg.HomeDir,
		"data_dir":    cfg.DataDir,
		"content_dir": cfg.ContentDir,
		FileKey:       "",

		"log.level": cfg.Log.Level,
		"log.json":  cfg.Log.JSON,

		"admin.listen":           cfg.Admin.Listen,
		"admin.port":             cfg.Admin.Port,
		"admin.max_message_size": cfg.Admin.MaxMessageSize,

		"health.listen":         cfg.Health.Listen,
		"health.key_port":       cfg.Health.KeyPort,
		"health.check_interval": cfg.Health.CheckInterval,
		"health.check_timeout":  cfg.Health.CheckTimeout,
		"health.retries":        cfg.Health.Retries,

		"notify.sync_timeout":     cfg.Notify.SyncTimeout,
		"notify.delivery_timeout": cfg.Notify.DeliveryTimeout,

		"identity.min_sage_key_ttl": cfg.Identity.MinSageKeyTTL,
		"identity.self_key_ttl":     cfg.Identity.SelfKeyTTL,
		"identity.key_renew_window": cfg.Identity.KeyRenewWindow,

		"hello.startup_delay": cfg.Hello.StartupDelay,
		"hello.interval":      cfg.Hello.Interval,
		"hello.jitter":        cfg.Hello.Jitter,
		"hello.fanout":        cfg.Hello.Fanout,

		"backup.enabled":          cfg.Backup.Enabled,
		"backup.max_age":          cfg.Backup.MaxAge,
		"backup.startup_delay":    cfg.Backup.StartupDelay,
		"backup.interval":         cfg.Backup.Interval,
		"backup.jitter":           cfg.Backup.Jitter,
		"backup.lock_timeout":     cfg.Backup.LockTimeout,
		"backup.deadlock_timeout": cfg.Backup.DeadlockTimeout,
		"backup.storage.driver":   string(cfg.Backup.Storage.Driver),
		"backup.storage.endpoint": cfg.Backup.Storage.Endpoint,
		"backup.storage.bucket":   cfg.Backup.Storage.Bucket,
		"backup.storage.region":   cfg.Backup.Storage.Region,
		"backup.storage.prefix":   cfg.Backup.Storage.Prefix,
		"backup.storage.insecure": cfg.Backup.Storage.Insecure,
		"backup.storage.base_dir": cfg.Backup.Storage.BaseDir,
		"backup.access_key":       cfg.Backup.AccessKey,
		"backup.secret_key":       cfg.Backup.SecretKey,

		"cleaner.startup_delay":     cfg.Cleaner.StartupDelay,
		"cleaner.interval":          cfg.Cleaner.Interval,
		"cleaner.max_backups":       cfg.Cleaner.MaxBackups,
		"cleaner.min_stuck_age":     cfg.Cleaner.MinStuckAge,
		"cleaner.clean_now_timeout": cfg.Cleaner.CleanNowTimeout,

		"restore.window":           cfg.Restore.Window,
		"restore.lock_timeout":     cfg.Restore.LockTimeout,
		"restore.deadlock_timeout": cfg.Restore.DeadlockTimeout,

		"coordination.sweep_interval":   cfg.Coordination.SweepInterval,
		"coordination.collect_interval": cfg.Coordination.CollectInterval,
	}
	for k, val := range out {
		if d, ok := val.(time.Duration); ok {
			out[k] = d.String()
		}
	}
	return out
}
