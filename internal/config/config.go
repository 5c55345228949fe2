package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDBFileName    = ".ctbackup.db"
	DefaultDataDirName   = ".ctbackup-data"
	DefaultRegistryName  = "registry"
	DefaultLogLevel      = "info"
	DefaultMetricsAddr   = "127.0.0.1:9477"
	DefaultPrimaryRegion = "us-east"

	DefaultRetentionDays       = 30
	DefaultMaxBlobBytes  int64 = 16 << 20
	DefaultParallelism         = 4
	DefaultMaxAttempts         = 5
	DefaultQueueSize           = 256
	DefaultReplicaWorkers      = 2

	configFileName           = ".ctbackup.toml"
	configDirEnvKey          = "CTBACKUP_CONFIG_DIR"
	trustProjectConfigEnvKey = "CTBACKUP_TRUST_PROJECT_CONFIG"
	dbPathEnvKey             = "CTBACKUP_DB"
	dataDirEnvKey            = "CTBACKUP_DATA_DIR"
	registryDirEnvKey        = "CTBACKUP_REGISTRY_DIR"
	metricsAddrEnvKey        = "CTBACKUP_METRICS_ADDR"
)

// DefaultReplicaRegions are the replicas used when none are configured.
var DefaultReplicaRegions = []string{"eu-west", "ap-south"}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// BackupConfig tunes capture, restore and retention.
type BackupConfig struct {
	RetentionDays     int      `toml:"retention_days"`
	MaxBlobBytes      int64    `toml:"max_blob_bytes"`
	Parallelism       int      `toml:"parallelism"`
	IncludeState      bool     `toml:"include_state"`
	CaptureTimeout    Duration `toml:"capture_timeout"`
	RestoreTimeout    Duration `toml:"restore_timeout"`
	VerifyTimeout     Duration `toml:"verify_timeout"`
	PreRestoreCapture bool     `toml:"pre_restore_capture"`
}

// ReplicationConfig names the storage regions and tunes copy retries.
type ReplicationConfig struct {
	PrimaryRegion string   `toml:"primary_region"`
	Regions       []string `toml:"regions"`
	MaxAttempts   int      `toml:"max_attempts"`
	InitialDelay  Duration `toml:"initial_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	QueueSize     int      `toml:"queue_size"`
	Workers       int      `toml:"workers"`
}

// ScheduleConfig sets the cadence of the background cycles.
type ScheduleConfig struct {
	CaptureInterval Duration `toml:"capture_interval"`
	VerifyInterval  Duration `toml:"verify_interval"`
	SweepInterval   Duration `toml:"sweep_interval"`
}

// Config defines runtime configuration for ctbackup.
type Config struct {
	DBPath                   string            `toml:"db_path"`
	DataDir                  string            `toml:"data_dir"`
	RegistryDir              string            `toml:"registry_dir"`
	LogLevel                 string            `toml:"log_level"`
	MetricsAddr              string            `toml:"metrics_addr"`
	Backup                   BackupConfig      `toml:"backup"`
	Replication              ReplicationConfig `toml:"replication"`
	Schedule                 ScheduleConfig    `toml:"schedule"`
	TrustedProjectConfigPath string            `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		LogLevel:    DefaultLogLevel,
		MetricsAddr: DefaultMetricsAddr,
		Backup: BackupConfig{
			RetentionDays:  DefaultRetentionDays,
			MaxBlobBytes:   DefaultMaxBlobBytes,
			Parallelism:    DefaultParallelism,
			CaptureTimeout: Duration{30 * time.Second},
			RestoreTimeout: Duration{60 * time.Second},
			VerifyTimeout:  Duration{30 * time.Second},
		},
		Replication: ReplicationConfig{
			PrimaryRegion: DefaultPrimaryRegion,
			Regions:       append([]string(nil), DefaultReplicaRegions...),
			MaxAttempts:   DefaultMaxAttempts,
			InitialDelay:  Duration{time.Second},
			MaxDelay:      Duration{time.Minute},
			QueueSize:     DefaultQueueSize,
			Workers:       DefaultReplicaWorkers,
		},
		Schedule: ScheduleConfig{
			CaptureInterval: Duration{24 * time.Hour},
			VerifyInterval:  Duration{24 * time.Hour},
			SweepInterval:   Duration{24 * time.Hour},
		},
	}
}

// RetentionWindow returns the configured retention as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}

// Validate checks settings that cannot be fixed by falling back to defaults.
func (c *Config) Validate() error {
	primary := strings.TrimSpace(c.Replication.PrimaryRegion)
	if err := validateRegionName(primary); err != nil {
		return fmt.Errorf("replication.primary_region: %w", err)
	}
	seen := map[string]struct{}{primary: {}}
	for _, region := range c.Replication.Regions {
		if err := validateRegionName(region); err != nil {
			return fmt.Errorf("replication.regions: %w", err)
		}
		if _, ok := seen[region]; ok {
			return fmt.Errorf("replication.regions: duplicate region %q", region)
		}
		seen[region] = struct{}{}
	}
	return nil
}

func validateRegionName(name string) error {
	if name == "" {
		return fmt.Errorf("region name is required")
	}
	if strings.ContainsAny(name, `/\ `) || name == "." || name == ".." {
		return fmt.Errorf("invalid region name %q", name)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"db_path",
	"data_dir",
	"registry_dir",
	"log_level",
	"metrics_addr",
	"backup.retention_days",
	"backup.max_blob_bytes",
	"backup.parallelism",
	"backup.include_state",
	"backup.capture_timeout",
	"backup.restore_timeout",
	"backup.verify_timeout",
	"backup.pre_restore_capture",
	"replication.primary_region",
	"replication.regions",
	"replication.max_attempts",
	"replication.initial_delay",
	"replication.max_delay",
	"replication.queue_size",
	"replication.workers",
	"schedule.capture_interval",
	"schedule.verify_interval",
	"schedule.sweep_interval",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "db_path":
		return c.DBPath, nil
	case "data_dir":
		return c.DataDir, nil
	case "registry_dir":
		return c.RegistryDir, nil
	case "log_level":
		return c.LogLevel, nil
	case "metrics_addr":
		return c.MetricsAddr, nil
	case "backup.retention_days":
		return strconv.Itoa(c.Backup.RetentionDays), nil
	case "backup.max_blob_bytes":
		return strconv.FormatInt(c.Backup.MaxBlobBytes, 10), nil
	case "backup.parallelism":
		return strconv.Itoa(c.Backup.Parallelism), nil
	case "backup.include_state":
		return strconv.FormatBool(c.Backup.IncludeState), nil
	case "backup.capture_timeout":
		return c.Backup.CaptureTimeout.String(), nil
	case "backup.restore_timeout":
		return c.Backup.RestoreTimeout.String(), nil
	case "backup.verify_timeout":
		return c.Backup.VerifyTimeout.String(), nil
	case "backup.pre_restore_capture":
		return strconv.FormatBool(c.Backup.PreRestoreCapture), nil
	case "replication.primary_region":
		return c.Replication.PrimaryRegion, nil
	case "replication.regions":
		return strings.Join(c.Replication.Regions, ","), nil
	case "replication.max_attempts":
		return strconv.Itoa(c.Replication.MaxAttempts), nil
	case "replication.initial_delay":
		return c.Replication.InitialDelay.String(), nil
	case "replication.max_delay":
		return c.Replication.MaxDelay.String(), nil
	case "replication.queue_size":
		return strconv.Itoa(c.Replication.QueueSize), nil
	case "replication.workers":
		return strconv.Itoa(c.Replication.Workers), nil
	case "schedule.capture_interval":
		return c.Schedule.CaptureInterval.String(), nil
	case "schedule.verify_interval":
		return c.Schedule.VerifyInterval.String(), nil
	case "schedule.sweep_interval":
		return c.Schedule.SweepInterval.String(), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if dbPath := os.Getenv(dbPathEnvKey); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if dataDir := os.Getenv(dataDirEnvKey); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if registryDir := os.Getenv(registryDirEnvKey); registryDir != "" {
		cfg.RegistryDir = registryDir
	}
	if addr := os.Getenv(metricsAddrEnvKey); addr != "" {
		cfg.MetricsAddr = addr
	}

	if cwd, err := os.Getwd(); err == nil {
		if cfg.DBPath == "" {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
		if cfg.DataDir == "" {
			cfg.DataDir = filepath.Join(cwd, DefaultDataDirName)
		}
		if cfg.RegistryDir == "" {
			cfg.RegistryDir = filepath.Join(cfg.DataDir, DefaultRegistryName)
		}
	}

	cfg.normalizeDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "backup.max_blob_bytes":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "backup.retention_days", "backup.parallelism",
		"replication.max_attempts", "replication.queue_size", "replication.workers":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "backup.include_state", "backup.pre_restore_capture":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "backup.capture_timeout", "backup.restore_timeout", "backup.verify_timeout",
		"replication.initial_delay", "replication.max_delay",
		"schedule.capture_interval", "schedule.verify_interval", "schedule.sweep_interval":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration such as 30s or 24h", key)
		}
		return parsed.String(), nil
	case "log_level":
		var level slog.Level
		normalized := value
		if strings.EqualFold(normalized, "warning") {
			normalized = "warn"
		}
		if err := level.UnmarshalText([]byte(normalized)); err != nil {
			return nil, fmt.Errorf("log_level must be one of debug, info, warn, error")
		}
		return strings.ToLower(normalized), nil
	case "replication.primary_region":
		if err := validateRegionName(value); err != nil {
			return nil, err
		}
		return value, nil
	case "replication.regions":
		regions := splitCSV(value)
		for _, region := range regions {
			if err := validateRegionName(region); err != nil {
				return nil, err
			}
		}
		return regions, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (c *Config) normalizeDefaults() {
	def := Default()
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Backup.RetentionDays <= 0 {
		c.Backup.RetentionDays = def.Backup.RetentionDays
	}
	if c.Backup.MaxBlobBytes <= 0 {
		c.Backup.MaxBlobBytes = def.Backup.MaxBlobBytes
	}
	if c.Backup.Parallelism <= 0 {
		c.Backup.Parallelism = def.Backup.Parallelism
	}
	defaultDuration(&c.Backup.CaptureTimeout, def.Backup.CaptureTimeout)
	defaultDuration(&c.Backup.RestoreTimeout, def.Backup.RestoreTimeout)
	defaultDuration(&c.Backup.VerifyTimeout, def.Backup.VerifyTimeout)

	c.Replication.PrimaryRegion = strings.TrimSpace(c.Replication.PrimaryRegion)
	if c.Replication.PrimaryRegion == "" {
		c.Replication.PrimaryRegion = def.Replication.PrimaryRegion
	}
	c.Replication.Regions = splitCSV(strings.Join(c.Replication.Regions, ","))
	if c.Replication.MaxAttempts <= 0 {
		c.Replication.MaxAttempts = def.Replication.MaxAttempts
	}
	defaultDuration(&c.Replication.InitialDelay, def.Replication.InitialDelay)
	defaultDuration(&c.Replication.MaxDelay, def.Replication.MaxDelay)
	if c.Replication.QueueSize <= 0 {
		c.Replication.QueueSize = def.Replication.QueueSize
	}
	if c.Replication.Workers <= 0 {
		c.Replication.Workers = def.Replication.Workers
	}

	defaultDuration(&c.Schedule.CaptureInterval, def.Schedule.CaptureInterval)
	defaultDuration(&c.Schedule.VerifyInterval, def.Schedule.VerifyInterval)
	defaultDuration(&c.Schedule.SweepInterval, def.Schedule.SweepInterval)
}

func defaultDuration(d *Duration, def Duration) {
	if d.Duration <= 0 {
		*d = def
	}
}
