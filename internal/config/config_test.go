package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		configDirEnvKey,
		trustProjectConfigEnvKey,
		dbPathEnvKey,
		dataDirEnvKey,
		registryDirEnvKey,
		metricsAddrEnvKey,
	} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DBPath != "" {
		t.Fatalf("expected empty db path, got %q", cfg.DBPath)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.RetentionWindow() != 30*24*time.Hour {
		t.Fatalf("expected 30 day retention, got %s", cfg.RetentionWindow())
	}
	if cfg.Replication.PrimaryRegion != DefaultPrimaryRegion {
		t.Fatalf("expected primary %q, got %q", DefaultPrimaryRegion, cfg.Replication.PrimaryRegion)
	}
	if !reflect.DeepEqual(cfg.Replication.Regions, DefaultReplicaRegions) {
		t.Fatalf("expected replicas %v, got %v", DefaultReplicaRegions, cfg.Replication.Regions)
	}
	if cfg.Schedule.CaptureInterval.Duration != 24*time.Hour {
		t.Fatalf("expected daily captures, got %s", cfg.Schedule.CaptureInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFileName)
	if err := os.WriteFile(path, []byte(`db_path = "/srv/catalog.db"
log_level = "warn"

[backup]
retention_days = 7
restore_timeout = "2m"

[replication]
primary_region = "eu-central"
regions = ["us-west"]
initial_delay = "250ms"

[schedule]
verify_interval = "6h"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/srv/catalog.db" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.Backup.RetentionDays != 7 || cfg.Backup.RestoreTimeout.Duration != 2*time.Minute {
		t.Fatalf("unexpected backup section: %+v", cfg.Backup)
	}
	if cfg.Backup.CaptureTimeout.Duration != 30*time.Second {
		t.Fatalf("expected unset keys to keep defaults, got %s", cfg.Backup.CaptureTimeout)
	}
	if cfg.Replication.PrimaryRegion != "eu-central" || !reflect.DeepEqual(cfg.Replication.Regions, []string{"us-west"}) {
		t.Fatalf("unexpected regions: %+v", cfg.Replication)
	}
	if cfg.Replication.InitialDelay.Duration != 250*time.Millisecond {
		t.Fatalf("expected 250ms initial delay, got %s", cfg.Replication.InitialDelay)
	}
	if cfg.Schedule.VerifyInterval.Duration != 6*time.Hour {
		t.Fatalf("expected 6h verify interval, got %s", cfg.Schedule.VerifyInterval)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFileName)
	if err := os.WriteFile(path, []byte("[backup]\ncapture_timeout = \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := Default()
	if err := loadFile(path, &cfg); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	if err := loadFile("/nonexistent/path/.ctbackup.toml", &cfg); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Backup.RetentionDays != DefaultRetentionDays {
		t.Fatalf("defaults should be preserved")
	}
}

func TestIsAllowedKey(t *testing.T) {
	for _, key := range []string{
		"db_path",
		"data_dir",
		"registry_dir",
		"log_level",
		"metrics_addr",
		"backup.retention_days",
		"backup.pre_restore_capture",
		"replication.regions",
		"schedule.sweep_interval",
	} {
		if !IsAllowedKey(key) {
			t.Fatalf("expected %q to be allowed", key)
		}
	}
	if IsAllowedKey("invalid") {
		t.Fatal("expected 'invalid' to not be allowed")
	}
}

func TestGetKeyCoversAllowedKeys(t *testing.T) {
	cfg := Default()
	for _, key := range AllowedKeys() {
		if _, err := cfg.Get(key); err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
	}
	if _, err := cfg.Get("invalid"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestGetKey(t *testing.T) {
	cfg := Default()
	cfg.DBPath = "/tmp/test.db"
	cfg.Backup.MaxBlobBytes = 1024
	cfg.Backup.PreRestoreCapture = true
	cfg.Replication.Regions = []string{"eu-west", "ap-south"}

	tests := map[string]string{
		"db_path":                    "/tmp/test.db",
		"backup.max_blob_bytes":      "1024",
		"backup.pre_restore_capture": "true",
		"backup.restore_timeout":     "1m0s",
		"replication.regions":        "eu-west,ap-south",
		"schedule.sweep_interval":    "24h0m0s",
	}
	for key, want := range tests {
		got, err := cfg.Get(key)
		if err != nil || got != want {
			t.Fatalf("%s: expected %q, got %q (err: %v)", key, want, got, err)
		}
	}
}

func TestSetKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.toml")
	if err := SetKey(path, "db_path", "/data/ct.db"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/data/ct.db" {
		t.Fatalf("expected '/data/ct.db', got %q", cfg.DBPath)
	}
}

func TestSetKeyUpdatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.toml")
	if err := os.WriteFile(path, []byte("db_path = \"/old.db\"\nmetrics_addr = \"127.0.0.1:1\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := SetKey(path, "db_path", "/new.db"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/new.db" {
		t.Fatalf("expected '/new.db', got %q", cfg.DBPath)
	}
	if cfg.MetricsAddr != "127.0.0.1:1" {
		t.Fatalf("expected preserved metrics_addr, got %q", cfg.MetricsAddr)
	}
}

func TestSetNestedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested.toml")
	for key, value := range map[string]string{
		"backup.retention_days":      "14",
		"backup.include_state":       "true",
		"replication.regions":        "eu-west, sa-east",
		"replication.max_delay":      "90s",
		"schedule.capture_interval":  "12h",
		"replication.primary_region": "us-west",
	} {
		if err := SetKey(path, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backup.RetentionDays != 14 || !cfg.Backup.IncludeState {
		t.Fatalf("unexpected backup section: %+v", cfg.Backup)
	}
	if !reflect.DeepEqual(cfg.Replication.Regions, []string{"eu-west", "sa-east"}) {
		t.Fatalf("unexpected regions: %v", cfg.Replication.Regions)
	}
	if cfg.Replication.MaxDelay.Duration != 90*time.Second || cfg.Replication.PrimaryRegion != "us-west" {
		t.Fatalf("unexpected replication section: %+v", cfg.Replication)
	}
	if cfg.Schedule.CaptureInterval.Duration != 12*time.Hour {
		t.Fatalf("expected 12h capture interval, got %s", cfg.Schedule.CaptureInterval)
	}
}

func TestSetKeyValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.toml")
	tests := []struct {
		key   string
		value string
	}{
		{"invalid_key", "value"},
		{"backup.retention_days", "0"},
		{"backup.max_blob_bytes", "lots"},
		{"backup.include_state", "maybe"},
		{"backup.restore_timeout", "-1s"},
		{"schedule.sweep_interval", "daily"},
		{"log_level", "loud"},
		{"replication.regions", "eu-west,../etc"},
	}
	for _, tc := range tests {
		if err := SetKey(path, tc.key, tc.value); err == nil {
			t.Fatalf("expected %s=%q to be rejected", tc.key, tc.value)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("rejected values should not create the file")
	}
}

func TestValidateRejectsDuplicateRegions(t *testing.T) {
	cfg := Default()
	cfg.Replication.Regions = []string{"eu-west", DefaultPrimaryRegion}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate region error, got %v", err)
	}
}

func TestConfigDirOverridePaths(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(configDirEnvKey, dir)

	globalPath, err := GlobalPath()
	if err != nil {
		t.Fatalf("global path: %v", err)
	}
	if globalPath != filepath.Join(dir, configFileName) {
		t.Fatalf("unexpected global path: %s", globalPath)
	}

	projectPath, err := ProjectPath()
	if err != nil {
		t.Fatalf("project path: %v", err)
	}
	if projectPath != filepath.Join(dir, configFileName) {
		t.Fatalf("unexpected project path: %s", projectPath)
	}
}

func TestLoadConfigDirOverride(t *testing.T) {
	clearEnv(t)
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, configFileName), []byte("metrics_addr = \"127.0.0.1:9001\"\n"), 0o644); err != nil {
		t.Fatalf("write override config: %v", err)
	}
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, configFileName), []byte("metrics_addr = \"127.0.0.1:9002\"\n"), 0o644); err != nil {
		t.Fatalf("write workspace config: %v", err)
	}
	chdir(t, workspace)
	t.Setenv(configDirEnvKey, configDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != "127.0.0.1:9001" {
		t.Fatalf("expected config-dir metrics_addr, got %q", cfg.MetricsAddr)
	}
	// Resolve symlinked temp dirs the same way os.Getwd does.
	wd, _ := os.Getwd()
	if cfg.DBPath != filepath.Join(wd, DefaultDBFileName) {
		t.Fatalf("expected default workspace db path, got %q", cfg.DBPath)
	}
	if cfg.DataDir != filepath.Join(wd, DefaultDataDirName) {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if cfg.RegistryDir != filepath.Join(cfg.DataDir, DefaultRegistryName) {
		t.Fatalf("expected registry under data dir, got %q", cfg.RegistryDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv(dbPathEnvKey, "/tmp/override.db")
	t.Setenv(dataDirEnvKey, "/tmp/data")
	t.Setenv(metricsAddrEnvKey, ":9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Fatalf("expected env override for DB path, got %q", cfg.DBPath)
	}
	if cfg.DataDir != "/tmp/data" || cfg.RegistryDir != filepath.Join("/tmp/data", DefaultRegistryName) {
		t.Fatalf("expected env data dir, got %q / %q", cfg.DataDir, cfg.RegistryDir)
	}
	if cfg.MetricsAddr != ":9999" {
		t.Fatalf("expected env metrics addr, got %q", cfg.MetricsAddr)
	}
}

func TestLoadFallsBackToDefaultsWhenConfiguredEmpty(t *testing.T) {
	clearEnv(t)
	homeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(homeDir, configFileName), []byte("log_level = \"\"\n[backup]\nretention_days = 0\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	chdir(t, t.TempDir())
	t.Setenv("HOME", homeDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.Backup.RetentionDays != DefaultRetentionDays {
		t.Fatalf("expected default retention, got %d", cfg.Backup.RetentionDays)
	}
}

func TestLoadRejectsInvalidRegions(t *testing.T) {
	clearEnv(t)
	homeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(homeDir, configFileName), []byte("[replication]\nregions = [\"us-east\"]\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	chdir(t, t.TempDir())
	t.Setenv("HOME", homeDir)

	if _, err := Load(); err == nil {
		t.Fatal("expected replica equal to primary to be rejected")
	}
}

func TestLoadIgnoresProjectConfigByDefault(t *testing.T) {
	clearEnv(t)
	homeDir := t.TempDir()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(homeDir, configFileName), []byte("metrics_addr = \"home:1\"\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, configFileName), []byte("metrics_addr = \"project:2\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}
	chdir(t, workspace)
	t.Setenv("HOME", homeDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != "home:1" {
		t.Fatalf("expected global metrics_addr, got %q", cfg.MetricsAddr)
	}
	if cfg.TrustedProjectConfigPath != "" {
		t.Fatalf("expected no trusted project config path, got %q", cfg.TrustedProjectConfigPath)
	}
}

func TestLoadAppliesProjectConfigWhenTrusted(t *testing.T) {
	clearEnv(t)
	homeDir := t.TempDir()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(homeDir, configFileName), []byte("metrics_addr = \"home:1\"\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, configFileName), []byte("metrics_addr = \"project:2\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}
	chdir(t, workspace)
	t.Setenv("HOME", homeDir)
	t.Setenv(trustProjectConfigEnvKey, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != "project:2" {
		t.Fatalf("expected project metrics_addr, got %q", cfg.MetricsAddr)
	}
	wd, _ := os.Getwd()
	if cfg.TrustedProjectConfigPath != filepath.Join(wd, configFileName) {
		t.Fatalf("unexpected trusted project config path %q", cfg.TrustedProjectConfigPath)
	}
}

func TestLoadDoesNotTrustProjectConfigOnInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	homeDir := t.TempDir()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, configFileName), []byte("metrics_addr = \"project:2\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}
	chdir(t, workspace)
	t.Setenv("HOME", homeDir)
	t.Setenv(trustProjectConfigEnvKey, "definitely-not-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsAddr != DefaultMetricsAddr {
		t.Fatalf("expected default metrics_addr, got %q", cfg.MetricsAddr)
	}
}
