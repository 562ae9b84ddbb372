// Package config loads mixlock settings from a config file, environment
// variables, and defaults, in that order of increasing precedence for env
// over file. The file is mixlock.yaml, searched in the working copy's
// .mixlock directory and then in the user config directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Backend string

const (
	BackendRemote Backend = "remote"
	BackendFile   Backend = "file"
	BackendRedis  Backend = "redis"
)

type Config struct {
	Identity  string
	MachineID string

	Lock struct {
		Backend     Backend
		ServerURL   string
		SharedDir   string
		RedisAddr   string
		Timeout     time.Duration
		AutoRenew   bool
		RenewBefore time.Duration
	}

	Network struct {
		MaxRetries        int
		InitialBackoff    time.Duration
		MaxBackoff        time.Duration
		ConnectivityCheck time.Duration
	}

	Queue struct {
		Path         string
		MaxEntries   int
		CleanupAfter time.Duration
	}
}

func setDefaults(v *viper.Viper, workdir string) {
	v.SetDefault("lock.backend", "remote")
	v.SetDefault("lock.server_url", "http://localhost:8080")
	v.SetDefault("lock.shared_dir", "")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.timeout_hours", 8)
	v.SetDefault("lock.auto_renew", true)
	v.SetDefault("lock.renew_before_minutes", 30)

	v.SetDefault("network.max_retries", 5)
	v.SetDefault("network.initial_backoff_ms", 500)
	v.SetDefault("network.max_backoff_ms", 30000)
	v.SetDefault("network.connectivity_check_interval_s", 30)

	v.SetDefault("queue.path", filepath.Join(workdir, ".mixlock", "queue.db"))
	v.SetDefault("queue.max_entries", 1000)
	v.SetDefault("queue.cleanup_after_days", 7)
}

// Load reads configuration for the working copy at workdir.
func Load(workdir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("mixlock")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(workdir, ".mixlock"))
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "mixlock"))
	}
	v.SetEnvPrefix("MIXLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, workdir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	cfg.Identity = v.GetString("identity")
	if cfg.Identity == "" {
		cfg.Identity = defaultIdentity()
	}
	cfg.MachineID = v.GetString("machine_id")
	if cfg.MachineID == "" {
		id, err := stableMachineID(workdir)
		if err != nil {
			return nil, err
		}
		cfg.MachineID = id
	}

	cfg.Lock.Backend = Backend(v.GetString("lock.backend"))
	switch cfg.Lock.Backend {
	case BackendRemote, BackendFile, BackendRedis:
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
	cfg.Lock.ServerURL = v.GetString("lock.server_url")
	cfg.Lock.SharedDir = v.GetString("lock.shared_dir")
	cfg.Lock.RedisAddr = v.GetString("lock.redis_addr")
	cfg.Lock.Timeout = time.Duration(v.GetInt("lock.timeout_hours")) * time.Hour
	cfg.Lock.AutoRenew = v.GetBool("lock.auto_renew")
	cfg.Lock.RenewBefore = time.Duration(v.GetInt("lock.renew_before_minutes")) * time.Minute

	cfg.Network.MaxRetries = v.GetInt("network.max_retries")
	cfg.Network.InitialBackoff = time.Duration(v.GetInt("network.initial_backoff_ms")) * time.Millisecond
	cfg.Network.MaxBackoff = time.Duration(v.GetInt("network.max_backoff_ms")) * time.Millisecond
	cfg.Network.ConnectivityCheck = time.Duration(v.GetInt("network.connectivity_check_interval_s")) * time.Second

	cfg.Queue.Path = v.GetString("queue.path")
	cfg.Queue.MaxEntries = v.GetInt("queue.max_entries")
	cfg.Queue.CleanupAfter = time.Duration(v.GetInt("queue.cleanup_after_days")) * 24 * time.Hour

	if cfg.Lock.Timeout <= 0 {
		return nil, fmt.Errorf("lock.timeout_hours must be positive")
	}
	if cfg.Lock.Backend == BackendFile && cfg.Lock.SharedDir == "" {
		return nil, fmt.Errorf("lock.shared_dir required for the file backend")
	}

	return cfg, nil
}

func defaultIdentity() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name + "@" + host
}

// stableMachineID persists a generated id under the working copy so a
// machine keeps the same identity across runs.
func stableMachineID(workdir string) (string, error) {
	dir := filepath.Join(workdir, ".mixlock")
	p := filepath.Join(dir, "machine-id")
	if data, err := os.ReadFile(p); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(p, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
