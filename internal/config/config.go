package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the transaction pipeline.
type Config struct {
	Listen  ListenConfig   `yaml:"listen"`
	Pool    PoolConfig     `yaml:"pool"`
	Servers []ServerConfig `yaml:"servers"`
}

// ListenConfig defines the front door the pipeline accepts client
// connections on, plus the management socket directory.
type ListenConfig struct {
	PostgresPort  int    `yaml:"postgres_port"`
	APIPort       int    `yaml:"api_port"`
	APIBind       string `yaml:"api_bind"`
	UnixSocketDir string `yaml:"unix_socket_dir"`
	TLSCert       string `yaml:"tls_cert"`
	TLSKey        string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolConfig sizes the fixed slot array shared across all backend servers.
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	BlockTimeout   time.Duration `yaml:"block_timeout"`
	ValidateOnIdle bool          `yaml:"validate_on_idle"`
}

// ServerConfig describes one backend in the failover list. Servers sharing a
// (username, database) pair form one list, in configuration order; the first
// is the primary, and the broker moves to the next one (wrapping around) when
// a write to the current backend fails with failover enabled.
type ServerConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	AuthMode string `yaml:"auth_mode"` // "cleartext", "md5", "scram-sha-256"
}

// Redacted returns a copy of the ServerConfig with the password masked.
func (s ServerConfig) Redacted() ServerConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.UnixSocketDir == "" {
		cfg.Listen.UnixSocketDir = "/tmp"
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 20
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 10 * time.Second
	}
	if cfg.Pool.BlockTimeout == 0 {
		cfg.Pool.BlockTimeout = cfg.Pool.AcquireTimeout
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].AuthMode == "" {
			cfg.Servers[i].AuthMode = "md5"
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}
	for i, srv := range cfg.Servers {
		if srv.Host == "" {
			return fmt.Errorf("server %d (%s): host is required", i, srv.Name)
		}
		if srv.Port == 0 {
			return fmt.Errorf("server %d (%s): port is required", i, srv.Name)
		}
		if srv.Database == "" {
			return fmt.Errorf("server %d (%s): database is required", i, srv.Name)
		}
		if srv.Username == "" {
			return fmt.Errorf("server %d (%s): username is required", i, srv.Name)
		}
		switch srv.AuthMode {
		case "", "cleartext", "md5", "scram-sha-256":
		default:
			return fmt.Errorf("server %d (%s): unsupported auth_mode %q", i, srv.Name, srv.AuthMode)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
