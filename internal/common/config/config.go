// Package config provides configuration management for the execution plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the execution plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Transport TransportConfig `mapstructure:"transport"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the connection settings for the StateStore.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"poolSize"`
	DialTimeout  int    `mapstructure:"dialTimeout"`  // in seconds
	MaxRetries   int    `mapstructure:"maxRetries"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for the ContainerExecutor.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	// PortRangeStart/End bound the host ports handed out to worker containers.
	PortRangeStart int `mapstructure:"portRangeStart"`
	PortRangeEnd   int `mapstructure:"portRangeEnd"`
	// NetworkHostMode, when true, runs containers with --network host instead
	// of publishing a port mapping.
	NetworkHostMode bool `mapstructure:"networkHostMode"`
	// RemoveOnCrash controls whether a container is removed after a detected
	// heartbeat-timeout crash (kept around otherwise for debugging).
	RemoveOnCrash bool `mapstructure:"removeOnCrash"`
}

// QueueConfig holds TaskQueue pool and backpressure settings.
type QueueConfig struct {
	OnlinePool        string `mapstructure:"onlinePool"`
	OfflinePool       string `mapstructure:"offlinePool"`
	BlockTimeout      int    `mapstructure:"blockTimeout"` // BRPOP timeout in seconds
	MaxConcurrent     int    `mapstructure:"maxConcurrent"`
	MaxRetries        int    `mapstructure:"maxRetries"`
	BackpressureSleep int    `mapstructure:"backpressureSleepMs"`
	// OfflineWindowStart/End are "HH:MM" in local time; the offline consumer
	// only drains its queue inside this window (wrapping across midnight is
	// supported: start > end means the window spans midnight).
	OfflineWindowStart string `mapstructure:"offlineWindowStart"`
	OfflineWindowEnd   string `mapstructure:"offlineWindowEnd"`
}

// TransportConfig holds the upstream service addresses the Dispatcher and
// ExecutionRouter route to.
type TransportConfig struct {
	ChatShellURL       string `mapstructure:"chatShellUrl"`
	ExecutorManagerURL string `mapstructure:"executorManagerUrl"`
	CallbackBaseURL    string `mapstructure:"callbackBaseUrl"`
	// ResourceServiceURL is the external typed data service that owns
	// Ghost/Shell/Model/Bot/Attachment/Task resources; the execution plane
	// only ever reads from it.
	ResourceServiceURL string `mapstructure:"resourceServiceUrl"`
	DispatchTimeout    int    `mapstructure:"dispatchTimeoutSeconds"`
	CallbackTimeout    int    `mapstructure:"callbackTimeoutSeconds"`
	HealthTimeout      int    `mapstructure:"healthTimeoutSeconds"`
}

// JWTConfig holds signing settings for auth_token/task_token minting.
type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	AuthTokenTTL int    `mapstructure:"authTokenTtlSeconds"`
	TaskTokenTTL int    `mapstructure:"taskTokenTtlSeconds"`
}

// HeartbeatConfig holds worker-liveness detection settings.
type HeartbeatConfig struct {
	IntervalSeconds   int `mapstructure:"intervalSeconds"`
	TimeoutSeconds    int `mapstructure:"timeoutSeconds"`
	GraceSeconds      int `mapstructure:"graceSeconds"`
	ScanIntervalSecs  int `mapstructure:"scanIntervalSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AuthTokenTTLDuration returns the auth_token lifetime as a time.Duration.
func (j *JWTConfig) AuthTokenTTLDuration() time.Duration {
	return time.Duration(j.AuthTokenTTL) * time.Second
}

// TaskTokenTTLDuration returns the task_token lifetime as a time.Duration.
func (j *JWTConfig) TaskTokenTTLDuration() time.Duration {
	return time.Duration(j.TaskTokenTTL) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("EXECPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "execplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "execplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 20)
	v.SetDefault("redis.dialTimeout", 5)
	v.SetDefault("redis.maxRetries", 3)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "execplane-cluster")
	v.SetDefault("nats.clientId", "execplane-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Docker defaults — platform-aware host and volume path
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "execplane-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())
	v.SetDefault("docker.portRangeStart", 20000)
	v.SetDefault("docker.portRangeEnd", 21000)
	v.SetDefault("docker.networkHostMode", false)
	v.SetDefault("docker.removeOnCrash", false)

	// Queue defaults
	v.SetDefault("queue.onlinePool", "default")
	v.SetDefault("queue.offlinePool", "default")
	v.SetDefault("queue.blockTimeout", 5)
	v.SetDefault("queue.maxConcurrent", 10)
	v.SetDefault("queue.maxRetries", 2)
	v.SetDefault("queue.backpressureSleepMs", 500)
	v.SetDefault("queue.offlineWindowStart", "20:00")
	v.SetDefault("queue.offlineWindowEnd", "08:00")

	// Transport defaults
	v.SetDefault("transport.chatShellUrl", "http://localhost:8101")
	v.SetDefault("transport.executorManagerUrl", "http://localhost:8102")
	v.SetDefault("transport.callbackBaseUrl", "http://localhost:8080")
	v.SetDefault("transport.resourceServiceUrl", "http://localhost:8103")
	v.SetDefault("transport.dispatchTimeoutSeconds", 300)
	v.SetDefault("transport.callbackTimeoutSeconds", 30)
	v.SetDefault("transport.healthTimeoutSeconds", 10)

	// JWT defaults
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.authTokenTtlSeconds", 24*3600)
	v.SetDefault("jwt.taskTokenTtlSeconds", 3600)

	// Heartbeat defaults
	v.SetDefault("heartbeat.intervalSeconds", 20)
	v.SetDefault("heartbeat.timeoutSeconds", 30)
	v.SetDefault("heartbeat.graceSeconds", 15)
	v.SetDefault("heartbeat.scanIntervalSeconds", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "execplane", "volumes")
	}
	return "/var/lib/execplane/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix EXECPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/execplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EXECPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "EXECPLANE_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "EXECPLANE_EVENTS_NAMESPACE")
	_ = v.BindEnv("redis.addr", "EXECPLANE_REDIS_ADDR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/execplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required")
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	if cfg.JWT.Secret == "" {
		cfg.JWT.Secret = generateDevSecret()
	}
	if cfg.JWT.AuthTokenTTL <= 0 {
		errs = append(errs, "jwt.authTokenTtlSeconds must be positive")
	}
	if cfg.JWT.TaskTokenTTL <= 0 {
		errs = append(errs, "jwt.taskTokenTtlSeconds must be positive")
	}

	if cfg.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue.maxConcurrent must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Fixed dev secret with a warning prefix; production must set EXECPLANE_JWT_SECRET.
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
