// Package config provides configuration management for ClaudeCluster.
// It supports loading configuration from environment variables, config files,
// and defaults for both the coordinator and the worker processes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/claudecluster/claudecluster/internal/common/logger"
)

// ExecutionMode selects the executor backend a worker uses by default.
type ExecutionMode string

const (
	ModeProcessPool ExecutionMode = "process_pool"
	ModeContainer   ExecutionMode = "container_agentic"
)

// CoordinatorConfig holds all configuration for the coordinator process.
type CoordinatorConfig struct {
	Host                  string               `mapstructure:"host"`
	Port                  int                  `mapstructure:"port"`
	WorkerEndpoints       []string             `mapstructure:"workerEndpoints"`
	HealthCheckIntervalMs int                  `mapstructure:"healthCheckIntervalMs"`
	RequestTimeoutMs      int                  `mapstructure:"requestTimeoutMs"`
	TaskGcMaxAgeMs        int64                `mapstructure:"taskGcMaxAgeMs"`
	McpEnabled            bool                 `mapstructure:"mcpEnabled"`
	Logging               logger.LoggingConfig `mapstructure:"logging"`
}

// WorkerConfig holds all configuration for a worker process.
type WorkerConfig struct {
	Host               string               `mapstructure:"host"`
	Port               int                  `mapstructure:"port"`
	WorkerID           string               `mapstructure:"workerId"`
	Name               string               `mapstructure:"name"`
	MaxConcurrentTasks int                  `mapstructure:"maxConcurrentTasks"`
	ExecutionMode      ExecutionMode        `mapstructure:"executionMode"`
	SessionTimeoutMs   int                  `mapstructure:"sessionTimeoutMs"`
	ProcessPool        ProcessPoolConfig    `mapstructure:"processPool"`
	Container          ContainerConfig      `mapstructure:"container"`
	FeatureFlags       FeatureFlags         `mapstructure:"featureFlags"`
	Auth               AuthConfig           `mapstructure:"auth"`
	NATS               NATSConfig           `mapstructure:"nats"`
	Logging            logger.LoggingConfig `mapstructure:"logging"`
}

// ProcessPoolConfig configures the reusable process executor pool.
type ProcessPoolConfig struct {
	Min              int    `mapstructure:"min"`
	Max              int    `mapstructure:"max"`
	IdleTimeoutMs    int    `mapstructure:"idleTimeoutMs"`
	ProcessTimeoutMs int    `mapstructure:"processTimeoutMs"`
	AgentCommand     string `mapstructure:"agentCommand"`
	WorkspaceDir     string `mapstructure:"workspaceDir"`
	TempDir          string `mapstructure:"tempDir"`
	MaxMemoryMB      int    `mapstructure:"maxMemoryMB"`
}

// ContainerConfig configures the per-task container executor.
type ContainerConfig struct {
	Image           string         `mapstructure:"image"`
	Host            string         `mapstructure:"host"`
	NetworkMode     string         `mapstructure:"networkMode"`
	ResourceLimits  ResourceLimits `mapstructure:"resourceLimits"`
	SecurityOptions []string       `mapstructure:"securityOptions"`
	AutoRemove      bool           `mapstructure:"autoRemove"`
	ReadOnlyRootfs  bool           `mapstructure:"readOnlyRootfs"`
	WorkspaceRoot   string         `mapstructure:"workspaceRoot"`
}

// ResourceLimits bounds a single container's resource usage.
type ResourceLimits struct {
	MemoryBytes int64 `mapstructure:"memory"`
	CPUShares   int64 `mapstructure:"cpu"`
}

// FeatureFlags gates optional worker behavior.
type FeatureFlags struct {
	EnableContainerMode bool `mapstructure:"enableContainerMode"`
	AllowModeOverride   bool `mapstructure:"allowModeOverride"`
}

// AuthConfig holds the API credential passed through to executors.
type AuthConfig struct {
	APIKey string `mapstructure:"apiKey"`
	Source string `mapstructure:"source"` // env or file
}

// NATSConfig holds the optional NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HealthCheckInterval returns the probe interval as a time.Duration.
func (c *CoordinatorConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-call HTTP timeout as a time.Duration.
func (c *CoordinatorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// TaskGcMaxAge returns the task GC grace as a time.Duration.
func (c *CoordinatorConfig) TaskGcMaxAge() time.Duration {
	return time.Duration(c.TaskGcMaxAgeMs) * time.Millisecond
}

// SessionTimeout returns the default session deadline as a time.Duration.
func (w *WorkerConfig) SessionTimeout() time.Duration {
	return time.Duration(w.SessionTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle executor reclaim threshold.
func (p *ProcessPoolConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutMs) * time.Millisecond
}

// ProcessTimeout returns the hard cap on a single process execution.
func (p *ProcessPoolConfig) ProcessTimeout() time.Duration {
	return time.Duration(p.ProcessTimeoutMs) * time.Millisecond
}

func setCoordinatorDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("workerEndpoints", []string{})
	v.SetDefault("healthCheckIntervalMs", 30000)
	v.SetDefault("requestTimeoutMs", 10000)
	v.SetDefault("taskGcMaxAgeMs", 86400000) // 24h past terminal state
	v.SetDefault("mcpEnabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8081)
	v.SetDefault("workerId", "")
	v.SetDefault("name", "")
	v.SetDefault("maxConcurrentTasks", 5)
	v.SetDefault("executionMode", string(ModeProcessPool))
	v.SetDefault("sessionTimeoutMs", 300000)

	v.SetDefault("processPool.min", 1)
	v.SetDefault("processPool.max", 5)
	v.SetDefault("processPool.idleTimeoutMs", 300000)
	v.SetDefault("processPool.processTimeoutMs", 600000)
	v.SetDefault("processPool.agentCommand", "claude")
	v.SetDefault("processPool.workspaceDir", "/tmp/claudecluster/workspaces")
	v.SetDefault("processPool.tempDir", "/tmp/claudecluster/tmp")
	v.SetDefault("processPool.maxMemoryMB", 2048)

	v.SetDefault("container.image", "claudecluster/agent:latest")
	v.SetDefault("container.host", "unix:///var/run/docker.sock")
	v.SetDefault("container.networkMode", "bridge")
	v.SetDefault("container.resourceLimits.memory", int64(2*1024*1024*1024))
	v.SetDefault("container.resourceLimits.cpu", int64(1024))
	v.SetDefault("container.securityOptions", []string{"no-new-privileges"})
	v.SetDefault("container.autoRemove", true)
	v.SetDefault("container.readOnlyRootfs", false)
	v.SetDefault("container.workspaceRoot", "/workspace")

	v.SetDefault("featureFlags.enableContainerMode", false)
	v.SetDefault("featureFlags.allowModeOverride", true)

	v.SetDefault("auth.apiKey", "")
	v.SetDefault("auth.source", "env")

	v.SetDefault("nats.url", "") // empty means in-memory event bus
	v.SetDefault("nats.clientId", "claudecluster-worker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDECLUSTER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func newViper(configName, configPath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix("CLAUDECLUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claudecluster/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// LoadCoordinator reads coordinator configuration from environment variables,
// an optional coordinator.yaml file, and defaults.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v, err := newViper("coordinator", configPath)
	if err != nil {
		return nil, err
	}
	setCoordinatorDefaults(v)

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadWorker reads worker configuration from environment variables, an
// optional worker.yaml file, and defaults.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v, err := newViper("worker", configPath)
	if err != nil {
		return nil, err
	}
	setWorkerDefaults(v)

	// API credential is usually passed through the environment, never a file
	// checked into the config path.
	_ = v.BindEnv("auth.apiKey", "ANTHROPIC_API_KEY", "CLAUDECLUSTER_AUTH_APIKEY")

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks coordinator configuration bounds.
func (c *CoordinatorConfig) Validate() error {
	var errs []string

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.HealthCheckIntervalMs <= 0 {
		errs = append(errs, "healthCheckIntervalMs must be positive")
	}
	if c.RequestTimeoutMs <= 0 {
		errs = append(errs, "requestTimeoutMs must be positive")
	}
	if c.TaskGcMaxAgeMs <= 0 {
		errs = append(errs, "taskGcMaxAgeMs must be positive")
	}
	for _, ep := range c.WorkerEndpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			errs = append(errs, fmt.Sprintf("worker endpoint %q must be an http(s) URL", ep))
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks worker configuration bounds.
func (w *WorkerConfig) Validate() error {
	var errs []string

	if w.Port <= 0 || w.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if w.MaxConcurrentTasks <= 0 {
		errs = append(errs, "maxConcurrentTasks must be positive")
	}
	switch w.ExecutionMode {
	case ModeProcessPool, ModeContainer:
	default:
		errs = append(errs, "executionMode must be process_pool or container_agentic")
	}
	if w.ExecutionMode == ModeContainer && !w.FeatureFlags.EnableContainerMode {
		errs = append(errs, "executionMode container_agentic requires featureFlags.enableContainerMode")
	}
	if w.ProcessPool.Min < 0 {
		errs = append(errs, "processPool.min must not be negative")
	}
	if w.ProcessPool.Max <= 0 || w.ProcessPool.Max < w.ProcessPool.Min {
		errs = append(errs, "processPool.max must be positive and >= processPool.min")
	}
	if w.Container.ResourceLimits.MemoryBytes < 0 {
		errs = append(errs, "container.resourceLimits.memory must not be negative")
	}
	if w.Auth.Source != "env" && w.Auth.Source != "file" {
		errs = append(errs, "auth.source must be env or file")
	}
	if err := validateLogging(w.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(cfg logger.LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Format)] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}
